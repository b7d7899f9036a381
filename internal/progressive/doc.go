// Package progressive loads large remote collections in chunks.
//
// A Loader fetches a small initial chunk so a consumer can render quickly,
// then continues in larger background chunks paced by a rate limiter. Items
// are deduplicated by a caller supplied identity function and kept in the
// caller's order. After every chunk the accumulated items, the covered
// position ranges and the known total are persisted through a Store, so a
// restart resumes from the next unfetched offset.
//
// Lifecycle:
//
//	Idle -> LoadingInitial -> LoadingBackground <-> Paused -> Complete
//	                     \________________\_______________-> Error
//
// A complete fresh record is served without fetching and handed to a
// DriftChecker. Reload restarts from offset zero while the previous items
// stay visible until the new pass completes.
package progressive
