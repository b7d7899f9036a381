/*
Package types provides the shared data model and contracts for tiercache.

The cache core is payload-agnostic: every tier stores an Entry whose Payload
is an opaque byte slice stamped with the time it was fetched and the schema
version it was written under.

# Data Model

	Entry     {Key, Payload, Timestamp, SchemaVersion}
	Result    {Data, Found, IsStale, IsFetching, Err, Timestamp}
	Range     [Offset, Offset+Count) of remote positions

A Result never hides cached data behind an error. When a background refresh
fails, Err is set and Data still carries the previous value, so a consumer can
keep rendering while surfacing the failure.

# Remote Contracts

ChunkSource is the ranged fetch a backend must provide for progressive
collection loading. Counter is the optional count-only query used to detect
that a persisted collection has drifted from the remote dataset.
*/
package types
