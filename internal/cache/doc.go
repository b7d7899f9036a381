/*
Package cache provides the two-tier stale-while-revalidate cache.

Reads are answered from the fastest tier that holds a value. A value past its
namespace's freshness window is still returned, and a background fetch is
started to replace it. A remote source is only contacted once per key at a
time, however many callers ask.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│                 Consumers                   │
	│     Get / Load / Refresh / Patch / Sub      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Service (per namespace)           │
	│   StalenessPolicy  ·  subscribers  ·  errs  │
	└─────────────────────────────────────────────┘
	          │                        │
	┌──────────────────┐    ┌───────────────────────┐
	│   MemoryTier     │◄───│   FetchCoordinator    │
	│  (map, no evict) │    │ singleflight per key  │
	└──────────────────┘    └───────────────────────┘
	          │ miss                   │ async put
	┌─────────────────────────────────────────────┐
	│        Store / PersistentTier               │
	│  meta.json · <namespace>/index.json · gzip  │
	└─────────────────────────────────────────────┘

# Tiers

MemoryTier is a plain map guarded by a read/write mutex. It never evicts;
only the coordinator writes it.

PersistentTier stores one namespace as a directory of payload files named by
the SHA-256 of the key plus a JSON index. Payloads are gzip-compressed when
configured and verified against a SHA-256 checksum on every read. Entries
older than the hard expiry, entries with a different schema version, and
entries that fail verification are removed and reported absent.

The Store writes meta.json at its root. When the layout version recorded
there differs from LayoutVersion, every namespace is discarded on open.

# Fetch Coordination

FetchCoordinator runs at most one fetch per key. On success it stamps a
single timestamp, writes the memory tier, hands the entry to the persistent
tier, runs success hooks, and only then releases waiters. On failure no tier
is touched. Fetches run on a context detached from the caller, so a caller
that gives up does not cancel the fetch for others.

# Usage Example

	svc, err := cache.NewService(cache.ServiceConfig{
		StaleAfter: 5 * time.Minute,
		Store:      &cache.StoreConfig{Directory: dir, HardExpiry: 7 * 24 * time.Hour},
	}, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	res := svc.Get(ctx, "profile:42", fetchProfile)
	if res.Loading() {
		// nothing cached yet
	}
*/
package cache
