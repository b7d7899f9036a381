package progressive

import (
	"encoding/json"
	"time"

	"github.com/objectfs/tiercache/pkg/types"
)

// record is the persisted shape of a collection. Only a record whose ranges
// cover [0, Total) may carry Complete=true.
type record[T any] struct {
	Items     []T           `json:"items"`
	Ranges    []types.Range `json:"loaded_ranges"`
	Total     int           `json:"total_known"`
	Complete  bool          `json:"complete"`
	Session   string        `json:"session"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// accumulation is the in-memory state of one load pass.
type accumulation[T any] struct {
	items  []T
	seen   map[string]struct{}
	ranges Ranges
	total  int
}

func newAccumulation[T any]() *accumulation[T] {
	return &accumulation[T]{seen: make(map[string]struct{})}
}

// merge appends the items of chunk whose identity is new and records the
// chunk's position range. It returns the number of items added.
func (a *accumulation[T]) merge(chunk []T, offset int, identity func(T) string, less func(a, b T) bool) int {
	added := 0
	for _, item := range chunk {
		id := identity(item)
		if _, dup := a.seen[id]; dup {
			continue
		}
		a.seen[id] = struct{}{}
		a.items = append(a.items, item)
		added++
	}
	a.ranges.Add(offset, len(chunk))
	if less != nil && added > 0 {
		sortStable(a.items, less)
	}
	return added
}

func (a *accumulation[T]) snapshotItems() []T {
	out := make([]T, len(a.items))
	copy(out, a.items)
	return out
}

func (a *accumulation[T]) encode(complete bool, session string, now time.Time) ([]byte, error) {
	return json.Marshal(record[T]{
		Items:     a.items,
		Ranges:    a.ranges.Intervals(),
		Total:     a.total,
		Complete:  complete,
		Session:   session,
		UpdatedAt: now,
	})
}

// decodeRecord rebuilds an accumulation from a persisted payload. Duplicate
// identities are dropped and a Complete flag that the ranges do not justify
// is cleared.
func decodeRecord[T any](payload []byte, identity func(T) string, less func(a, b T) bool) (*accumulation[T], bool, error) {
	var rec record[T]
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, false, err
	}

	acc := newAccumulation[T]()
	for _, item := range rec.Items {
		id := identity(item)
		if _, dup := acc.seen[id]; dup {
			continue
		}
		acc.seen[id] = struct{}{}
		acc.items = append(acc.items, item)
	}
	if less != nil {
		sortStable(acc.items, less)
	}
	acc.ranges = NewRanges(rec.Ranges...)
	acc.total = rec.Total

	complete := rec.Complete && acc.ranges.Covers(0, rec.Total)
	return acc, complete, nil
}
