package progressive

import (
	"sort"

	"github.com/objectfs/tiercache/pkg/types"
)

// Ranges is an ordered set of disjoint half-open intervals of remote
// positions. Overlapping and adjacent intervals are merged on insert.
type Ranges struct {
	spans []types.Range
}

// NewRanges builds a set from arbitrary, possibly overlapping intervals.
func NewRanges(intervals ...types.Range) Ranges {
	var r Ranges
	for _, iv := range intervals {
		r.Add(iv.Offset, iv.Count)
	}
	return r
}

// Add inserts [offset, offset+count). Empty or negative intervals are ignored.
func (r *Ranges) Add(offset, count int) {
	if count <= 0 || offset < 0 {
		return
	}
	start, end := offset, offset+count

	// First span that ends at or after start can merge with the new one.
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].End() >= start })
	j := i
	for j < len(r.spans) && r.spans[j].Offset <= end {
		if r.spans[j].Offset < start {
			start = r.spans[j].Offset
		}
		if r.spans[j].End() > end {
			end = r.spans[j].End()
		}
		j++
	}

	merged := types.Range{Offset: start, Count: end - start}
	r.spans = append(r.spans[:i], append([]types.Range{merged}, r.spans[j:]...)...)
}

// Covers reports whether every position in [offset, offset+count) is present.
func (r Ranges) Covers(offset, count int) bool {
	if count <= 0 {
		return true
	}
	for _, s := range r.spans {
		if s.Offset <= offset && s.End() >= offset+count {
			return true
		}
	}
	return false
}

// ContiguousEnd returns the end of the interval starting at zero, or zero.
func (r Ranges) ContiguousEnd() int {
	if len(r.spans) == 0 || r.spans[0].Offset != 0 {
		return 0
	}
	return r.spans[0].End()
}

// Size returns the number of covered positions.
func (r Ranges) Size() int {
	n := 0
	for _, s := range r.spans {
		n += s.Count
	}
	return n
}

// Intervals returns a copy of the intervals in ascending order.
func (r Ranges) Intervals() []types.Range {
	out := make([]types.Range, len(r.spans))
	copy(out, r.spans)
	return out
}
