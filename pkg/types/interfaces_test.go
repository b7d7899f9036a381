package types

import (
	"context"
	"testing"
	"time"
)

type sliceSource []int

func (s sliceSource) Fetch(ctx context.Context, offset, limit int) ([]int, error) {
	if offset >= len(s) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s) {
		end = len(s)
	}
	return s[offset:end], nil
}

func TestInterfaces(t *testing.T) {
	var (
		_ ChunkSource[int] = sliceSource(nil)
		_ Counter          = CounterFunc(nil)
		_ Clock            = SystemClock{}
	)
}

func TestEntryClone(t *testing.T) {
	e := Entry{Key: "k", Payload: []byte("abc"), Timestamp: time.Now()}
	c := e.Clone()
	c.Payload[0] = 'z'
	if string(e.Payload) != "abc" {
		t.Errorf("clone shares payload: %q", e.Payload)
	}
}

func TestResultLoading(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"cold start", Result{IsFetching: true}, true},
		{"stale with refresh", Result{Found: true, IsStale: true, IsFetching: true}, false},
		{"idle miss", Result{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Loading(); got != tt.want {
				t.Errorf("Loading() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFreshnessString(t *testing.T) {
	if Fresh.String() != "fresh" || Stale.String() != "stale" || Absent.String() != "absent" {
		t.Error("unexpected freshness strings")
	}
}

func TestRangeEnd(t *testing.T) {
	if (Range{Offset: 50, Count: 70}).End() != 120 {
		t.Error("expected end 120")
	}
}
