package progressive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/types"
)

func TestRanges_Add(t *testing.T) {
	tests := []struct {
		name string
		add  []types.Range
		want []types.Range
	}{
		{name: "empty", add: nil, want: []types.Range{}},
		{name: "single", add: []types.Range{{Offset: 0, Count: 50}}, want: []types.Range{{Offset: 0, Count: 50}}},
		{
			name: "adjacent merge",
			add:  []types.Range{{Offset: 0, Count: 50}, {Offset: 50, Count: 100}},
			want: []types.Range{{Offset: 0, Count: 150}},
		},
		{
			name: "overlap merge",
			add:  []types.Range{{Offset: 10, Count: 20}, {Offset: 0, Count: 15}},
			want: []types.Range{{Offset: 0, Count: 30}},
		},
		{
			name: "gap kept",
			add:  []types.Range{{Offset: 0, Count: 10}, {Offset: 20, Count: 10}},
			want: []types.Range{{Offset: 0, Count: 10}, {Offset: 20, Count: 10}},
		},
		{
			name: "bridge closes gap",
			add:  []types.Range{{Offset: 0, Count: 10}, {Offset: 20, Count: 10}, {Offset: 5, Count: 20}},
			want: []types.Range{{Offset: 0, Count: 30}},
		},
		{
			name: "out of order",
			add:  []types.Range{{Offset: 40, Count: 5}, {Offset: 0, Count: 5}, {Offset: 20, Count: 5}},
			want: []types.Range{{Offset: 0, Count: 5}, {Offset: 20, Count: 5}, {Offset: 40, Count: 5}},
		},
		{
			name: "empty and negative ignored",
			add:  []types.Range{{Offset: 0, Count: 0}, {Offset: -5, Count: 3}, {Offset: 3, Count: -1}},
			want: []types.Range{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRanges(tt.add...)
			assert.Equal(t, tt.want, r.Intervals())
		})
	}
}

func TestRanges_Queries(t *testing.T) {
	r := NewRanges(types.Range{Offset: 0, Count: 50}, types.Range{Offset: 60, Count: 40})

	assert.Equal(t, 50, r.ContiguousEnd())
	assert.Equal(t, 90, r.Size())
	assert.True(t, r.Covers(0, 50))
	assert.True(t, r.Covers(60, 40))
	assert.False(t, r.Covers(0, 100))
	assert.False(t, r.Covers(45, 10))
	assert.True(t, r.Covers(10, 0))

	gap := NewRanges(types.Range{Offset: 10, Count: 5})
	assert.Equal(t, 0, gap.ContiguousEnd())
}

func TestDecodeRecord(t *testing.T) {
	t.Run("complete without coverage is cleared", func(t *testing.T) {
		acc := newAccumulation[item]()
		acc.merge(makeItems(10), 0, itemID, nil)
		acc.total = 20
		payload, err := acc.encode(true, "s", time.Now())
		require.NoError(t, err)

		got, complete, err := decodeRecord(payload, itemID, byRank)
		require.NoError(t, err)
		assert.False(t, complete)
		assert.Len(t, got.items, 10)
	})

	t.Run("duplicates dropped", func(t *testing.T) {
		payload := []byte(`{"items":[{"id":"a","rank":2},{"id":"b","rank":1},{"id":"a","rank":3}],` +
			`"loaded_ranges":[{"offset":0,"count":3}],"total_known":3,"complete":true}`)
		got, complete, err := decodeRecord(payload, itemID, byRank)
		require.NoError(t, err)
		assert.True(t, complete)
		assert.Equal(t, []item{{ID: "b", Rank: 1}, {ID: "a", Rank: 2}}, got.items)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := decodeRecord([]byte("{"), itemID, byRank)
		assert.Error(t, err)
	})
}
