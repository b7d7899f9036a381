package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

type profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestTyped_LoadAndPatch(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testServiceConfig(t.TempDir()), newFakeClock())
	profiles := NewTyped[profile](svc.Entries(), nil)

	res := profiles.Load(ctx, "p1", func(ctx context.Context) (profile, error) {
		return profile{ID: 1, Name: "ada"}, nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, profile{ID: 1, Name: "ada"}, res.Data)

	patched := profiles.Patch(ctx, "p1", func(cur profile, found bool) (profile, error) {
		require.True(t, found)
		cur.Name = "grace"
		return cur, nil
	})
	require.NoError(t, patched.Err)
	assert.Equal(t, "grace", patched.Data.Name)

	again := profiles.Get(ctx, "p1", nil)
	assert.True(t, again.Found)
	assert.Equal(t, "grace", again.Data.Name)
}

func TestTyped_Subscribe(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testServiceConfig(t.TempDir()), newFakeClock())
	profiles := NewTyped[profile](svc.Entries(), JSONCodec[profile]{})

	got := make(chan TypedResult[profile], 1)
	defer profiles.Subscribe("p2", func(r TypedResult[profile]) { got <- r })()

	profiles.Load(ctx, "p2", func(ctx context.Context) (profile, error) {
		return profile{ID: 2}, nil
	})

	select {
	case r := <-got:
		assert.Equal(t, 2, r.Data.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func TestTyped_UndecodablePayload(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testServiceConfig(t.TempDir()), newFakeClock())

	_, err := svc.Entries().Put(ctx, "bad", []byte("not json"))
	require.NoError(t, err)

	profiles := NewTyped[profile](svc.Entries(), nil)
	res := profiles.Get(ctx, "bad", nil)
	assert.False(t, res.Found)
	assert.True(t, errors.IsCode(res.Err, errors.ErrCodeCorruptEntry))
}

func TestTyped_FetchError(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, testServiceConfig(t.TempDir()), newFakeClock())
	profiles := NewTyped[profile](svc.Entries(), nil)

	res := profiles.Load(ctx, "p3", func(ctx context.Context) (profile, error) {
		return profile{}, fmt.Errorf("backend unavailable")
	})
	assert.False(t, res.Found)
	assert.True(t, errors.IsFetchFailure(res.Err))
}

func TestStalenessPolicy_Classify(t *testing.T) {
	now := time.Now()
	policy := StalenessPolicy{StaleAfter: time.Minute}

	tests := []struct {
		name string
		age  time.Duration
		want types.Freshness
	}{
		{name: "new", age: 0, want: types.Fresh},
		{name: "just under", age: time.Minute - time.Millisecond, want: types.Fresh},
		{name: "at boundary", age: time.Minute, want: types.Stale},
		{name: "old", age: time.Hour, want: types.Stale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := types.Entry{Timestamp: now.Add(-tt.age)}
			assert.Equal(t, tt.want, policy.Classify(entry, now))
		})
	}

	assert.Equal(t, types.Stale, StalenessPolicy{}.Classify(types.Entry{Timestamp: now}, now))
}

func TestPolicies_For(t *testing.T) {
	p := Policies{
		Default:    StalenessPolicy{StaleAfter: time.Minute},
		Namespaces: map[string]StalenessPolicy{"collections": {StaleAfter: time.Hour}},
	}
	assert.Equal(t, time.Hour, p.For("collections").StaleAfter)
	assert.Equal(t, time.Minute, p.For("entries").StaleAfter)
}

func TestMemoryTier_Basics(t *testing.T) {
	m := NewMemoryTier()
	_, ok := m.Get("a")
	assert.False(t, ok)

	m.put(types.Entry{Key: "a", Payload: []byte("1")})
	m.put(types.Entry{Key: "b", Payload: []byte("22")})

	got, ok := m.Get("a")
	require.True(t, ok)
	got.Payload[0] = 'x'
	again, _ := m.Get("a")
	assert.Equal(t, "1", string(again.Payload), "callers receive copies")

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, int64(3), stats.Size)

	m.delete("a")
	assert.False(t, m.Has("a"))
	m.clear()
	assert.Equal(t, 0, m.Len())
}
