package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

func newTestTier(t *testing.T, cfg PersistentTierConfig) *PersistentTier {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	tier, err := NewPersistentTier("test", &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestPersistentTier_PutGet(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		compression bool
		payload     []byte
	}{
		{name: "with compression", compression: true, payload: []byte(`{"v":1,"pad":"` + string(make([]byte, 512)) + `"}`)},
		{name: "without compression", compression: false, payload: []byte(`{"v":1}`)},
		{name: "binary payload", compression: true, payload: []byte{0x00, 0xff, 0x10, 0x00, 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := newTestTier(t, PersistentTierConfig{Compression: tt.compression})
			ts := time.Now().Truncate(time.Millisecond)

			require.NoError(t, tier.Put(ctx, types.Entry{Key: "x", Payload: tt.payload, Timestamp: ts, SchemaVersion: 1}))

			got, found, err := tier.Get(ctx, "x")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tt.payload, got.Payload)
			assert.True(t, ts.Equal(got.Timestamp))
			assert.Equal(t, 1, got.SchemaVersion)

			info, ok := tier.Describe("x")
			require.True(t, ok)
			assert.Equal(t, tt.compression, info.Compressed)
		})
	}
}

func TestPersistentTier_GetDuringConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{Compression: true})
	base := time.Now()
	require.NoError(t, tier.Put(ctx, types.Entry{Key: "x", Payload: []byte("v0000"), Timestamp: base, SchemaVersion: 1}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			entry := types.Entry{
				Key:           "x",
				Payload:       []byte(fmt.Sprintf("v%04d", i)),
				Timestamp:     base.Add(time.Duration(i) * time.Millisecond),
				SchemaVersion: 1,
			}
			assert.NoError(t, tier.Put(ctx, entry))
		}
	}()

	for i := 0; i < 200; i++ {
		got, found, err := tier.Get(ctx, "x")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, strings.HasPrefix(string(got.Payload), "v"))
	}
	wg.Wait()

	got, found, err := tier.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v0200", string(got.Payload))
}

func TestPersistentTier_GetMiss(t *testing.T) {
	tier := newTestTier(t, PersistentTierConfig{})

	_, found, err := tier.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(1), tier.Stats().Misses)
}

func TestPersistentTier_OlderPutDropped(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{})
	now := time.Now()

	require.NoError(t, tier.Put(ctx, types.Entry{Key: "k", Payload: []byte("new"), Timestamp: now, SchemaVersion: 1}))
	require.NoError(t, tier.Put(ctx, types.Entry{Key: "k", Payload: []byte("old"), Timestamp: now.Add(-time.Second), SchemaVersion: 1}))

	got, found, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", string(got.Payload))
}

func TestPersistentTier_HardExpiry(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{HardExpiry: time.Hour})

	now := time.Now()
	tier.now = func() time.Time { return now }
	require.NoError(t, tier.Put(ctx, types.Entry{Key: "k", Payload: []byte("v"), Timestamp: now.Add(-59 * time.Minute), SchemaVersion: 1}))

	_, found, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found, "entry within hard expiry is served")

	tier.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, found, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "entry past hard expiry is absent")
	assert.Equal(t, 0, tier.Len(), "expired entry is removed")
}

func TestPersistentTier_SchemaMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v1 := newTestTier(t, PersistentTierConfig{Directory: dir, SchemaVersion: 1})
	require.NoError(t, v1.Put(ctx, types.Entry{Key: "k", Payload: []byte("v"), Timestamp: time.Now(), SchemaVersion: 1}))
	require.NoError(t, v1.Close())

	v2 := newTestTier(t, PersistentTierConfig{Directory: dir, SchemaVersion: 2})
	_, found, err := v2.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, v2.Len())
}

func TestPersistentTier_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{Compression: false})
	require.NoError(t, tier.Put(ctx, types.Entry{Key: "k", Payload: []byte("original"), Timestamp: time.Now(), SchemaVersion: 1}))

	item := tier.index["k"]
	require.NoError(t, os.WriteFile(tier.dataPath(item), []byte("tampered"), 0600))

	_, found, err := tier.Get(ctx, "k")
	assert.False(t, found)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruptEntry))
	assert.Equal(t, 0, tier.Len())
}

func TestPersistentTier_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newTestTier(t, PersistentTierConfig{Directory: dir, Compression: true})
	require.NoError(t, first.Put(ctx, types.Entry{Key: "a", Payload: []byte("1"), Timestamp: time.Now(), SchemaVersion: 1}))
	require.NoError(t, first.Put(ctx, types.Entry{Key: "b", Payload: []byte("2"), Timestamp: time.Now(), SchemaVersion: 1}))
	require.NoError(t, first.Close())

	second := newTestTier(t, PersistentTierConfig{Directory: dir, Compression: true})
	assert.Equal(t, []string{"a", "b"}, second.Keys())

	got, found, err := second.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(got.Payload))
}

func TestPersistentTier_CorruptIndexStartsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newTestTier(t, PersistentTierConfig{Directory: dir})
	require.NoError(t, first.Put(ctx, types.Entry{Key: "a", Payload: []byte("1"), Timestamp: time.Now(), SchemaVersion: 1}))
	require.NoError(t, first.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultIndexFile), []byte("{not json"), 0600))

	second := newTestTier(t, PersistentTierConfig{Directory: dir})
	assert.Equal(t, 0, second.Len())

	matches, err := filepath.Glob(filepath.Join(dir, "*"+dataFileSuffix))
	require.NoError(t, err)
	assert.Empty(t, matches, "stray data files are removed")
}

func TestPersistentTier_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{})

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tier.Put(ctx, types.Entry{Key: k, Payload: []byte(k), Timestamp: time.Now(), SchemaVersion: 1}))
	}

	require.NoError(t, tier.Delete(ctx, "b"))
	require.NoError(t, tier.Delete(ctx, "missing"))
	assert.Equal(t, []string{"a", "c"}, tier.Keys())

	require.NoError(t, tier.Clear())
	assert.Equal(t, 0, tier.Len())
}

func TestPersistentTier_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	tier := newTestTier(t, PersistentTierConfig{HardExpiry: time.Minute})
	now := time.Now()
	tier.now = func() time.Time { return now }

	require.NoError(t, tier.Put(ctx, types.Entry{Key: "old", Payload: []byte("1"), Timestamp: now.Add(-2 * time.Minute), SchemaVersion: 1}))
	require.NoError(t, tier.Put(ctx, types.Entry{Key: "new", Payload: []byte("2"), Timestamp: now, SchemaVersion: 1}))

	tier.purgeExpired()
	assert.Equal(t, []string{"new"}, tier.Keys())
}

func TestPersistentTier_CanceledContext(t *testing.T) {
	tier := newTestTier(t, PersistentTierConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tier.Put(ctx, types.Entry{Key: "k", Payload: []byte("v"), Timestamp: time.Now()})
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))

	_, _, err = tier.Get(ctx, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
}

func TestNewPersistentTier_RequiresDirectory(t *testing.T) {
	_, err := NewPersistentTier("x", &PersistentTierConfig{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}
