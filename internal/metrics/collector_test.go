package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"}, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 9464, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "tiercache", c.config.Namespace)
	})

	t.Run("empty path defaults", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: true}, nil)
		require.NoError(t, err)
		assert.Equal(t, "/metrics", c.config.Path)
	})
}

func TestCollector_Records(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordTierHit("memory")
	c.RecordTierHit("memory")
	c.RecordTierHit("persistent")
	c.RecordTierMiss()
	c.RecordFetch("success", 10*time.Millisecond)
	c.RecordFetchJoin()
	c.SetInFlight(3)
	c.RecordPersistFailure()
	c.RecordChunk(50)
	c.RecordChunk(70)
	c.RecordDrift("changed")
	c.RecordAsset("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tierHits.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierHits.WithLabelValues("persistent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tierMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetchJoins))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.inFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunks))
	assert.Equal(t, 120.0, testutil.ToFloat64(c.chunkItems))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.driftChecks.WithLabelValues("changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.assets.WithLabelValues("failed")))
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordTierMiss()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_tier_misses_total 1"))
}

func TestOrNop(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Nop{}, OrNop(nil))
	c := newTestCollector(t)
	assert.Same(t, c, OrNop(c))
}
