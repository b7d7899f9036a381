package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/pkg/errors"
)

type user struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func newUserServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page := []user{}
		for i := offset; i < offset+limit && i < total; i++ {
			page = append(page, user{ID: i, Name: fmt.Sprintf("user-%d", i)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"users": page}})
	})
	mux.HandleFunc("/users/count", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"meta":{"total":%d}}`, total)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	})
	mux.HandleFunc("/plain/count", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`2`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := newUserServer(t, 120)
	src, err := NewHTTPSource[user](Config{
		BaseURL:   srv.URL + "/",
		Path:      "/users",
		CountPath: "/users/count",
		ItemsPath: "data.users",
		CountJSON: "meta.total",
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset int
		limit  int
		want   int
	}{
		{name: "first page", offset: 0, limit: 50, want: 50},
		{name: "short tail", offset: 100, limit: 50, want: 20},
		{name: "past end", offset: 200, limit: 50, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := src.Fetch(context.Background(), tt.offset, tt.limit)
			require.NoError(t, err)
			assert.Len(t, items, tt.want)
			if tt.want > 0 {
				assert.Equal(t, tt.offset, items[0].ID)
			}
		})
	}

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, n)
}

func TestHTTPSource_PlainBodies(t *testing.T) {
	srv := newUserServer(t, 0)
	src, err := NewHTTPSource[json.RawMessage](Config{BaseURL: srv.URL, Path: "/plain", CountPath: "/plain/count"})
	require.NoError(t, err)

	items, err := src.Fetch(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	id := FieldIdentity("id")
	assert.Equal(t, "1", id(items[0]))
	assert.Equal(t, "2", id(items[1]))

	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHTTPSource_Errors(t *testing.T) {
	srv := newUserServer(t, 10)

	broken, err := NewHTTPSource[user](Config{BaseURL: srv.URL, Path: "/broken", CountPath: "/broken"})
	require.NoError(t, err)
	_, err = broken.Fetch(context.Background(), 0, 10)
	assert.True(t, errors.IsFetchFailure(err))
	assert.Contains(t, err.Error(), "503")
	_, err = broken.Count(context.Background())
	assert.True(t, errors.IsFetchFailure(err))

	wrongPath, err := NewHTTPSource[user](Config{BaseURL: srv.URL, Path: "/users", ItemsPath: "data.missing"})
	require.NoError(t, err)
	_, err = wrongPath.Fetch(context.Background(), 0, 10)
	assert.True(t, errors.IsFetchFailure(err))

	_, err = wrongPath.Count(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoFetcher))

	_, err = NewHTTPSource[user](Config{Path: "/users"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestHTTPSource_Breaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	t.Run("server errors open the breaker", func(t *testing.T) {
		hits.Store(0)
		breaker := circuit.New(circuit.Config{Name: "users", FailureThreshold: 2})
		src, err := NewHTTPSource[user](Config{BaseURL: srv.URL, Path: "/users", CountPath: "/users/count", Breaker: breaker})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = src.Fetch(context.Background(), 0, 10)
			assert.True(t, errors.IsFetchFailure(err))
		}
		assert.Equal(t, circuit.StateOpen, breaker.State())

		_, err = src.Fetch(context.Background(), 0, 10)
		assert.True(t, errors.IsFetchFailure(err))
		assert.ErrorIs(t, err, circuit.ErrOpen)
		_, err = src.Count(context.Background())
		assert.ErrorIs(t, err, circuit.ErrOpen)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("client errors do not", func(t *testing.T) {
		hits.Store(0)
		breaker := circuit.New(circuit.Config{Name: "gone", FailureThreshold: 1})
		src, err := NewHTTPSource[user](Config{BaseURL: srv.URL, Path: "/gone", Breaker: breaker})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = src.Fetch(context.Background(), 0, 10)
			assert.True(t, errors.IsFetchFailure(err))
			assert.Contains(t, err.Error(), "404")
		}
		assert.Equal(t, circuit.StateClosed, breaker.State())
		assert.Equal(t, int32(3), hits.Load())
	})
}
