package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/pkg/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if !strings.Contains(strings.Join(args, " "), "--log-level") {
		args = append(args, "--log-level", "error")
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedStore(t *testing.T, dir string, entries map[string]map[string]string) {
	t.Helper()
	store, err := cache.OpenStore(cache.StoreConfig{
		Directory:     dir,
		HardExpiry:    7 * 24 * time.Hour,
		SchemaVersion: 1,
		Compression:   true,
	})
	require.NoError(t, err)
	for ns, kv := range entries {
		tier, err := store.Namespace(ns)
		require.NoError(t, err)
		for k, v := range kv {
			require.NoError(t, tier.Put(context.Background(), types.Entry{
				Key:           k,
				Payload:       []byte(v),
				Timestamp:     time.Now(),
				SchemaVersion: 1,
			}))
		}
	}
	require.NoError(t, store.Close())
}

func TestInspectGetPurge(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, map[string]map[string]string{
		cache.NamespaceEntries: {"profile:1": `{"name":"ada"}`, "profile:2": `{"name":"grace"}`},
		cache.NamespaceAssets:  {"manifest": `[]`},
	})

	out, err := run(t, "inspect", "--dir", dir, "--json")
	require.NoError(t, err)
	var reports []namespaceReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, cache.NamespaceAssets, reports[0].Name)
	assert.Equal(t, cache.NamespaceEntries, reports[1].Name)
	assert.Len(t, reports[1].Entries, 2)

	out, err = run(t, "inspect", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "NAMESPACE")
	assert.Contains(t, out, "profile:1")

	out, err = run(t, "get", cache.NamespaceEntries, "profile:2", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"grace"}`, out)

	_, err = run(t, "get", cache.NamespaceEntries, "nope", "--dir", dir)
	assert.Error(t, err)

	_, err = run(t, "purge", cache.NamespaceEntries, "--dir", dir)
	require.NoError(t, err)
	_, err = run(t, "get", cache.NamespaceEntries, "profile:1", "--dir", dir)
	assert.Error(t, err)

	out, err = run(t, "get", cache.NamespaceAssets, "manifest", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, `[]`, out)
}

func TestInvalidConfig(t *testing.T) {
	_, err := run(t, "inspect", "--dir", t.TempDir(), "--log-level", "LOUD")
	require.Error(t, err)
}

func TestWarm(t *testing.T) {
	const total = 23
	var imageHits atomic.Int32

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		parts := []string{}
		for i := offset; i < offset+limit && i < total; i++ {
			parts = append(parts, fmt.Sprintf(`{"id":%d,"image":"%s/img/%d.png"}`, i, srv.URL, i))
		}
		_, _ = fmt.Fprintf(w, "[%s]", strings.Join(parts, ","))
	})
	mux.HandleFunc("/items/count", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"count":%d}`, total)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		imageHits.Add(1)
		_, _ = w.Write([]byte("png"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Persistent.Directory = filepath.Join(dir, "store")
	cfg.Remote.BaseURL = srv.URL
	cfg.Progressive.InitialChunkSize = 5
	cfg.Progressive.BackgroundChunkSize = 10
	cfg.Progressive.ChunkDelay = 0
	cfgFile := filepath.Join(dir, "tierctl.yaml")
	require.NoError(t, cfg.SaveToFile(cfgFile))

	_, err := run(t, "warm", "--config", cfgFile, "--prefetch-field", "image")
	require.NoError(t, err)
	assert.Equal(t, int32(total), imageHits.Load())

	out, err := run(t, "get", cache.NamespaceCollections, "/items", "--config", cfgFile)
	require.NoError(t, err)
	assert.True(t, gjson.Get(out, "complete").Bool())
	assert.Equal(t, int64(total), gjson.Get(out, "items.#").Int())
	assert.Equal(t, int64(total), gjson.Get(out, "total_known").Int())
}

func TestWarm_RequiresRemote(t *testing.T) {
	_, err := run(t, "warm", "--dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}
