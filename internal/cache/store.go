package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// LayoutVersion is the on-disk layout understood by this build. A store
// written with any other layout version is wiped on open.
const LayoutVersion = 1

// Well-known namespaces.
const (
	NamespaceCollections = "collections"
	NamespaceEntries     = "entries"
	NamespaceAssets      = "assets"
)

const metaFile = "meta.json"

// StoreConfig configures the on-disk store shared by all namespaces.
type StoreConfig struct {
	Directory       string        `yaml:"directory"`
	HardExpiry      time.Duration `yaml:"hard_expiry"`
	SchemaVersion   int           `yaml:"schema_version"`
	Compression     bool          `yaml:"compression"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

type storeMeta struct {
	LayoutVersion int       `json:"layout_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store is the root of the persistent tier. Each namespace lives in its own
// subdirectory and is opened lazily.
type Store struct {
	mu     sync.Mutex
	config StoreConfig
	tiers  map[string]*PersistentTier
	meta   storeMeta
	wiped  bool
	closed bool
}

// OpenStore opens the store rooted at cfg.Directory.
func OpenStore(cfg StoreConfig) (*Store, error) {
	return openStore(cfg, LayoutVersion)
}

func openStore(cfg StoreConfig, layout int) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errors.NewInvalidArgument("store directory is required")
	}
	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.NewPersistenceFailure("", "open", fmt.Errorf("failed to create store directory: %w", err))
	}

	s := &Store{
		config: cfg,
		tiers:  make(map[string]*PersistentTier),
	}

	meta, err := readMeta(cfg.Directory)
	switch {
	case err == nil && meta.LayoutVersion == layout:
		s.meta = meta
		return s, nil
	case err != nil && !os.IsNotExist(err):
		// Unreadable meta is treated as an incompatible layout.
		s.wiped = true
	case err == nil:
		s.wiped = true
	}

	if s.wiped {
		if err := wipeNamespaces(cfg.Directory); err != nil {
			return nil, errors.NewPersistenceFailure("", "wipe", err)
		}
	}

	s.meta = storeMeta{LayoutVersion: layout, CreatedAt: time.Now().UTC()}
	if err := writeMeta(cfg.Directory, s.meta); err != nil {
		return nil, errors.NewPersistenceFailure("", "open", err)
	}
	return s, nil
}

// Namespace returns the tier for name, opening it on first use.
func (s *Store) Namespace(name string) (*PersistentTier, error) {
	if err := validateNamespace(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.NewPersistenceFailure("", "open", fmt.Errorf("store is closed"))
	}
	if tier, ok := s.tiers[name]; ok {
		return tier, nil
	}

	tier, err := NewPersistentTier(name, &PersistentTierConfig{
		Directory:       filepath.Join(s.config.Directory, name),
		HardExpiry:      s.config.HardExpiry,
		SchemaVersion:   s.config.SchemaVersion,
		Compression:     s.config.Compression,
		CleanupInterval: s.config.CleanupInterval,
		SyncInterval:    s.config.SyncInterval,
	})
	if err != nil {
		return nil, err
	}
	s.tiers[name] = tier
	return tier, nil
}

// Namespaces lists the namespace directories present on disk.
func (s *Store) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(s.config.Directory)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Purge clears one namespace.
func (s *Store) Purge(name string) error {
	tier, err := s.Namespace(name)
	if err != nil {
		return err
	}
	return tier.Clear()
}

// Stats sums statistics over the namespaces opened so far.
func (s *Store) Stats() types.CacheStats {
	s.mu.Lock()
	tiers := make([]*PersistentTier, 0, len(s.tiers))
	for _, tier := range s.tiers {
		tiers = append(tiers, tier)
	}
	s.mu.Unlock()

	var total types.CacheStats
	for _, tier := range tiers {
		st := tier.Stats()
		total.Hits += st.Hits
		total.Misses += st.Misses
		total.Evictions += st.Evictions
		total.Entries += st.Entries
		total.Size += st.Size
	}
	if n := total.Hits + total.Misses; n > 0 {
		total.HitRate = float64(total.Hits) / float64(n)
	}
	return total
}

// Wiped reports whether opening the store discarded an incompatible layout.
func (s *Store) Wiped() bool {
	return s.wiped
}

// Directory returns the store root.
func (s *Store) Directory() string {
	return s.config.Directory
}

// Close closes every opened namespace.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []string
	for name, tier := range s.tiers {
		if err := tier.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.NewPersistenceFailure("", "close", fmt.Errorf("%s", strings.Join(errs, "; ")))
	}
	return nil
}

func validateNamespace(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.NewInvalidArgument("invalid namespace %q", name)
	}
	return nil
}

func readMeta(dir string) (storeMeta, error) {
	var meta storeMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func writeMeta(dir string, meta storeMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, metaFile)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func wipeNamespaces(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
