package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

const (
	defaultIndexFile       = "index.json"
	defaultCleanupInterval = 10 * time.Minute
	defaultSyncInterval    = time.Minute
	dataFileSuffix         = ".cache"
)

// PersistentTier is one namespace of the on-disk store. It survives process
// restarts and is the source used to hydrate the memory tier on a miss.
type PersistentTier struct {
	mu        sync.RWMutex
	name      string
	directory string
	index     map[string]*persistentItem
	config    *PersistentTierConfig
	stats     types.CacheStats
	dirty     bool
	now       func() time.Time
	// Lifecycle management
	stopCh chan struct{}
	closed bool
}

// PersistentTierConfig represents persistent tier configuration
type PersistentTierConfig struct {
	Directory       string        `yaml:"directory"`
	HardExpiry      time.Duration `yaml:"hard_expiry"`
	SchemaVersion   int           `yaml:"schema_version"`
	Compression     bool          `yaml:"compression"`
	IndexFile       string        `yaml:"index_file"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
}

// persistentItem is the index record for one stored entry. File is relative
// to the namespace directory so a store can be moved as a whole.
type persistentItem struct {
	Key           string    `json:"key"`
	File          string    `json:"file"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
	Size          int64     `json:"size"`
	Compressed    bool      `json:"compressed"`
	Checksum      string    `json:"checksum"`
}

// NewPersistentTier opens (or creates) a namespace directory and loads its index.
func NewPersistentTier(name string, config *PersistentTierConfig) (*PersistentTier, error) {
	if config == nil || config.Directory == "" {
		return nil, errors.NewInvalidArgument("persistent tier %q requires a directory", name)
	}

	// Apply defaults for zero/empty values
	if config.IndexFile == "" {
		config.IndexFile = defaultIndexFile
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.NewPersistenceFailure("", "open", fmt.Errorf("failed to create namespace directory: %w", err))
	}

	tier := &PersistentTier{
		name:      name,
		directory: config.Directory,
		index:     make(map[string]*persistentItem),
		config:    config,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	if err := tier.loadIndex(); err != nil {
		return nil, errors.NewPersistenceFailure("", "open", fmt.Errorf("failed to load index: %w", err))
	}

	go tier.cleanupExpired()
	go tier.syncIndex()

	return tier, nil
}

// Name returns the namespace this tier stores.
func (p *PersistentTier) Name() string {
	return p.name
}

// Get returns the stored entry for key. Entries that are past hard expiry,
// carry a different schema version, or fail checksum verification are
// removed and reported absent. A corrupt entry also returns a CORRUPT_ENTRY
// error so callers can log it; the entry is still treated as absent.
func (p *PersistentTier) Get(ctx context.Context, key string) (types.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Entry{}, false, errors.NewCanceled(key, err)
	}

	// Put replaces data files under the write lock, so the payload read here
	// always matches the snapshot checksum.
	p.mu.RLock()
	item, exists := p.index[key]
	var (
		snapshot persistentItem
		discard  bool
		data     []byte
		err      error
	)
	if exists {
		snapshot = *item
		discard = snapshot.SchemaVersion != p.config.SchemaVersion || p.isExpired(&snapshot)
		if !discard {
			data, err = p.readFromFile(&snapshot)
		}
	}
	p.mu.RUnlock()

	if !exists {
		p.recordMiss()
		return types.Entry{}, false, nil
	}

	if discard {
		p.remove(key, snapshot.Timestamp)
		p.recordMiss()
		return types.Entry{}, false, nil
	}

	if err != nil {
		p.remove(key, snapshot.Timestamp)
		p.recordMiss()
		return types.Entry{}, false, errors.NewError(errors.ErrCodeCorruptEntry, "stored entry discarded").
			WithKey(key).WithComponent("persistent").WithOperation("get").WithCause(err)
	}

	p.mu.Lock()
	p.stats.Hits++
	p.updateHitRate()
	p.mu.Unlock()

	return types.Entry{
		Key:           key,
		Payload:       data,
		Timestamp:     snapshot.Timestamp,
		SchemaVersion: snapshot.SchemaVersion,
	}, true, nil
}

// Put upserts an entry. A put older than what is already stored is dropped,
// so racing asynchronous writes settle on the newest value.
func (p *PersistentTier) Put(ctx context.Context, entry types.Entry) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCanceled(entry.Key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewPersistenceFailure(entry.Key, "put", fmt.Errorf("namespace %s is closed", p.name))
	}
	if existing, ok := p.index[entry.Key]; ok && existing.Timestamp.After(entry.Timestamp) {
		return nil
	}

	item := &persistentItem{
		Key:           entry.Key,
		File:          p.generateFileName(entry.Key),
		Timestamp:     entry.Timestamp,
		SchemaVersion: entry.SchemaVersion,
		Compressed:    p.config.Compression,
		Checksum:      p.calculateChecksum(entry.Payload),
	}

	size, err := p.writeToFile(item, entry.Payload)
	if err != nil {
		return errors.NewPersistenceFailure(entry.Key, "put", err)
	}
	item.Size = size

	p.index[entry.Key] = item
	p.dirty = true
	return nil
}

// Delete removes the entry for key. Deleting a missing key is not an error.
func (p *PersistentTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCanceled(key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.index[key]
	if !ok {
		return nil
	}
	delete(p.index, key)
	p.dirty = true
	if err := os.Remove(p.dataPath(item)); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceFailure(key, "delete", err)
	}
	return nil
}

// Keys returns the stored keys in lexical order.
func (p *PersistentTier) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := make([]string, 0, len(p.index))
	for key := range p.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns index metadata for key without reading the payload.
func (p *PersistentTier) Describe(key string) (EntryInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.index[key]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:           item.Key,
		Timestamp:     item.Timestamp,
		SchemaVersion: item.SchemaVersion,
		Size:          item.Size,
		Compressed:    item.Compressed,
	}, true
}

// Len returns the number of stored entries.
func (p *PersistentTier) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.index)
}

// Stats returns cache statistics
func (p *PersistentTier) Stats() types.CacheStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := p.stats
	stats.Entries = len(p.index)
	var size int64
	for _, item := range p.index {
		size += item.Size
	}
	stats.Size = size
	return stats
}

// Clear removes every entry in the namespace.
func (p *PersistentTier) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, item := range p.index {
		_ = os.Remove(p.dataPath(item)) // Ignore error on cleanup
		delete(p.index, key)
	}
	p.dirty = true
	return p.saveIndex()
}

// Sync writes the index to disk if it changed.
func (p *PersistentTier) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}
	return p.saveIndex()
}

// Close stops background goroutines and writes the index a final time.
func (p *PersistentTier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stopCh)

	return p.saveIndex()
}

// EntryInfo is index metadata for one stored entry.
type EntryInfo struct {
	Key           string    `json:"key"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
	Size          int64     `json:"size"`
	Compressed    bool      `json:"compressed"`
}

// remove drops key only if the index still holds the version that was
// judged unusable; a newer concurrent put survives.
func (p *PersistentTier) remove(key string, seen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.index[key]
	if !ok || !item.Timestamp.Equal(seen) {
		return
	}
	_ = os.Remove(p.dataPath(item)) // Ignore error on cleanup
	delete(p.index, key)
	p.stats.Evictions++
	p.dirty = true
}

func (p *PersistentTier) recordMiss() {
	p.mu.Lock()
	p.stats.Misses++
	p.updateHitRate()
	p.mu.Unlock()
}

func (p *PersistentTier) isExpired(item *persistentItem) bool {
	if p.config.HardExpiry <= 0 {
		return false
	}
	return p.now().Sub(item.Timestamp) > p.config.HardExpiry
}

func (p *PersistentTier) generateFileName(key string) string {
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash[:16]) + dataFileSuffix
}

func (p *PersistentTier) dataPath(item *persistentItem) string {
	return filepath.Join(p.directory, filepath.Base(item.File))
}

func (p *PersistentTier) calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// writeToFile encodes data into a temporary file and renames it into place,
// so a reader never sees a partially written payload.
func (p *PersistentTier) writeToFile(item *persistentItem, data []byte) (int64, error) {
	var buf bytes.Buffer
	if item.Compressed {
		gzipWriter := gzip.NewWriter(&buf)
		if _, err := gzipWriter.Write(data); err != nil {
			return 0, err
		}
		if err := gzipWriter.Close(); err != nil {
			return 0, err
		}
	} else {
		buf.Write(data)
	}

	path := p.dataPath(item)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		_ = os.Remove(tmpPath) // Clean up on error, ignore result
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return int64(buf.Len()), nil
}

func (p *PersistentTier) readFromFile(item *persistentItem) ([]byte, error) {
	file, err := os.Open(p.dataPath(item))
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file

	// Handle decompression if compressed
	if item.Compressed {
		gzipReader, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gzipReader.Close() }()
		reader = gzipReader
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if p.calculateChecksum(data) != item.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s", item.Key)
	}

	return data, nil
}

// loadIndex reads index.json. An unreadable index cannot be partially
// trusted, so the namespace starts empty and stray data files are removed.
func (p *PersistentTier) loadIndex() error {
	indexPath := filepath.Join(p.directory, p.config.IndexFile)

	// Validate path is within the namespace directory
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(p.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	file, err := os.Open(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No existing index, start fresh
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*persistentItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return p.removeDataFiles()
	}

	for key, item := range items {
		if item == nil || item.Key != key {
			continue
		}
		if _, err := os.Stat(p.dataPath(item)); os.IsNotExist(err) {
			continue // Skip missing files
		}
		p.index[key] = item
	}

	return nil
}

func (p *PersistentTier) removeDataFiles() error {
	matches, err := filepath.Glob(filepath.Join(p.directory, "*"+dataFileSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return nil
}

func (p *PersistentTier) saveIndex() error {
	indexPath := filepath.Join(p.directory, p.config.IndexFile)

	// Validate path is within the namespace directory
	if !strings.HasPrefix(filepath.Clean(indexPath), filepath.Clean(p.directory)) {
		return fmt.Errorf("invalid index file path: %s", indexPath)
	}

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(p.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath) // Ignore cleanup error
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	// Atomic replace
	if err := os.Rename(tmpPath, indexPath); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

func (p *PersistentTier) updateHitRate() {
	total := p.stats.Hits + p.stats.Misses
	if total > 0 {
		p.stats.HitRate = float64(p.stats.Hits) / float64(total)
	}
}

func (p *PersistentTier) purgeExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, item := range p.index {
		if p.isExpired(item) || item.SchemaVersion != p.config.SchemaVersion {
			_ = os.Remove(p.dataPath(item)) // Ignore error on cleanup
			delete(p.index, key)
			p.stats.Evictions++
			p.dirty = true
		}
	}
}

func (p *PersistentTier) cleanupExpired() {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.purgeExpired()
		}
	}
}

func (p *PersistentTier) syncIndex() {
	ticker := time.NewTicker(p.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Sync() // Retried on the next tick
		}
	}
}
