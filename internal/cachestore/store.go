// Package cachestore implements the durable, per-object byte cache: a
// sparse data file plus a crash-safe, human-readable JSON sidecar
// describing which byte ranges are present.
//
// The on-disk layout and persistence protocol follow rclone's
// backend/cache/storage_persistent.go (a singleton-per-path map of
// open stores guarded by a mutex, atomic metadata updates), with a
// plain JSON sidecar in place of rclone's bbolt database (see
// DESIGN.md for why bbolt doesn't fit a per-object human-readable
// sidecar requirement).
package cachestore

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/skylarkproxy/mediacache/internal/logging"
	"github.com/skylarkproxy/mediacache/internal/rangeset"
)

// ErrCacheMiss is returned by Read when the requested range is not
// fully covered by the stored range set. It never surfaces to a
// client; callers in internal/mixedreader translate it into an origin
// fetch.
var ErrCacheMiss = errors.New("cachestore: requested range not cached")

const shardPrefixLen = 2

// metaDoc is the on-disk schema for a sidecar metadata file:
// { "ranges": [[a,b], ...], "total_size": TOTAL|null, "url": "..." }.
type metaDoc struct {
	Ranges    [][2]int64 `json:"ranges"`
	TotalSize *int64     `json:"total_size"`
	URL       string     `json:"url"`
}

// Object is a single cached resource: one sparse data file and its
// range-set metadata, shared by every concurrent reader/writer of that
// key so the metadata mutex actually serializes mutation.
type Object struct {
	key  string
	root string

	dataPath string
	metaPath string

	mu        sync.Mutex
	dataFile  *os.File
	ranges    *rangeset.Set
	totalSize *int64
	url       string
}

// Key returns the object's cache key.
func (o *Object) Key() string { return o.key }

// Snapshot atomically returns the current range set and, if known, the
// total resource size.
func (o *Object) Snapshot() (*rangeset.Set, *int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := rangeset.New(o.ranges.Ranges()...)
	var size *int64
	if o.totalSize != nil {
		v := *o.totalSize
		size = &v
	}
	return cp, size
}

// SetTotalSize persists the resource's total size the first time it is
// learned from the origin.
func (o *Object) SetTotalSize(size int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.totalSize != nil {
		return nil
	}
	o.totalSize = &size
	return o.persistLocked()
}

// Read returns a bounded reader over [r.Start, r.End) of cached bytes.
// The range must be fully covered; ErrCacheMiss is returned otherwise
// so the caller can refetch from origin instead of serving a hole.
func (o *Object) Read(r rangeset.Range) (io.Reader, error) {
	o.mu.Lock()
	covered := o.ranges.Covers(r)
	o.mu.Unlock()
	if !covered {
		return nil, ErrCacheMiss
	}
	return io.NewSectionReader(o.dataFile, r.Start, r.Len()), nil
}

// Write stores bytes at offset and extends the range set to cover
// [offset, offset+len(data)). The data-file write happens without
// holding the metadata lock, so writes at non-overlapping offsets may
// proceed in parallel; only the range-set update and its persistence
// are serialized.
func (o *Object) Write(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := o.dataFile.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "writing %s bytes at offset %d", humanize.Bytes(uint64(len(data))), offset)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.ranges.Insert(rangeset.Range{Start: offset, End: offset + int64(len(data))})
	return o.persistLocked()
}

// persistLocked writes metadata via the crash-safe temp-file-then-
// atomic-rename protocol. Caller must hold o.mu.
func (o *Object) persistLocked() error {
	doc := metaDoc{URL: o.url, TotalSize: o.totalSize}
	for _, r := range o.ranges.Ranges() {
		doc.Ranges = append(doc.Ranges, [2]int64{r.Start, r.End})
	}

	enc, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling cache metadata")
	}

	tmp := o.metaPath + ".tmp"
	if err := os.WriteFile(tmp, enc, 0o644); err != nil {
		return errors.Wrap(err, "writing temp cache metadata")
	}
	if err := os.Rename(tmp, o.metaPath); err != nil {
		return errors.Wrap(err, "renaming cache metadata into place")
	}
	return nil
}

func (o *Object) close() error {
	return o.dataFile.Close()
}

// Store is the on-disk, per-process cache of Objects. Concurrent Open
// calls for the same key return the same *Object so its metadata mutex
// actually guards all concurrent writers, mirroring rclone's
// mutex-guarded singleton-per-path map (backend/cache/storage_persistent.go
// boltMap/boltMapMx).
type Store struct {
	root string

	mu      sync.Mutex
	objects map[string]*Object
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cache root %s", root)
	}
	return &Store{root: root, objects: make(map[string]*Object)}, nil
}

func (s *Store) paths(key string) (dataPath, metaPath string) {
	shard := key
	if len(shard) > shardPrefixLen {
		shard = shard[:shardPrefixLen]
	}
	dir := filepath.Join(s.root, shard)
	return filepath.Join(dir, key+".data"), filepath.Join(dir, key+".meta")
}

// Open returns the Object for key, creating its backing files if this
// is the first time the key has been seen. url is recorded in metadata
// on first creation only.
func (s *Store) Open(key, url string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o, ok := s.objects[key]; ok {
		return o, nil
	}

	dataPath, metaPath := s.paths(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating shard directory for %s", key)
	}

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening data file for %s", key)
	}

	o := &Object{
		key:      key,
		root:     s.root,
		dataPath: dataPath,
		metaPath: metaPath,
		dataFile: f,
		ranges:   rangeset.New(),
		url:      url,
	}

	if err := loadMeta(o); err != nil {
		_ = f.Close()
		return nil, err
	}
	if o.url == "" {
		o.url = url
	}

	s.objects[key] = o
	logging.Debugf(key, "opened cache object (data=%s meta=%s)", dataPath, metaPath)
	return o, nil
}

// loadMeta reads the sidecar file if present. A missing metadata file
// is interpreted as an empty range set.
func loadMeta(o *Object) error {
	raw, err := os.ReadFile(o.metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading cache metadata for %s", o.key)
	}

	var doc metaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		logging.Warnf(o.key, "corrupt cache metadata, treating as empty: %v", err)
		return nil
	}

	for _, pair := range doc.Ranges {
		o.ranges.Insert(rangeset.Range{Start: pair[0], End: pair[1]})
	}
	o.totalSize = doc.TotalSize
	o.url = doc.URL
	return nil
}

// Close releases the Object for key, closing its data file. It is
// called by internal/manager once a key's reference count reaches
// zero.
func (s *Store) Close(key string) error {
	s.mu.Lock()
	o, ok := s.objects[key]
	if ok {
		delete(s.objects, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return o.close()
}

// Clear removes every cache file on disk and drops all open handles.
func (s *Store) Clear() error {
	s.mu.Lock()
	objects := s.objects
	s.objects = make(map[string]*Object)
	s.mu.Unlock()

	for _, o := range objects {
		_ = o.close()
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "listing cache root for clear")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return errors.Wrapf(err, "removing cache shard %s", e.Name())
		}
	}
	logging.Infof(nil, "cache cleared at %s", s.root)
	return nil
}
