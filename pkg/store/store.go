// Package store implements the durable filesystem-backed content store
// for the player cache. Entities are keyed by (type, id) and stored
// either as a single .bin file or as a directory of fixed-size chunks,
// each with a JSON metadata sidecar. All writes are atomic via
// temp+rename, so a reader only ever observes an absent or a fully
// written file.
package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/xibo-players/mediacache/pkg/constants"
)

// Config configures a Store.
type Config struct {
	// Root is the data directory. Created if absent.
	Root string

	// Fsync forces an fsync of each whole-file or chunk data file before
	// its rename. Slower, but survives power loss on non-journaling
	// filesystems. Metadata sidecars are renamed without an fsync.
	Fsync bool

	// Logger receives store events. Defaults to the standard logger.
	Logger *logrus.Entry
}

// Store is a concurrent-safe filesystem content store.
type Store struct {
	root  string
	fsync bool
	log   *logrus.Entry

	// Per-key locks serialize metadata read-modify-write cycles.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Presence describes the result of an existence probe.
type Presence struct {
	Exists  bool
	Chunked bool
	Meta    *Metadata
}

// PutOptions carries optional metadata for a whole-file write.
type PutOptions struct {
	ContentType string
	MD5         string
}

// ChunkPutOptions carries the geometry and optional metadata for a
// chunk write. TotalSize and NumChunks describe the assembled file.
type ChunkPutOptions struct {
	ContentType string
	MD5         string
	ChunkSize   int64
	NumChunks   int
	TotalSize   int64
}

// ByteRange is an inclusive byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Entry describes one stored entity in a listing.
type Entry struct {
	Key      Key    `json:"-"`
	KeyStr   string `json:"key"`
	Type     Type   `json:"type"`
	ID       string `json:"id"`
	Size     int64  `json:"size"`
	Chunked  bool   `json:"chunked"`
	Complete bool   `json:"complete"`
}

// New creates a Store rooted at cfg.Root, creating the directory tree
// for each entity type.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, t := range []Type{TypeMedia, TypeLayout, TypeWidget, TypeStatic} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, string(t)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{
		root:  cfg.Root,
		fsync: cfg.Fsync,
		log:   log.WithField("component", "store"),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store's data directory.
func (s *Store) Root() string {
	return s.root
}

// binPath returns the whole-file path for a key.
func (s *Store) binPath(key Key) string {
	return filepath.Join(s.root, string(key.Type), filepath.FromSlash(key.ID)+".bin")
}

// metaPath returns the whole-file sidecar path for a key.
func (s *Store) metaPath(key Key) string {
	return filepath.Join(s.root, string(key.Type), filepath.FromSlash(key.ID)+constants.MetaSuffix)
}

// chunkDir returns the chunk directory for a key.
func (s *Store) chunkDir(key Key) string {
	return filepath.Join(s.root, string(key.Type), filepath.FromSlash(key.ID))
}

// chunkPath returns the path of one chunk file.
func (s *Store) chunkPath(key Key, index int) string {
	return filepath.Join(s.chunkDir(key), fmt.Sprintf("chunk-%d.bin", index))
}

// chunkMetaPath returns the chunk-directory sidecar path.
func (s *Store) chunkMetaPath(key Key) string {
	return filepath.Join(s.chunkDir(key), "meta.json")
}

// keyLock returns the mutex serializing metadata updates for key.
func (s *Store) keyLock(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key.String()]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key.String()] = l
	}
	return l
}

// Has probes for a key, preferring the whole-file form over the chunk
// directory. Corrupt metadata reads as absent.
func (s *Store) Has(key Key) Presence {
	if meta, _ := readMetadata(s.metaPath(key)); meta != nil {
		if _, err := os.Stat(s.binPath(key)); err == nil {
			return Presence{Exists: true, Meta: meta}
		}
	}
	if meta, _ := readMetadata(s.chunkMetaPath(key)); meta != nil && meta.Chunked() {
		return Presence{Exists: true, Chunked: true, Meta: meta}
	}
	return Presence{}
}

// Put stores the reader's bytes as a whole file under key, computing a
// blake3 etag while writing, and writes the metadata sidecar.
func (s *Store) Put(key Key, r io.Reader, opts PutOptions) (*Metadata, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	dst := s.binPath(key)
	size, etag, err := s.writeAtomic(dst, r)
	if err != nil {
		return nil, NewWriteError(key.String(), err)
	}

	meta := &Metadata{
		Size:        size,
		ContentType: opts.ContentType,
		MD5:         opts.MD5,
		ETag:        etag,
		CreatedAt:   time.Now().UTC(),
	}
	if err := writeMetadata(s.metaPath(key), meta); err != nil {
		return nil, NewWriteError(key.String(), err)
	}
	s.log.WithFields(logrus.Fields{"key": key.String(), "size": size}).Debug("stored whole file")
	return meta, nil
}

// PutChunk stores one chunk of a chunked entity and merge-updates the
// chunk-directory metadata. A write whose geometry conflicts with the
// existing sidecar is rejected.
func (s *Store) PutChunk(key Key, index int, r io.Reader, opts ChunkPutOptions) (*Metadata, error) {
	if index < 0 {
		return nil, NewRangeError(key.String(), fmt.Sprintf("negative chunk index %d", index))
	}
	if opts.NumChunks > 0 && index >= opts.NumChunks {
		return nil, NewRangeError(key.String(), fmt.Sprintf("chunk index %d out of range [0,%d)", index, opts.NumChunks))
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.chunkDir(key), 0755); err != nil {
		return nil, NewWriteError(key.String(), err)
	}

	existing, err := readMetadata(s.chunkMetaPath(key))
	if err != nil {
		return nil, NewReadError(key.String(), err)
	}
	if existing != nil && existing.Chunked() && opts.NumChunks > 0 {
		if existing.ChunkSize != opts.ChunkSize || existing.NumChunks != opts.NumChunks {
			return nil, NewGeometryMismatchError(key.String(), fmt.Sprintf(
				"chunk geometry %d×%d conflicts with stored %d×%d",
				opts.NumChunks, opts.ChunkSize, existing.NumChunks, existing.ChunkSize))
		}
	}

	if _, _, err := s.writeAtomic(s.chunkPath(key, index), r); err != nil {
		return nil, NewWriteError(key.String(), err)
	}

	now := time.Now().UTC()
	meta := existing
	if meta == nil {
		meta = &Metadata{CreatedAt: now}
	}
	if opts.ChunkSize > 0 {
		meta.ChunkSize = opts.ChunkSize
	}
	if opts.NumChunks > 0 {
		meta.NumChunks = opts.NumChunks
	}
	if opts.TotalSize > 0 {
		meta.Size = opts.TotalSize
	}
	if opts.ContentType != "" {
		meta.ContentType = opts.ContentType
	}
	if opts.MD5 != "" {
		meta.MD5 = opts.MD5
	}
	meta.UpdatedAt = now

	if err := writeMetadata(s.chunkMetaPath(key), meta); err != nil {
		return nil, NewWriteError(key.String(), err)
	}
	s.log.WithFields(logrus.Fields{"key": key.String(), "chunk": index}).Debug("stored chunk")
	return meta, nil
}

// MarkComplete verifies that every chunk of a chunked entity is present
// and that their sizes sum to the declared size, then flips the
// complete flag.
func (s *Store) MarkComplete(key Key) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	meta, err := readMetadata(s.chunkMetaPath(key))
	if err != nil {
		return NewReadError(key.String(), err)
	}
	if meta == nil || !meta.Chunked() {
		return NewNotFoundError(key.String())
	}

	var total int64
	for i := 0; i < meta.NumChunks; i++ {
		fi, err := os.Stat(s.chunkPath(key, i))
		if err != nil {
			return &StoreError{Code: ErrCodeIncomplete, Key: key.String(),
				Message: fmt.Sprintf("chunk %d missing", i), Cause: err}
		}
		total += fi.Size()
	}
	if meta.Size > 0 && total != meta.Size {
		return &StoreError{Code: ErrCodeIncomplete, Key: key.String(),
			Message: fmt.Sprintf("chunk sizes sum to %d, expected %d", total, meta.Size)}
	}
	if meta.Size == 0 {
		meta.Size = total
	}

	now := time.Now().UTC()
	meta.Complete = true
	meta.CompletedAt = &now
	meta.UpdatedAt = now
	if err := writeMetadata(s.chunkMetaPath(key), meta); err != nil {
		return NewWriteError(key.String(), err)
	}
	return nil
}

// Path returns the on-disk path of a whole file, if one exists.
func (s *Store) Path(key Key) (string, bool) {
	p := s.binPath(key)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Open returns a reader over an entity, optionally bounded by an
// inclusive byte range. The whole-file and chunked representations are
// dispatched internally; a chunked read whose covering chunks are not
// all present returns NOT_FOUND.
func (s *Store) Open(key Key, rng *ByteRange) (io.ReadCloser, *Metadata, error) {
	p := s.Has(key)
	if !p.Exists {
		return nil, nil, NewNotFoundError(key.String())
	}
	if rng != nil {
		clamped, err := clampRange(*rng, p.Meta.Size, key)
		if err != nil {
			return nil, nil, err
		}
		rng = &clamped
	}
	if !p.Chunked {
		rc, err := openFileRange(s.binPath(key), rng)
		if err != nil {
			return nil, nil, NewReadError(key.String(), err)
		}
		return rc, p.Meta, nil
	}
	rc, err := s.openChunkedRange(key, p.Meta, rng)
	if err != nil {
		return nil, nil, err
	}
	return rc, p.Meta, nil
}

// OpenChunk returns a reader over one chunk file, optionally bounded by
// an inclusive range within the chunk.
func (s *Store) OpenChunk(key Key, index int, rng *ByteRange) (io.ReadCloser, error) {
	p := s.chunkPath(key, index)
	if _, err := os.Stat(p); err != nil {
		return nil, NewNotFoundError(key.String())
	}
	rc, err := openFileRange(p, rng)
	if err != nil {
		return nil, NewReadError(key.String(), err)
	}
	return rc, nil
}

// Delete removes an entity's whole-file form, sidecar, and chunk
// directory. Deleting an absent entity is not an error.
func (s *Store) Delete(key Key) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var firstErr error
	for _, p := range []string{s.binPath(key), s.metaPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(s.chunkDir(key)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return NewWriteError(key.String(), firstErr)
	}
	return nil
}

// List enumerates every stored entity, whole-file and chunked.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	for _, t := range []Type{TypeMedia, TypeLayout, TypeWidget, TypeStatic} {
		typeRoot := filepath.Join(s.root, string(t))
		err := filepath.WalkDir(typeRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip unreadable subtrees
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			switch {
			case name == "meta.json":
				meta, _ := readMetadata(p)
				if meta == nil || !meta.Chunked() {
					return nil
				}
				rel, relErr := filepath.Rel(typeRoot, filepath.Dir(p))
				if relErr != nil {
					return nil
				}
				id := filepath.ToSlash(rel)
				entries = append(entries, Entry{
					Key: Key{Type: t, ID: id}, KeyStr: string(t) + "/" + id,
					Type: t, ID: id, Size: meta.Size, Chunked: true, Complete: meta.Complete,
				})
			case strings.HasSuffix(name, constants.MetaSuffix):
				meta, _ := readMetadata(p)
				if meta == nil {
					return nil
				}
				rel, relErr := filepath.Rel(typeRoot, p)
				if relErr != nil {
					return nil
				}
				id := strings.TrimSuffix(filepath.ToSlash(rel), constants.MetaSuffix)
				if _, statErr := os.Stat(s.binPath(Key{Type: t, ID: id})); statErr != nil {
					return nil
				}
				entries = append(entries, Entry{
					Key: Key{Type: t, ID: id}, KeyStr: string(t) + "/" + id,
					Type: t, ID: id, Size: meta.Size, Complete: true,
				})
			}
			return nil
		})
		if err != nil {
			return nil, NewReadError(string(t), err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].KeyStr < entries[j].KeyStr })
	return entries, nil
}

// TotalSize returns the recursive size of the store in bytes.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, statErr := d.Info(); statErr == nil {
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// SweepTemp removes orphaned temp files left behind by a crash
// mid-write. Returns the number of files removed.
func (s *Store) SweepTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), constants.TempSuffix) {
			if rmErr := os.Remove(p); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("swept orphaned temp files")
	}
	return removed, nil
}

// writeAtomic streams r into path via a temp file and rename, returning
// the byte count and the blake3 digest of the content.
func (s *Store) writeAtomic(path string, r io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", err
	}
	tmp := path + constants.TempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", err
	}

	hasher := blake3.New(32, nil)
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, "", err
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, "", err
	}
	return n, fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// clampRange validates a requested range against the entity size and
// clamps the end to the last byte.
func clampRange(rng ByteRange, size int64, key Key) (ByteRange, error) {
	if rng.Start < 0 || rng.Start > rng.End {
		return ByteRange{}, NewRangeError(key.String(), fmt.Sprintf("invalid range %d-%d", rng.Start, rng.End))
	}
	if size > 0 && rng.Start >= size {
		return ByteRange{}, NewRangeError(key.String(), fmt.Sprintf("range start %d beyond size %d", rng.Start, size))
	}
	if size > 0 && rng.End >= size {
		rng.End = size - 1
	}
	return rng, nil
}

// openFileRange opens a file, bounded to rng when non-nil.
func openFileRange(path string, rng *ByteRange) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		return f, nil
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, rng.Start, rng.Len()),
		closer:        f,
	}, nil
}

// sectionReadCloser bounds a file to a section while still owning the
// underlying handle.
type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error {
	return s.closer.Close()
}
