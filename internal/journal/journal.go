// Package journal persists per-file resume state so a restarted player
// can seed skip-chunk sets without re-probing the store tree file by
// file. The journal is advisory: the content store stays the source of
// truth, and a missing or corrupt journal only costs a slower resume.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FileRecord is the resume state of one chunked file.
type FileRecord struct {
	StoreKey        string `cbor:"storeKey"`
	NumChunks       int    `cbor:"numChunks"`
	CompletedChunks []int  `cbor:"completedChunks"`
	Complete        bool   `cbor:"complete"`
	UpdatedAt       int64  `cbor:"updatedAt"` // Unix milliseconds
}

// snapshot is the on-disk envelope.
type snapshot struct {
	Version int          `cbor:"version"`
	Files   []FileRecord `cbor:"files"`
}

const snapshotVersion = 1

// Journal tracks completed chunks per store key and snapshots them to
// a CBOR file.
type Journal struct {
	path string

	mu    sync.Mutex
	files map[string]*FileRecord
	dirty bool
}

// Open loads the journal at path, tolerating a missing or corrupt
// snapshot.
func Open(path string) (*Journal, error) {
	j := &Journal{
		path:  path,
		files: make(map[string]*FileRecord),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		// A corrupt journal costs a slower resume, nothing more.
		return j, nil
	}
	for i := range snap.Files {
		rec := snap.Files[i]
		j.files[rec.StoreKey] = &rec
	}
	return j, nil
}

// RecordChunk marks one chunk of a file as stored.
func (j *Journal) RecordChunk(storeKey string, index, numChunks int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.files[storeKey]
	if !ok || rec.NumChunks != numChunks {
		rec = &FileRecord{StoreKey: storeKey, NumChunks: numChunks}
		j.files[storeKey] = rec
	}
	for _, c := range rec.CompletedChunks {
		if c == index {
			rec.UpdatedAt = time.Now().UnixMilli()
			j.dirty = true
			return
		}
	}
	rec.CompletedChunks = append(rec.CompletedChunks, index)
	sort.Ints(rec.CompletedChunks)
	rec.Complete = len(rec.CompletedChunks) == numChunks
	rec.UpdatedAt = time.Now().UnixMilli()
	j.dirty = true
}

// Forget drops a file's resume state (after deletion or completion
// handoff to the store).
func (j *Journal) Forget(storeKey string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.files[storeKey]; ok {
		delete(j.files, storeKey)
		j.dirty = true
	}
}

// SkipChunks returns the chunk indexes already stored for a key, or
// nil when the journal has nothing for it (or disagrees on geometry).
func (j *Journal) SkipChunks(storeKey string, numChunks int) map[int]bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.files[storeKey]
	if !ok || rec.NumChunks != numChunks || len(rec.CompletedChunks) == 0 {
		return nil
	}
	skip := make(map[int]bool, len(rec.CompletedChunks))
	for _, c := range rec.CompletedChunks {
		skip[c] = true
	}
	return skip
}

// Resume returns a file's recorded chunk set and geometry without a
// caller-supplied chunk count; (nil, 0) when nothing is recorded.
func (j *Journal) Resume(storeKey string) (map[int]bool, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.files[storeKey]
	if !ok || len(rec.CompletedChunks) == 0 {
		return nil, 0
	}
	skip := make(map[int]bool, len(rec.CompletedChunks))
	for _, c := range rec.CompletedChunks {
		skip[c] = true
	}
	return skip, rec.NumChunks
}

// Flush snapshots the journal to disk when it has changed since the
// last flush.
func (j *Journal) Flush() error {
	j.mu.Lock()
	if !j.dirty {
		j.mu.Unlock()
		return nil
	}
	snap := snapshot{Version: snapshotVersion}
	for _, rec := range j.files {
		snap.Files = append(snap.Files, *rec)
	}
	sort.Slice(snap.Files, func(i, k int) bool { return snap.Files[i].StoreKey < snap.Files[k].StoreKey })
	j.dirty = false
	j.mu.Unlock()

	data, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return os.Rename(tmp, j.path)
}
