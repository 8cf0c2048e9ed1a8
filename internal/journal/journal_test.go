package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAndSkipChunks(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.cbor"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	j.RecordChunk("media/99", 0, 5)
	j.RecordChunk("media/99", 1, 5)
	j.RecordChunk("media/99", 1, 5) // duplicate records are absorbed

	skip := j.SkipChunks("media/99", 5)
	if len(skip) != 2 || !skip[0] || !skip[1] {
		t.Errorf("wrong skip set: %v", skip)
	}
	if j.SkipChunks("media/99", 7) != nil {
		t.Error("geometry mismatch should return nil")
	}
	if j.SkipChunks("media/unknown", 5) != nil {
		t.Error("unknown key should return nil")
	}
}

func TestCompleteFlag(t *testing.T) {
	j, _ := Open(filepath.Join(t.TempDir(), "journal.cbor"))
	for i := 0; i < 3; i++ {
		j.RecordChunk("media/done", i, 3)
	}
	j.mu.Lock()
	complete := j.files["media/done"].Complete
	j.mu.Unlock()
	if !complete {
		t.Error("complete flag not set after all chunks recorded")
	}
}

func TestFlushAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")

	j, _ := Open(path)
	j.RecordChunk("media/99", 0, 5)
	j.RecordChunk("media/99", 3, 5)
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	// A clean journal flushes as a no-op.
	if err := j.Flush(); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	skip := reloaded.SkipChunks("media/99", 5)
	if len(skip) != 2 || !skip[0] || !skip[3] {
		t.Errorf("wrong skip set after reload: %v", skip)
	}
}

func TestForget(t *testing.T) {
	j, _ := Open(filepath.Join(t.TempDir(), "journal.cbor"))
	j.RecordChunk("media/99", 0, 5)
	j.Forget("media/99")
	if j.SkipChunks("media/99", 5) != nil {
		t.Error("forgotten key still has resume state")
	}
}

func TestCorruptJournalReadsAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.cbor")
	if err := os.WriteFile(path, []byte("not cbor at all"), 0644); err != nil {
		t.Fatal(err)
	}
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open of corrupt journal failed: %v", err)
	}
	if j.SkipChunks("media/99", 5) != nil {
		t.Error("corrupt journal produced resume state")
	}
}
