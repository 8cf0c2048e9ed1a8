package download

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xibo-players/mediacache/pkg/manifest"
	"github.com/xibo-players/mediacache/pkg/store"
)

// fakeFetcher is a controllable Fetcher for scheduler tests. Fetch
// calls optionally block on a gate channel so tests can observe the
// queue mid-flight.
type fakeFetcher struct {
	mu           sync.Mutex
	heads        map[string]int64 // HEAD size by stable key
	headTypes    map[string]string
	payload      func(t *Task) []byte
	fetchErr     func(t *Task) error
	gate         chan struct{} // when set, each Fetch receives once before returning
	calls        []string      // "key#chunk" in start order
	inFlight     int
	maxInFlight  int
	fileInFlight map[string]int
	filePeak     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		heads:        make(map[string]int64),
		headTypes:    make(map[string]string),
		fileInFlight: make(map[string]int),
		filePeak:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, t *Task) ([]byte, error) {
	key := t.Key()
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s#%d", key, t.ChunkIndex))
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.fileInFlight[key]++
	if f.fileInFlight[key] > f.filePeak[key] {
		f.filePeak[key] = f.fileInFlight[key]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.finish(key)
			return nil, ctx.Err()
		}
	}
	defer f.finish(key)

	if f.fetchErr != nil {
		if err := f.fetchErr(t); err != nil {
			return nil, err
		}
	}
	if f.payload != nil {
		return f.payload(t), nil
	}
	if t.RangeStart >= 0 {
		return make([]byte, t.RangeEnd-t.RangeStart+1), nil
	}
	return make([]byte, 1), nil
}

func (f *fakeFetcher) finish(key string) {
	f.mu.Lock()
	f.inFlight--
	f.fileInFlight[key]--
	f.mu.Unlock()
}

func (f *fakeFetcher) Head(ctx context.Context, fi manifest.FileInfo) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.heads[fi.StableKey()]
	if !ok {
		return 0, "", fmt.Errorf("no HEAD stub for %s", fi.StableKey())
	}
	return size, f.headTypes[fi.StableKey()], nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testConfig scales geometry down so chunk tests run on byte-sized
// payloads: files over 100 bytes chunk into 50 byte ranges.
func testConfig(fetcher Fetcher) QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.ChunkThreshold = 100
	cfg.ChunkSize = 50
	cfg.Fetcher = fetcher
	return cfg
}

func mediaFile(id string, size int64) manifest.FileInfo {
	return manifest.FileInfo{
		Type: store.TypeMedia,
		ID:   id,
		Size: size,
		Path: "https://cms.example.com/api/file?id=" + id,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond, msg)
}

func TestEnqueueSmallFileCompletes(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.payload = func(*Task) []byte { return make([]byte, 64) }
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	fd := q.Enqueue(mediaFile("12", 64), FileOptions{})
	result, err := fd.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Data, 64)
	require.Equal(t, FileComplete, fd.State())
	require.Equal(t, 1, fetcher.callCount())
}

func TestEnqueueDedupReturnsSameDownload(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	early := "https://cms.example.com/file?X-Amz-Expires=1700000000"
	late := "https://cms.example.com/file?X-Amz-Expires=1800000000"

	fi := mediaFile("12", 64)
	fi.Path = early
	first := q.Enqueue(fi, FileOptions{})
	fi.Path = late
	second := q.Enqueue(fi, FileOptions{})
	require.Same(t, first, second)

	// The later-expiring signature replaced the stored path.
	first.mu.Lock()
	got := first.Info.Path
	first.mu.Unlock()
	require.Equal(t, late, got)
	close(fetcher.gate)
}

func TestConcurrencyAndPerFileCaps(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cfg := testConfig(fetcher)
	q := NewQueue(cfg)
	defer q.Close()

	// 250 bytes at a 50 byte chunk size: five chunks per file.
	fdA := q.Enqueue(mediaFile("a", 250), FileOptions{})
	fdB := q.Enqueue(mediaFile("b", 250), FileOptions{})

	// Per-file cap is 3, global cap 6: three chunks of each file run.
	waitFor(t, func() bool { return q.Running() == 6 }, "six slots should fill")
	fetcher.mu.Lock()
	peakA, peakB := fetcher.filePeak["media/a"], fetcher.filePeak["media/b"]
	fetcher.mu.Unlock()
	require.LessOrEqual(t, peakA, cfg.MaxChunksPerFile)
	require.LessOrEqual(t, peakB, cfg.MaxChunksPerFile)

	close(fetcher.gate)
	_, err := fdA.Wait(context.Background())
	require.NoError(t, err)
	_, err = fdB.Wait(context.Background())
	require.NoError(t, err)

	require.LessOrEqual(t, fetcher.maxInFlight, cfg.Concurrency)
	require.Equal(t, 0, q.Running())
}

func TestChunkAssemblyInIndexOrder(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.payload = func(task *Task) []byte {
		data := make([]byte, task.RangeEnd-task.RangeStart+1)
		for i := range data {
			data[i] = byte(task.ChunkIndex)
		}
		return data
	}
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	fd := q.Enqueue(mediaFile("vid", 120), FileOptions{}) // chunks: 50, 50, 20
	result, err := fd.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Data, 120)
	for i, b := range result.Data {
		wantChunk := byte(i / 50)
		require.Equal(t, wantChunk, b, "byte %d belongs to chunk %d", i, wantChunk)
	}
}

func TestBarrierGatesLaterTasks(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cfg := testConfig(fetcher)
	q := NewQueue(cfg)
	defer q.Close()

	before := newFileDownload(mediaFile("before", 10), FileOptions{})
	beforeTasks := before.layOutTasks(10, "image/png", cfg)
	after := newFileDownload(mediaFile("after", 10), FileOptions{})
	afterTasks := after.layOutTasks(10, "image/png", cfg)

	items := []QueueItem{TaskItem(beforeTasks[0]), BarrierItem(), TaskItem(afterTasks[0])}
	q.EnqueueOrderedTasks(items)

	waitFor(t, func() bool { return fetcher.callCount() == 1 }, "first task should start")

	// The barrier holds while the first task is in flight.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, fetcher.callCount(), "task after barrier started too early")

	fetcher.gate <- struct{}{}
	waitFor(t, func() bool { return fetcher.callCount() == 2 }, "barrier should fall once idle")
	fetcher.gate <- struct{}{}

	_, err := after.Wait(context.Background())
	require.NoError(t, err)
}

func TestUrgentChunkBypassesBarrier(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	cfg := testConfig(fetcher)
	cfg.Concurrency = 2
	q := NewQueue(cfg)
	defer q.Close()

	running := newFileDownload(mediaFile("running", 10), FileOptions{})
	runningTasks := running.layOutTasks(10, "", cfg)
	stalled := newFileDownload(mediaFile("stalled", 500), FileOptions{})
	stalledTasks := stalled.layOutTasks(500, "", cfg) // ten chunks

	items := []QueueItem{TaskItem(runningTasks[0]), BarrierItem()}
	for _, task := range stalledTasks {
		items = append(items, TaskItem(task))
	}
	q.EnqueueOrderedTasks(items)
	waitFor(t, func() bool { return fetcher.callCount() == 1 }, "head task should start")

	// The renderer stalls on chunk 7, which sits behind the barrier.
	q.UrgentChunk(store.TypeMedia, "stalled", 7)

	// The urgent chunk starts despite the barrier and the in-flight
	// task; pre-urgent tasks keep running.
	waitFor(t, func() bool { return fetcher.callCount() == 2 }, "urgent chunk should start")
	fetcher.mu.Lock()
	last := fetcher.calls[len(fetcher.calls)-1]
	fetcher.mu.Unlock()
	require.Equal(t, "media/stalled#7", last)

	// With an urgent task in flight both urgent slots are taken, so no
	// further task starts.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, fetcher.callCount())

	close(fetcher.gate)
}

func TestPauseAndResume(t *testing.T) {
	fetcher := newFakeFetcher()
	q := NewQueue(testConfig(fetcher))
	defer q.Close()
	q.Pause()

	fd := q.Enqueue(mediaFile("p", 10), FileOptions{})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, fetcher.callCount(), "paused queue started a task")

	q.Resume()
	_, err := fd.Wait(context.Background())
	require.NoError(t, err)
}

func TestGetDataReenqueueExhaustion(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fetchErr = func(t *Task) error {
		return NewRetriesExhaustedError(t.Key(), t.ChunkIndex, nil)
	}
	cfg := testConfig(fetcher)
	cfg.GetDataReenqueueDelay = 5 * time.Millisecond
	cfg.GetDataMaxReenqueues = 2
	q := NewQueue(cfg)
	defer q.Close()

	fi := mediaFile("wd", 10)
	fi.IsGetData = true
	fd := q.Enqueue(fi, FileOptions{})

	_, err := fd.Wait(context.Background())
	require.Error(t, err)
	var de *DownloadError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrCodeReenqueueExhausted, de.Code)
	// Initial attempt plus two re-enqueues.
	require.Equal(t, 3, fetcher.callCount())
}

func TestURLExpiredResolvesPartial(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.fetchErr = func(task *Task) error {
		if task.ChunkIndex >= 2 {
			return NewURLExpiredError(task.Key(), task.ChunkIndex)
		}
		return nil
	}
	cfg := testConfig(fetcher)
	q := NewQueue(cfg)
	defer q.Close()

	fd := q.Enqueue(mediaFile("exp", 250), FileOptions{}) // five chunks
	result, err := fd.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, result.URLExpired)
	require.Empty(t, result.Data, "partial completion returns an empty placeholder")
	require.Equal(t, FileComplete, fd.State())
}

func TestSkipChunksAllCoveredResolvesImmediately(t *testing.T) {
	fetcher := newFakeFetcher()
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	fi := mediaFile("done", 150) // three chunks
	fi.SkipChunks = map[int]bool{0: true, 1: true, 2: true}
	fd := q.Enqueue(fi, FileOptions{})

	result, err := fd.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Data)
	require.Equal(t, FileComplete, fd.State())
	require.Equal(t, 0, fetcher.callCount())
}

func TestAwaitAllPrepared(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.heads["media/h"] = 64
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	fi := mediaFile("h", 0) // unknown size forces a HEAD
	fd := q.Enqueue(fi, FileOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.AwaitAllPrepared(ctx))
	require.Equal(t, int64(64), fd.TotalBytes())
}

func TestClearCancelsPendingWork(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.gate = make(chan struct{})
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	q.Enqueue(mediaFile("c1", 10), FileOptions{})
	waitFor(t, func() bool { return fetcher.callCount() == 1 }, "task should start")
	q.Clear()

	require.Equal(t, 0, q.QueueDepth())
	require.Empty(t, q.Active())
	close(fetcher.gate)
}

func TestRemoveCompleted(t *testing.T) {
	fetcher := newFakeFetcher()
	q := NewQueue(testConfig(fetcher))
	defer q.Close()

	fd := q.Enqueue(mediaFile("rc", 10), FileOptions{})
	_, err := fd.Wait(context.Background())
	require.NoError(t, err)

	key := fd.Info.StableKey()
	require.Contains(t, q.Active(), key)
	q.RemoveCompleted(key)
	require.NotContains(t, q.Active(), key)

	// A fresh enqueue after removal starts a new download.
	second := q.Enqueue(mediaFile("rc", 10), FileOptions{})
	require.NotSame(t, fd, second)
}

func TestProgressEvents(t *testing.T) {
	fetcher := newFakeFetcher()
	var mu sync.Mutex
	var events []Event
	cfg := testConfig(fetcher)
	cfg.OnEvent = func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	q := NewQueue(cfg)
	defer q.Close()

	fd := q.Enqueue(mediaFile("ev", 120), FileOptions{}) // three chunks
	_, err := fd.Wait(context.Background())
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, "one event per task")
	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Type)
	require.Equal(t, int64(120), last.DownloadedBytes)
}
