package download

import (
	"context"
	"sort"
	"sync"

	"github.com/xibo-players/mediacache/pkg/manifest"
)

// FileState tracks a FileDownload through its lifecycle.
type FileState int

const (
	FilePending FileState = iota
	FilePreparing
	FileDownloading
	FileComplete
	FileFailed
)

// Result is the outcome of a completed FileDownload.
type Result struct {
	// Data is the assembled file. It is empty when the consumer took
	// delivery progressively, when every chunk was skipped on resume,
	// or when the download completed partially on URL expiry.
	Data []byte

	// ContentType is the declared or inferred MIME type.
	ContentType string

	// URLExpired marks a partial completion: the signed URL expired
	// mid-download and the consumer must re-enqueue on the next
	// manifest refresh to fill the gaps.
	URLExpired bool
}

// FileDownload coordinates the tasks that materialize one file.
type FileDownload struct {
	// Info is the manifest entry this download serves.
	Info manifest.FileInfo

	opts FileOptions

	mu              sync.Mutex
	state           FileState
	totalBytes      int64
	totalChunks     int
	completedChunks int
	downloadedBytes int64
	contentType     string
	tasks           []*Task
	openTasks       int // tasks neither complete nor dropped
	chunkData       map[int][]byte
	urlExpired      bool
	result          Result
	err             error
	done            chan struct{}

	// running is owned by the queue and guarded by the queue mutex.
	running int
}

// newFileDownload builds a pending FileDownload.
func newFileDownload(fi manifest.FileInfo, opts FileOptions) *FileDownload {
	return &FileDownload{
		Info:      fi,
		opts:      opts,
		chunkData: make(map[int][]byte),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (f *FileDownload) State() FileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TotalBytes returns the file size determined at prepare.
func (f *FileDownload) TotalBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBytes
}

// DownloadedBytes returns the bytes fetched so far.
func (f *FileDownload) DownloadedBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadedBytes
}

// TotalChunks returns the chunk count, including skipped chunks; 1 for
// non-chunked files.
func (f *FileDownload) TotalChunks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totalChunks == 0 {
		return 1
	}
	return f.totalChunks
}

// ContentType returns the declared or inferred MIME type.
func (f *FileDownload) ContentType() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentType
}

// Tasks returns the file's current task list.
func (f *FileDownload) Tasks() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

// Wait suspends until the file resolves or fails.
func (f *FileDownload) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-f.done:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Result{}, f.err
	}
	return f.result, nil
}

// prepare determines the file's size and content type, lays out the
// chunk geometry, and returns the task list. A file whose chunks are
// all skipped resolves immediately and returns no tasks.
func (f *FileDownload) prepare(ctx context.Context, fetcher Fetcher, cfg QueueConfig) ([]*Task, error) {
	f.mu.Lock()
	f.state = FilePreparing
	fi := f.Info
	f.mu.Unlock()

	size := fi.Size
	contentType := ""
	if size <= 0 {
		headSize, headType, err := fetcher.Head(ctx, fi)
		if err != nil {
			f.fail(NewPrepareError(fi.StableKey(), err))
			return nil, err
		}
		size = headSize
		contentType = headType
	}
	if contentType == "" {
		contentType = manifest.InferContentType(fi.Path)
	}

	tasks := f.layOutTasks(size, contentType, cfg)

	f.mu.Lock()
	if f.openTasks == 0 {
		// Every chunk was skipped; resolve with an empty placeholder.
		f.state = FileComplete
		f.result = Result{ContentType: contentType}
		f.mu.Unlock()
		close(f.done)
		return nil, nil
	}
	f.state = FileDownloading
	f.mu.Unlock()
	return tasks, nil
}

// layOutTasks computes the chunk geometry and task priorities.
func (f *FileDownload) layOutTasks(size int64, contentType string, cfg QueueConfig) []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.totalBytes = size
	f.contentType = contentType

	if size <= cfg.ChunkThreshold {
		task := &Task{
			File:       f,
			ChunkIndex: -1,
			RangeStart: -1,
			RangeEnd:   -1,
			Priority:   f.opts.Priority,
			IsGetData:  f.Info.IsGetData,
		}
		f.tasks = []*Task{task}
		f.totalChunks = 1
		f.openTasks = 1
		return f.tasks
	}

	numChunks := int((size + cfg.ChunkSize - 1) / cfg.ChunkSize)
	f.totalChunks = numChunks
	resuming := len(f.Info.SkipChunks) > 0

	var tasks []*Task
	for i := 0; i < numChunks; i++ {
		if f.Info.SkipChunks[i] {
			continue
		}
		start := int64(i) * cfg.ChunkSize
		end := start + cfg.ChunkSize - 1
		if end > size-1 {
			end = size - 1
		}
		// Chunk 0 carries the container header the renderer needs to
		// start playback; the last chunk carries duration metadata.
		// On resume the critical chunks are presumed already present.
		priority := PriorityNormal
		if !resuming && (i == 0 || i == numChunks-1) {
			priority = PriorityHigh
		}
		tasks = append(tasks, &Task{
			File:       f,
			ChunkIndex: i,
			RangeStart: start,
			RangeEnd:   end,
			Priority:   priority,
			IsGetData:  f.Info.IsGetData,
		})
	}
	f.tasks = tasks
	f.openTasks = len(tasks)
	return tasks
}

// onTaskComplete records a finished task and resolves the file when no
// open tasks remain.
func (f *FileDownload) onTaskComplete(task *Task, data []byte) {
	f.mu.Lock()
	task.state = TaskComplete
	f.completedChunks++
	f.downloadedBytes += int64(len(data))
	progressive := f.opts.OnChunkDownloaded != nil
	if !progressive {
		idx := task.ChunkIndex
		if idx < 0 {
			idx = 0
		}
		f.chunkData[idx] = data
	}
	f.openTasks--
	finished := f.openTasks == 0
	downloaded, total := f.downloadedBytes, f.totalBytes
	totalChunks := f.totalChunks
	f.mu.Unlock()

	if progressive {
		idx := task.ChunkIndex
		if idx < 0 {
			idx = 0
		}
		f.opts.OnChunkDownloaded(idx, data, totalChunks)
	}
	if f.opts.OnProgress != nil {
		f.opts.OnProgress(downloaded, total)
	}
	if finished {
		f.finish()
	}
}

// onTaskFailed decides whether to drop the task (URL expiry) or fail
// the whole file.
func (f *FileDownload) onTaskFailed(task *Task, err error) {
	if !IsURLExpired(err) {
		f.fail(err)
		return
	}

	f.mu.Lock()
	task.state = TaskFailed
	f.urlExpired = true
	for i, t := range f.tasks {
		if t == task {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			break
		}
	}
	f.openTasks--
	finished := f.openTasks == 0 && f.state == FileDownloading
	f.mu.Unlock()

	if finished {
		f.finish()
	}
}

// finish assembles the result and resolves the waiters.
func (f *FileDownload) finish() {
	f.mu.Lock()
	if f.state == FileComplete || f.state == FileFailed {
		f.mu.Unlock()
		return
	}
	f.state = FileComplete

	result := Result{ContentType: f.contentType, URLExpired: f.urlExpired}
	switch {
	case f.urlExpired:
		// Partial completion: the stored chunks stand, the blob is an
		// empty placeholder until the resume pass fills the gaps.
	case f.opts.OnChunkDownloaded != nil:
		// Bytes were consumed progressively; resolve with an empty
		// placeholder.
	case len(f.chunkData) == 1 && f.totalChunks <= 1:
		for _, data := range f.chunkData {
			result.Data = data
		}
	default:
		indexes := make([]int, 0, len(f.chunkData))
		for idx := range f.chunkData {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		var size int
		for _, idx := range indexes {
			size += len(f.chunkData[idx])
		}
		assembled := make([]byte, 0, size)
		for _, idx := range indexes {
			assembled = append(assembled, f.chunkData[idx]...)
		}
		result.Data = assembled
	}
	// Release the per-chunk buffers.
	f.chunkData = make(map[int][]byte)
	f.result = result
	f.mu.Unlock()
	close(f.done)
}

// fail resolves the file with a terminal error.
func (f *FileDownload) fail(err error) {
	f.mu.Lock()
	if f.state == FileComplete || f.state == FileFailed {
		f.mu.Unlock()
		return
	}
	f.state = FileFailed
	f.err = err
	f.mu.Unlock()
	close(f.done)
}
