package download

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xibo-players/mediacache/pkg/manifest"
)

// LayoutTaskBuilder composes a single ordered task stream for one
// layout's batch of files. Non-chunked files come first (smallest
// first, to clear manifest pressure quickly), then the critical chunks
// of every chunked file (chunk 0 for playback start, the last chunk
// for duration metadata), then a barrier, then the bulk chunks. The
// barrier keeps slots reserved for critical chunks until they all
// finish, no matter how many files are queued.
type LayoutTaskBuilder struct {
	queue *Queue
	files []*FileDownload
	tasks map[*FileDownload][]*Task
}

// NewLayoutTaskBuilder builds a task builder bound to a queue.
func NewLayoutTaskBuilder(q *Queue) *LayoutTaskBuilder {
	return &LayoutTaskBuilder{
		queue: q,
		tasks: make(map[*FileDownload][]*Task),
	}
}

// AddFile registers one manifest entry. A file already active in the
// queue is deduplicated; its path is refreshed when the new URL
// carries a later signature expiry.
func (b *LayoutTaskBuilder) AddFile(fi manifest.FileInfo, opts FileOptions) *FileDownload {
	fd := newFileDownload(fi, opts)
	got, reserved := b.queue.reserveFile(fd)
	if !reserved {
		got.refreshPath(fi.Path)
		return got
	}
	b.files = append(b.files, fd)
	return fd
}

// Build prepares every registered file (throttled to the queue's
// prepare cap), orders the collected tasks, and pushes the stream into
// the queue.
func (b *LayoutTaskBuilder) Build(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.queue.cfg.MaxPreparing)

	var mu sync.Mutex
	for _, fd := range b.files {
		fd := fd
		g.Go(func() error {
			tasks, err := fd.prepare(gctx, b.queue.fetcher, b.queue.cfg)
			if err != nil {
				// The file is already failed; the batch carries on.
				return nil
			}
			mu.Lock()
			b.tasks[fd] = tasks
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.queue.EnqueueOrderedTasks(b.order())
	return nil
}

// order sorts the collected tasks into the critical-chunk-first
// stream.
func (b *LayoutTaskBuilder) order() []QueueItem {
	type fileTasks struct {
		fd    *FileDownload
		tasks []*Task
	}
	var nonChunked []fileTasks
	var chunk0s, lasts, bulk []*Task

	for _, fd := range b.files {
		tasks := b.tasks[fd]
		if len(tasks) == 0 {
			continue // resolved at prepare (all chunks skipped) or failed
		}
		if fd.TotalChunks() <= 1 {
			nonChunked = append(nonChunked, fileTasks{fd: fd, tasks: tasks})
			continue
		}
		last := fd.TotalChunks() - 1
		for _, t := range tasks {
			switch t.ChunkIndex {
			case 0:
				chunk0s = append(chunk0s, t)
			case last:
				lasts = append(lasts, t)
			default:
				bulk = append(bulk, t)
			}
		}
	}

	// Small files first: they finish quickly and clear manifest
	// pressure.
	sort.SliceStable(nonChunked, func(i, j int) bool {
		return nonChunked[i].fd.TotalBytes() < nonChunked[j].fd.TotalBytes()
	})
	// Bulk chunks stream in index order so playback can follow the
	// write head.
	sort.SliceStable(bulk, func(i, j int) bool {
		return bulk[i].ChunkIndex < bulk[j].ChunkIndex
	})

	var items []QueueItem
	for _, ft := range nonChunked {
		for _, t := range ft.tasks {
			items = append(items, TaskItem(t))
		}
	}
	for _, t := range chunk0s {
		items = append(items, TaskItem(t))
	}
	for _, t := range lasts {
		items = append(items, TaskItem(t))
	}
	if len(bulk) > 0 {
		items = append(items, BarrierItem())
		for _, t := range bulk {
			items = append(items, TaskItem(t))
		}
	}
	return items
}
