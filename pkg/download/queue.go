package download

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xibo-players/mediacache/pkg/manifest"
	"github.com/xibo-players/mediacache/pkg/store"
)

// QueueItem is one slot in the flat task queue: a task or a barrier
// sentinel. Nothing past a barrier starts while anything before it is
// still running.
type QueueItem struct {
	Task    *Task
	Barrier bool
}

// TaskItem wraps a task for an ordered push.
func TaskItem(t *Task) QueueItem {
	return QueueItem{Task: t}
}

// BarrierItem returns the barrier sentinel.
func BarrierItem() QueueItem {
	return QueueItem{Barrier: true}
}

// Queue is the single global download scheduler. All queue state is
// serialized under one mutex; task fetches run concurrently up to the
// effective concurrency cap.
type Queue struct {
	cfg     QueueConfig
	fetcher Fetcher
	log     *logrus.Entry

	mu          sync.Mutex
	queue       []QueueItem
	active      map[string]*FileDownload
	activeTasks []*Task
	running     int
	paused      bool
	closed      bool

	prepareQueue   []*FileDownload
	preparingCount int
	prepareDone    chan struct{}

	reenqueueTimers map[*Task]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue builds a queue from cfg, filling zero fields with defaults.
func NewQueue(cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:             cfg,
		fetcher:         fetcher,
		log:             cfg.Logger.WithField("component", "queue"),
		active:          make(map[string]*FileDownload),
		prepareDone:     make(chan struct{}),
		reenqueueTimers: make(map[*Task]*time.Timer),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Enqueue registers a file for download. Calling it twice with the
// same (type, id) returns the same FileDownload; the stored path is
// refreshed when the new URL carries a later signature expiry.
func (q *Queue) Enqueue(fi manifest.FileInfo, opts FileOptions) *FileDownload {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := fi.StableKey()
	if fd, ok := q.active[key]; ok {
		fd.refreshPath(fi.Path)
		return fd
	}

	fd := newFileDownload(fi, opts)
	q.active[key] = fd
	q.prepareQueue = append(q.prepareQueue, fd)
	q.pumpPrepareLocked()
	return fd
}

// refreshPath swaps in a later-expiring signed URL.
func (f *FileDownload) refreshPath(candidate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Info.Path = manifest.RefreshPath(f.Info.Path, candidate)
}

// reserveFile registers fd in the active map when its key is free,
// without scheduling a prepare; builders prepare their own files. The
// returned FileDownload is the one registered under the key.
func (q *Queue) reserveFile(fd *FileDownload) (*FileDownload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := fd.Info.StableKey()
	if existing, ok := q.active[key]; ok {
		return existing, false
	}
	q.active[key] = fd
	return fd, true
}

// pumpPrepareLocked starts prepare probes up to the MaxPreparing cap.
func (q *Queue) pumpPrepareLocked() {
	for q.preparingCount < q.cfg.MaxPreparing && len(q.prepareQueue) > 0 && !q.closed {
		fd := q.prepareQueue[0]
		q.prepareQueue = q.prepareQueue[1:]
		q.preparingCount++
		go q.prepareFile(fd)
	}
}

// prepareFile runs one prepare probe and feeds the resulting tasks
// into the queue.
func (q *Queue) prepareFile(fd *FileDownload) {
	tasks, err := fd.prepare(q.ctx, q.fetcher, q.cfg)

	q.mu.Lock()
	q.preparingCount--
	if err == nil && len(tasks) > 0 && !q.closed {
		q.enqueueChunkTasksLocked(tasks)
	}
	q.signalPrepareLocked()
	q.pumpPrepareLocked()
	q.processQueueLocked()
	q.mu.Unlock()

	if err != nil {
		q.log.WithField("key", fd.Info.StableKey()).WithError(err).Warn("prepare failed")
		q.emit(Event{Type: EventFailed, StoreKey: fd.Info.StableKey(), Error: err.Error()})
	}
}

// signalPrepareLocked wakes AwaitAllPrepared waiters.
func (q *Queue) signalPrepareLocked() {
	close(q.prepareDone)
	q.prepareDone = make(chan struct{})
}

// AwaitAllPrepared resolves when no prepare probes are queued or in
// flight.
func (q *Queue) AwaitAllPrepared(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.preparingCount == 0 && len(q.prepareQueue) == 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.prepareDone
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// EnqueueChunkTasks pushes tasks and stable-sorts the queue by
// descending priority.
func (q *Queue) EnqueueChunkTasks(tasks []*Task) {
	q.mu.Lock()
	q.enqueueChunkTasksLocked(tasks)
	q.processQueueLocked()
	q.mu.Unlock()
}

func (q *Queue) enqueueChunkTasksLocked(tasks []*Task) {
	for _, t := range tasks {
		q.adoptLocked(t)
		q.queue = append(q.queue, TaskItem(t))
	}
	q.sortSegmentsLocked()
}

// EnqueueOrderedTasks pushes items in the given order, preserving
// position as priority. Items may include barrier sentinels.
func (q *Queue) EnqueueOrderedTasks(items []QueueItem) {
	q.mu.Lock()
	for _, item := range items {
		if item.Task != nil {
			q.adoptLocked(item.Task)
		}
		q.queue = append(q.queue, item)
	}
	q.processQueueLocked()
	q.mu.Unlock()
}

// adoptLocked registers a task's parent in the active map.
func (q *Queue) adoptLocked(t *Task) {
	key := t.File.Info.StableKey()
	if _, ok := q.active[key]; !ok {
		q.active[key] = t.File
	}
}

// sortSegmentsLocked stable-sorts each barrier-delimited segment of
// the queue by descending priority. Barriers never move.
func (q *Queue) sortSegmentsLocked() {
	start := 0
	for i := 0; i <= len(q.queue); i++ {
		if i == len(q.queue) || q.queue[i].Barrier {
			seg := q.queue[start:i]
			sort.SliceStable(seg, func(a, b int) bool {
				return seg[a].Task.Priority > seg[b].Task.Priority
			})
			start = i + 1
		}
	}
}

// Prioritize boosts all queued tasks of one file to high priority.
func (q *Queue) Prioritize(typ store.Type, id string) {
	q.PrioritizeLayoutFiles([]string{string(typ) + "/" + id}, PriorityHigh)
}

// PrioritizeLayoutFiles boosts queued tasks of the given store keys to
// the given priority and re-sorts the queue.
func (q *Queue) PrioritizeLayoutFiles(storeKeys []string, priority Priority) {
	keys := make(map[string]bool, len(storeKeys))
	for _, k := range storeKeys {
		keys[k] = true
	}

	q.mu.Lock()
	for _, item := range q.queue {
		if item.Task != nil && keys[item.Task.Key()] && item.Task.Priority < priority {
			item.Task.Priority = priority
		}
	}
	q.sortSegmentsLocked()
	q.processQueueLocked()
	q.mu.Unlock()
}

// UrgentChunk promotes one chunk to urgent priority, typically because
// the renderer has stalled waiting for it. An in-flight chunk is
// marked urgent in place (capping further starts to the urgent
// concurrency); a queued chunk is moved to the queue head, bypassing
// any barrier.
func (q *Queue) UrgentChunk(typ store.Type, id string, index int) {
	key := string(typ) + "/" + id

	q.mu.Lock()
	for _, t := range q.activeTasks {
		if t.Key() == key && t.ChunkIndex == index {
			t.Priority = PriorityUrgent
			q.processQueueLocked()
			q.mu.Unlock()
			return
		}
	}
	for i, item := range q.queue {
		if item.Task != nil && item.Task.Key() == key && item.Task.ChunkIndex == index {
			item.Task.Priority = PriorityUrgent
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			q.queue = append([]QueueItem{TaskItem(item.Task)}, q.queue...)
			break
		}
	}
	q.processQueueLocked()
	q.mu.Unlock()
}

// Pause stops new task starts; in-flight tasks continue.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts the scheduler loop.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.processQueueLocked()
	q.mu.Unlock()
}

// Clear empties the queue and the active map and cancels pending
// re-enqueue timers. In-flight fetches are left to finish or time out.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.queue = nil
	q.prepareQueue = nil
	q.active = make(map[string]*FileDownload)
	for t, timer := range q.reenqueueTimers {
		timer.Stop()
		delete(q.reenqueueTimers, t)
	}
	q.mu.Unlock()
}

// Close clears the queue and aborts in-flight fetches.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Clear()
	q.cancel()
}

// RemoveCompleted drops a resolved file from the active map so a later
// enqueue starts fresh.
func (q *Queue) RemoveCompleted(storeKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fd, ok := q.active[storeKey]; ok {
		if s := fd.State(); s == FileComplete || s == FileFailed {
			delete(q.active, storeKey)
		}
	}
}

// Active returns a snapshot of the active file map.
func (q *Queue) Active() map[string]*FileDownload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]*FileDownload, len(q.active))
	for k, v := range q.active {
		out[k] = v
	}
	return out
}

// Running returns the number of in-flight tasks.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// QueueDepth returns the number of queued (not yet started) items.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// urgentPresentLocked reports whether any queued or in-flight task is
// urgent.
func (q *Queue) urgentPresentLocked() bool {
	for _, t := range q.activeTasks {
		if t.Priority == PriorityUrgent {
			return true
		}
	}
	for _, item := range q.queue {
		if item.Task != nil && item.Task.Priority == PriorityUrgent {
			return true
		}
	}
	return false
}

// canStartLocked gates a task on the minimum priority and its file's
// per-file cap.
func (q *Queue) canStartLocked(t *Task, minPriority Priority) bool {
	return t.Priority >= minPriority && t.File.running < q.cfg.MaxChunksPerFile
}

// processQueueLocked is the scheduler loop, invoked after every state
// change. It never blocks.
func (q *Queue) processQueueLocked() {
	if q.paused || q.closed {
		return
	}
	for {
		if len(q.queue) == 0 {
			return
		}

		effective := q.cfg.Concurrency
		minPriority := PriorityNormal
		if q.urgentPresentLocked() {
			effective = q.cfg.UrgentConcurrency
			minPriority = PriorityUrgent
		}
		if q.running >= effective {
			return
		}

		head := q.queue[0]
		if head.Barrier {
			// A barrier only falls once nothing is in flight; slots
			// stay empty until then.
			if q.running > 0 {
				return
			}
			q.queue = q.queue[1:]
			continue
		}

		if !q.canStartLocked(head.Task, minPriority) {
			// Scan forward for a startable task without crossing a
			// barrier.
			found := -1
			for i := 1; i < len(q.queue); i++ {
				if q.queue[i].Barrier {
					break
				}
				if q.canStartLocked(q.queue[i].Task, minPriority) {
					found = i
					break
				}
			}
			if found < 0 {
				return
			}
			t := q.queue[found].Task
			q.queue = append(q.queue[:found], q.queue[found+1:]...)
			q.startTaskLocked(t)
			continue
		}

		q.queue = q.queue[1:]
		q.startTaskLocked(head.Task)
	}
}

// startTaskLocked claims a slot and dispatches the fetch.
func (q *Queue) startTaskLocked(t *Task) {
	t.state = TaskDownloading
	q.running++
	t.File.running++
	q.activeTasks = append(q.activeTasks, t)
	if m := q.cfg.Metrics; m != nil {
		m.TasksStarted.Inc()
		m.RunningTasks.Set(float64(q.running))
		m.QueueDepth.Set(float64(len(q.queue)))
	}
	go q.runTask(t)
}

// runTask performs one task fetch and routes the outcome.
func (q *Queue) runTask(t *Task) {
	data, err := q.fetcher.Fetch(q.ctx, t)

	q.mu.Lock()
	q.running--
	t.File.running--
	for i, at := range q.activeTasks {
		if at == t {
			q.activeTasks = append(q.activeTasks[:i], q.activeTasks[i+1:]...)
			break
		}
	}

	if err != nil && t.IsGetData && !IsURLExpired(err) {
		// Widget data: the CMS may still be warming its cache. Push the
		// task back after a delay, a bounded number of times.
		if t.ReenqueueCount < q.cfg.GetDataMaxReenqueues && !q.closed {
			t.ReenqueueCount++
			t.state = TaskPending
			delay := q.cfg.GetDataReenqueueDelay
			timer := time.AfterFunc(delay, func() { q.reenqueueTask(t) })
			q.reenqueueTimers[t] = timer
			q.log.WithFields(logrus.Fields{
				"key": t.Key(), "reenqueue": t.ReenqueueCount,
			}).Info("scheduling widget data re-enqueue")
			q.processQueueLocked()
			q.mu.Unlock()
			return
		}
		err = NewReenqueueExhaustedError(t.Key(), err)
	}

	if err != nil && !IsURLExpired(err) {
		// A terminal chunk failure fails the whole file; purge its
		// remaining queued tasks.
		q.purgeFileLocked(t.File)
	}
	q.processQueueLocked()
	if m := q.cfg.Metrics; m != nil {
		m.RunningTasks.Set(float64(q.running))
		m.QueueDepth.Set(float64(len(q.queue)))
		if err != nil {
			m.TasksFailed.Inc()
		} else {
			m.TasksCompleted.Inc()
			m.BytesDownloaded.Add(float64(len(data)))
		}
	}
	q.mu.Unlock()

	if err != nil {
		t.File.onTaskFailed(t, err)
		q.emitFileEvent(t, err)
		return
	}
	t.File.onTaskComplete(t, data)
	q.emitFileEvent(t, nil)
}

// purgeFileLocked drops every queued task belonging to fd.
func (q *Queue) purgeFileLocked(fd *FileDownload) {
	kept := q.queue[:0]
	for _, item := range q.queue {
		if item.Task != nil && item.Task.File == fd {
			continue
		}
		kept = append(kept, item)
	}
	q.queue = kept
}

// reenqueueTask pushes a widget-data task back into the queue after
// its delay timer fires.
func (q *Queue) reenqueueTask(t *Task) {
	q.mu.Lock()
	delete(q.reenqueueTimers, t)
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, TaskItem(t))
	q.sortSegmentsLocked()
	q.processQueueLocked()
	q.mu.Unlock()
}

// emitFileEvent reports task completion or failure to the observer.
func (q *Queue) emitFileEvent(t *Task, err error) {
	if q.cfg.OnEvent == nil {
		return
	}
	fd := t.File
	ev := Event{
		StoreKey:        fd.Info.StableKey(),
		ChunkIndex:      t.ChunkIndex,
		DownloadedBytes: fd.DownloadedBytes(),
		TotalBytes:      fd.TotalBytes(),
	}
	switch {
	case err != nil && fd.State() == FileFailed:
		ev.Type = EventFailed
		ev.Error = err.Error()
	case fd.State() == FileComplete:
		ev.Type = EventComplete
	default:
		ev.Type = EventProgress
	}
	q.cfg.OnEvent(ev)
}

// emit sends a raw event to the observer.
func (q *Queue) emit(ev Event) {
	if q.cfg.OnEvent != nil {
		q.cfg.OnEvent(ev)
	}
}
