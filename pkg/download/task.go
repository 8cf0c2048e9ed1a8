package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/xibo-players/mediacache/pkg/manifest"
)

// TaskState tracks a task through its lifecycle.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskDownloading
	TaskComplete
	TaskFailed
)

// Task is a single HTTP fetch unit: one whole file or one byte range
// of a chunked file.
type Task struct {
	// File is the non-owning parent handle.
	File *FileDownload

	// ChunkIndex is the chunk this task covers, or -1 for a whole file.
	ChunkIndex int

	// RangeStart/RangeEnd bound the fetch; -1 when the task covers the
	// whole file.
	RangeStart int64
	RangeEnd   int64

	// Priority orders the task in the queue.
	Priority Priority

	// IsGetData marks widget-data tasks (slower retry schedule,
	// bounded re-enqueue).
	IsGetData bool

	// ReenqueueCount counts widget-data re-enqueues so far.
	ReenqueueCount int

	state TaskState
}

// Key returns the parent file's stable key.
func (t *Task) Key() string {
	return t.File.Info.StableKey()
}

// Fetcher performs the HTTP legs of the engine. The queue depends on
// this interface so schedulers can be exercised without a network.
type Fetcher interface {
	// Fetch performs one task's GET, including its retry schedule, and
	// returns the body bytes.
	Fetch(ctx context.Context, task *Task) ([]byte, error)

	// Head probes a file's size and content type.
	Head(ctx context.Context, fi manifest.FileInfo) (size int64, contentType string, err error)
}

// HTTPFetcher is the production Fetcher: plain net/http GETs through
// the local proxy with a fixed retry schedule and an optional
// process-wide bandwidth limiter.
type HTTPFetcher struct {
	client  *http.Client
	cfg     QueueConfig
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewHTTPFetcher builds a fetcher from the queue configuration.
func NewHTTPFetcher(cfg QueueConfig) *HTTPFetcher {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		MaxIdleConns:        cfg.Concurrency * 2,
		MaxIdleConnsPerHost: cfg.Concurrency,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // raw bytes; ranges must not be re-encoded
	}
	var limiter *rate.Limiter
	if cfg.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), int(cfg.BandwidthLimit))
	}
	return &HTTPFetcher{
		client:  &http.Client{Transport: transport},
		cfg:     cfg,
		limiter: limiter,
		log:     cfg.Logger.WithField("component", "fetcher"),
	}
}

// taskURL builds the effective URL for a task, routing CMS URLs
// through the local proxy with the store-tee parameters.
func (h *HTTPFetcher) taskURL(t *Task) string {
	fi := t.File.Info
	opts := RewriteOptions{
		StoreKey:   fi.StableKey(),
		MD5:        fi.MD5,
		ChunkIndex: t.ChunkIndex,
	}
	if t.ChunkIndex >= 0 {
		opts.NumChunks = t.File.TotalChunks()
		opts.ChunkSize = h.cfg.ChunkSize
	}
	return RewriteURL(fi.Path, h.cfg.LocalHost, h.cfg.CMSOrigin, opts)
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, t *Task) ([]byte, error) {
	delays := h.cfg.RetryDelays
	if t.IsGetData {
		delays = h.cfg.GetDataRetryDelays
	}

	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		// Signed URLs are checked before every dispatch; an expired URL
		// is terminal for this task, not retryable.
		if manifest.Expired(t.File.Info.Path, time.Now(), h.cfg.ExpiryGrace) {
			return backoff.Permanent(NewURLExpiredError(t.Key(), t.ChunkIndex))
		}
		data, err := h.fetchOnce(ctx, t)
		if err != nil {
			h.log.WithFields(logrus.Fields{
				"key": t.Key(), "chunk": t.ChunkIndex, "attempt": attempt,
			}).WithError(err).Warn("fetch attempt failed")
			return err
		}
		body = data
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(newScheduleBackOff(delays), ctx))
	if err != nil {
		if IsURLExpired(err) {
			return nil, err
		}
		return nil, NewRetriesExhaustedError(t.Key(), t.ChunkIndex, err)
	}
	return body, nil
}

// fetchOnce performs one GET attempt.
func (h *HTTPFetcher) fetchOnce(ctx context.Context, t *Task) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, h.taskURL(t), nil)
	if err != nil {
		return nil, backoff.Permanent(NewNetworkError(t.Key(), t.ChunkIndex, "building request", err))
	}
	if t.RangeStart >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", t.RangeStart, t.RangeEnd))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewNetworkError(t.Key(), t.ChunkIndex, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, NewNetworkError(t.Key(), t.ChunkIndex,
			fmt.Sprintf("unexpected status %s", resp.Status), nil)
	}

	var r io.Reader = resp.Body
	if h.limiter != nil {
		r = &limitedReader{r: resp.Body, limiter: h.limiter, ctx: reqCtx}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewNetworkError(t.Key(), t.ChunkIndex, "reading body", err)
	}
	return data, nil
}

// Head implements Fetcher.
func (h *HTTPFetcher) Head(ctx context.Context, fi manifest.FileInfo) (int64, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, h.cfg.HeadTimeout)
	defer cancel()

	u := RewriteURL(fi.Path, h.cfg.LocalHost, h.cfg.CMSOrigin, RewriteOptions{ChunkIndex: -1})
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, u, nil)
	if err != nil {
		return 0, "", NewPrepareError(fi.StableKey(), err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", NewPrepareError(fi.StableKey(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", NewPrepareError(fi.StableKey(), fmt.Errorf("unexpected status %s", resp.Status))
	}
	return resp.ContentLength, resp.Header.Get("Content-Type"), nil
}

// scheduleBackOff walks a fixed per-attempt delay schedule; the task
// gets len(delays) attempts in total.
type scheduleBackOff struct {
	delays []time.Duration
	next   int
}

func newScheduleBackOff(delays []time.Duration) *scheduleBackOff {
	return &scheduleBackOff{delays: delays}
}

// NextBackOff implements backoff.BackOff.
func (s *scheduleBackOff) NextBackOff() time.Duration {
	if s.next >= len(s.delays)-1 {
		return backoff.Stop
	}
	d := s.delays[s.next]
	s.next++
	return d
}

// Reset implements backoff.BackOff.
func (s *scheduleBackOff) Reset() {
	s.next = 0
}

// limitedReader throttles reads through a shared rate limiter.
type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// Cap single waits at the limiter burst.
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if waitErr := l.limiter.WaitN(l.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
