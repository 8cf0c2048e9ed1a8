// Package download implements the chunk-level download engine: a flat
// global queue of fetch tasks with priority classes, barrier sentinels,
// per-file and global concurrency caps, and urgent preemption, plus the
// per-file orchestration that turns a manifest entry into ordered chunk
// tasks and reassembles the result.
package download

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xibo-players/mediacache/pkg/constants"
	"github.com/xibo-players/mediacache/pkg/metrics"
)

// Priority classes for tasks. Higher starts earlier.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityLayout Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// String returns the priority name for logs.
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityLayout:
		return "layout"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// EventType classifies queue progress events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
)

// Event is one progress notification fanned out to observers.
type Event struct {
	Type            EventType `json:"type"`
	StoreKey        string    `json:"storeKey"`
	ChunkIndex      int       `json:"chunkIndex,omitempty"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	Error           string    `json:"error,omitempty"`
}

// QueueConfig enumerates every queue knob explicitly.
type QueueConfig struct {
	// Concurrency is the global connection-slot cap.
	Concurrency int

	// MaxChunksPerFile caps the slots one file may hold at once.
	MaxChunksPerFile int

	// UrgentConcurrency replaces Concurrency while any urgent task is
	// queued or in flight.
	UrgentConcurrency int

	// MaxPreparing bounds concurrent HEAD probes.
	MaxPreparing int

	// ChunkThreshold is the size above which files are chunked.
	ChunkThreshold int64

	// ChunkSize is the range length of each chunk task.
	ChunkSize int64

	// HeadTimeout bounds the prepare probe.
	HeadTimeout time.Duration

	// FetchTimeout bounds one GET attempt.
	FetchTimeout time.Duration

	// ExpiryGrace is subtracted from signed-URL expiries.
	ExpiryGrace time.Duration

	// RetryDelays separate general task attempts; a task gets
	// len(RetryDelays) attempts in total.
	RetryDelays []time.Duration

	// GetDataRetryDelays separate widget-data attempts.
	GetDataRetryDelays []time.Duration

	// GetDataReenqueueDelay separates widget-data re-enqueues after the
	// retry schedule is exhausted.
	GetDataReenqueueDelay time.Duration

	// GetDataMaxReenqueues bounds widget-data re-enqueues.
	GetDataMaxReenqueues int

	// BandwidthLimit caps download throughput in bytes per second.
	// Zero disables the limiter.
	BandwidthLimit int64

	// Fetcher performs task HTTP requests. Defaults to an HTTPFetcher
	// built from LocalHost and CMSOrigin.
	Fetcher Fetcher

	// LocalHost is this process's own host:port, used to rewrite CMS
	// URLs through the proxy.
	LocalHost string

	// CMSOrigin is the remote content server origin.
	CMSOrigin string

	// OnEvent observes progress for every file in the queue.
	OnEvent func(Event)

	// Metrics, when set, receives task and queue gauges.
	Metrics *metrics.Metrics

	// Logger receives queue events. Defaults to the standard logger.
	Logger *logrus.Entry
}

// DefaultQueueConfig returns the production defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Concurrency:           constants.Concurrency,
		MaxChunksPerFile:      constants.MaxChunksPerFile,
		UrgentConcurrency:     constants.UrgentConcurrency,
		MaxPreparing:          constants.MaxPreparing,
		ChunkThreshold:        constants.ChunkThreshold,
		ChunkSize:             constants.ChunkSize,
		HeadTimeout:           constants.HeadTimeout,
		FetchTimeout:          constants.FetchTimeout,
		ExpiryGrace:           constants.ExpiryGrace,
		RetryDelays:           constants.RetryDelays,
		GetDataRetryDelays:    constants.GetDataRetryDelays,
		GetDataReenqueueDelay: constants.GetDataReenqueueDelay,
		GetDataMaxReenqueues:  constants.GetDataMaxReenqueues,
	}
}

// withDefaults fills zero fields with production defaults.
func (c QueueConfig) withDefaults() QueueConfig {
	def := DefaultQueueConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxChunksPerFile <= 0 {
		c.MaxChunksPerFile = def.MaxChunksPerFile
	}
	if c.UrgentConcurrency <= 0 {
		c.UrgentConcurrency = def.UrgentConcurrency
	}
	if c.MaxPreparing <= 0 {
		c.MaxPreparing = def.MaxPreparing
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = def.ChunkThreshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.HeadTimeout <= 0 {
		c.HeadTimeout = def.HeadTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = def.ExpiryGrace
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = def.RetryDelays
	}
	if len(c.GetDataRetryDelays) == 0 {
		c.GetDataRetryDelays = def.GetDataRetryDelays
	}
	if c.GetDataReenqueueDelay <= 0 {
		c.GetDataReenqueueDelay = def.GetDataReenqueueDelay
	}
	if c.GetDataMaxReenqueues <= 0 {
		c.GetDataMaxReenqueues = def.GetDataMaxReenqueues
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// FileOptions carries per-file settings for an enqueue.
type FileOptions struct {
	// Priority applies to every task of the file unless chunk rules
	// override it.
	Priority Priority

	// OnProgress observes (downloadedBytes, totalBytes) after each
	// completed task.
	OnProgress func(downloaded, total int64)

	// OnChunkDownloaded delivers chunk bytes progressively. When set,
	// the final result carries no assembled blob.
	OnChunkDownloaded func(index int, data []byte, totalChunks int)
}
