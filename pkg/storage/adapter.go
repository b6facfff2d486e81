package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/llmproxy/pkg/contentblock"
	"github.com/codeready-toolchain/llmproxy/pkg/linker"
)

// DefaultRetention and DefaultCleanupInterval are the spec.md §3 defaults
// for the short-id→UUID map.
const (
	DefaultRetention       = time.Hour
	DefaultCleanupInterval = 5 * time.Minute

	// slowCleanupThreshold triggers a warning log when a single cleanup
	// pass takes unexpectedly long (lock contention, huge map).
	slowCleanupThreshold = 100 * time.Millisecond
)

// ErrAdapterClosed is returned by every Adapter method once Close has run.
var ErrAdapterClosed = errors.New("storage: adapter is closed")

type mappingEntry struct {
	requestID string
	createdAt time.Time
}

// RequestInput is everything the Adapter needs to link and persist a newly
// received request, keyed by its short-lived external id.
type RequestInput struct {
	Domain         string
	Method         string
	Path           string
	Headers        map[string]string
	Body           map[string]interface{}
	Messages       []contentblock.Message
	System         *contentblock.System
	Model          *string
	AccountID      *string
	Timestamp      time.Time
}

// StoreRequestResult is returned to the caller so it can log/forward the
// computed linkage alongside the assigned persistent request id.
type StoreRequestResult struct {
	RequestID string
	Linkage   linker.Result
}

// Adapter is the façade the Proxy Pipeline talks to: it owns the transient
// short-id→UUID mapping, drives the Conversation Linker, and delegates raw
// persistence to a Writer (spec.md §4.3).
type Adapter struct {
	writer *Writer
	closer io.Closer

	retention       time.Duration
	cleanupInterval time.Duration

	mu      sync.Mutex
	mapping map[string]mappingEntry
	closed  bool
	timer   *time.Timer
}

// NewAdapter constructs an Adapter and starts its recursive cleanup timer.
// closer is the underlying database connection, closed by Close.
func NewAdapter(writer *Writer, closer io.Closer, retention, cleanupInterval time.Duration) *Adapter {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	a := &Adapter{
		writer:          writer,
		closer:          closer,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		mapping:         make(map[string]mappingEntry),
	}
	a.scheduleCleanup()
	return a
}

// StoreRequest computes conversation linkage and persists the request,
// recording shortID→UUID in the transient mapping. A repeat call with the
// same shortID overwrites the prior mapping entry (spec.md §4.3 contract);
// callers are responsible for not calling it twice for the same request.
func (a *Adapter) StoreRequest(ctx context.Context, shortID string, in RequestInput) (*StoreRequestResult, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}

	linkage, err := linker.Link(ctx, a.writer, linker.Input{
		Domain:    in.Domain,
		Messages:  in.Messages,
		System:    in.System,
		Timestamp: in.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: link conversation: %w", err)
	}

	requestID := uuid.NewString()
	rec := RequestRecord{
		RequestID:      requestID,
		Domain:         in.Domain,
		AccountID:      in.AccountID,
		Timestamp:      in.Timestamp,
		Method:         in.Method,
		Path:           in.Path,
		RequestHeaders: in.Headers,
		RequestBody:    in.Body,
		Model:          in.Model,
		Classification: ClassifyRequest(in.Messages, in.System),
		MessageCount:   len(in.Messages),
		Linkage:        *linkage,
	}
	if err := a.writer.CreateRequest(ctx, rec); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.mapping[shortID] = mappingEntry{requestID: requestID, createdAt: time.Now()}
	a.mu.Unlock()

	return &StoreRequestResult{RequestID: requestID, Linkage: *linkage}, nil
}

// StoreResponse applies the response-completion update. A shortID with no
// live mapping (expired or never stored) is logged at debug level and is
// not an error.
func (a *Adapter) StoreResponse(ctx context.Context, shortID string, upd ResponseUpdate) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	requestID, ok := a.lookup(shortID)
	if !ok {
		slog.Debug("storage: storeResponse on expired or unknown short id", "short_id", shortID)
		return nil
	}
	return a.writer.CompleteResponse(ctx, requestID, upd)
}

// StoreStreamingChunk persists one chunk for a still-live short id; a
// missing mapping is a silent no-op, matching StoreResponse's contract.
func (a *Adapter) StoreStreamingChunk(ctx context.Context, shortID string, chunkIndex int, data []byte, tokenCount *int) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	requestID, ok := a.lookup(shortID)
	if !ok {
		slog.Debug("storage: storeStreamingChunk on expired or unknown short id", "short_id", shortID)
		return nil
	}
	return a.writer.AppendStreamingChunk(ctx, requestID, chunkIndex, data, tokenCount)
}

// ProcessTaskToolInvocations scans a response message for Task tool_use
// blocks and records them on the request's row, for later sub-task
// detection (spec.md §4.3).
func (a *Adapter) ProcessTaskToolInvocations(ctx context.Context, shortID string, responseMessage contentblock.Message) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	requestID, ok := a.lookup(shortID)
	if !ok {
		return nil
	}
	invocations := extractTaskInvocations(responseMessage)
	if len(invocations) == 0 {
		return nil
	}
	return a.writer.SetTaskToolInvocations(ctx, requestID, invocations)
}

func (a *Adapter) lookup(shortID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.mapping[shortID]
	if !ok {
		return "", false
	}
	// TTL is enforced here too, not just by the periodic cleanup cycle: a
	// lookup must not succeed merely because cleanup hasn't run yet.
	if time.Since(entry.createdAt) > a.retention {
		return "", false
	}
	return entry.requestID, true
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// scheduleCleanup arms a single one-shot timer rather than a fixed-period
// ticker, so a long GC pause or clock jump cannot queue up missed ticks.
func (a *Adapter) scheduleCleanup() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.timer = time.AfterFunc(a.cleanupInterval, a.runCleanup)
	a.mu.Unlock()
}

func (a *Adapter) runCleanup() {
	start := time.Now()
	cutoff := start.Add(-a.retention)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	removed := 0
	for shortID, entry := range a.mapping {
		if entry.createdAt.Before(cutoff) {
			delete(a.mapping, shortID)
			removed++
		}
	}
	remaining := len(a.mapping)
	a.mu.Unlock()

	elapsed := time.Since(start)
	slog.Debug("storage: short-id map cleanup cycle", "removed", removed, "remaining", remaining, "elapsed_ms", elapsed.Milliseconds())
	if elapsed > slowCleanupThreshold {
		slog.Warn("storage: short-id map cleanup cycle exceeded threshold", "elapsed_ms", elapsed.Milliseconds(), "threshold_ms", slowCleanupThreshold.Milliseconds())
	}

	a.scheduleCleanup()
}

// Close stops the cleanup timer, clears the mapping, and closes the
// underlying database connection. All other methods return
// ErrAdapterClosed afterward.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mapping = nil
	a.mu.Unlock()

	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
