package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
	"github.com/codeready-toolchain/llmproxy/pkg/tracing"
	"github.com/codeready-toolchain/llmproxy/pkg/usage"
)

// tracingMiddleware opens one span per inbound request, named after the
// route pattern, so a proxied turn can be followed end to end in a trace
// viewer when OTEL_EXPORTER_OTLP_ENDPOINT is configured.
func tracingMiddleware() gin.HandlerFunc {
	tracer := tracing.Tracer("llmproxy/proxy")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// messagesHandler implements POST /v1/messages, the full spec.md §4.5
// sequence: auth (middleware, already run), validate, resolve credential,
// classify/hash/link/write, forward, then schedule post-response tasks.
func (s *Server) messagesHandler(c *gin.Context) {
	receivedAt := time.Now()
	domain := requestDomain(c.Request)

	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodySize+1))
	if err != nil {
		s.respondError(c, apierrors.Validation("failed to read request body", err))
		return
	}

	env, err := decodeRequestEnvelope(rawBody)
	if err != nil {
		s.respondError(c, apierrors.Validation("malformed JSON body", err))
		return
	}
	if err := validateMessagesRequest(len(rawBody), env.Messages); err != nil {
		s.respondError(c, err)
		return
	}

	cred, err := s.credentials.GetCredential(c.Request.Context(), domain)
	if err != nil {
		var refreshErr *credentials.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Kind == credentials.RefreshFailureHard {
			slog.Error("proxy: credential refresh requires re-authentication", "domain", domain, "error", err)
		}
		s.respondError(c, apierrors.Upstream("credential resolution failed", 0, err))
		return
	}

	shortID := uuid.NewString()
	var accountID *string
	if cred.AccountID != "" {
		accountID = &cred.AccountID
	}

	var storeResult *storage.StoreRequestResult
	if s.storageEnabled() {
		storeResult, err = s.storage.StoreRequest(c.Request.Context(), shortID, storage.RequestInput{
			Domain:    domain,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Headers:   sanitizeHeaders(c.Request.Header),
			Body:      decodeBodyAsMap(rawBody),
			Messages:  env.Messages,
			System:    env.System,
			Model:     nonEmptyPtr(env.Model),
			AccountID: accountID,
			Timestamp: receivedAt,
		})
		if err != nil {
			s.respondError(c, apierrors.Storage("failed to persist request", err))
			return
		}
	}

	if env.Stream {
		s.forwardStreaming(c, domain, rawBody, cred, shortID, receivedAt, storeResult)
		return
	}
	s.forwardNonStreaming(c, domain, rawBody, cred, shortID, receivedAt, storeResult)
}

func (s *Server) forwardNonStreaming(c *gin.Context, domain string, rawBody []byte, cred credentials.Credential, shortID string, receivedAt time.Time, storeResult *storage.StoreRequestResult) {
	resp, err := s.upstream.forward(c.Request.Context(), domain, c.Request.URL.Path, rawBody, cred, false)
	if err != nil {
		s.finalizeError(c, shortID, receivedAt, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.finalizeError(c, shortID, receivedAt, apierrors.Upstream("failed to read upstream response", resp.StatusCode, err))
		return
	}

	for key, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	_, _ = c.Writer.Write(body)

	duration := int(time.Since(receivedAt).Milliseconds())

	if resp.StatusCode >= 400 {
		s.completeUpstreamError(c.Request.Context(), shortID, storeResult, cred, resp.StatusCode, false, body, duration)
		return
	}

	parsed, asMap, decodeErr := decodeNonStreamingBody(body)
	var errorText *string
	var assistantContent []json.RawMessage
	if decodeErr != nil {
		msg := decodeErr.Error()
		errorText = &msg
	} else {
		assistantContent = parsed.Content
	}

	upd := storage.ResponseUpdate{
		Status:              resp.StatusCode,
		Headers:             sanitizeHeaders(resp.Header),
		Body:                asMap,
		Streaming:           false,
		InputTokens:         parsed.Usage.InputTokens,
		OutputTokens:        parsed.Usage.OutputTokens,
		CacheCreationTokens: parsed.Usage.CacheCreationInputTokens,
		CacheReadTokens:     parsed.Usage.CacheReadInputTokens,
		ToolCallCount:       countToolUse(assistantContent),
		DurationMs:          &duration,
		ErrorText:           errorText,
	}
	sumTokens(&upd)

	s.completeAndSchedule(c.Request.Context(), shortID, storeResult, upd, assistantContent, domain, cred.AccountID)
}

func (s *Server) forwardStreaming(c *gin.Context, domain string, rawBody []byte, cred credentials.Credential, shortID string, receivedAt time.Time, storeResult *storage.StoreRequestResult) {
	resp, err := s.upstream.forward(c.Request.Context(), domain, c.Request.URL.Path, rawBody, cred, true)
	if err != nil {
		s.finalizeError(c, shortID, receivedAt, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		for key, values := range resp.Header {
			for _, v := range values {
				c.Writer.Header().Add(key, v)
			}
		}
		c.Writer.WriteHeader(resp.StatusCode)
		_, _ = c.Writer.Write(body)
		duration := int(time.Since(receivedAt).Milliseconds())
		s.completeUpstreamError(c.Request.Context(), shortID, storeResult, cred, resp.StatusCode, true, body, duration)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	scanner := newSSEScanner(resp.Body)
	usageTracker := &streamUsageTracker{}
	blocks := newBlockAccumulator()

	chunkIndex := 0
	var firstTokenLatencyMs *int
	ctx := c.Request.Context()

	for {
		frame, err := scanner.next()
		if err != nil {
			break
		}
		if len(frame.Raw) == 0 {
			continue
		}

		// Client bytes first, storage side-channel second — ordering
		// guarantee of spec.md §5: client output must never be delayed by
		// the storage write.
		_, _ = c.Writer.Write(frame.Raw)
		if flusher != nil {
			flusher.Flush()
		}

		if firstTokenLatencyMs == nil && firstContentDelta(frame) {
			ms := int(time.Since(receivedAt).Milliseconds())
			firstTokenLatencyMs = &ms
		}

		if s.storageEnabled() && storeResult != nil {
			if err := s.storage.StoreStreamingChunk(ctx, shortID, chunkIndex, frame.Raw, nil); err != nil {
				slog.Warn("proxy: failed to persist streaming chunk", "short_id", shortID, "chunk_index", chunkIndex, "error", err)
			}
		}
		chunkIndex++

		usageTracker.observe(frame)
		blocks.observe(frame)
	}

	duration := int(time.Since(receivedAt).Milliseconds())
	assistantContent := blocks.toMessage()

	upd := storage.ResponseUpdate{
		Status:              http.StatusOK,
		Streaming:           true,
		InputTokens:         usageTracker.inputTokens,
		OutputTokens:        usageTracker.outputTokens,
		CacheCreationTokens: usageTracker.cacheCreationTokens,
		CacheReadTokens:     usageTracker.cacheReadTokens,
		ToolCallCount:       countToolUse(assistantContent),
		FirstTokenLatencyMs: firstTokenLatencyMs,
		DurationMs:          &duration,
	}
	sumTokens(&upd)

	s.completeAndSchedule(ctx, shortID, storeResult, upd, assistantContent, domain, cred.AccountID)
}

// finalizeError is used when the upstream call itself fails outright (no
// response at all): the client gets a translated apierrors response and
// storage records the failure against the already-written request row.
func (s *Server) finalizeError(c *gin.Context, shortID string, receivedAt time.Time, err error) {
	duration := int(time.Since(receivedAt).Milliseconds())
	msg := err.Error()
	if s.storageEnabled() {
		_ = s.storage.StoreResponse(c.Request.Context(), shortID, storage.ResponseUpdate{
			Status:     http.StatusBadGateway,
			DurationMs: &duration,
			ErrorText:  &msg,
		})
	}
	if s.notifier != nil {
		s.notifier.NotifyError(c.Request.Context(), shortID, requestDomain(c.Request), err)
	}
	s.respondError(c, err)
}

// completeUpstreamError records a non-2xx upstream response against the
// request's row and, when the upstream signaled a rate limit, ingests it
// into the Token Usage Tracker's rate-limit summary (spec.md §4.6).
func (s *Server) completeUpstreamError(ctx context.Context, shortID string, storeResult *storage.StoreRequestResult, cred credentials.Credential, status int, streaming bool, body []byte, durationMs int) {
	if !s.storageEnabled() || storeResult == nil {
		return
	}
	errorText := string(body)
	if err := s.storage.StoreResponse(ctx, shortID, storage.ResponseUpdate{
		Status:     status,
		Streaming:  streaming,
		DurationMs: &durationMs,
		ErrorText:  &errorText,
	}); err != nil {
		slog.Error("proxy: failed to complete error response record", "short_id", shortID, "error", err)
	}

	if status == http.StatusTooManyRequests && cred.AccountID != "" {
		now := time.Now()
		limitType, retryUntil := usage.ClassifyRateLimitError(errorText, now)
		if err := s.usageTracker.RecordRateLimitHit(ctx, cred.AccountID, limitType, retryUntil, now); err != nil {
			slog.Warn("proxy: failed to record rate-limit hit", "account_id", cred.AccountID, "error", err)
		}
	}
}

// completeAndSchedule writes the response-completion record inline (the
// client has already received its bytes by this point) and defers the
// remaining post-response tasks (spec.md §4.5 step 7) to a goroutine so
// they never delay or fail the response already sent.
func (s *Server) completeAndSchedule(ctx context.Context, shortID string, storeResult *storage.StoreRequestResult, upd storage.ResponseUpdate, assistantContent []json.RawMessage, domain, accountID string) {
	if !s.storageEnabled() || storeResult == nil {
		return
	}
	if err := s.storage.StoreResponse(ctx, shortID, upd); err != nil {
		slog.Error("proxy: failed to complete response record", "short_id", shortID, "error", err)
	}
	go s.runPostResponseTasks(shortID, storeResult, assistantContent, upd, domain, accountID)
}

// runPostResponseTasks performs spec.md §4.5 step 7's work after the client
// has already been served: Task-invocation scanning, usage-aggregate
// bookkeeping, and optional analysis enqueueing. Errors are logged, never
// retroactively surfaced to the client.
func (s *Server) runPostResponseTasks(shortID string, storeResult *storage.StoreRequestResult, assistantContent []json.RawMessage, upd storage.ResponseUpdate, domain, accountID string) {
	ctx := context.Background()

	if len(assistantContent) > 0 {
		assistantMsg, err := assistantMessageFromBlocks(assistantContent)
		if err != nil {
			slog.Warn("proxy: failed to rebuild assistant message for task scanning", "short_id", shortID, "error", err)
		} else if err := s.storage.ProcessTaskToolInvocations(ctx, shortID, assistantMsg); err != nil {
			slog.Warn("proxy: failed to record task tool invocations", "short_id", shortID, "error", err)
		}
	}

	recorded := usage.RecordedUsage{AccountID: accountID, Domain: domain, Timestamp: time.Now()}
	if upd.InputTokens != nil {
		recorded.InputTokens = *upd.InputTokens
	}
	if upd.OutputTokens != nil {
		recorded.OutputTokens = *upd.OutputTokens
	}
	if upd.CacheCreationTokens != nil {
		recorded.CacheCreationTokens = *upd.CacheCreationTokens
	}
	if upd.CacheReadTokens != nil {
		recorded.CacheReadTokens = *upd.CacheReadTokens
	}
	s.usageTracker.Record(ctx, recorded)

	if s.analysisEnqueuer != nil {
		if err := s.analysisEnqueuer.Enqueue(ctx, storeResult.Linkage.ConversationID, storeResult.Linkage.BranchID); err != nil {
			slog.Warn("proxy: failed to enqueue analysis job", "conversation_id", storeResult.Linkage.ConversationID, "error", err)
		}
	}
}

func (s *Server) storageEnabled() bool {
	return s.cfg.StorageEnabled && s.storage != nil
}

// respondError translates an internal error into the spec.md §7 HTTP
// response, matching pkg/api/errors.go's mapServiceError convention.
func (s *Server) respondError(c *gin.Context, err error) {
	var apiErr *apierrors.Error
	if apierrors.As(err, &apiErr) {
		c.JSON(apiErr.StatusCode(), gin.H{"error": apiErr.Message})
		return
	}
	slog.Error("proxy: unclassified error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func sumTokens(upd *storage.ResponseUpdate) {
	if upd.InputTokens != nil && upd.OutputTokens != nil {
		total := *upd.InputTokens + *upd.OutputTokens
		upd.TotalTokens = &total
	}
}

func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if isSensitiveHeader(key) || len(values) == 0 {
			continue
		}
		out[key] = values[0]
	}
	return out
}

func isSensitiveHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Authorization", "X-Api-Key", "Cookie", "Set-Cookie":
		return true
	default:
		return false
	}
}

func decodeBodyAsMap(raw []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func countToolUse(blocks []json.RawMessage) int {
	count := 0
	for _, raw := range blocks {
		var head struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Type == "tool_use" {
			count++
		}
	}
	return count
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
