package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"entgo.io/ent/dialect/sql"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/ent/apirequest"
	"github.com/codeready-toolchain/llmproxy/ent/conversationanalysis"
)

// ErrNoJobsAvailable is returned by claimJobs when no pending rows exist.
var ErrNoJobsAvailable = errors.New("analysis: no jobs available")

// claimBatchSize is the number of pending rows a single claim transaction
// takes at once (spec.md §4.7 "up to N (default 3) pending rows").
const claimBatchSize = 3

// Worker claims ConversationAnalysis jobs and drives them through the
// external model to completion, mirroring the claim/execute/finalize shape
// of the session queue's worker (pkg/queue/worker.go) but against the
// analysis job table instead of alert sessions.
type Worker struct {
	id     string
	client *ent.Client
	cfg    Config
	model  *ModelClient

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker builds a Worker for podID-scoped polling.
func NewWorker(id string, client *ent.Client, cfg Config, model *ModelClient) *Worker {
	return &Worker{
		id:     id,
		client: client,
		cfg:    cfg,
		model:  model,
		stopCh: make(chan struct{}),
	}
}

// Run polls until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	log := slog.With("analysis_worker_id", w.id)
	log.Info("analysis worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("analysis worker stopping")
			return
		case <-ctx.Done():
			return
		default:
			processed, err := w.pollOnce(ctx)
			if err != nil && !errors.Is(err, ErrNoJobsAvailable) {
				log.Error("analysis poll failed", "error", err)
			}
			if processed == 0 {
				w.sleep(w.cfg.PollInterval)
			}
		}
	}
}

// Stop signals the poll loop to exit after its current iteration.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollOnce claims up to claimBatchSize jobs and processes each in turn,
// bounded by MaxConcurrentJobs in-flight (spec.md §4.7 "Polling").
func (w *Worker) pollOnce(ctx context.Context) (int, error) {
	jobs, err := w.claimJobs(ctx)
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, w.cfg.MaxConcurrentJobs)
	done := make(chan struct{}, len(jobs))
	for _, job := range jobs {
		job := job
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			w.processJob(ctx, job)
		}()
	}
	for range jobs {
		<-done
	}
	return len(jobs), nil
}

// claimJobs selects up to claimBatchSize pending rows and marks them
// processing within one transaction, using row-level locking so concurrent
// worker processes never claim the same row (spec.md §4.7 "Claim protocol").
func (w *Worker) claimJobs(ctx context.Context) ([]*ent.ConversationAnalysis, error) {
	tx, err := w.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("analysis: starting claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.ConversationAnalysis.Query().
		Where(conversationanalysis.StatusEQ(conversationanalysis.StatusPending)).
		Order(ent.Asc(conversationanalysis.FieldCreatedAt)).
		Limit(claimBatchSize).
		ForUpdate(sql.WithLockAction(sql.SkipLocked)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("analysis: querying pending jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoJobsAvailable
	}

	now := time.Now()
	claimed := make([]*ent.ConversationAnalysis, 0, len(rows))
	for _, row := range rows {
		updated, err := tx.ConversationAnalysis.UpdateOneID(row.ID).
			SetStatus(conversationanalysis.StatusProcessing).
			SetProcessingStartedAt(now).
			Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("analysis: claiming job %d: %w", row.ID, err)
		}
		claimed = append(claimed, updated)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("analysis: committing claim: %w", err)
	}
	return claimed, nil
}

// processJob runs the full per-job pipeline of spec.md §4.7 (steps 1-6) and
// applies the resulting status transition.
func (w *Worker) processJob(ctx context.Context, job *ent.ConversationAnalysis) {
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	log := slog.With("conversation_id", job.ConversationID, "branch_id", job.BranchID, "attempt", job.AttemptCount+1)

	result, usedModel, inputTokens, outputTokens, err := w.runAnalysis(jobCtx, job)
	if err != nil {
		w.handleFailure(ctx, job, err)
		log.Warn("analysis attempt failed", "error", err)
		return
	}

	if err := w.complete(ctx, job, result, usedModel, inputTokens, outputTokens, time.Since(job.CreatedAt)); err != nil {
		log.Error("analysis: failed to persist completed job", "error", err)
		return
	}
	log.Info("analysis completed")
}

// runAnalysis performs steps 1-5: load, truncate, redact, prompt, call, parse.
func (w *Worker) runAnalysis(ctx context.Context, job *ent.ConversationAnalysis) (*Result, string, int, int, error) {
	rows, err := w.client.APIRequest.Query().
		Where(
			apirequest.ConversationID(job.ConversationID),
			apirequest.BranchID(job.BranchID),
		).
		Order(ent.Asc(apirequest.FieldTimestamp)).
		All(ctx)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("loading conversation: %w", err)
	}

	transcript := BuildTranscript(rows)
	transcript = Truncate(transcript, w.cfg.MaxPromptTokens, w.cfg.HeadMessages, w.cfg.TailMessages)
	transcript = RedactMessages(transcript)

	customPrompt := ""
	if job.CustomPrompt != nil {
		customPrompt = *job.CustomPrompt
	}
	prompt := BuildPrompt(transcript, customPrompt)

	text, modelUsed, inputTokens, outputTokens, err := w.model.Analyze(ctx, prompt)
	if err != nil {
		return nil, "", 0, 0, err
	}

	result, err := ParseResult([]byte(text))
	if err != nil {
		return nil, "", 0, 0, err
	}
	return result, modelUsed, inputTokens, outputTokens, nil
}

// handleFailure applies the retry-or-fail transition of spec.md §4.7 step 4.
func (w *Worker) handleFailure(ctx context.Context, job *ent.ConversationAnalysis, cause error) {
	attempts := job.AttemptCount + 1
	update := w.client.ConversationAnalysis.UpdateOneID(job.ID).
		SetAttemptCount(attempts).
		SetLastError(cause.Error())

	if attempts >= w.cfg.MaxRetries {
		update = update.SetStatus(conversationanalysis.StatusFailed)
	} else {
		update = update.
			SetStatus(conversationanalysis.StatusPending).
			ClearProcessingStartedAt()
	}

	if err := update.Exec(ctx); err != nil {
		slog.Error("analysis: failed to record attempt failure", "error", err)
	}
}

// complete persists the parsed result and transitions the job to completed
// (spec.md §4.7 step 6).
func (w *Worker) complete(ctx context.Context, job *ent.ConversationAnalysis, result *Result, modelUsed string, inputTokens, outputTokens int, duration time.Duration) error {
	structured, err := resultToMap(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	now := time.Now()
	return w.client.ConversationAnalysis.UpdateOneID(job.ID).
		SetStatus(conversationanalysis.StatusCompleted).
		SetResultStructured(structured).
		SetResultMarkdown(result.Summary).
		SetModelUsed(modelUsed).
		SetInputTokens(inputTokens).
		SetOutputTokens(outputTokens).
		SetDurationMs(int(duration.Milliseconds())).
		SetCompletedAt(now).
		Exec(ctx)
}

// ReclaimStuckJobs marks processing rows whose processing_started_at is
// older than timeout back to pending, incrementing attempts, matching
// spec.md §5 "Analysis-job deadline per attempt: 5 min; exceeded jobs are
// reclaimable." Intended to run on a ticker alongside the worker pool.
func ReclaimStuckJobs(ctx context.Context, client *ent.Client, timeout time.Duration, maxRetries int) (int, error) {
	cutoff := time.Now().Add(-timeout)
	stuck, err := client.ConversationAnalysis.Query().
		Where(
			conversationanalysis.StatusEQ(conversationanalysis.StatusProcessing),
			conversationanalysis.ProcessingStartedAtLT(cutoff),
		).
		All(ctx)
	if err != nil {
		return 0, fmt.Errorf("analysis: querying stuck jobs: %w", err)
	}

	reclaimed := 0
	for _, job := range stuck {
		attempts := job.AttemptCount + 1
		update := client.ConversationAnalysis.UpdateOneID(job.ID).
			SetAttemptCount(attempts).
			SetLastError("reclaimed after exceeding processing deadline")
		if attempts >= maxRetries {
			update = update.SetStatus(conversationanalysis.StatusFailed)
		} else {
			update = update.
				SetStatus(conversationanalysis.StatusPending).
				ClearProcessingStartedAt()
		}
		if err := update.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("analysis: reclaiming job %d: %w", job.ID, err)
		}
		reclaimed++
	}
	return reclaimed, nil
}
