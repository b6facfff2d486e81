package analysis

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/llmproxy/ent"
	"github.com/codeready-toolchain/llmproxy/ent/conversationanalysis"
	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
)

// API wires the Analysis API (spec.md §6) onto an existing gin engine,
// sharing the proxy's listener rather than standing up a second server.
type API struct {
	client *ent.Client
	cfg    Config
	create *RateLimiter
	read   *RateLimiter
}

// NewAPI builds the Analysis API handler set. create/read limits follow
// spec.md §6: 15/min for job creation, 100/min for retrieval.
func NewAPI(client *ent.Client, cfg Config) *API {
	return &API{
		client: client,
		cfg:    cfg,
		create: NewRateLimiter(15),
		read:   NewRateLimiter(100),
	}
}

// Enqueue implements proxy.AnalysisEnqueuer (spec.md §4.5 step 7,
// "optionally enqueue an analysis job"): idempotently creates a pending
// analysis job for a (conversation, branch) pair, silently doing nothing
// if one already exists.
func (a *API) Enqueue(ctx context.Context, conversationID, branchID string) error {
	_, err := a.client.ConversationAnalysis.Create().
		SetConversationID(conversationID).
		SetBranchID(branchID).
		SetStatus(conversationanalysis.StatusPending).
		Save(ctx)
	if err != nil && !ent.IsConstraintError(err) {
		return err
	}
	return nil
}

// RegisterRoutes mounts the Analysis API under /api/analyses on engine.
func (a *API) RegisterRoutes(engine *gin.Engine) {
	group := engine.Group("/api/analyses")
	group.POST("", a.rateLimit(a.create), a.authMiddleware(true), a.createAnalysis)
	group.GET("/:conversationId/:branchId", a.rateLimit(a.read), a.authMiddleware(false), a.getAnalysis)
	group.POST("/:conversationId/:branchId/regenerate", a.rateLimit(a.create), a.authMiddleware(true), a.regenerateAnalysis)
}

// authMiddleware enforces spec.md §4.8/§6: a bearer token is required
// whenever DASHBOARD_API_KEY is configured; when it isn't, mutating routes
// reject with 403 and read routes pass through unauthenticated.
func (a *API) authMiddleware(mutating bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.cfg.DashboardAPIKey == "" {
			if mutating {
				a.respondError(c, apierrors.Authorization("analysis API is in read-only mode"))
				c.Abort()
			}
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if !constantTimeEqual(token, a.cfg.DashboardAPIKey) {
			a.respondError(c, apierrors.Authentication("invalid or missing bearer token"))
			c.Abort()
			return
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still perform a comparison of equal cost to avoid a length-based
		// timing signal (spec.md §4.8).
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rateLimit applies limiter keyed by client IP (spec.md §6 says "per
// domain", but this route's requests carry no domain — see DESIGN.md) and
// sets the spec.md §6 X-RateLimit-* response headers.
func (a *API) rateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := limiter.Allow(c.ClientIP())
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			a.respondError(c, apierrors.RateLimit("analysis API rate limit exceeded"))
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(decision.ResetAfter.Seconds())))
	}
}

type createAnalysisRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	BranchID       string `json:"branchId"`
}

// createAnalysis handles POST /api/analyses (spec.md §6).
func (a *API) createAnalysis(c *gin.Context) {
	var req createAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.respondError(c, apierrors.Validation("malformed request body", err))
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		a.respondError(c, apierrors.Validation("conversationId is required", nil))
		return
	}
	if req.BranchID == "" {
		req.BranchID = "main"
	}

	existing, err := a.client.ConversationAnalysis.Query().
		Where(
			conversationanalysis.ConversationIDEQ(req.ConversationID),
			conversationanalysis.BranchIDEQ(req.BranchID),
		).
		Only(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusConflict, analysisResponse(existing))
		return
	}
	if !ent.IsNotFound(err) {
		a.respondError(c, apierrors.Storage("querying existing analysis", err))
		return
	}

	created, err := a.client.ConversationAnalysis.Create().
		SetConversationID(req.ConversationID).
		SetBranchID(req.BranchID).
		SetStatus(conversationanalysis.StatusPending).
		Save(c.Request.Context())
	if err != nil {
		a.respondError(c, apierrors.Storage("creating analysis job", err))
		return
	}

	c.JSON(http.StatusCreated, analysisResponse(created))
}

// getAnalysis handles GET /api/analyses/:conversationId/:branchId.
func (a *API) getAnalysis(c *gin.Context) {
	job, err := a.client.ConversationAnalysis.Query().
		Where(
			conversationanalysis.ConversationIDEQ(c.Param("conversationId")),
			conversationanalysis.BranchIDEQ(c.Param("branchId")),
		).
		Only(c.Request.Context())
	if err != nil {
		if ent.IsNotFound(err) {
			a.respondError(c, apierrors.NotFound("no analysis for this conversation/branch"))
			return
		}
		a.respondError(c, apierrors.Storage("querying analysis", err))
		return
	}
	c.JSON(http.StatusOK, analysisResponse(job))
}

type regenerateRequest struct {
	CustomPrompt string `json:"customPrompt"`
}

// regenerateAnalysis handles POST .../regenerate (spec.md §4.7
// "completed/failed ──regenerate──▶ pending").
func (a *API) regenerateAnalysis(c *gin.Context) {
	var req regenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			a.respondError(c, apierrors.Validation("malformed request body", err))
			return
		}
	}

	job, err := a.client.ConversationAnalysis.Query().
		Where(
			conversationanalysis.ConversationIDEQ(c.Param("conversationId")),
			conversationanalysis.BranchIDEQ(c.Param("branchId")),
		).
		Only(c.Request.Context())
	if err != nil {
		if ent.IsNotFound(err) {
			a.respondError(c, apierrors.NotFound("no analysis for this conversation/branch"))
			return
		}
		a.respondError(c, apierrors.Storage("querying analysis", err))
		return
	}

	update := a.client.ConversationAnalysis.UpdateOneID(job.ID).
		SetStatus(conversationanalysis.StatusPending).
		SetAttemptCount(0).
		ClearLastError().
		ClearProcessingStartedAt().
		ClearCompletedAt()
	if strings.TrimSpace(req.CustomPrompt) != "" {
		update = update.SetCustomPrompt(req.CustomPrompt)
	}

	updated, err := update.Save(c.Request.Context())
	if err != nil {
		a.respondError(c, apierrors.Storage("resetting analysis job", err))
		return
	}
	c.JSON(http.StatusOK, analysisResponse(updated))
}

func analysisResponse(job *ent.ConversationAnalysis) gin.H {
	resp := gin.H{
		"id":             job.ID,
		"conversationId": job.ConversationID,
		"branchId":       job.BranchID,
		"status":         job.Status,
		"attemptCount":   job.AttemptCount,
		"createdAt":      job.CreatedAt.Format(time.RFC3339),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LastError != nil {
		resp["lastError"] = *job.LastError
	}
	if job.CompletedAt != nil {
		resp["completedAt"] = job.CompletedAt.Format(time.RFC3339)
	}
	if job.ResultStructured != nil {
		resp["result"] = job.ResultStructured
	}
	if job.ModelUsed != nil {
		resp["modelUsed"] = *job.ModelUsed
	}
	return resp
}

func (a *API) respondError(c *gin.Context, err error) {
	var apiErr *apierrors.Error
	if apierrors.As(err, &apiErr) {
		c.JSON(apiErr.StatusCode(), gin.H{"error": apiErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
