package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/lifecycle"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/middleware"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// JobService is the lifecycle surface exposed over HTTP
type JobService interface {
	Create(ctx context.Context, p lifecycle.CreateParams) (*models.EncodingJob, error)
	Get(ctx context.Context, jobID string) (*models.EncodingJob, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error)
	ActiveJobForVideo(ctx context.Context, videoID string) (*models.EncodingJob, error)
	Claim(ctx context.Context, jobID, workerID string) (lifecycle.ClaimResult, error)
	ClaimNext(ctx context.Context, workerID string) (lifecycle.ClaimResult, error)
	ReportProgress(ctx context.Context, jobID string, progress int, workerID string) (*models.EncodingJob, error)
	Complete(ctx context.Context, jobID string, p lifecycle.CompleteParams) (*models.EncodingJob, error)
	Fail(ctx context.Context, jobID, message, code string) (*models.EncodingJob, error)
	Cancel(ctx context.Context, jobID string) (*models.EncodingJob, error)
	RequeueForRetry(ctx context.Context, jobID string) (*models.EncodingJob, error)
	Stats(ctx context.Context, staleAfter time.Duration) (*models.JobStats, error)
}

// OutputPresigner issues temporary download URLs for encoded outputs
type OutputPresigner interface {
	PresignOutput(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

const (
	defaultListLimit     = 100
	maxListLimit         = 1000
	defaultPresignExpiry = 15 * time.Minute
	maxPresignExpiry     = 24 * time.Hour
)

// Handler serves the job API
type Handler struct {
	jobs       JobService
	presigner  OutputPresigner
	checks     map[string]HealthCheck
	staleAfter time.Duration
	logger     *logging.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithPresigner enables the output download endpoint
func WithPresigner(p OutputPresigner) Option {
	return func(h *Handler) { h.presigner = p }
}

// WithHealthCheck adds a dependency to the health endpoint
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithStaleAfter sets the heartbeat window the stats endpoint reports against
func WithStaleAfter(d time.Duration) Option {
	return func(h *Handler) { h.staleAfter = d }
}

// NewHandler creates the job API handler
func NewHandler(jobs JobService, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Handler{
		jobs:       jobs,
		checks:     make(map[string]HealthCheck),
		staleAfter: 15 * time.Minute,
		logger:     logger.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	{
		// Submitters
		v1.POST("/jobs", h.createJob)
		v1.GET("/jobs", h.listJobs)
		v1.GET("/jobs/stats", h.stats)
		v1.GET("/jobs/:id", h.getJob)
		v1.POST("/jobs/:id/cancel", h.cancelJob)
		v1.POST("/jobs/:id/requeue", h.requeueJob)
		v1.GET("/videos/:id/active-job", h.activeJobForVideo)
		if h.presigner != nil {
			v1.GET("/jobs/:id/output", h.outputURL)
		}

		// Workers
		v1.POST("/jobs/claim", h.claimNext)
		v1.POST("/jobs/:id/claim", h.claimJob)
		v1.POST("/jobs/:id/progress", h.reportProgress)
		v1.POST("/jobs/:id/complete", h.completeJob)
		v1.POST("/jobs/:id/fail", h.failJob)
	}
}

// NewRouter builds the gin engine with the middleware chain
func NewRouter(h *Handler, logger *logging.Logger, limiter *middleware.RateLimiter) *gin.Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(logger), middleware.Tracing())
	if limiter != nil {
		router.Use(middleware.RateLimit(limiter))
	}
	h.Register(router)
	return router
}

type createJobRequest struct {
	VideoID      string `json:"video_id"`
	InputFileURL string `json:"input_file_url"`
	OutputBucket string `json:"output_bucket"`
	WebhookURL   string `json:"webhook_url"`
	MaxAttempts  int    `json:"max_attempts"`
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

type progressRequest struct {
	Progress *int   `json:"progress" binding:"required"`
	WorkerID string `json:"worker_id"`
}

type completeRequest struct {
	OutputManifestURL string             `json:"output_manifest_url"`
	OutputKey         string             `json:"output_key"`
	Renditions        []models.Rendition `json:"renditions"`
	ThumbnailURLs     []string           `json:"thumbnail_urls"`
}

type failRequest struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type claimResponse struct {
	Claimed bool                `json:"claimed"`
	Job     *models.EncodingJob `json:"job,omitempty"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Create(c.Request.Context(), lifecycle.CreateParams{
		VideoID:      req.VideoID,
		InputFileURL: req.InputFileURL,
		OutputBucket: req.OutputBucket,
		WebhookURL:   req.WebhookURL,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	status := c.Query("status")
	if status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status query parameter is required"})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	jobs, err := h.jobs.ListByStatus(c.Request.Context(), models.JobStatus(status), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *Handler) activeJobForVideo(c *gin.Context) {
	job, err := h.jobs.ActiveJobForVideo(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context(), h.staleAfter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) claimJob(c *gin.Context) {
	workerID, ok := bindWorkerID(c)
	if !ok {
		return
	}

	res, err := h.jobs.Claim(c.Request.Context(), c.Param("id"), workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !res.Claimed {
		c.JSON(http.StatusConflict, claimResponse{Claimed: false})
		return
	}
	c.JSON(http.StatusOK, claimResponse{Claimed: true, Job: res.Job})
}

func (h *Handler) claimNext(c *gin.Context) {
	workerID, ok := bindWorkerID(c)
	if !ok {
		return
	}

	res, err := h.jobs.ClaimNext(c.Request.Context(), workerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// an empty queue is a normal answer for a polling worker
	c.JSON(http.StatusOK, claimResponse{Claimed: res.Claimed, Job: res.Job})
}

func (h *Handler) reportProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = c.GetHeader(middleware.WorkerIDHeader)
	}

	job, err := h.jobs.ReportProgress(c.Request.Context(), c.Param("id"), *req.Progress, req.WorkerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) completeJob(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Complete(c.Request.Context(), c.Param("id"), lifecycle.CompleteParams{
		OutputManifestURL: req.OutputManifestURL,
		OutputKey:         req.OutputKey,
		Renditions:        req.Renditions,
		ThumbnailURLs:     req.ThumbnailURLs,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) failJob(c *gin.Context) {
	var req failRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Fail(c.Request.Context(), c.Param("id"), req.Error, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) requeueJob(c *gin.Context) {
	job, err := h.jobs.RequeueForRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) outputURL(c *gin.Context) {
	expiry := defaultPresignExpiry
	if raw := c.Query("expiry"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxPresignExpiry {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expiry must be a duration up to 24h"})
			return
		}
		expiry = d
	}

	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if job.Status != models.JobStatusCompleted || job.OutputBucket == "" || job.OutputKey == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "job has no stored output"})
		return
	}

	url, err := h.presigner.PresignOutput(c.Request.Context(), job.OutputBucket, job.OutputKey, expiry)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        url,
		"expires_at": time.Now().Add(expiry).UTC(),
	})
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"errors": failures,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// bindWorkerID reads the worker id from the body, falling back to the
// worker header. It writes the 400 itself when neither is usable.
func bindWorkerID(c *gin.Context) (string, bool) {
	var req workerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return "", false
		}
	}
	if req.WorkerID == "" {
		req.WorkerID = c.GetHeader(middleware.WorkerIDHeader)
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker_id is required"})
		return "", false
	}
	return req.WorkerID, true
}

// statusFor maps a lifecycle error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).WithError(err).Error("Request failed")
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  lifecycle.Kind(err),
	})
}
