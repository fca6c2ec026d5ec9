package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
	"gwfetch/internal/fetch"
	"gwfetch/internal/omicron"
	"gwfetch/internal/repository"
	"gwfetch/internal/segindex"
	"gwfetch/internal/service"
	"gwfetch/internal/storage"
)

const (
	defaultRunLimit   = 50
	defaultEventLimit = 200
	maxListLimit      = 1000
)

// Options carries the collaborators a Handler serves. Storage, Omicron and Auth may be nil.
type Options struct {
	Runs    service.RunService
	Manager fetch.Manager
	Index   *segindex.Index
	Omicron *omicron.Runner
	Storage storage.Service
	Bucket  string
	// KeyPrefix is the archive prefix channel directories are mirrored under.
	KeyPrefix string
	Auth      service.AuthService
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	opts Options

	// one Omicron invocation at a time; they share the parameter file
	omicronMu sync.Mutex
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{opts: opts}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	if h.opts.Auth != nil && h.opts.Auth.Enabled() {
		api.POST("/auth/token", h.issueToken)
	}

	protected := api.Group("")
	protected.Use(authMiddleware(h.opts.Auth))
	{
		protected.POST("/runs", h.createRun)
		protected.GET("/runs", h.listRuns)
		protected.GET("/runs/:id", h.getRun)
		protected.GET("/runs/:id/events", h.listEvents)
		protected.POST("/runs/:id/cancel", h.cancelRun)
		protected.DELETE("/runs/:id", h.deleteRun)
		protected.GET("/channels/:channel/index", h.channelIndex)
		protected.POST("/omicron", h.runOmicron)
		protected.GET("/archive/objects", h.listObjects)
		protected.DELETE("/archive/:channel", h.deleteArchive)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// statusFor maps an error to the HTTP status it is reported with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, domain.ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, fetch.ErrManagerNotStarted), errors.Is(err, domain.ErrToolUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMalformedIndex), domain.KindOf(err) == domain.KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

type createRunRequest struct {
	Channels []string           `json:"channels" binding:"required"`
	Ranges   []domain.TimeRange `json:"ranges" binding:"required"`
}

func (h *Handler) createRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	segReq, warnings, err := domain.NewSegmentRequest(req.Channels, req.Ranges)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "warnings": warnings})
		return
	}

	run, err := h.opts.Manager.Submit(c.Request.Context(), segReq)
	if err != nil {
		respondError(c, err)
		return
	}

	h.opts.Logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"channels": len(segReq.Channels),
		"ranges":   len(segReq.Ranges),
	}).Info("run submitted")

	c.JSON(http.StatusAccepted, gin.H{"run": runToResponse(*run), "warnings": nonNil(warnings)})
}

func (h *Handler) listRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultRunLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runs, err := h.opts.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = runToResponse(runs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getRun(c *gin.Context) {
	run, err := h.opts.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(*run))
}

func (h *Handler) listEvents(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after id"})
		return
	}
	limit, err := queryInt(c, "limit", defaultEventLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID := c.Param("id")
	if _, err := h.opts.Runs.GetRun(c.Request.Context(), runID); err != nil {
		respondError(c, err)
		return
	}
	events, err := h.opts.Runs.ListEvents(c.Request.Context(), runID, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(events))
}

func (h *Handler) cancelRun(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	runID := c.Param("id")
	if err := h.opts.Manager.Cancel(ctx, runID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// the run has been told to stop; it will finish its current task first
			c.JSON(http.StatusAccepted, gin.H{"cancelling": runID})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": runID})
}

func (h *Handler) deleteRun(c *gin.Context) {
	run, err := h.opts.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	var warnings []string
	if run.Status == domain.RunStatusQueued || run.Status == domain.RunStatusRunning {
		cancelCtx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		if err := h.opts.Manager.Cancel(cancelCtx, run.ID); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			warnings = append(warnings, fmt.Sprintf("cancel run: %v", err))
		}
	}

	if err := h.opts.Runs.DeleteRun(c.Request.Context(), run.ID); err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"deleted": run.ID}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) channelIndex(c *gin.Context) {
	if h.opts.Index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "segment index not configured"})
		return
	}
	channel := strings.TrimSpace(c.Param("channel"))
	entries, bad, err := h.opts.Index.Entries(channel)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := IndexResponse{
		Channel:   channel,
		FrameList: h.opts.Index.FrameListPath(channel),
		Entries:   make([]IndexEntryResponse, len(entries)),
	}
	for i, e := range entries {
		resp.Entries[i] = IndexEntryResponse{Path: e.Path, Start: e.Start, Duration: e.Duration, End: e.End()}
	}
	for _, b := range bad {
		resp.Malformed = append(resp.Malformed, b.Error())
	}
	c.JSON(http.StatusOK, resp)
}

type omicronRequest struct {
	Channel string `json:"channel" binding:"required"`
}

type OutputLine struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

func (h *Handler) runOmicron(c *gin.Context) {
	if h.opts.Omicron == nil || h.opts.Index == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "omicron runner not configured"})
		return
	}
	var req omicronRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.omicronMu.Lock()
	defer h.omicronMu.Unlock()

	var (
		mu     sync.Mutex
		output []OutputLine
	)
	sink := omicron.LineFunc(func(stream, text string) {
		mu.Lock()
		output = append(output, OutputLine{Stream: stream, Text: text})
		mu.Unlock()
	})

	frameList := h.opts.Index.FrameListPath(strings.TrimSpace(req.Channel))
	logger := h.opts.Logger.WithFields(logrus.Fields{"channel": req.Channel, "frame_list": frameList})
	logger.Info("starting omicron")

	status, err := h.opts.Omicron.Run(c.Request.Context(), frameList, sink)
	resp := gin.H{"status": status, "output": nonNil(output)}

	var exitErr *omicron.NonZeroExitError
	switch {
	case err == nil:
		logger.Info("omicron finished")
		c.JSON(http.StatusOK, resp)
	case errors.As(err, &exitErr):
		// the tool ran; its exit code and output are the result
		logger.WithField("code", exitErr.Code).Warn("omicron exited with an error")
		resp["error"] = err.Error()
		c.JSON(http.StatusOK, resp)
	default:
		logger.WithError(err).Error("omicron could not run")
		resp["error"] = err.Error()
		c.JSON(statusFor(err), resp)
	}
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.opts.Storage == nil || h.opts.Bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	if ch := c.Query("channel"); ch != "" {
		prefix = storage.ChannelPrefix(h.opts.KeyPrefix, ch) + "/"
	}
	objects, err := h.opts.Storage.ListObjects(c.Request.Context(), h.opts.Bucket, prefix)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(objects))
}

func (h *Handler) deleteArchive(c *gin.Context) {
	if h.opts.Storage == nil || h.opts.Bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage service not configured"})
		return
	}
	channel := strings.TrimSpace(c.Param("channel"))
	if channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	prefix := storage.ChannelPrefix(h.opts.KeyPrefix, channel)
	if err := h.opts.Storage.DeletePrefix(ctx, h.opts.Bucket, prefix); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": prefix})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type RunResponse struct {
	ID           string                `json:"id"`
	Status       domain.RunStatus      `json:"status"`
	Channels     []string              `json:"channels"`
	Ranges       []domain.TimeRange    `json:"ranges"`
	Summary      domain.Summary        `json:"summary"`
	ErrorMessage string                `json:"error_message,omitempty"`
	CreatedAt    string                `json:"created_at"`
	UpdatedAt    string                `json:"updated_at"`
	StartedAt    *string               `json:"started_at,omitempty"`
	FinishedAt   *string               `json:"finished_at,omitempty"`
	Tasks        []TaskOutcomeResponse `json:"tasks"`
}

type TaskOutcomeResponse struct {
	Channel      string            `json:"channel"`
	Start        int64             `json:"start"`
	End          int64             `json:"end"`
	Status       domain.TaskStatus `json:"status"`
	Attempts     int               `json:"attempts"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Files        []string          `json:"files"`
}

type IndexResponse struct {
	Channel   string               `json:"channel"`
	FrameList string               `json:"frame_list"`
	Entries   []IndexEntryResponse `json:"entries"`
	Malformed []string             `json:"malformed,omitempty"`
}

type IndexEntryResponse struct {
	Path     string `json:"path"`
	Start    int64  `json:"start"`
	Duration int64  `json:"duration"`
	End      int64  `json:"end"`
}

func runToResponse(run domain.Run) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		Status:       run.Status,
		Channels:     nonNil(run.Request.Channels),
		Ranges:       nonNil(run.Request.Ranges),
		Summary:      run.Summary,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    run.UpdatedAt.Format(time.RFC3339),
		Tasks:        make([]TaskOutcomeResponse, len(run.Tasks)),
	}
	if run.StartedAt != nil {
		v := run.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if run.FinishedAt != nil {
		v := run.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}

	for i, t := range run.Tasks {
		resp.Tasks[i] = TaskOutcomeResponse{
			Channel:      t.Channel,
			Start:        t.Start,
			End:          t.End,
			Status:       t.Status,
			Attempts:     t.Attempts,
			ErrorMessage: t.ErrorMessage,
			Files:        nonNil(t.Files),
		}
	}
	return resp
}
