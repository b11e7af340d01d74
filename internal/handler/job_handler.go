package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/repository"
)

// CreateJob starts a recall for the owner's message
func (h *Handlers) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	if h.admins != nil {
		admin, err := h.admins.IsAdmin(c.Request.Context(), strings.ToLower(req.OwnerEmail))
		if err != nil {
			h.log.WithField("owner", req.OwnerEmail).Errorf("Admin check failed: %v", err)
			h.writeError(c, err, "Failed to verify administrator")
			return
		}
		if !admin {
			h.writeError(c, model.ErrNotAdmin, "Failed to create job")
			return
		}
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), req.OwnerEmail, req.MessageCriteria)
	if err != nil {
		h.writeError(c, err, "Failed to create job")
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListJobs returns a domain's jobs, newest first
func (h *Handlers) ListJobs(c *gin.Context) {
	page, limit := pagination(c, 10)

	jobs, total, err := h.store.ListJobs(c.Request.Context(), c.Param("domain"), page, limit)
	if err != nil {
		h.writeError(c, err, "Failed to fetch jobs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs": jobs,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// GetJob returns a job with its user state histogram
func (h *Handlers) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	summary, err := h.store.SummarizeUsers(c.Request.Context(), job.ID)
	if err != nil {
		h.writeError(c, err, "Failed to summarize users")
		return
	}
	errorCount, err := h.store.CountErrorRecords(c.Request.Context(), job.ID)
	if err != nil {
		h.writeError(c, err, "Failed to count errors")
		return
	}

	c.JSON(http.StatusOK, JobDetailResponse{Job: job, Users: summary, ErrorCount: errorCount})
}

// AbortJob force-terminates a job
func (h *Handlers) AbortJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if err := h.jobs.AbortJob(c.Request.Context(), job.Domain, job.ID); err != nil {
		h.writeError(c, err, "Failed to abort job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Job aborted",
		"job_id":  job.ID,
	})
}

// ListErrors returns a job's error records
func (h *Handlers) ListErrors(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	page, limit := pagination(c, 20)

	records, total, err := h.store.ListErrorRecords(c.Request.Context(), job.ID, page, limit)
	if err != nil {
		h.writeError(c, err, "Failed to fetch errors")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"errors": records,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// ListUsers returns a job's candidate users, optionally filtered by state
func (h *Handlers) ListUsers(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	var filter repository.UserFilter
	for _, s := range splitQuery(c, "user_state") {
		state := model.UserState(s)
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Unknown user_state " + s,
				Code:    http.StatusBadRequest,
			})
			return
		}
		filter.UserStates = append(filter.UserStates, state)
	}
	for _, s := range splitQuery(c, "message_state") {
		state := model.MessageState(s)
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Unknown message_state " + s,
				Code:    http.StatusBadRequest,
			})
			return
		}
		filter.MessageStates = append(filter.MessageStates, state)
	}

	page, limit := pagination(c, 50)
	users, total, err := h.store.ListUsers(c.Request.Context(), job.ID, filter, page, limit)
	if err != nil {
		h.writeError(c, err, "Failed to fetch users")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// DebugJob returns the job's coordination counters
func (h *Handlers) DebugJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	counters, err := h.jobs.CounterSnapshot(c.Request.Context(), job.ID)
	if err != nil {
		h.writeError(c, err, "Failed to read counters")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job":      job,
		"counters": counters,
	})
}

// RunTask runs one phase synchronously for a push-style task queue. Quiet
// outcomes report success so the queue does not retry them.
func (h *Handlers) RunTask(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Failed to read task payload",
			Code:    http.StatusBadRequest,
		})
		return
	}

	err = h.jobs.Handle(c.Request.Context(), c.FullPath(), payload)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "done"})
	case model.IsQuiet(err):
		c.JSON(http.StatusOK, gin.H{"status": "skipped"})
	default:
		h.log.WithField("target", c.FullPath()).Errorf("Task failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "task_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
	}
}

func (h *Handlers) loadJob(c *gin.Context) (*model.RecallJob, bool) {
	job, err := h.store.GetJobForDomain(c.Request.Context(), c.Param("domain"), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "Failed to fetch job")
		return nil, false
	}
	return job, true
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error, message string) {
	resp := ErrorResponse{Error: "internal_error", Message: message, Code: http.StatusInternalServerError}
	switch {
	case errors.Is(err, model.ErrInvalidCriterion), errors.Is(err, model.ErrInvalidOwner):
		resp = ErrorResponse{Error: "validation_error", Message: err.Error(), Code: http.StatusBadRequest}
	case errors.Is(err, model.ErrNotAdmin):
		resp = ErrorResponse{Error: "forbidden", Message: err.Error(), Code: http.StatusForbidden}
	case errors.Is(err, model.ErrJobNotFound):
		resp = ErrorResponse{Error: "not_found", Message: "Job not found", Code: http.StatusNotFound}
	case errors.Is(err, model.ErrQueueSubmission), errors.Is(err, model.ErrDataStoreUnavailable):
		resp = ErrorResponse{Error: "unavailable", Message: message, Code: http.StatusServiceUnavailable}
	case errors.Is(err, model.ErrAuthentication):
		resp = ErrorResponse{Error: "authentication_error", Message: message, Code: http.StatusBadGateway}
	}
	if resp.Code >= http.StatusInternalServerError {
		h.log.Errorf("%s: %v", message, err)
	}
	c.JSON(resp.Code, resp)
}

func pagination(c *gin.Context, defaultLimit int) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = defaultLimit
	}
	return page, limit
}

func splitQuery(c *gin.Context, key string) []string {
	var values []string
	for _, raw := range c.QueryArray(key) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
	}
	return values
}
