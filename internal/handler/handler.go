package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/recall"
	"github.com/google/googleapps-message-recall/internal/repository"
)

// JobService starts, aborts and advances recall jobs.
type JobService interface {
	CreateJob(ctx context.Context, owner, criterion string) (*model.RecallJob, error)
	AbortJob(ctx context.Context, domain, jobID string) error
	Handle(ctx context.Context, target string, payload []byte) error
	CounterSnapshot(ctx context.Context, jobID string) (map[string]int64, error)
}

// JobStore serves the read side of the API.
type JobStore interface {
	ListJobs(ctx context.Context, domain string, page, limit int) ([]model.RecallJob, int64, error)
	GetJobForDomain(ctx context.Context, domain, id string) (*model.RecallJob, error)
	SummarizeUsers(ctx context.Context, jobID string) (*repository.StateSummary, error)
	ListUsers(ctx context.Context, jobID string, filter repository.UserFilter, page, limit int) ([]model.CandidateUser, int64, error)
	ListErrorRecords(ctx context.Context, jobID string, page, limit int) ([]model.ErrorRecord, int64, error)
	CountErrorRecords(ctx context.Context, jobID string) (int64, error)
}

// Dispatcher is the in-process task runner.
type Dispatcher interface {
	Start() error
	Stop() error
	IsRunning() bool
	RunOnce(ctx context.Context) (int, error)
	GetNextRun() time.Time
	GetLastRun() time.Time
}

type QueueStats interface {
	Stats(ctx context.Context) (map[model.TaskState]int64, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, email string) (bool, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	jobs       JobService
	store      JobStore
	dispatcher Dispatcher
	queue      QueueStats
	admins     AdminChecker
	log        logrus.FieldLogger
}

// NewHandlers creates new HTTP handlers. A nil admins skips the
// administrator check on job creation.
func NewHandlers(db *gorm.DB, jobs JobService, store JobStore, dispatcher Dispatcher, queue QueueStats, admins AdminChecker, log logrus.FieldLogger) *Handlers {
	return &Handlers{
		db:         db,
		jobs:       jobs,
		store:      store,
		dispatcher: dispatcher,
		queue:      queue,
		admins:     admins,
		log:        log,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/jobs", h.CreateJob)

		domain := api.Group("/domains/:domain")
		domain.GET("/jobs", h.ListJobs)
		domain.GET("/jobs/:id", h.GetJob)
		domain.POST("/jobs/:id/abort", h.AbortJob)
		domain.GET("/jobs/:id/errors", h.ListErrors)
		domain.GET("/jobs/:id/users", h.ListUsers)
		domain.GET("/jobs/:id/debug", h.DebugJob)

		api.POST("/dispatcher/start", h.StartDispatcher)
		api.POST("/dispatcher/stop", h.StopDispatcher)
		api.POST("/dispatcher/run-once", h.RunOnce)
		api.GET("/dispatcher/status", h.GetDispatcherStatus)
	}

	for _, target := range recall.Targets {
		router.POST(target, h.RunTask)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Database:   "ok",
		Dispatcher: "stopped",
	}

	if err := h.ping(c.Request.Context()); err != nil {
		response.Status = "error"
		response.Database = "error"
		h.log.Errorf("Database health check failed: %v", err)
	}

	if h.dispatcher.IsRunning() {
		response.Dispatcher = "running"
	}

	if stats, err := h.queue.Stats(c.Request.Context()); err != nil {
		h.log.Warnf("Queue stats unavailable: %v", err)
	} else {
		response.Queue = stats
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func (h *Handlers) ping(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
