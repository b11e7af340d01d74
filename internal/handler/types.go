package handler

import (
	"time"

	"github.com/google/googleapps-message-recall/internal/model"
	"github.com/google/googleapps-message-recall/internal/repository"
)

// CreateJobRequest represents the request structure for starting a recall
type CreateJobRequest struct {
	OwnerEmail      string `json:"owner_email" binding:"required,email"`
	MessageCriteria string `json:"message_criteria" binding:"required"`
}

// JobDetailResponse is a job with its progress
type JobDetailResponse struct {
	Job        *model.RecallJob         `json:"job"`
	Users      *repository.StateSummary `json:"users"`
	ErrorCount int64                    `json:"error_count"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	Database   string                    `json:"database"`
	Dispatcher string                    `json:"dispatcher"`
	Queue      map[model.TaskState]int64 `json:"queue,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
