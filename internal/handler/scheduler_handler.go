package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// StartDispatcher starts polling the task queue
func (h *Handlers) StartDispatcher(c *gin.Context) {
	if err := h.dispatcher.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatcher_error",
			Message: "Failed to start dispatcher",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Dispatcher started successfully",
		"status":  "running",
	})
}

// StopDispatcher stops polling and releases running tasks
func (h *Handlers) StopDispatcher(c *gin.Context) {
	if err := h.dispatcher.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatcher_error",
			Message: "Failed to stop dispatcher",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Dispatcher stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce claims and starts due tasks immediately
func (h *Handlers) RunOnce(c *gin.Context) {
	started, err := h.dispatcher.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatcher_error",
			Message: "Failed to dispatch tasks",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Dispatch completed successfully",
		"started": started,
	})
}

// GetDispatcherStatus returns the current dispatcher status
func (h *Handlers) GetDispatcherStatus(c *gin.Context) {
	status := "stopped"
	if h.dispatcher.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   status,
		"next_run": h.dispatcher.GetNextRun(),
		"last_run": h.dispatcher.GetLastRun(),
	})
}
