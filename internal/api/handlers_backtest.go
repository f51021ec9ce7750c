package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/backtest"
	"upbit-trading-bot/internal/database"
)

// viewOf shapes a task row for clients, re-inlining the stored JSON.
func viewOf(t *database.SimulationTask) gin.H {
	out := gin.H{
		"id":         t.ID,
		"status":     t.Status,
		"progress":   t.Progress,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if len(t.Request) > 0 {
		out["request"] = json.RawMessage(t.Request)
	}
	if len(t.Result) > 0 {
		out["result"] = json.RawMessage(t.Result)
	}
	if t.Error != "" {
		out["error"] = t.Error
	}
	return out
}

func (s *Server) handleSubmitBacktest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.deps.Simulations.Submit(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewOf(task))
}

func (s *Server) handleListBacktests(c *gin.Context) {
	tasks, err := s.deps.Tasks.ListByUser(c.Request.Context(), auth.UserID(c), 50)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	c.JSON(http.StatusOK, gin.H{"backtests": out})
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	task, err := s.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if task.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(task))
}

func (s *Server) handleCancelBacktest(c *gin.Context) {
	task, err := s.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if task.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if !s.deps.Simulations.Cancel(task.ID) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": task.ID, "status": database.TaskCancelled})
}
