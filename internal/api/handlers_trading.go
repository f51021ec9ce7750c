package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/database"
)

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.deps.Positions.ListOpenByUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleListTrades(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = parsed
	}
	trades, err := s.deps.Trades.ListByUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	enabled, err := s.deps.Strategies.EnabledStrategies(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	enabledSet := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		enabledSet[name] = true
	}

	type entry struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	var out []entry
	for _, name := range s.deps.Registry.Names() {
		// No explicit selection means everything runs.
		out = append(out, entry{Name: name, Enabled: len(enabled) == 0 || enabledSet[name]})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

type strategyToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetStrategyEnabled(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Registry.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy"})
		return
	}
	var req strategyToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Strategies.SetStrategyEnabled(c.Request.Context(), auth.UserID(c), name, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "enabled": *req.Enabled})
}

func (s *Server) handleListParameters(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Registry.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy"})
		return
	}
	params, err := s.deps.Strategies.ListParameters(c.Request.Context(), name, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

type parameterRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
	Type  string `json:"type" binding:"required,oneof=INT DOUBLE BOOL STRING"`
}

func (s *Server) handleSetParameter(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.deps.Registry.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy"})
		return
	}
	var req parameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	param := &database.StrategyParameter{
		StrategyName: name,
		UserID:       auth.UserID(c),
		Key:          req.Key,
		Value:        req.Value,
		Type:         req.Type,
	}
	if err := s.deps.Strategies.SetParameter(c.Request.Context(), param); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, param)
}

func (s *Server) handleDeleteParameter(c *gin.Context) {
	name := c.Param("name")
	if err := s.deps.Strategies.DeleteParameter(c.Request.Context(), name, auth.UserID(c), c.Param("key")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
