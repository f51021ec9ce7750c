package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/voting"
)

func (s *Server) handleGetMe(c *gin.Context) {
	user, err := s.deps.Users.GetByID(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":            user,
		"has_credentials": user.HasCredentials(),
	})
}

type settingsRequest struct {
	StrategyMode    *string   `json:"strategy_mode"`
	TargetMarkets   *[]string `json:"target_markets"`
	ExcludedMarkets *[]string `json:"excluded_markets"`
	AutoSelectTop   *int      `json:"auto_select_top"`
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	user, err := s.deps.Users.GetByID(ctx, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	var stale []string
	if req.StrategyMode != nil {
		mode := voting.Mode(*req.StrategyMode)
		if mode != voting.ModeDefault && mode != voting.ModeScaledTrading {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy mode"})
			return
		}
		user.StrategyMode = *req.StrategyMode
	}
	if req.TargetMarkets != nil {
		stale = append(stale, user.TargetMarkets...)
		user.TargetMarkets = *req.TargetMarkets
	}
	if req.ExcludedMarkets != nil {
		user.ExcludedMarkets = *req.ExcludedMarkets
	}
	if req.AutoSelectTop != nil {
		if *req.AutoSelectTop < 0 || *req.AutoSelectTop > 30 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "auto_select_top out of range"})
			return
		}
		user.AutoSelectTop = *req.AutoSelectTop
	}

	if err := s.deps.Users.UpdateTradingSettings(ctx, user); err != nil {
		respondError(c, err)
		return
	}

	// A market-set change invalidates cached windows for the old set.
	if s.deps.Cache != nil && len(stale) > 0 {
		s.deps.Cache.Invalidate(ctx, stale...)
	}
	c.JSON(http.StatusOK, user)
}

type credentialsRequest struct {
	AccessKey string `json:"access_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
}

func (s *Server) handleSetCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := s.deps.Credentials.Store(c.Request.Context(), auth.UserID(c), apikeys.Credentials{
		AccessKey: req.AccessKey,
		SecretKey: req.SecretKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

type autoTradingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetAutoTrading(c *gin.Context) {
	var req autoTradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	userID := auth.UserID(c)
	if *req.Enabled {
		user, err := s.deps.Users.GetByID(ctx, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		if !user.HasCredentials() {
			c.JSON(http.StatusConflict, gin.H{"error": "exchange credentials required before enabling auto trading"})
			return
		}
	}

	if err := s.deps.Users.SetAutoTrading(ctx, userID, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_trading_enabled": *req.Enabled})
}

func (s *Server) handleListMarkets(c *gin.Context) {
	user, err := s.deps.Users.GetByID(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	markets, err := s.deps.Markets.Tradable(c.Request.Context(), user.ExcludedMarkets)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": markets})
}
