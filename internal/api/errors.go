package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/apikeys"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/upbit"
)

// respondError maps domain failures onto the HTTP status taxonomy.
// Exchange-side failures surface as 502 so clients can tell our bug
// from theirs.
func respondError(c *gin.Context, err error) {
	var apiErr *upbit.APIError
	var rejection *risk.Rejection

	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, auth.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
	case errors.Is(err, auth.ErrRefreshRejected):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token rejected"})
	case errors.Is(err, apikeys.ErrNoCredentials):
		c.JSON(http.StatusConflict, gin.H{"error": "exchange credentials required"})
	case errors.Is(err, apikeys.ErrDecryptFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "stored exchange credentials are unusable"})
	case errors.As(err, &rejection):
		c.JSON(http.StatusConflict, gin.H{"error": rejection.Code, "detail": rejection.Detail})
	case errors.As(err, &apiErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "exchange error", "detail": apiErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// badRequest reports a malformed request body or parameter.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
