package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/upbit"
)

// userExchange loads the caller and builds a signed client from their
// stored keys. A false return means the response is already written.
func (s *Server) userExchange(c *gin.Context) (ExchangeClient, *database.User, bool) {
	user, err := s.deps.Users.GetByID(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return nil, nil, false
	}
	creds, err := s.deps.Unsealer.Unseal(user)
	if err != nil {
		respondError(c, err)
		return nil, nil, false
	}
	return s.deps.Exchange(*creds), user, true
}

// handleTradingExecute runs one evaluation pass for the caller outside
// the schedule, against the same working set the tick would use.
func (s *Server) handleTradingExecute(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := s.deps.Users.GetByID(ctx, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	markets, err := s.deps.Resolver.WorkingSet(ctx, user.TargetMarkets, user.AutoSelectTop, user.ExcludedMarkets)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(markets) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "no markets", "markets": []string{}})
		return
	}

	if err := s.deps.Engine.TickUser(ctx, user, markets); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "markets": markets})
}

func (s *Server) handleTradingStatus(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := s.deps.Users.GetByID(ctx, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	positions, err := s.deps.Positions.ListOpenByUser(ctx, user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auto_trading_enabled": user.AutoTradingEnabled,
		"strategy_mode":        user.StrategyMode,
		"has_credentials":      user.HasCredentials(),
		"open_positions":       len(positions),
		"positions":            positions,
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	user, err := s.deps.Users.GetByID(ctx, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	positions, err := s.deps.Positions.ListOpenByUser(ctx, user.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	trades, err := s.deps.Trades.ListByUser(ctx, user.ID, 20)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auto_trading_enabled": user.AutoTradingEnabled,
		"strategy_mode":        user.StrategyMode,
		"open_positions":       positions,
		"recent_trades":        trades,
	})
}

func (s *Server) handleGetAccount(c *gin.Context) {
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	accounts, err := exchange.GetAccounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type buyOrderRequest struct {
	Market string  `json:"market" binding:"required"`
	Funds  float64 `json:"funds" binding:"required,gt=0"`
}

// handleBuyOrder places a market buy for the given KRW amount.
func (s *Server) handleBuyOrder(c *gin.Context) {
	var req buyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	order, err := exchange.SubmitOrder(c.Request.Context(), upbit.OrderRequest{
		Market:  req.Market,
		Side:    upbit.SideBid,
		OrdType: upbit.OrdTypePrice,
		Price:   strconv.FormatFloat(req.Funds, 'f', -1, 64),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

type sellOrderRequest struct {
	Market string  `json:"market" binding:"required"`
	Volume float64 `json:"volume" binding:"required,gt=0"`
}

// handleSellOrder places a market sell for the given volume.
func (s *Server) handleSellOrder(c *gin.Context) {
	var req sellOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	order, err := exchange.SubmitOrder(c.Request.Context(), upbit.OrderRequest{
		Market:  req.Market,
		Side:    upbit.SideAsk,
		OrdType: upbit.OrdTypeMarket,
		Volume:  strconv.FormatFloat(req.Volume, 'f', -1, 64),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	order, err := exchange.GetOrder(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	order, err := exchange.CancelOrder(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListOpenOrders(c *gin.Context) {
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	orders, err := exchange.GetOpenOrders(c.Request.Context(), c.Query("market"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleListClosedOrders(c *gin.Context) {
	exchange, _, ok := s.userExchange(c)
	if !ok {
		return
	}
	orders, err := exchange.GetClosedOrders(c.Request.Context(), c.Query("market"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handleTicker(c *gin.Context) {
	tickers, err := s.deps.Quotes.GetTickers(c.Request.Context(), []string{c.Param("market")})
	if err != nil {
		respondError(c, err)
		return
	}
	if len(tickers) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown market"})
		return
	}
	c.JSON(http.StatusOK, tickers[0])
}

var candleUnits = map[int]bool{1: true, 3: true, 5: true, 15: true, 30: true, 60: true, 240: true}

// handleCandles serves a candle window. count selects a recent window;
// from and to (KST, inclusive) select an archived range instead.
func (s *Server) handleCandles(c *gin.Context) {
	market := c.Param("market")
	unit, err := strconv.Atoi(c.DefaultQuery("unit", "5"))
	if err != nil || !candleUnits[unit] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unit must be one of 1, 3, 5, 15, 30, 60, 240"})
		return
	}

	from, to := c.Query("from"), c.Query("to")
	if from != "" || to != "" {
		if from == "" || to == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must be given together"})
			return
		}
		candles, err := s.deps.Archive.Range(c.Request.Context(), market, unit, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"candles": candles})
		return
	}

	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 || count > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be 1..1000"})
		return
	}
	candles, err := s.deps.Candles.Candles(c.Request.Context(), market, unit, count)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}
