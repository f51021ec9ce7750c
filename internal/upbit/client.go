package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the production REST endpoint.
const DefaultBaseURL = "https://api.upbit.com"

// Client is a REST client for the exchange. Public endpoints need no
// credentials; authenticated endpoints carry a per-request JWT bearer
// token signed with the user's secret key. All outgoing calls pass
// through a token-bucket limiter so one credential set never exceeds
// the exchange's request budget.
type Client struct {
	accessKey  string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// APIError is a structured error body from the exchange.
type APIError struct {
	StatusCode int
	Name       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upbit: %d %s: %s", e.StatusCode, e.Name, e.Message)
}

// IsTransient reports whether the call is worth retrying on a later tick.
func (e *APIError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewClient creates a client with the given credentials. Pass empty keys
// for public-only access. reqPerSec bounds authenticated request rate;
// zero selects the default of 8 req/s.
func NewClient(accessKey, secretKey, baseURL string, reqPerSec int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if reqPerSec <= 0 {
		reqPerSec = 8
	}
	return &Client{
		accessKey:  accessKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(reqPerSec), reqPerSec),
	}
}

// GetMarkets fetches all tradable markets with warning flags.
func (c *Client) GetMarkets(ctx context.Context) ([]Market, error) {
	var markets []Market
	if err := c.get(ctx, "/v1/market/all", url.Values{"isDetails": {"true"}}, false, &markets); err != nil {
		return nil, fmt.Errorf("fetching markets: %w", err)
	}
	return markets, nil
}

// GetTickers fetches current snapshots for the given markets.
func (c *Client) GetTickers(ctx context.Context, markets []string) ([]Ticker, error) {
	if len(markets) == 0 {
		return nil, nil
	}
	params := url.Values{"markets": {strings.Join(markets, ",")}}
	var tickers []Ticker
	if err := c.get(ctx, "/v1/ticker", params, false, &tickers); err != nil {
		return nil, fmt.Errorf("fetching tickers: %w", err)
	}
	return tickers, nil
}

// GetMinuteCandles fetches up to 200 minute candles, newest first.
// unit must be one of 1, 3, 5, 15, 30, 60, 240.
func (c *Client) GetMinuteCandles(ctx context.Context, market string, unit, count int) ([]Candle, error) {
	if count > 200 {
		count = 200
	}
	params := url.Values{
		"market": {market},
		"count":  {strconv.Itoa(count)},
	}
	path := fmt.Sprintf("/v1/candles/minutes/%d", unit)
	var candles []Candle
	if err := c.get(ctx, path, params, false, &candles); err != nil {
		return nil, fmt.Errorf("fetching %dm candles for %s: %w", unit, market, err)
	}
	return candles, nil
}

// GetDayCandles fetches up to 200 daily candles, newest first.
func (c *Client) GetDayCandles(ctx context.Context, market string, count int) ([]Candle, error) {
	if count > 200 {
		count = 200
	}
	params := url.Values{
		"market": {market},
		"count":  {strconv.Itoa(count)},
	}
	var candles []Candle
	if err := c.get(ctx, "/v1/candles/days", params, false, &candles); err != nil {
		return nil, fmt.Errorf("fetching day candles for %s: %w", market, err)
	}
	return candles, nil
}

// GetAccounts fetches all balances for the credential owner.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := c.get(ctx, "/v1/accounts", nil, true, &accounts); err != nil {
		return nil, fmt.Errorf("fetching accounts: %w", err)
	}
	return accounts, nil
}

// SubmitOrder places an order and returns the exchange's initial view of it.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := url.Values{
		"market":   {req.Market},
		"side":     {req.Side},
		"ord_type": {req.OrdType},
	}
	if req.Volume != "" {
		params.Set("volume", req.Volume)
	}
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.Identifier != "" {
		params.Set("identifier", req.Identifier)
	}
	var order Order
	if err := c.post(ctx, "/v1/orders", params, &order); err != nil {
		return nil, fmt.Errorf("submitting %s %s order for %s: %w", req.Side, req.OrdType, req.Market, err)
	}
	return &order, nil
}

// GetOrder looks up one order by exchange UUID.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{"uuid": {orderUUID}}
	var order Order
	if err := c.get(ctx, "/v1/order", params, true, &order); err != nil {
		return nil, fmt.Errorf("fetching order %s: %w", orderUUID, err)
	}
	return &order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*Order, error) {
	params := url.Values{"uuid": {orderUUID}}
	var order Order
	if err := c.do(ctx, http.MethodDelete, "/v1/order", params, true, &order); err != nil {
		return nil, fmt.Errorf("cancelling order %s: %w", orderUUID, err)
	}
	return &order, nil
}

// GetOpenOrders lists wait/watch orders, optionally for one market.
func (c *Client) GetOpenOrders(ctx context.Context, market string) ([]Order, error) {
	params := url.Values{}
	if market != "" {
		params.Set("market", market)
	}
	var orders []Order
	if err := c.get(ctx, "/v1/orders/open", params, true, &orders); err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	return orders, nil
}

// GetClosedOrders lists done/cancelled orders, optionally for one market.
func (c *Client) GetClosedOrders(ctx context.Context, market string) ([]Order, error) {
	params := url.Values{}
	if market != "" {
		params.Set("market", market)
	}
	var orders []Order
	if err := c.get(ctx, "/v1/orders/closed", params, true, &orders); err != nil {
		return nil, fmt.Errorf("fetching closed orders: %w", err)
	}
	return orders, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, signed, out)
}

func (c *Client) post(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, params, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	query := ""
	if params != nil {
		query = params.Encode()
	}

	var req *http.Request
	var err error
	switch method {
	case http.MethodPost:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		endpoint := c.baseURL + path
		if query != "" {
			endpoint += "?" + query
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return err
	}

	if signed {
		token, err := c.signRequest(query)
		if err != nil {
			return fmt.Errorf("signing request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Name    json.RawMessage `json:"name"`
				Message string          `json:"message"`
			} `json:"error"`
		}
		name := ""
		if json.Unmarshal(body, &apiErr) == nil {
			name = strings.Trim(string(apiErr.Error.Name), `"`)
		}
		return &APIError{StatusCode: resp.StatusCode, Name: name, Message: apiErr.Error.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// signRequest builds the per-request bearer token: a JWT carrying the
// access key, a random nonce and, when the call has parameters, the
// SHA-512 hash of the encoded query string.
func (c *Client) signRequest(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.secretKey))
}
