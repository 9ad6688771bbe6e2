// Package cryptocom is a client for the Crypto.com Exchange private REST API.
package cryptocom

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/models"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.crypto.com/exchange/v1"
	getTradesMethod  = "private/get-trades"
	tradesPageSize   = 100
	defaultMaxPages  = 200
	defaultPageDelay = 200 * time.Millisecond
)

// Client reads a Crypto.com Exchange account's trade history.
type Client interface {
	// GetTrades returns every executed trade in the query window, newest first.
	GetTrades(ctx context.Context, query TradeQuery) (*exchanges.FetchResult[models.CryptoComTrade], error)
}

// TradeQuery bounds a trade fetch. A zero End means now.
type TradeQuery struct {
	Start          time.Time
	End            time.Time
	InstrumentName string
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*client)

// ClientWithHTTPClient sets the HTTP client to use for requests.
func ClientWithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *client) {
		c.httpClient = httpClient
	}
}

// ClientWithLogger sets the logger for the client.
func ClientWithLogger(logger *slog.Logger) ClientOption {
	return func(c *client) {
		c.logger = logger
	}
}

// ClientWithBaseURL points the client at another host, e.g. a test server.
func ClientWithBaseURL(baseURL string) ClientOption {
	return func(c *client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// ClientWithPageDelay sets the minimum delay between page requests. Zero disables it.
func ClientWithPageDelay(delay time.Duration) ClientOption {
	return func(c *client) {
		c.pageDelay = delay
	}
}

// ClientWithMaxPages sets the pagination safety ceiling.
func ClientWithMaxPages(maxPages int) ClientOption {
	return func(c *client) {
		c.maxPages = maxPages
	}
}

// ClientWithClock sets the clock used for nonces and the default window end.
func ClientWithClock(now func() time.Time) ClientOption {
	return func(c *client) {
		c.now = now
		c.nonces = exchanges.NewNonceSource(now)
	}
}

// NewClient creates a Crypto.com client for the given credentials.
func NewClient(credentials exchanges.Credentials, options ...ClientOption) (Client, error) {
	if err := credentials.Validate(); err != nil {
		return nil, err
	}
	c := &client{
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 20 * time.Second},
		logger:      slog.Default(),
		baseURL:     defaultBaseURL,
		pageDelay:   defaultPageDelay,
		maxPages:    defaultMaxPages,
		now:         time.Now,
		nonces:      exchanges.NewNonceSource(nil),
	}
	for _, option := range options {
		option(c)
	}
	return c, nil
}

type client struct {
	credentials exchanges.Credentials
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	pageDelay   time.Duration
	maxPages    int
	now         func() time.Time
	nonces      *exchanges.NonceSource
}

type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig"`
}

type tradeEntry struct {
	TradeID           string      `json:"trade_id"`
	OrderID           string      `json:"order_id"`
	InstrumentName    string      `json:"instrument_name"`
	Side              string      `json:"side"`
	TradedPrice       string      `json:"traded_price"`
	TradedQuantity    string      `json:"traded_quantity"`
	Fees              string      `json:"fees"`
	FeeInstrumentName string      `json:"fee_instrument_name"`
	CreateTime        json.Number `json:"create_time"`
}

type tradesResponse struct {
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Data []tradeEntry `json:"data"`
	} `json:"result"`
}

func (c *client) GetTrades(ctx context.Context, query TradeQuery) (*exchanges.FetchResult[models.CryptoComTrade], error) {
	var limiter *rate.Limiter
	if c.pageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.pageDelay), 1)
	}
	end := query.End
	if end.IsZero() {
		end = c.now()
	}
	endMillis := end.UnixMilli()
	seen := make(map[string]struct{})

	result, err := exchanges.FetchAll(ctx, exchanges.PageOptions{
		PageSize: tradesPageSize,
		MaxPages: c.maxPages,
		Limiter:  limiter,
		Logger:   c.logger,
		Name:     "cryptocom " + getTradesMethod,
	}, func(ctx context.Context, _ int, _ []models.CryptoComTrade) ([]models.CryptoComTrade, int, error) {
		params := map[string]any{
			"end_time": endMillis,
			"limit":    tradesPageSize,
		}
		if !query.Start.IsZero() {
			params["start_time"] = query.Start.UnixMilli()
		}
		if query.InstrumentName != "" {
			params["instrument_name"] = query.InstrumentName
		}
		var resp tradesResponse
		if err := c.post(ctx, getTradesMethod, params, &resp); err != nil {
			return nil, 0, err
		}
		if len(resp.Result.Data) == 0 {
			return nil, 0, nil
		}
		page := make([]models.CryptoComTrade, 0, len(resp.Result.Data))
		var (
			oldest int64
			dated  bool
			added  int
		)
		for _, entry := range resp.Result.Data {
			page = append(page, models.CryptoComTrade{
				TradeID:        entry.TradeID,
				OrderID:        entry.OrderID,
				InstrumentName: entry.InstrumentName,
				Side:           entry.Side,
				TradedPrice:    entry.TradedPrice,
				TradedQuantity: entry.TradedQuantity,
				Fee:            entry.Fees,
				FeeCurrency:    entry.FeeInstrumentName,
				CreateTime:     entry.CreateTime.String(),
			})
			if _, dup := seen[entry.TradeID]; !dup || entry.TradeID == "" {
				seen[entry.TradeID] = struct{}{}
				added++
			}
			if created, err := entry.CreateTime.Int64(); err == nil && (!dated || created < oldest) {
				oldest, dated = created, true
			}
		}
		if !dated {
			return nil, 0, fmt.Errorf("%w: cryptocom %s: no trade on the page has a readable create_time",
				exchanges.ErrUpstream, getTradesMethod)
		}

		// The next window still covers the oldest millisecond so fills sharing it
		// with the page boundary are not skipped. Repeats are dropped by trade id.
		next := oldest + 1
		if added == 0 {
			next = min(oldest, endMillis-1)
			c.logger.Warn("page held only trades already seen, stepping the cursor back",
				"end_time", endMillis, "next_end_time", next)
		}
		endMillis = next
		return page, 0, nil
	})
	if err != nil {
		return nil, err
	}
	result.Rows = uniqueTrades(result.Rows)
	return result, nil
}

// uniqueTrades keeps the first row per trade id. Rows without an id are all kept.
func uniqueTrades(rows []models.CryptoComTrade) []models.CryptoComTrade {
	seen := make(map[string]struct{}, len(rows))
	unique := rows[:0]
	for _, row := range rows {
		if row.TradeID != "" {
			if _, dup := seen[row.TradeID]; dup {
				continue
			}
			seen[row.TradeID] = struct{}{}
		}
		unique = append(unique, row)
	}
	return unique
}

func (c *client) post(ctx context.Context, method string, params map[string]any, out *tradesResponse) error {
	nonce := c.nonces.Next()
	body := request{
		ID:     nonce,
		Method: method,
		APIKey: c.credentials.APIKey,
		Params: params,
		Nonce:  nonce,
	}
	body.Sig = Sign(method, body.ID, body.APIKey, params, nonce, c.credentials.APISecret)

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cryptocom %s: %v", exchanges.ErrUpstream, method, err)
	}
	defer resp.Body.Close()
	if !exchanges.IsSuccess(resp.StatusCode) {
		return exchanges.StatusError("cryptocom", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: cryptocom %s: decoding response: %v", exchanges.ErrUpstream, method, err)
	}
	if out.Code != 0 {
		return fmt.Errorf("%w: cryptocom %s: code %d: %s", exchanges.ErrUpstream, method, out.Code, out.Message)
	}
	return nil
}

// Sign computes the request signature:
// hex(HMAC-SHA256(secret, method + id + api_key + paramString + nonce)),
// where paramString concatenates key+value for keys in ascending order.
func Sign(method string, id int64, apiKey string, params map[string]any, nonce int64, secret string) string {
	payload := method + strconv.FormatInt(id, 10) + apiKey + ParamString(params) + strconv.FormatInt(nonce, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParamString renders params in the exchange's canonical signing order.
func ParamString(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString(paramValue(params[key]))
	}
	return b.String()
}

func paramValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case map[string]any:
		return ParamString(v)
	case []any:
		var b strings.Builder
		for _, item := range v {
			b.WriteString(paramValue(item))
		}
		return b.String()
	default:
		return fmt.Sprint(v)
	}
}
