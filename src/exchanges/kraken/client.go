// Package kraken is a client for Kraken's private REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/models"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	ledgersPath    = "/0/private/Ledgers"
	// Kraken returns at most 50 ledger entries per request.
	ledgerPageSize   = 50
	defaultMaxPages  = 200
	defaultPageDelay = time.Second
)

// Client reads a Kraken account's history.
type Client interface {
	// GetLedgers returns every ledger entry in the query window.
	GetLedgers(ctx context.Context, query LedgerQuery) (*exchanges.FetchResult[models.KrakenLedgerRow], error)
}

// LedgerQuery bounds a ledger fetch. Zero times are open ends.
type LedgerQuery struct {
	Start time.Time
	End   time.Time
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

// NewClient creates a Kraken client for the given credentials.
func NewClient(credentials exchanges.Credentials, options ...ClientOption) (Client, error) {
	if err := credentials.Validate(); err != nil {
		return nil, err
	}
	if _, err := base64.StdEncoding.DecodeString(credentials.APISecret); err != nil {
		return nil, fmt.Errorf("%w: kraken API secret is not valid base64", exchanges.ErrMissingCredentials)
	}
	c := &client{
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 20 * time.Second},
		logger:      slog.Default(),
		baseURL:     defaultBaseURL,
		pageDelay:   defaultPageDelay,
		maxPages:    defaultMaxPages,
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
	nonces      *exchanges.NonceSource
}

type ledgerEntry struct {
	RefID   string  `json:"refid"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
	Subtype string  `json:"subtype"`
	AClass  string  `json:"aclass"`
	Asset   string  `json:"asset"`
	Wallet  string  `json:"wallet"`
	Amount  string  `json:"amount"`
	Fee     string  `json:"fee"`
	Balance string  `json:"balance"`
}

type ledgersResponse struct {
	Error  []string `json:"error"`
	Result struct {
		Ledger map[string]ledgerEntry `json:"ledger"`
		Count  int                    `json:"count"`
	} `json:"result"`
}

func (c *client) GetLedgers(ctx context.Context, query LedgerQuery) (*exchanges.FetchResult[models.KrakenLedgerRow], error) {
	var limiter *rate.Limiter
	if c.pageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.pageDelay), 1)
	}
	return exchanges.FetchAll(ctx, exchanges.PageOptions{
		PageSize: ledgerPageSize,
		MaxPages: c.maxPages,
		Limiter:  limiter,
		Logger:   c.logger,
		Name:     "kraken " + ledgersPath,
	}, func(ctx context.Context, _ int, fetched []models.KrakenLedgerRow) ([]models.KrakenLedgerRow, int, error) {
		params := url.Values{}
		params.Set("ofs", strconv.Itoa(len(fetched)))
		if !query.Start.IsZero() {
			params.Set("start", strconv.FormatInt(query.Start.Unix(), 10))
		}
		if !query.End.IsZero() {
			params.Set("end", strconv.FormatInt(query.End.Unix(), 10))
		}
		var resp ledgersResponse
		if err := c.post(ctx, ledgersPath, params, &resp); err != nil {
			return nil, 0, err
		}
		return ledgerRows(resp.Result.Ledger), resp.Result.Count, nil
	})
}

// ledgerRows flattens a page, ordered by time then ledger id so grouping sees a stable order.
func ledgerRows(ledger map[string]ledgerEntry) []models.KrakenLedgerRow {
	rows := make([]models.KrakenLedgerRow, 0, len(ledger))
	times := make(map[string]float64, len(ledger))
	for id, entry := range ledger {
		times[id] = entry.Time
		rows = append(rows, models.KrakenLedgerRow{
			TxID:    id,
			RefID:   entry.RefID,
			Time:    strconv.FormatFloat(entry.Time, 'f', -1, 64),
			Type:    entry.Type,
			Subtype: entry.Subtype,
			AClass:  entry.AClass,
			Asset:   entry.Asset,
			Wallet:  entry.Wallet,
			Amount:  entry.Amount,
			Fee:     entry.Fee,
			Balance: entry.Balance,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := times[rows[i].TxID], times[rows[j].TxID]
		if ti != tj {
			return ti < tj
		}
		return rows[i].TxID < rows[j].TxID
	})
	return rows
}

func (c *client) post(ctx context.Context, path string, params url.Values, out *ledgersResponse) error {
	nonce := c.nonces.Next()
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	postData := params.Encode()

	signature, err := Sign(path, nonce, postData, c.credentials.APISecret)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", c.credentials.APIKey)
	req.Header.Set("API-Sign", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: kraken %s: %v", exchanges.ErrUpstream, path, err)
	}
	defer resp.Body.Close()
	if !exchanges.IsSuccess(resp.StatusCode) {
		return exchanges.StatusError("kraken", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: kraken %s: decoding response: %v", exchanges.ErrUpstream, path, err)
	}
	if len(out.Error) > 0 {
		return fmt.Errorf("%w: kraken %s: %s", exchanges.ErrUpstream, path, strings.Join(out.Error, "; "))
	}
	return nil
}

// Sign computes the API-Sign header:
// base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + postData))).
func Sign(path string, nonce int64, postData string, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decoding kraken secret: %w", err)
	}
	sha := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
