// backend/src/services/price_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/model"
	"github.com/username/cryptofolio/backend/src/models"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultPriceBaseURL = "https://query1.finance.yahoo.com"
	priceUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	priceDateLayout     = "2006-01-02"
)

// Yahoo lists some coins under a disambiguated ticker.
var yahooTickerOverrides = map[string]string{
	"UNI":  "UNI7083-USD",
	"GRT":  "GRT6719-USD",
	"APT":  "APT21794-USD",
	"SUI":  "SUI20947-USD",
	"ARB":  "ARB11841-USD",
	"PEPE": "PEPE24478-USD",
}

type yahooHistoryResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency string `json:"currency"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// fetchedWindow is the date range already stored for an asset.
type fetchedWindow struct {
	start, end string
}

type priceServiceImpl struct {
	httpClient *http.Client
	baseURL    string
	store      PriceStore
	fetched    *cache.Cache
	delay      time.Duration
}

// PriceServiceOption is a functional option for configuring the PriceService.
type PriceServiceOption func(*priceServiceImpl)

// PriceServiceWithBaseURL points the service at another chart API host.
func PriceServiceWithBaseURL(baseURL string) PriceServiceOption {
	return func(s *priceServiceImpl) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// PriceServiceWithRequestDelay sets the pause between per-asset requests.
func PriceServiceWithRequestDelay(delay time.Duration) PriceServiceOption {
	return func(s *priceServiceImpl) {
		s.delay = delay
	}
}

// PriceServiceWithCacheExpiry sets how long a fetched window is trusted before refetching.
func PriceServiceWithCacheExpiry(expiry time.Duration) PriceServiceOption {
	return func(s *priceServiceImpl) {
		s.fetched = cache.New(expiry, 2*expiry)
	}
}

// PriceServiceWithHTTPTimeout sets the HTTP client timeout.
func PriceServiceWithHTTPTimeout(timeout time.Duration) PriceServiceOption {
	return func(s *priceServiceImpl) {
		s.httpClient.Timeout = timeout
	}
}

// NewPriceService creates the historical price service backed by store.
func NewPriceService(store PriceStore, options ...PriceServiceOption) PriceService {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		logger.L.Error("Failed to create cookie jar", "error", err)
	}
	s := &priceServiceImpl{
		httpClient: &http.Client{Jar: jar, Timeout: 20 * time.Second},
		baseURL:    defaultPriceBaseURL,
		store:      store,
		fetched:    cache.New(6*time.Hour, 12*time.Hour),
		delay:      250 * time.Millisecond,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// GetHistoricalPrices downloads daily USD closes for assets over [start, end] into the store.
// Assets whose window was fetched recently are skipped. Failures for one asset do not stop the rest.
func (s *priceServiceImpl) GetHistoricalPrices(ctx context.Context, assets []string, start, end time.Time) error {
	window := fetchedWindow{start: start.UTC().Format(priceDateLayout), end: end.UTC().Format(priceDateLayout)}
	log := logger.FromContext(ctx)

	var errs []error
	requested := 0
	for _, asset := range uniqueAssets(assets) {
		if s.covered(asset, window) {
			continue
		}
		if requested > 0 && s.delay > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(append(errs, ctx.Err())...)
			case <-time.After(s.delay):
			}
		}
		requested++

		prices, err := s.fetchHistory(ctx, asset, start, end)
		if err != nil {
			log.Warn("Could not fetch historical prices", "asset", asset, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", asset, err))
			continue
		}
		if err := s.store.InsertOrUpdatePrices(ctx, prices); err != nil {
			errs = append(errs, fmt.Errorf("%s: saving prices: %w", asset, err))
			continue
		}
		s.fetched.SetDefault(asset, window)
		log.Debug("Historical prices stored", "asset", asset, "days", len(prices), "start", window.start, "end", window.end)
	}
	return errors.Join(errs...)
}

// GetPriceTable reads stored prices for assets over [start, end].
func (s *priceServiceImpl) GetPriceTable(ctx context.Context, assets []string, start, end time.Time) (models.PriceTable, error) {
	return s.store.GetPricesBetween(ctx, uniqueAssets(assets), start.UTC().Format(priceDateLayout), end.UTC().Format(priceDateLayout))
}

func (s *priceServiceImpl) covered(asset string, window fetchedWindow) bool {
	cached, ok := s.fetched.Get(asset)
	if !ok {
		return false
	}
	have := cached.(fetchedWindow)
	return have.start <= window.start && have.end >= window.end
}

func (s *priceServiceImpl) fetchHistory(ctx context.Context, asset string, start, end time.Time) ([]model.DailyPrice, error) {
	ticker := YahooTicker(asset)
	params := url.Values{}
	params.Set("period1", fmt.Sprint(start.UTC().Truncate(24*time.Hour).Unix()))
	params.Set("period2", fmt.Sprint(end.UTC().Truncate(24*time.Hour).Add(24*time.Hour).Unix()))
	params.Set("interval", "1d")
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.baseURL, url.PathEscape(ticker), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", priceUserAgent)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo history api returned %d for %s", resp.StatusCode, ticker)
	}

	var data yahooHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode history json: %w", err)
	}
	if data.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo history api error for %s: %s", ticker, data.Chart.Error.Description)
	}
	if len(data.Chart.Result) == 0 || len(data.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no history result found for %s", ticker)
	}
	result := data.Chart.Result[0]
	closes := result.Indicators.Quote[0].Close
	if len(result.Timestamp) != len(closes) {
		return nil, fmt.Errorf("data mismatch for %s: %d timestamps, %d closes", ticker, len(result.Timestamp), len(closes))
	}

	currency := strings.ToUpper(result.Meta.Currency)
	if currency == "" {
		currency = "USD"
	}
	prices := make([]model.DailyPrice, 0, len(closes))
	for i, ts := range result.Timestamp {
		if closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		prices = append(prices, model.DailyPrice{
			TickerSymbol: asset,
			Date:         time.Unix(ts, 0).UTC().Format(priceDateLayout),
			Price:        *closes[i],
			Currency:     currency,
		})
	}
	return prices, nil
}

// YahooTicker returns the Yahoo chart symbol for a canonical asset.
func YahooTicker(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if ticker, ok := yahooTickerOverrides[asset]; ok {
		return ticker
	}
	return asset + "-USD"
}

func uniqueAssets(assets []string) []string {
	seen := make(map[string]struct{}, len(assets))
	out := make([]string, 0, len(assets))
	for _, asset := range assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
