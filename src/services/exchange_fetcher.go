package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/exchanges/cryptocom"
	"github.com/username/cryptofolio/backend/src/exchanges/kraken"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers"
	cryptocomparser "github.com/username/cryptofolio/backend/src/parsers/cryptocom"
	krakenparser "github.com/username/cryptofolio/backend/src/parsers/kraken"
)

// ExchangeSettings configures the REST clients built per sync.
type ExchangeSettings struct {
	KrakenBaseURL    string
	CryptoComBaseURL string
	PageDelay        time.Duration
	MaxPages         int
	HTTPTimeout      time.Duration
}

type exchangeFetcherImpl struct {
	registry *assets.Registry
	settings ExchangeSettings
}

// NewExchangeFetcher creates the fetcher that builds an exchange client per call.
func NewExchangeFetcher(registry *assets.Registry, settings ExchangeSettings) ExchangeFetcher {
	if settings.HTTPTimeout <= 0 {
		settings.HTTPTimeout = 20 * time.Second
	}
	return &exchangeFetcherImpl{registry: registry, settings: settings}
}

func (f *exchangeFetcherImpl) Fetch(ctx context.Context, source string, credentials exchanges.Credentials, since, until time.Time) (*FetchedHistory, error) {
	log := logger.FromContext(ctx).With(slog.String("source", source))
	httpClient := &http.Client{Timeout: f.settings.HTTPTimeout}

	switch parsers.NormalizeSource(source) {
	case parsers.SourceKraken:
		options := []kraken.ClientOption{
			kraken.ClientWithHTTPClient(httpClient),
			kraken.ClientWithLogger(log),
			kraken.ClientWithPageDelay(f.settings.PageDelay),
		}
		if f.settings.KrakenBaseURL != "" {
			options = append(options, kraken.ClientWithBaseURL(f.settings.KrakenBaseURL))
		}
		if f.settings.MaxPages > 0 {
			options = append(options, kraken.ClientWithMaxPages(f.settings.MaxPages))
		}
		client, err := kraken.NewClient(credentials, options...)
		if err != nil {
			return nil, err
		}
		fetched, err := client.GetLedgers(ctx, kraken.LedgerQuery{Start: since, End: until})
		if err != nil {
			return nil, err
		}
		rows, resume := fetched.Rows, time.Time{}
		if fetched.Truncated {
			rows, resume = trimOldest(rows, krakenRowTime)
		}
		return &FetchedHistory{
			Result:       krakenparser.NewNormalizer(f.registry).Normalize(rows),
			RawRows:      len(fetched.Rows),
			Truncated:    fetched.Truncated,
			ResumeBefore: resume,
		}, nil

	case parsers.SourceCryptoCom:
		options := []cryptocom.ClientOption{
			cryptocom.ClientWithHTTPClient(httpClient),
			cryptocom.ClientWithLogger(log),
			cryptocom.ClientWithPageDelay(f.settings.PageDelay),
		}
		if f.settings.CryptoComBaseURL != "" {
			options = append(options, cryptocom.ClientWithBaseURL(f.settings.CryptoComBaseURL))
		}
		if f.settings.MaxPages > 0 {
			options = append(options, cryptocom.ClientWithMaxPages(f.settings.MaxPages))
		}
		client, err := cryptocom.NewClient(credentials, options...)
		if err != nil {
			return nil, err
		}
		fetched, err := client.GetTrades(ctx, cryptocom.TradeQuery{Start: since, End: until})
		if err != nil {
			return nil, err
		}
		rows, resume := fetched.Rows, time.Time{}
		if fetched.Truncated {
			rows, resume = trimOldest(rows, cryptoComTradeTime)
		}
		return &FetchedHistory{
			Result:       cryptocomparser.NewNormalizer(f.registry).Normalize(rows),
			RawRows:      len(fetched.Rows),
			Truncated:    fetched.Truncated,
			ResumeBefore: resume,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", parsers.ErrUnsupportedSource, source)
	}
}

// trimOldest drops the rows at the oldest timestamp of a truncated pull and returns the
// end of the window that refetches them. Exchange window ends are inclusive at second
// precision, so the window reaches one second past that timestamp; the overlap comes
// back as duplicates. When every row shares one timestamp nothing is dropped and the
// window steps just before it.
func trimOldest[T any](rows []T, at func(T) (time.Time, bool)) ([]T, time.Time) {
	var oldest time.Time
	for _, row := range rows {
		if t, ok := at(row); ok && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	if oldest.IsZero() {
		return rows, time.Time{}
	}
	kept := make([]T, 0, len(rows))
	for _, row := range rows {
		if t, ok := at(row); ok && t.Equal(oldest) {
			continue
		}
		kept = append(kept, row)
	}
	if len(kept) == 0 {
		return rows, oldest.Add(-time.Millisecond)
	}
	return kept, oldest.Add(time.Second)
}

func krakenRowTime(row models.KrakenLedgerRow) (time.Time, bool) {
	seconds, err := strconv.ParseFloat(row.Time, 64)
	if err != nil {
		return time.Time{}, false
	}
	whole := math.Floor(seconds)
	return time.Unix(int64(whole), int64((seconds-whole)*1e9)).UTC(), true
}

func cryptoComTradeTime(trade models.CryptoComTrade) (time.Time, bool) {
	millis, err := strconv.ParseInt(trade.CreateTime, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}
