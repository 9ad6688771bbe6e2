package exchanges

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// PageOptions bounds a paginated fetch.
type PageOptions struct {
	// PageSize is the number of rows the exchange returns for a full page.
	PageSize int
	// MaxPages is the safety ceiling. Reaching it is logged and flagged.
	MaxPages int
	// Limiter spaces out page requests. Nil means no delay.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	// Name identifies the endpoint in logs.
	Name string
}

// FetchPageFunc fetches page number pageIndex given the rows collected so far.
// total is the exchange-reported row count, or 0 when the exchange does not report one.
type FetchPageFunc[T any] func(ctx context.Context, pageIndex int, fetched []T) (page []T, total int, err error)

// FetchResult is the outcome of a complete paginated fetch.
type FetchResult[T any] struct {
	Rows  []T
	Pages int
	// Truncated is set when MaxPages stopped the loop before the data ran out.
	Truncated bool
}

// FetchAll requests pages sequentially until a short page, the reported total or
// the page ceiling. A failing page aborts the fetch and no rows are returned.
func FetchAll[T any](ctx context.Context, options PageOptions, fetch FetchPageFunc[T]) (*FetchResult[T], error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.PageSize <= 0 {
		return nil, fmt.Errorf("%s: page size must be positive", options.Name)
	}
	result := &FetchResult[T]{}
	for pageIndex := 0; ; pageIndex++ {
		if options.MaxPages > 0 && pageIndex >= options.MaxPages {
			logger.Warn("page ceiling reached, results may be incomplete",
				"endpoint", options.Name, "max_pages", options.MaxPages, "rows", len(result.Rows))
			result.Truncated = true
			return result, nil
		}
		if options.Limiter != nil {
			if err := options.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%s: waiting for page %d: %w", options.Name, pageIndex, err)
			}
		}
		page, total, err := fetch(ctx, pageIndex, result.Rows)
		if err != nil {
			return nil, fmt.Errorf("%s: page %d: %w", options.Name, pageIndex, err)
		}
		result.Pages++
		result.Rows = append(result.Rows, page...)
		logger.Debug("page fetched", "endpoint", options.Name, "page", pageIndex, "rows", len(page), "total", total)
		if len(page) < options.PageSize {
			return result, nil
		}
		if total > 0 && len(result.Rows) >= total {
			return result, nil
		}
	}
}
