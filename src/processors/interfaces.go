// backend/src/processors/interfaces.go
package processors

import (
	"context"
	"time"

	"github.com/username/cryptofolio/backend/src/models"
)

// PriceSource supplies historical USD prices. Both calls are best-effort for callers.
type PriceSource interface {
	// GetHistoricalPrices warms the store for assets over [start, end].
	GetHistoricalPrices(ctx context.Context, assets []string, start, end time.Time) error
	// GetPriceTable returns the known daily prices for assets over [start, end].
	GetPriceTable(ctx context.Context, assets []string, start, end time.Time) (models.PriceTable, error)
}

// PriceEnricher fills missing USD prices on normalized trades.
type PriceEnricher interface {
	Enrich(ctx context.Context, trades []models.NormalizedTrade) []models.NormalizedTrade
}
