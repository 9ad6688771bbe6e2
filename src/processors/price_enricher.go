// backend/src/processors/price_enricher.go
package processors

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
)

const dateLayout = "2006-01-02"

// Historical fetches are padded so nearest-day probes near the batch edges still find data.
const windowPadding = 7 * 24 * time.Hour

// Exact day first, then before/after at each distance.
var probeOffsets = []int{0, -1, 1, -2, 2, -3, 3}

var one = decimal.NewFromInt(1)

type priceEnricherImpl struct {
	prices   PriceSource
	registry *assets.Registry
}

// NewPriceEnricher creates an enricher. A nil source leaves only the fiat/stable fallback.
func NewPriceEnricher(prices PriceSource, registry *assets.Registry) PriceEnricher {
	return &priceEnricherImpl{prices: prices, registry: registry}
}

// Enrich returns a copy of trades with missing USD prices resolved where possible.
// Price source failures are logged and never fail the batch.
func (e *priceEnricherImpl) Enrich(ctx context.Context, trades []models.NormalizedTrade) []models.NormalizedTrade {
	enriched := make([]models.NormalizedTrade, len(trades))
	copy(enriched, trades)
	if len(enriched) == 0 {
		return enriched
	}

	table := e.loadTable(ctx, enriched)

	for i := range enriched {
		tx := &enriched[i]
		date := tx.Datetime.UTC()
		if tx.HasFrom() && !tx.FromPriceUSD.Valid {
			tx.FromPriceUSD = e.resolve(table, tx.FromAsset, date)
		}
		if tx.HasTo() && !tx.ToPriceUSD.Valid {
			tx.ToPriceUSD = e.resolve(table, tx.ToAsset, date)
		}
		if !tx.FeesUSD.Valid && tx.FeeCurrency != "" && !tx.FeeQuantity.IsZero() {
			if price := e.feePrice(table, tx, date); price.Valid {
				tx.FeesUSD = decimal.NewNullDecimal(tx.FeeQuantity.Abs().Mul(price.Decimal))
			}
		}
	}
	return enriched
}

// loadTable collects assets still lacking a price and asks the source for the padded window.
func (e *priceEnricherImpl) loadTable(ctx context.Context, trades []models.NormalizedTrade) models.PriceTable {
	if e.prices == nil {
		return nil
	}
	needed := make(map[string]struct{})
	var minTime, maxTime time.Time
	for _, tx := range trades {
		wanted := e.lookups(tx)
		if len(wanted) == 0 {
			continue
		}
		for _, symbol := range wanted {
			needed[symbol] = struct{}{}
		}
		if minTime.IsZero() || tx.Datetime.Before(minTime) {
			minTime = tx.Datetime
		}
		if tx.Datetime.After(maxTime) {
			maxTime = tx.Datetime
		}
	}
	if len(needed) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(needed))
	for symbol := range needed {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	start, end := minTime.Add(-windowPadding), maxTime.Add(windowPadding)

	log := logger.FromContext(ctx)
	if err := e.prices.GetHistoricalPrices(ctx, symbols, start, end); err != nil {
		log.Warn("Historical price fetch failed; continuing with cached prices", "assets", symbols, "error", err)
	}
	table, err := e.prices.GetPriceTable(ctx, symbols, start, end)
	if err != nil {
		log.Warn("Price table lookup failed; trades keep unresolved prices", "assets", symbols, "error", err)
		return nil
	}
	return table
}

func (e *priceEnricherImpl) needsLookup(asset string) bool {
	return asset != "" && !e.registry.IsFiatOrStable(asset)
}

// lookups lists the assets of tx whose price must come from the table.
func (e *priceEnricherImpl) lookups(tx models.NormalizedTrade) []string {
	var out []string
	if tx.HasFrom() && !tx.FromPriceUSD.Valid && e.needsLookup(tx.FromAsset) {
		out = append(out, tx.FromAsset)
	}
	if tx.HasTo() && !tx.ToPriceUSD.Valid && e.needsLookup(tx.ToAsset) {
		out = append(out, tx.ToAsset)
	}
	if !tx.FeesUSD.Valid && !tx.FeeQuantity.IsZero() && e.needsLookup(tx.FeeCurrency) {
		out = append(out, tx.FeeCurrency)
	}
	return out
}

// resolve probes the table around date, then falls back to 1.0 for fiat and stablecoins.
func (e *priceEnricherImpl) resolve(table models.PriceTable, asset string, date time.Time) decimal.NullDecimal {
	if e.needsLookup(asset) {
		if price, ok := Probe(table, asset, date); ok {
			return decimal.NewNullDecimal(decimal.NewFromFloat(price))
		}
		return decimal.NullDecimal{}
	}
	if e.registry.IsFiatOrStable(asset) {
		return decimal.NewNullDecimal(one)
	}
	return decimal.NullDecimal{}
}

func (e *priceEnricherImpl) feePrice(table models.PriceTable, tx *models.NormalizedTrade, date time.Time) decimal.NullDecimal {
	switch tx.FeeCurrency {
	case tx.FromAsset:
		if tx.FromPriceUSD.Valid {
			return tx.FromPriceUSD
		}
	case tx.ToAsset:
		if tx.ToPriceUSD.Valid {
			return tx.ToPriceUSD
		}
	}
	return e.resolve(table, tx.FeeCurrency, date)
}

// Probe looks up asset on date, then ±1, ±2 and ±3 days, before ahead of after at each distance.
func Probe(table models.PriceTable, asset string, date time.Time) (float64, bool) {
	if table == nil {
		return 0, false
	}
	for _, offset := range probeOffsets {
		day := date.AddDate(0, 0, offset).Format(dateLayout)
		if price, ok := table.Lookup(asset, day); ok && price > 0 {
			return price, true
		}
	}
	return 0, false
}
