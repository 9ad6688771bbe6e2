package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/models"
)

type fakePriceSource struct {
	table     models.PriceTable
	warmErr   error
	tableErr  error
	warmCalls int
	gotAssets []string
	gotStart  time.Time
	gotEnd    time.Time
}

func (f *fakePriceSource) GetHistoricalPrices(_ context.Context, assets []string, start, end time.Time) error {
	f.warmCalls++
	f.gotAssets, f.gotStart, f.gotEnd = assets, start, end
	return f.warmErr
}

func (f *fakePriceSource) GetPriceTable(_ context.Context, _ []string, _, _ time.Time) (models.PriceTable, error) {
	return f.table, f.tableErr
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 15, 30, 0, 0, time.UTC) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProbeOrder(t *testing.T) {
	t.Parallel()
	date := day(2024, 3, 10)
	tests := []struct {
		name  string
		table models.PriceTable
		want  float64
		found bool
	}{
		{"exact", models.PriceTable{"BTC": {"2024-03-10": 1, "2024-03-09": 2}}, 1, true},
		{"before wins over after", models.PriceTable{"BTC": {"2024-03-09": 2, "2024-03-11": 3}}, 2, true},
		{"after one day", models.PriceTable{"BTC": {"2024-03-11": 3, "2024-03-08": 4}}, 3, true},
		{"only two days after", models.PriceTable{"BTC": {"2024-03-12": 5}}, 5, true},
		{"three days before", models.PriceTable{"BTC": {"2024-03-07": 6, "2024-03-14": 7}}, 6, true},
		{"out of window", models.PriceTable{"BTC": {"2024-03-14": 7, "2024-03-06": 8}}, 0, false},
		{"other asset", models.PriceTable{"ETH": {"2024-03-10": 9}}, 0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Probe(tt.table, "BTC", date)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnrichSparseTable(t *testing.T) {
	t.Parallel()
	source := &fakePriceSource{table: models.PriceTable{"BTC": {"2024-03-12": 70000}}}
	enricher := NewPriceEnricher(source, assets.MustDefault())

	trades := []models.NormalizedTrade{{
		ExternalID: "R1", Datetime: day(2024, 3, 10), Type: models.TradeTypeSwap,
		FromAsset: "USD", FromQuantity: dec("100"),
		ToAsset: "BTC", ToQuantity: dec("0.0014"),
	}}
	got := enricher.Enrich(context.Background(), trades)

	require.Len(t, got, 1)
	require.True(t, got[0].ToPriceUSD.Valid)
	assert.True(t, got[0].ToPriceUSD.Decimal.Equal(dec("70000")))
	require.True(t, got[0].FromPriceUSD.Valid)
	assert.True(t, got[0].FromPriceUSD.Decimal.Equal(dec("1")))
	assert.False(t, trades[0].ToPriceUSD.Valid, "input must not be mutated")

	assert.Equal(t, []string{"BTC"}, source.gotAssets)
	assert.Equal(t, day(2024, 3, 3), source.gotStart)
	assert.Equal(t, day(2024, 3, 17), source.gotEnd)
}

func TestEnrichIsIdempotentAndKeepsResolvedPrices(t *testing.T) {
	t.Parallel()
	source := &fakePriceSource{table: models.PriceTable{"ETH": {"2024-01-05": 2300}}}
	enricher := NewPriceEnricher(source, assets.MustDefault())

	trades := []models.NormalizedTrade{
		{
			Datetime: day(2024, 1, 5), FromAsset: "USDT", FromQuantity: dec("1000"),
			FromPriceUSD: decimal.NewNullDecimal(dec("0.998")),
			ToAsset: "ETH", ToQuantity: dec("0.43"),
		},
		{
			Datetime: day(2024, 1, 5), ToAsset: "ETH", ToQuantity: dec("1"),
			ToPriceUSD: decimal.NewNullDecimal(dec("2250")),
		},
	}
	first := enricher.Enrich(context.Background(), trades)
	second := enricher.Enrich(context.Background(), first)

	assert.True(t, first[0].FromPriceUSD.Decimal.Equal(dec("0.998")), "stable price must not be overwritten by fallback")
	assert.True(t, first[0].ToPriceUSD.Decimal.Equal(dec("2300")))
	assert.True(t, first[1].ToPriceUSD.Decimal.Equal(dec("2250")))
	for i := range first {
		assert.Equal(t, first[i].FromPriceUSD, second[i].FromPriceUSD)
		assert.Equal(t, first[i].ToPriceUSD, second[i].ToPriceUSD)
	}
	assert.Equal(t, 1, source.warmCalls, "second pass has nothing to look up")
}

func TestEnrichToleratesSourceFailures(t *testing.T) {
	t.Parallel()
	source := &fakePriceSource{warmErr: errors.New("yahoo down"), tableErr: errors.New("db locked")}
	enricher := NewPriceEnricher(source, assets.MustDefault())

	got := enricher.Enrich(context.Background(), []models.NormalizedTrade{{
		Datetime: day(2024, 1, 1), FromAsset: "EUR", FromQuantity: dec("50"),
		ToAsset: "SOL", ToQuantity: dec("0.5"),
	}})
	require.Len(t, got, 1)
	assert.False(t, got[0].ToPriceUSD.Valid)
	assert.True(t, got[0].FromPriceUSD.Decimal.Equal(dec("1")))
}

func TestEnrichFillsFeesUSD(t *testing.T) {
	t.Parallel()
	source := &fakePriceSource{table: models.PriceTable{"BTC": {"2024-02-01": 40000}, "DOT": {"2024-02-01": 7}}}
	enricher := NewPriceEnricher(source, assets.MustDefault())

	got := enricher.Enrich(context.Background(), []models.NormalizedTrade{
		{
			Datetime: day(2024, 2, 1), FromAsset: "USD", FromQuantity: dec("400"),
			ToAsset: "BTC", ToQuantity: dec("0.01"), FeeCurrency: "BTC", FeeQuantity: dec("0.0001"),
		},
		{
			Datetime: day(2024, 2, 1), ToAsset: "ETH", ToQuantity: dec("1"),
			FeeCurrency: "DOT", FeeQuantity: dec("2"),
		},
		{
			Datetime: day(2024, 2, 1), FromAsset: "BTC", FromQuantity: dec("0.01"),
			FeeCurrency: "EUR", FeeQuantity: dec("1.5"), FeesUSD: decimal.NewNullDecimal(dec("1.6")),
		},
	})
	require.Len(t, got, 3)
	assert.True(t, got[0].FeesUSD.Decimal.Equal(dec("4")))
	assert.True(t, got[1].FeesUSD.Decimal.Equal(dec("14")))
	assert.False(t, got[1].ToPriceUSD.Valid)
	assert.True(t, got[2].FeesUSD.Decimal.Equal(dec("1.6")))
	assert.ElementsMatch(t, []string{"BTC", "DOT", "ETH"}, source.gotAssets)
}

func TestEnrichWithoutSource(t *testing.T) {
	t.Parallel()
	enricher := NewPriceEnricher(nil, assets.MustDefault())
	got := enricher.Enrich(context.Background(), []models.NormalizedTrade{{
		Datetime: day(2024, 2, 1), FromAsset: "USDC", FromQuantity: dec("10"), ToAsset: "BTC", ToQuantity: dec("0.0002"),
	}})
	assert.True(t, got[0].FromPriceUSD.Valid)
	assert.False(t, got[0].ToPriceUSD.Valid)
	assert.Empty(t, enricher.Enrich(context.Background(), nil))
}
