// Package cryptocom normalizes Crypto.com Exchange trade history into canonical trades.
package cryptocom

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers/csvformat"
)

// Source is the import source tag for Crypto.com.
const Source = "cryptocom"

// TradeFormat is the Crypto.com Exchange trade history CSV.
var TradeFormat = csvformat.Format{
	Source:   Source,
	Label:    "Crypto.com trade history",
	Required: []string{"instrument_name", "side", "traded_price", "traded_quantity"},
	Columns:  []string{"trade_id", "create_time"},
	Aliases: map[string]string{
		"instrument":          "instrument_name",
		"pair":                "instrument_name",
		"symbol":              "instrument_name",
		"price":               "traded_price",
		"quantity":            "traded_quantity",
		"qty":                 "traded_quantity",
		"fees":                "fee",
		"trading_fee":         "fee",
		"fee_instrument_name": "fee_currency",
		"fee_coin":            "fee_currency",
		"fee_instrument":      "fee_currency",
		"time":                "create_time",
		"time_(utc)":          "create_time",
		"create_time_utc":     "create_time",
		"trade_time":          "create_time",
		"id":                  "trade_id",
		"order":               "order_id",
	},
}

// Normalizer turns Crypto.com trades into canonical trades.
type Normalizer struct {
	registry *assets.Registry
}

// NewNormalizer creates a Crypto.com normalizer using registry for asset symbols.
func NewNormalizer(registry *assets.Registry) *Normalizer {
	return &Normalizer{registry: registry}
}

// Source returns the import source tag.
func (n *Normalizer) Source() string { return Source }

// Parse reads a Crypto.com trade CSV and normalizes it.
func (n *Normalizer) Parse(file io.Reader) (*models.NormalizeResult, error) {
	records, err := ReadTradesCSV(file)
	if err != nil {
		return nil, err
	}
	return n.Normalize(records), nil
}

// ReadTradesCSV reads the raw trades of a Crypto.com export.
func ReadTradesCSV(file io.Reader) ([]models.CryptoComTrade, error) {
	table, err := csvformat.ReadTable(file, TradeFormat)
	if err != nil {
		return nil, fmt.Errorf("cryptocom parser: %w", err)
	}
	trades := make([]models.CryptoComTrade, 0, len(table.Records))
	for _, record := range table.Records {
		trades = append(trades, models.CryptoComTrade{
			TradeID:        table.Get(record, "trade_id"),
			OrderID:        table.Get(record, "order_id"),
			InstrumentName: table.Get(record, "instrument_name"),
			Side:           table.Get(record, "side"),
			TradedPrice:    table.Get(record, "traded_price"),
			TradedQuantity: table.Get(record, "traded_quantity"),
			Fee:            table.Get(record, "fee"),
			FeeCurrency:    table.Get(record, "fee_currency"),
			CreateTime:     table.Get(record, "create_time"),
		})
	}
	return trades, nil
}

// SplitInstrument splits "BTC_USDT", "BTC/USDT" or "BTC-USDT" into base and quote.
func SplitInstrument(instrument string) (base, quote string, ok bool) {
	parts := strings.FieldsFunc(strings.TrimSpace(instrument), func(r rune) bool {
		return r == '_' || r == '/' || r == '-'
	})
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Normalize converts each trade into a two-legged swap. The result is ordered by datetime.
func (n *Normalizer) Normalize(records []models.CryptoComTrade) *models.NormalizeResult {
	result := models.NewNormalizeResult()
	unknown := n.registry.NewUnknownCollector()

	for _, record := range records {
		if strings.TrimSpace(record.InstrumentName) == "" || strings.TrimSpace(record.Side) == "" {
			result.Skipped["missing_instrument_or_side"]++
			continue
		}
		trade, key, err := n.convert(record)
		if err != nil {
			result.Skipped[key]++
			result.Warnings = append(result.Warnings, fmt.Sprintf("cryptocom: dropped trade %s: %v", record.TradeID, err))
			continue
		}
		unknown.Observe(trade.FromAsset)
		unknown.Observe(trade.ToAsset)
		unknown.Observe(trade.FeeCurrency)
		result.Trades = append(result.Trades, trade)
	}

	sort.SliceStable(result.Trades, func(i, j int) bool {
		return result.Trades[i].Datetime.Before(result.Trades[j].Datetime)
	})
	result.UnknownAssets = unknown.Symbols()
	return result
}

func (n *Normalizer) convert(record models.CryptoComTrade) (models.NormalizedTrade, string, error) {
	rawBase, rawQuote, ok := SplitInstrument(record.InstrumentName)
	if !ok {
		return models.NormalizedTrade{}, "invalid_instrument", fmt.Errorf("unrecognized instrument %q", record.InstrumentName)
	}
	base, quote := n.registry.Canonical(rawBase), n.registry.Canonical(rawQuote)

	side := strings.ToUpper(strings.TrimSpace(record.Side))
	if side != "BUY" && side != "SELL" {
		return models.NormalizedTrade{}, "unknown_side", fmt.Errorf("unrecognized side %q", record.Side)
	}

	price, err := csvformat.ParseDecimal(record.TradedPrice)
	if err != nil {
		return models.NormalizedTrade{}, "invalid_number", fmt.Errorf("traded price: %w", err)
	}
	qty, err := csvformat.ParseDecimal(record.TradedQuantity)
	if err != nil {
		return models.NormalizedTrade{}, "invalid_number", fmt.Errorf("traded quantity: %w", err)
	}
	fee, err := csvformat.ParseDecimalOrZero(record.Fee)
	if err != nil {
		return models.NormalizedTrade{}, "invalid_number", fmt.Errorf("fee: %w", err)
	}
	ts, err := csvformat.ParseTime(record.CreateTime)
	if err != nil {
		return models.NormalizedTrade{}, "invalid_timestamp", err
	}

	qty = qty.Abs()
	quoteAmount := qty.Mul(price)
	trade := models.NormalizedTrade{
		ExternalID: strings.TrimSpace(record.TradeID),
		Datetime:   ts,
		Type:       models.TradeTypeSwap,
		Notes:      fmt.Sprintf("Crypto.com %s %s", side, strings.TrimSpace(record.InstrumentName)),
		Raw:        raw(record),
	}
	if record.OrderID != "" {
		trade.Notes += " order " + record.OrderID
	}

	var basePrice, quotePrice decimal.NullDecimal
	if n.registry.IsStablecoin(quote) {
		basePrice = decimal.NewNullDecimal(price)
		quotePrice = decimal.NewNullDecimal(decimal.NewFromInt(1))
	}
	if side == "BUY" {
		trade.FromAsset, trade.FromQuantity, trade.FromPriceUSD = quote, quoteAmount, quotePrice
		trade.ToAsset, trade.ToQuantity, trade.ToPriceUSD = base, qty, basePrice
	} else {
		trade.FromAsset, trade.FromQuantity, trade.FromPriceUSD = base, qty, basePrice
		trade.ToAsset, trade.ToQuantity, trade.ToPriceUSD = quote, quoteAmount, quotePrice
	}

	if fee = fee.Abs(); !fee.IsZero() {
		trade.FeeQuantity = fee
		trade.FeeCurrency = n.registry.Canonical(record.FeeCurrency)
		if n.registry.IsStablecoin(trade.FeeCurrency) {
			trade.FeesUSD = decimal.NewNullDecimal(fee)
		}
	}
	return trade, "", nil
}

func raw(record models.CryptoComTrade) json.RawMessage {
	data, err := json.Marshal(record)
	if err != nil {
		return nil
	}
	return data
}
