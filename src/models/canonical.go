// backend/src/models/canonical.go
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the canonical classification of an imported event.
type TradeType string

const (
	TradeTypeDeposit    TradeType = "Deposit"
	TradeTypeWithdrawal TradeType = "Withdrawal"
	TradeTypeSwap       TradeType = "Swap"
)

// NormalizedTrade is the exchange-agnostic representation every normalizer produces.
// A pure deposit has an empty From side; a pure withdrawal has an empty To side.
type NormalizedTrade struct {
	// ExternalID is the dedup key. Empty means the source has no reliable id.
	ExternalID string    `json:"external_id"`
	Datetime   time.Time `json:"datetime"`
	Type       TradeType `json:"type"`

	FromAsset    string              `json:"from_asset"`
	FromQuantity decimal.Decimal     `json:"from_quantity"`
	FromPriceUSD decimal.NullDecimal `json:"from_price_usd"`

	ToAsset    string              `json:"to_asset"`
	ToQuantity decimal.Decimal     `json:"to_quantity"`
	ToPriceUSD decimal.NullDecimal `json:"to_price_usd"`

	FeesUSD     decimal.NullDecimal `json:"fees_usd"`
	FeeCurrency string              `json:"fee_currency"`
	FeeQuantity decimal.Decimal     `json:"fee_quantity"`

	Notes string          `json:"notes"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// HasFrom reports whether the trade gives something up.
func (t NormalizedTrade) HasFrom() bool { return t.FromAsset != "" }

// HasTo reports whether the trade receives something.
func (t NormalizedTrade) HasTo() bool { return t.ToAsset != "" }

// NormalizeResult is a normalizer's output plus its diagnostics.
type NormalizeResult struct {
	Trades []NormalizedTrade `json:"trades"`
	// Skipped counts rows or groups left out, by category.
	Skipped       map[string]int `json:"skipped"`
	Warnings      []string       `json:"warnings"`
	UnknownAssets []string       `json:"unknown_assets"`
}

// NewNormalizeResult returns an empty result with its maps allocated.
func NewNormalizeResult() *NormalizeResult {
	return &NormalizeResult{
		Trades:        []NormalizedTrade{},
		Skipped:       make(map[string]int),
		Warnings:      []string{},
		UnknownAssets: []string{},
	}
}

// PersistedTransaction is a NormalizedTrade owned by a portfolio.
type PersistedTransaction struct {
	NormalizedTrade
	ID               int64  `json:"id,omitempty"`
	PortfolioID      int64  `json:"portfolio_id"`
	ImportSource     string `json:"import_source"`
	ImportExternalID string `json:"import_external_id"`
}

// ImportResult is the importer's summary. Duplicates = Processed - Imported.
type ImportResult struct {
	Processed  int `json:"processed"`
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	// WithoutExternalID counts trades that could not be deduplicated.
	WithoutExternalID int `json:"without_external_id"`
}

// IngestResult is what the HTTP and CLI surfaces report for one CSV or exchange run.
type IngestResult struct {
	ImportResult
	Source        string         `json:"source"`
	Skipped       map[string]int `json:"skipped"`
	Warnings      []string       `json:"warnings"`
	UnknownAssets []string       `json:"unknown_assets"`
}
