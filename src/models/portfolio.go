package models

import "time"

// Portfolio is the ownership anchor for imported transactions.
type Portfolio struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExchangeConnection holds a user's API credentials for one exchange.
// APISecret is plaintext in memory only; the store keeps it sealed.
type ExchangeConnection struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	Source       string     `json:"source"`
	APIKey       string     `json:"api_key"`
	APISecret    string     `json:"-"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	// BackfillBefore is set while a sync stopped at the page limit still has older
	// history to fetch; the next sync ends its window there.
	BackfillBefore *time.Time `json:"backfill_before,omitempty"`
	// BackfillStartedAt is when the interrupted sync began. It becomes LastSyncedAt once
	// the backfill completes.
	BackfillStartedAt *time.Time `json:"backfill_started_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PriceMap is a map of Date (YYYY-MM-DD) -> USD price.
type PriceMap map[string]float64

// PriceTable maps asset -> PriceMap.
type PriceTable map[string]PriceMap

// Lookup returns the price of asset on date (YYYY-MM-DD).
func (t PriceTable) Lookup(asset, date string) (float64, bool) {
	prices, ok := t[asset]
	if !ok {
		return 0, false
	}
	price, ok := prices[date]
	return price, ok
}
