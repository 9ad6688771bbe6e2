package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
)

// DailyPrice represents a cached USD close for a ticker on a specific day.
type DailyPrice struct {
	TickerSymbol string
	Date         string // YYYY-MM-DD
	Price        float64
	Currency     string
	UpdatedAt    time.Time
}

// PriceStore persists daily prices.
type PriceStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewPriceStore creates a store over db.
func NewPriceStore(db *sql.DB, dialect database.Dialect) *PriceStore {
	return &PriceStore{db: db, dialect: dialect}
}

const upsertPriceQuery = `
	INSERT INTO daily_prices (ticker_symbol, date, price, currency, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (ticker_symbol, date) DO UPDATE SET
		price = excluded.price,
		currency = excluded.currency,
		updated_at = excluded.updated_at`

// InsertOrUpdatePrices saves a batch of prices in one transaction.
func (s *PriceStore) InsertOrUpdatePrices(ctx context.Context, prices []DailyPrice) error {
	if len(prices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(upsertPriceQuery))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, price := range prices {
		if _, err := stmt.ExecContext(ctx, price.TickerSymbol, price.Date, price.Price, currency(price), now); err != nil {
			return fmt.Errorf("failed to save price %s %s: %w", price.TickerSymbol, price.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prices: %w", err)
	}
	return nil
}

// GetPricesBetween returns the stored prices for tickers between two YYYY-MM-DD dates, inclusive.
func (s *PriceStore) GetPricesBetween(ctx context.Context, tickers []string, startDate, endDate string) (models.PriceTable, error) {
	table := make(models.PriceTable)
	if len(tickers) == 0 {
		return table, nil
	}
	query := s.dialect.Rebind(`SELECT ticker_symbol, date, price FROM daily_prices
		WHERE date >= ? AND date <= ? AND ticker_symbol IN (?` + strings.Repeat(",?", len(tickers)-1) + `)`)
	args := make([]interface{}, 0, len(tickers)+2)
	args = append(args, startDate, endDate)
	for _, ticker := range tickers {
		args = append(args, ticker)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ticker, date string
			price        float64
		)
		if err := rows.Scan(&ticker, &date, &price); err != nil {
			logger.L.Error("Error scanning price row", "error", err)
			continue
		}
		if table[ticker] == nil {
			table[ticker] = make(models.PriceMap)
		}
		table[ticker][date] = price
	}
	return table, rows.Err()
}

func currency(price DailyPrice) string {
	if price.Currency == "" {
		return "USD"
	}
	return price.Currency
}
