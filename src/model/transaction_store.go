package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/models"
)

// Keeps IN lists well below the SQLite and Postgres bind-parameter limits.
const lookupChunkSize = 500

const transactionColumns = `portfolio_id, type, datetime, from_asset, from_quantity, from_price_usd,
	to_asset, to_quantity, to_price_usd, fees_usd, fee_currency, fee_quantity,
	notes, raw_data, import_source, import_external_id`

const transactionColumnCount = 16

// TransactionStore persists portfolios and imported transactions.
type TransactionStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewTransactionStore creates a store over db.
func NewTransactionStore(db *sql.DB, dialect database.Dialect) *TransactionStore {
	return &TransactionStore{db: db, dialect: dialect}
}

// CreatePortfolio inserts p and sets its ID.
func (s *TransactionStore) CreatePortfolio(ctx context.Context, p *models.Portfolio) error {
	query := s.dialect.Rebind(`
		INSERT INTO portfolios (user_id, name, description, is_default, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)
	p.CreatedAt = time.Now().UTC()
	return s.db.QueryRowContext(ctx, query, p.UserID, p.Name, p.Description, p.IsDefault, p.CreatedAt).Scan(&p.ID)
}

// FindPortfolio returns the portfolio with id, or nil if there is none.
func (s *TransactionStore) FindPortfolio(ctx context.Context, id int64) (*models.Portfolio, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, name, description, is_default, created_at FROM portfolios WHERE id = ?`)
	var p models.Portfolio
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.IsDefault, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching portfolio %d: %w", id, err)
	}
	return &p, nil
}

// ListPortfolios returns a user's portfolios, default first.
func (s *TransactionStore) ListPortfolios(ctx context.Context, userID int64) ([]models.Portfolio, error) {
	query := s.dialect.Rebind(`SELECT id, user_id, name, description, is_default, created_at
		FROM portfolios WHERE user_id = ? ORDER BY is_default DESC, name ASC`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing portfolios: %w", err)
	}
	defer rows.Close()

	portfolios := []models.Portfolio{}
	for rows.Next() {
		var p models.Portfolio
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.IsDefault, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning portfolio: %w", err)
		}
		portfolios = append(portfolios, p)
	}
	return portfolios, rows.Err()
}

// FindExistingBySourceAndExternalIDs returns which of ids are already stored for the portfolio and source.
func (s *TransactionStore) FindExistingBySourceAndExternalIDs(ctx context.Context, portfolioID int64, source string, ids []string) ([]string, error) {
	existing := make([]string, 0)
	for start := 0; start < len(ids); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(ids))
		chunk := ids[start:end]

		query := s.dialect.Rebind(`
			SELECT import_external_id FROM transactions
			WHERE portfolio_id = ? AND import_source = ? AND import_external_id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`)
		args := make([]interface{}, 0, len(chunk)+2)
		args = append(args, portfolioID, source)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("error querying existing external ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("error scanning external id: %w", err)
			}
			existing = append(existing, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// InsertTransactions writes rows in one DB transaction and returns how many were inserted.
// Rows whose (portfolio, source, external id) already exist are skipped, not failed.
func (s *TransactionStore) InsertTransactions(ctx context.Context, rows []models.PersistedTransaction) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholder := "(?" + strings.Repeat(",?", transactionColumnCount-1) + ")"
	values := make([]string, len(rows))
	args := make([]interface{}, 0, len(rows)*transactionColumnCount)
	for i, row := range rows {
		values[i] = placeholder
		args = append(args, transactionArgs(row)...)
	}
	query := s.dialect.Rebind(`INSERT INTO transactions (` + transactionColumns + `) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT (portfolio_id, import_source, import_external_id) DO NOTHING`)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transactions: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count inserted transactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return int(inserted), nil
}

func transactionArgs(row models.PersistedTransaction) []interface{} {
	var externalID, raw interface{}
	if row.ImportExternalID != "" {
		externalID = row.ImportExternalID
	}
	if len(row.Raw) > 0 {
		raw = string(row.Raw)
	}
	return []interface{}{
		row.PortfolioID,
		string(row.Type),
		row.Datetime.UTC(),
		row.FromAsset,
		row.FromQuantity,
		row.FromPriceUSD,
		row.ToAsset,
		row.ToQuantity,
		row.ToPriceUSD,
		row.FeesUSD,
		row.FeeCurrency,
		row.FeeQuantity,
		row.Notes,
		raw,
		row.ImportSource,
		externalID,
	}
}

// ListTransactions returns a portfolio's transactions ordered by datetime.
func (s *TransactionStore) ListTransactions(ctx context.Context, portfolioID int64) ([]models.PersistedTransaction, error) {
	query := s.dialect.Rebind(`SELECT id, ` + transactionColumns + `
		FROM transactions WHERE portfolio_id = ? ORDER BY datetime ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("error querying transactions: %w", err)
	}
	defer rows.Close()

	var out []models.PersistedTransaction
	for rows.Next() {
		var (
			t          models.PersistedTransaction
			txType     string
			raw        sql.NullString
			externalID sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &t.PortfolioID, &txType, &t.Datetime,
			&t.FromAsset, &t.FromQuantity, &t.FromPriceUSD,
			&t.ToAsset, &t.ToQuantity, &t.ToPriceUSD,
			&t.FeesUSD, &t.FeeCurrency, &t.FeeQuantity,
			&t.Notes, &raw, &t.ImportSource, &externalID,
		); err != nil {
			return nil, fmt.Errorf("error scanning transaction: %w", err)
		}
		t.Type = models.TradeType(txType)
		t.Datetime = t.Datetime.UTC()
		if raw.Valid {
			t.Raw = []byte(raw.String)
		}
		t.ImportExternalID = externalID.String
		t.ExternalID = externalID.String
		out = append(out, t)
	}
	return out, rows.Err()
}
