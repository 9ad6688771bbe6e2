// backend/src/services/interfaces.go
package services

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/model"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/processors"
)

// Validation errors. Each is reported before any row is written.
var (
	ErrEmptyInput         = errors.New("no transactions to import")
	ErrNoRecognizedRows   = errors.New("no recognized rows in input")
	ErrPortfolioNotFound  = errors.New("portfolio not found")
	ErrPortfolioForbidden = errors.New("portfolio belongs to another user")
	ErrConnectionNotFound = errors.New("no exchange connection for source")
	ErrMissingCredentials = exchanges.ErrMissingCredentials
)

// TransactionStore is the persistence collaborator of the importer.
type TransactionStore interface {
	FindPortfolio(ctx context.Context, id int64) (*models.Portfolio, error)
	FindExistingBySourceAndExternalIDs(ctx context.Context, portfolioID int64, source string, ids []string) ([]string, error)
	InsertTransactions(ctx context.Context, rows []models.PersistedTransaction) (int, error)
}

// ConnectionStore keeps exchange credentials with the secret sealed.
type ConnectionStore interface {
	FindConnection(ctx context.Context, userID int64, source string) (*model.ConnectionRecord, error)
	UpsertConnection(ctx context.Context, record model.ConnectionRecord) (*models.ExchangeConnection, error)
	ListConnections(ctx context.Context, userID int64) ([]models.ExchangeConnection, error)
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	MarkBackfill(ctx context.Context, id int64, before, startedAt time.Time) error
}

// PriceStore keeps daily USD closes.
type PriceStore interface {
	InsertOrUpdatePrices(ctx context.Context, prices []model.DailyPrice) error
	GetPricesBetween(ctx context.Context, tickers []string, startDate, endDate string) (models.PriceTable, error)
}

// SecretSealer encrypts API secrets at rest.
type SecretSealer interface {
	Seal(plaintext, additionalData string) (string, error)
	Open(sealed, additionalData string) (string, error)
}

// PriceService serves historical USD prices for enrichment.
type PriceService interface {
	processors.PriceSource
}

// ImportService is the only component that writes transactions.
type ImportService interface {
	// CheckOwnership fails with ErrPortfolioNotFound or ErrPortfolioForbidden.
	CheckOwnership(ctx context.Context, userID, portfolioID int64) error
	// ImportTrades checks ownership, enriches, deduplicates and persists trades.
	ImportTrades(ctx context.Context, userID, portfolioID int64, source string, trades []models.NormalizedTrade) (*models.ImportResult, error)
}

// ExchangeFetcher pulls an account's history from an exchange and normalizes it.
type ExchangeFetcher interface {
	// Fetch pulls rows in [since, until]. Zero bounds are open.
	Fetch(ctx context.Context, source string, credentials exchanges.Credentials, since, until time.Time) (*FetchedHistory, error)
}

// FetchedHistory is a normalized exchange pull.
type FetchedHistory struct {
	Result *models.NormalizeResult
	// RawRows is the number of rows the exchange returned.
	RawRows int
	// Truncated is set when the page ceiling stopped the pull early.
	Truncated bool
	// ResumeBefore is where the next window should end when Truncated. Rows at the
	// oldest fetched timestamp are left for that window so groups are not split.
	ResumeBefore time.Time
}

// IngestionService runs a CSV or exchange source through normalization and import.
type IngestionService interface {
	// IngestCSV imports a CSV export. An empty source is detected from the header row.
	IngestCSV(ctx context.Context, userID, portfolioID int64, source string, file io.Reader) (*models.IngestResult, error)
	// SyncExchange imports a user's history from a connected exchange.
	SyncExchange(ctx context.Context, userID, portfolioID int64, source string, since time.Time) (*models.IngestResult, error)
}

// ConnectionService manages exchange API credentials.
type ConnectionService interface {
	SaveConnection(ctx context.Context, userID int64, source string, credentials exchanges.Credentials) (*models.ExchangeConnection, error)
	ListConnections(ctx context.Context, userID int64) ([]models.ExchangeConnection, error)
	// Credentials returns the connection and its opened credentials.
	Credentials(ctx context.Context, userID int64, source string) (*models.ExchangeConnection, exchanges.Credentials, error)
	MarkSynced(ctx context.Context, connectionID int64, at time.Time) error
	// MarkBackfill records a sync that stopped early; the next sync resumes before `before`.
	MarkBackfill(ctx context.Context, connectionID int64, before, startedAt time.Time) error
}
