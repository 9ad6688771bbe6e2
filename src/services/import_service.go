// backend/src/services/import_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/processors"
	"github.com/username/cryptofolio/backend/src/security/validation"
)

// DefaultInsertBatchSize bounds the rows written per INSERT statement.
const DefaultInsertBatchSize = 500

type importServiceImpl struct {
	store     TransactionStore
	enricher  processors.PriceEnricher
	batchSize int
}

// NewImportService creates the deduplicating importer. A nil enricher disables enrichment.
func NewImportService(store TransactionStore, enricher processors.PriceEnricher) ImportService {
	return &importServiceImpl{store: store, enricher: enricher, batchSize: DefaultInsertBatchSize}
}

func (s *importServiceImpl) ImportTrades(ctx context.Context, userID, portfolioID int64, source string, trades []models.NormalizedTrade) (*models.ImportResult, error) {
	startTime := time.Now()
	log := logger.FromContext(ctx)
	log.Info("ImportTrades START", "userID", userID, "portfolioID", portfolioID, "source", source, "trades", len(trades))

	if len(trades) == 0 {
		return nil, ErrEmptyInput
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: import source is required", validation.ErrValidationFailed)
	}
	if err := s.CheckOwnership(ctx, userID, portfolioID); err != nil {
		return nil, err
	}

	enriched := trades
	if s.enricher != nil {
		enriched = s.enricher.Enrich(ctx, trades)
	}

	ids := externalIDs(enriched)
	found, err := s.store.FindExistingBySourceAndExternalIDs(ctx, portfolioID, source, ids)
	if err != nil {
		return nil, fmt.Errorf("error looking up existing transactions: %w", err)
	}
	existing := make(map[string]struct{}, len(found))
	for _, id := range found {
		existing[id] = struct{}{}
	}

	result := &models.ImportResult{Processed: len(enriched)}
	pending := make([]models.PersistedTransaction, 0, len(enriched))
	for _, trade := range enriched {
		if trade.ExternalID == "" {
			result.WithoutExternalID++
		} else {
			if _, dup := existing[trade.ExternalID]; dup {
				continue
			}
			// A repeated id inside one batch is a duplicate of its first occurrence.
			existing[trade.ExternalID] = struct{}{}
		}
		pending = append(pending, persistable(portfolioID, source, trade))
	}

	for start := 0; start < len(pending); start += s.batchSize {
		end := min(start+s.batchSize, len(pending))
		inserted, err := s.store.InsertTransactions(ctx, pending[start:end])
		if err != nil {
			return nil, fmt.Errorf("error inserting transactions %d-%d of %d: %w", start+1, end, len(pending), err)
		}
		result.Imported += inserted
	}
	result.Duplicates = result.Processed - result.Imported

	if result.WithoutExternalID > 0 {
		log.Warn("Imported trades without an external id cannot be deduplicated on re-import",
			"source", source, "count", result.WithoutExternalID)
	}
	log.Info("ImportTrades END", "userID", userID, "portfolioID", portfolioID, "source", source,
		"processed", result.Processed, "imported", result.Imported, "duplicates", result.Duplicates,
		"duration", time.Since(startTime))
	return result, nil
}

func (s *importServiceImpl) CheckOwnership(ctx context.Context, userID, portfolioID int64) error {
	portfolio, err := s.store.FindPortfolio(ctx, portfolioID)
	if err != nil {
		return err
	}
	if portfolio == nil {
		return fmt.Errorf("%w: %d", ErrPortfolioNotFound, portfolioID)
	}
	if portfolio.UserID != userID {
		logger.FromContext(ctx).Warn("Import into another user's portfolio refused", "userID", userID, "portfolioID", portfolioID)
		return fmt.Errorf("%w: %d", ErrPortfolioForbidden, portfolioID)
	}
	return nil
}

// externalIDs returns the distinct non-empty external ids in first-seen order.
func externalIDs(trades []models.NormalizedTrade) []string {
	seen := make(map[string]struct{}, len(trades))
	ids := make([]string, 0, len(trades))
	for _, trade := range trades {
		if trade.ExternalID == "" {
			continue
		}
		if _, ok := seen[trade.ExternalID]; ok {
			continue
		}
		seen[trade.ExternalID] = struct{}{}
		ids = append(ids, trade.ExternalID)
	}
	return ids
}

func persistable(portfolioID int64, source string, trade models.NormalizedTrade) models.PersistedTransaction {
	trade.Notes = validation.SanitizeNotes(ProvenanceNotes(source, trade.Notes))
	return models.PersistedTransaction{
		NormalizedTrade:  trade,
		PortfolioID:      portfolioID,
		ImportSource:     source,
		ImportExternalID: trade.ExternalID,
	}
}

// ProvenanceNotes prefixes notes with "[<source> import]" unless the tag is already there.
func ProvenanceNotes(source, notes string) string {
	tag := fmt.Sprintf("[%s import]", source)
	notes = strings.TrimSpace(notes)
	if strings.HasPrefix(notes, tag) {
		return notes
	}
	if notes == "" {
		return tag
	}
	return tag + " " + notes
}
