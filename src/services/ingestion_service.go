package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers"
	"github.com/username/cryptofolio/backend/src/parsers/csvformat"
)

// SyncOverlap is how far before the last sync an incremental exchange pull starts.
// Rows in the overlap come back as duplicates.
const SyncOverlap = 24 * time.Hour

type ingestionServiceImpl struct {
	registry    *assets.Registry
	importer    ImportService
	connections ConnectionService
	fetcher     ExchangeFetcher
	now         func() time.Time
}

// NewIngestionService wires normalization to the importer. connections and fetcher
// may be nil when only CSV ingestion is needed.
func NewIngestionService(registry *assets.Registry, importer ImportService, connections ConnectionService, fetcher ExchangeFetcher) IngestionService {
	return &ingestionServiceImpl{
		registry:    registry,
		importer:    importer,
		connections: connections,
		fetcher:     fetcher,
		now:         time.Now,
	}
}

func (s *ingestionServiceImpl) IngestCSV(ctx context.Context, userID, portfolioID int64, source string, file io.Reader) (*models.IngestResult, error) {
	log := logger.FromContext(ctx)
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrEmptyInput)
	}

	if strings.TrimSpace(source) == "" {
		source, err = parsers.ClassifyReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		log.Info("Detected CSV format", "source", source)
	} else {
		headers, err := csvformat.ReadHeaders(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if err := parsers.RequireFormat(source, headers); err != nil {
			return nil, err
		}
	}
	normalizer, err := parsers.GetNormalizer(source, s.registry)
	if err != nil {
		return nil, err
	}

	normalized, err := normalizer.Parse(bytes.NewReader(data))
	if errors.Is(err, csvformat.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrEmptyInput, err)
	}
	if err != nil {
		return nil, err
	}
	return s.importNormalized(ctx, userID, portfolioID, normalizer.Source(), normalized, nil)
}

func (s *ingestionServiceImpl) SyncExchange(ctx context.Context, userID, portfolioID int64, source string, since time.Time) (*models.IngestResult, error) {
	if s.connections == nil || s.fetcher == nil {
		return nil, fmt.Errorf("%w: exchange sync is not configured", parsers.ErrUnsupportedSource)
	}
	log := logger.FromContext(ctx)
	source = parsers.NormalizeSource(source)

	// Refuse before touching the exchange.
	if err := s.importer.CheckOwnership(ctx, userID, portfolioID); err != nil {
		return nil, err
	}
	connection, credentials, err := s.connections.Credentials(ctx, userID, source)
	if err != nil {
		return nil, err
	}
	if since.IsZero() && connection.LastSyncedAt != nil {
		since = connection.LastSyncedAt.Add(-SyncOverlap)
	}

	startedAt := s.now().UTC()
	// A sync that stopped at the page limit left older history behind: keep the same
	// lower bound and continue below where it stopped.
	var until time.Time
	if connection.BackfillBefore != nil {
		until = *connection.BackfillBefore
		if connection.BackfillStartedAt != nil {
			startedAt = *connection.BackfillStartedAt
		}
	}

	log.Info("SyncExchange START", "userID", userID, "portfolioID", portfolioID, "source", source, "since", since, "until", until)
	fetched, err := s.fetcher.Fetch(ctx, source, credentials, since, until)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if fetched.Truncated {
		warnings = append(warnings, fmt.Sprintf("%s history was truncated at the page limit after %d rows; older rows will be fetched by the next sync", source, fetched.RawRows))
	}

	var result *models.IngestResult
	if len(fetched.Result.Trades) == 0 {
		result = newIngestResult(source, fetched.Result, warnings)
		if !fetched.Truncated {
			result.Warnings = append(result.Warnings, fmt.Sprintf("no new %s transactions since %s", source, describeSince(since)))
		}
	} else {
		result, err = s.importNormalized(ctx, userID, portfolioID, source, fetched.Result, warnings)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case !fetched.Truncated:
		if err := s.connections.MarkSynced(ctx, connection.ID, startedAt); err != nil {
			logger.WarnFromContext(ctx, "Failed to record sync time", "connectionID", connection.ID, "error", err)
		}
	case !fetched.ResumeBefore.IsZero():
		if err := s.connections.MarkBackfill(ctx, connection.ID, fetched.ResumeBefore, startedAt); err != nil {
			logger.WarnFromContext(ctx, "Failed to record sync progress", "connectionID", connection.ID, "error", err)
		}
	default:
		logger.WarnFromContext(ctx, "Truncated sync has no resume point; last sync time left unchanged", "connectionID", connection.ID)
	}
	log.Info("SyncExchange END", "userID", userID, "source", source, "rawRows", fetched.RawRows, "imported", result.Imported)
	return result, nil
}

func (s *ingestionServiceImpl) importNormalized(ctx context.Context, userID, portfolioID int64, source string, normalized *models.NormalizeResult, warnings []string) (*models.IngestResult, error) {
	if len(normalized.Trades) == 0 {
		return nil, fmt.Errorf("%w: %s rows skipped %s", ErrNoRecognizedRows, source, describeSkipped(normalized.Skipped))
	}
	imported, err := s.importer.ImportTrades(ctx, userID, portfolioID, source, normalized.Trades)
	if err != nil {
		return nil, err
	}

	result := newIngestResult(source, normalized, warnings)
	result.ImportResult = *imported
	if imported.WithoutExternalID > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"%d transactions had no external id and will be imported again if the same data is re-imported", imported.WithoutExternalID))
	}
	return result, nil
}

func newIngestResult(source string, normalized *models.NormalizeResult, warnings []string) *models.IngestResult {
	result := &models.IngestResult{
		Source:        source,
		Skipped:       normalized.Skipped,
		Warnings:      append(append([]string{}, warnings...), normalized.Warnings...),
		UnknownAssets: normalized.UnknownAssets,
	}
	if result.Skipped == nil {
		result.Skipped = map[string]int{}
	}
	if result.UnknownAssets == nil {
		result.UnknownAssets = []string{}
	}
	return result
}

func describeSkipped(skipped map[string]int) string {
	if len(skipped) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(skipped))
	for _, key := range csvformat.SortedKeys(skipped) {
		parts = append(parts, fmt.Sprintf("%s=%d", key, skipped[key]))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func describeSince(since time.Time) string {
	if since.IsZero() {
		return "the beginning"
	}
	return since.UTC().Format(time.RFC3339)
}
