package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptofolio/backend/src/models"
)

type fakeTransactionStore struct {
	portfolios  map[int64]*models.Portfolio
	rows        []models.PersistedTransaction
	insertCalls []int
	lookups     [][]string
	insertErr   error
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{portfolios: map[int64]*models.Portfolio{
		1: {ID: 1, UserID: 7, Name: "main"},
		2: {ID: 2, UserID: 8, Name: "other"},
	}}
}

func (f *fakeTransactionStore) FindPortfolio(_ context.Context, id int64) (*models.Portfolio, error) {
	return f.portfolios[id], nil
}

func (f *fakeTransactionStore) FindExistingBySourceAndExternalIDs(_ context.Context, portfolioID int64, source string, ids []string) ([]string, error) {
	f.lookups = append(f.lookups, ids)
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var found []string
	for _, row := range f.rows {
		if row.PortfolioID == portfolioID && row.ImportSource == source && wanted[row.ImportExternalID] {
			found = append(found, row.ImportExternalID)
		}
	}
	return found, nil
}

func (f *fakeTransactionStore) InsertTransactions(_ context.Context, rows []models.PersistedTransaction) (int, error) {
	f.insertCalls = append(f.insertCalls, len(rows))
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	inserted := 0
	for _, row := range rows {
		if row.ImportExternalID != "" && f.has(row) {
			continue
		}
		f.rows = append(f.rows, row)
		inserted++
	}
	return inserted, nil
}

func (f *fakeTransactionStore) has(row models.PersistedTransaction) bool {
	for _, existing := range f.rows {
		if existing.PortfolioID == row.PortfolioID && existing.ImportSource == row.ImportSource &&
			existing.ImportExternalID == row.ImportExternalID {
			return true
		}
	}
	return false
}

type fakeEnricher struct {
	calls int
}

func (f *fakeEnricher) Enrich(_ context.Context, trades []models.NormalizedTrade) []models.NormalizedTrade {
	f.calls++
	out := make([]models.NormalizedTrade, len(trades))
	copy(out, trades)
	for i := range out {
		if !out[i].ToPriceUSD.Valid {
			out[i].ToPriceUSD = decimal.NewNullDecimal(decimal.NewFromInt(100))
		}
	}
	return out
}

func trade(externalID string) models.NormalizedTrade {
	return models.NormalizedTrade{
		ExternalID:   externalID,
		Datetime:     time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
		Type:         models.TradeTypeSwap,
		FromAsset:    "USD",
		FromQuantity: decimal.NewFromInt(100),
		ToAsset:      "BTC",
		ToQuantity:   decimal.RequireFromString("0.002"),
		Notes:        "Kraken spend USD to BTC",
	}
}

func TestImportTradesCountsDuplicates(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	store.rows = append(store.rows, models.PersistedTransaction{PortfolioID: 1, ImportSource: "kraken", ImportExternalID: "R1"})
	enricher := &fakeEnricher{}
	importer := NewImportService(store, enricher)

	result, err := importer.ImportTrades(context.Background(), 7, 1, "kraken",
		[]models.NormalizedTrade{trade("R1"), trade("R2"), trade("R3")})
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Processed: 3, Imported: 2, Duplicates: 1}, *result)
	assert.Equal(t, 1, enricher.calls)
	assert.Equal(t, [][]string{{"R1", "R2", "R3"}}, store.lookups)

	require.Len(t, store.rows, 3)
	written := store.rows[1]
	assert.Equal(t, "R2", written.ImportExternalID)
	assert.Equal(t, "kraken", written.ImportSource)
	assert.Equal(t, int64(1), written.PortfolioID)
	assert.Equal(t, "[kraken import] Kraken spend USD to BTC", written.Notes)
	assert.True(t, written.ToPriceUSD.Valid, "rows are written enriched")
}

func TestImportTradesReimportIsNoop(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	importer := NewImportService(store, nil)
	batch := []models.NormalizedTrade{trade("A"), trade("B"), trade(""), trade("C")}

	first, err := importer.ImportTrades(context.Background(), 7, 1, "cryptocom", batch)
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Processed: 4, Imported: 4, Duplicates: 0, WithoutExternalID: 1}, *first)

	second, err := importer.ImportTrades(context.Background(), 7, 1, "cryptocom", batch)
	require.NoError(t, err)
	// Only the trade without an external id is written again.
	assert.Equal(t, models.ImportResult{Processed: 4, Imported: 1, Duplicates: 3, WithoutExternalID: 1}, *second)
	assert.Len(t, store.rows, 5)

	// The same ids under another source are not duplicates.
	other, err := importer.ImportTrades(context.Background(), 7, 1, "kraken", batch[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, other.Imported)
}

func TestImportTradesDropsRepeatsWithinBatch(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	result, err := NewImportService(store, nil).ImportTrades(context.Background(), 7, 1, "kraken",
		[]models.NormalizedTrade{trade("R1"), trade("R1"), trade("R2")})
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Processed: 3, Imported: 2, Duplicates: 1}, *result)
	assert.Equal(t, []int{2}, store.insertCalls)
}

func TestImportTradesOwnership(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	enricher := &fakeEnricher{}
	importer := NewImportService(store, enricher)
	ctx := context.Background()

	_, err := importer.ImportTrades(ctx, 7, 99, "kraken", []models.NormalizedTrade{trade("R1")})
	assert.ErrorIs(t, err, ErrPortfolioNotFound)

	_, err = importer.ImportTrades(ctx, 7, 2, "kraken", []models.NormalizedTrade{trade("R1")})
	assert.ErrorIs(t, err, ErrPortfolioForbidden)

	_, err = importer.ImportTrades(ctx, 7, 1, "kraken", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	assert.Empty(t, store.insertCalls)
	assert.Zero(t, enricher.calls)
}

func TestImportTradesBatchesInserts(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	trades := make([]models.NormalizedTrade, 0, 1201)
	for i := 0; i < 1201; i++ {
		trades = append(trades, trade(fmt.Sprintf("T%04d", i)))
	}
	result, err := NewImportService(store, nil).ImportTrades(context.Background(), 7, 1, "kraken", trades)
	require.NoError(t, err)
	assert.Equal(t, []int{500, 500, 201}, store.insertCalls)
	assert.Equal(t, 1201, result.Imported)
}

func TestImportTradesPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	store.insertErr = errors.New("disk full")
	_, err := NewImportService(store, nil).ImportTrades(context.Background(), 7, 1, "kraken", []models.NormalizedTrade{trade("R1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestProvenanceNotes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "[kraken import]", ProvenanceNotes("kraken", "  "))
	assert.Equal(t, "[kraken import] swap", ProvenanceNotes("kraken", "swap"))
	assert.Equal(t, "[kraken import] swap", ProvenanceNotes("kraken", ProvenanceNotes("kraken", "swap")))
	assert.Equal(t, "[cryptocom import] [kraken import] swap", ProvenanceNotes("cryptocom", "[kraken import] swap"))
}
