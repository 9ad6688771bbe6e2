package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptofolio/backend/src/database"
	"github.com/username/cryptofolio/backend/src/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.DialectSQLite, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.RunMigrations(db, database.DialectSQLite))
	return db
}

func newPortfolio(t *testing.T, store *TransactionStore, userID int64) *models.Portfolio {
	t.Helper()
	p := &models.Portfolio{UserID: userID, Name: fmt.Sprintf("main-%d", userID)}
	require.NoError(t, store.CreatePortfolio(context.Background(), p))
	require.NotZero(t, p.ID)
	return p
}

func persisted(portfolioID int64, externalID string, at time.Time) models.PersistedTransaction {
	return models.PersistedTransaction{
		NormalizedTrade: models.NormalizedTrade{
			ExternalID:   externalID,
			Datetime:     at,
			Type:         models.TradeTypeSwap,
			FromAsset:    "USD",
			FromQuantity: decimal.RequireFromString("100"),
			FromPriceUSD: decimal.NewNullDecimal(decimal.NewFromInt(1)),
			ToAsset:      "BTC",
			ToQuantity:   decimal.RequireFromString("0.00200000"),
			Notes:        "[kraken import] swap",
			Raw:          json.RawMessage(`{"refid":"` + externalID + `"}`),
		},
		PortfolioID:      portfolioID,
		ImportSource:     "kraken",
		ImportExternalID: externalID,
	}
}

func TestFindPortfolio(t *testing.T) {
	t.Parallel()
	store := NewTransactionStore(newTestDB(t), database.DialectSQLite)
	ctx := context.Background()
	p := newPortfolio(t, store, 7)

	got, err := store.FindPortfolio(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, "main-7", got.Name)

	missing, err := store.FindPortfolio(ctx, p.ID+100)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.CreatePortfolio(ctx, &models.Portfolio{UserID: 7, Name: "alt", IsDefault: true}))
	list, err := store.ListPortfolios(ctx, 7)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alt", list[0].Name)
	assert.Equal(t, "main-7", list[1].Name)

	none, err := store.ListPortfolios(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestInsertTransactionsSkipsConflicts(t *testing.T) {
	t.Parallel()
	store := NewTransactionStore(newTestDB(t), database.DialectSQLite)
	ctx := context.Background()
	p := newPortfolio(t, store, 1)
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	inserted, err := store.InsertTransactions(ctx, []models.PersistedTransaction{
		persisted(p.ID, "R1", at),
		persisted(p.ID, "R2", at.Add(time.Hour)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	// R2 already exists; rows without an external id never conflict.
	inserted, err = store.InsertTransactions(ctx, []models.PersistedTransaction{
		persisted(p.ID, "R2", at),
		persisted(p.ID, "R3", at),
		persisted(p.ID, "", at),
		persisted(p.ID, "", at),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	existing, err := store.FindExistingBySourceAndExternalIDs(ctx, p.ID, "kraken", []string{"R1", "R3", "R9"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R1", "R3"}, existing)

	other, err := store.FindExistingBySourceAndExternalIDs(ctx, p.ID, "cryptocom", []string{"R1"})
	require.NoError(t, err)
	assert.Empty(t, other)

	rows, err := store.ListTransactions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	first := rows[0]
	assert.Equal(t, "R1", first.ImportExternalID)
	assert.True(t, at.Equal(first.Datetime), "datetime %s", first.Datetime)
	assert.True(t, first.ToQuantity.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, first.FromPriceUSD.Valid)
	assert.False(t, first.ToPriceUSD.Valid)
	assert.JSONEq(t, `{"refid":"R1"}`, string(first.Raw))
	assert.Equal(t, models.TradeTypeSwap, first.Type)
}

func TestFindExistingChunksLargeLookups(t *testing.T) {
	t.Parallel()
	store := NewTransactionStore(newTestDB(t), database.DialectSQLite)
	ctx := context.Background()
	p := newPortfolio(t, store, 2)
	at := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	var rows []models.PersistedTransaction
	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := fmt.Sprintf("T%04d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			rows = append(rows, persisted(p.ID, id, at))
		}
	}
	inserted, err := store.InsertTransactions(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, 600, inserted)

	existing, err := store.FindExistingBySourceAndExternalIDs(ctx, p.ID, "kraken", ids)
	require.NoError(t, err)
	assert.Len(t, existing, 600)
}

func TestConnectionStore(t *testing.T) {
	t.Parallel()
	store := NewConnectionStore(newTestDB(t), database.DialectSQLite)
	ctx := context.Background()

	none, err := store.FindConnection(ctx, 1, "kraken")
	require.NoError(t, err)
	assert.Nil(t, none)

	saved, err := store.UpsertConnection(ctx, ConnectionRecord{
		Connection:   models.ExchangeConnection{UserID: 1, Source: "kraken", APIKey: "k1"},
		SealedSecret: "sealed-1",
	})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	updated, err := store.UpsertConnection(ctx, ConnectionRecord{
		Connection:   models.ExchangeConnection{UserID: 1, Source: "kraken", APIKey: "k2"},
		SealedSecret: "sealed-2",
	})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, updated.ID)

	syncedAt := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkSynced(ctx, saved.ID, syncedAt))

	found, err := store.FindConnection(ctx, 1, "kraken")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "k2", found.Connection.APIKey)
	assert.Equal(t, "sealed-2", found.SealedSecret)
	require.NotNil(t, found.Connection.LastSyncedAt)
	assert.True(t, syncedAt.Equal(*found.Connection.LastSyncedAt))
	assert.Nil(t, found.Connection.BackfillBefore)

	// Two interrupted syncs move the cursor back but keep the first start time.
	firstStart := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkBackfill(ctx, saved.ID, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), firstStart))
	require.NoError(t, store.MarkBackfill(ctx, saved.ID, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), firstStart.Add(time.Hour)))
	found, err = store.FindConnection(ctx, 1, "kraken")
	require.NoError(t, err)
	require.NotNil(t, found.Connection.BackfillBefore)
	require.NotNil(t, found.Connection.BackfillStartedAt)
	assert.True(t, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC).Equal(*found.Connection.BackfillBefore))
	assert.True(t, firstStart.Equal(*found.Connection.BackfillStartedAt))
	assert.True(t, syncedAt.Equal(*found.Connection.LastSyncedAt), "an interrupted sync does not advance last_synced_at")

	require.NoError(t, store.MarkSynced(ctx, saved.ID, firstStart))
	found, err = store.FindConnection(ctx, 1, "kraken")
	require.NoError(t, err)
	assert.Nil(t, found.Connection.BackfillBefore)
	assert.Nil(t, found.Connection.BackfillStartedAt)
	assert.True(t, firstStart.Equal(*found.Connection.LastSyncedAt))

	_, err = store.UpsertConnection(ctx, ConnectionRecord{
		Connection:   models.ExchangeConnection{UserID: 1, Source: "cryptocom", APIKey: "c1"},
		SealedSecret: "sealed-3",
	})
	require.NoError(t, err)
	list, err := store.ListConnections(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cryptocom", list[0].Source)
	assert.Equal(t, "", list[0].APISecret)
}

func TestPriceStore(t *testing.T) {
	t.Parallel()
	store := NewPriceStore(newTestDB(t), database.DialectSQLite)
	ctx := context.Background()

	require.NoError(t, store.InsertOrUpdatePrices(ctx, []DailyPrice{
		{TickerSymbol: "BTC", Date: "2024-01-01", Price: 42000},
		{TickerSymbol: "BTC", Date: "2024-01-02", Price: 43000},
		{TickerSymbol: "ETH", Date: "2024-01-02", Price: 2300},
		{TickerSymbol: "BTC", Date: "2024-02-01", Price: 50000},
	}))
	require.NoError(t, store.InsertOrUpdatePrices(ctx, []DailyPrice{{TickerSymbol: "BTC", Date: "2024-01-02", Price: 43500}}))

	table, err := store.GetPricesBetween(ctx, []string{"BTC", "ETH", "SOL"}, "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, models.PriceTable{
		"BTC": {"2024-01-01": 42000, "2024-01-02": 43500},
		"ETH": {"2024-01-02": 2300},
	}, table)

	empty, err := store.GetPricesBetween(ctx, nil, "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
