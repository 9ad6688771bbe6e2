package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptofolio/backend/src/assets"
	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers"
)

const krakenLedgerCSV = `"txid","refid","time","type","subtype","aclass","asset","wallet","amount","fee","balance"
"L1","R1","2024-01-02 10:00:00","spend","","currency","ZUSD","spot / main",-100.0000,0.0000,900.0000
"L2","R1","2024-01-02 10:00:00","receive","","currency","XXBT","spot / main",0.0020000000,0.0000000000,0.0020000000
"L3","R2","2024-01-03 08:00:00","deposit","","currency","USDT","spot / main",50.00000000,0.10000000,49.90000000
"L4","R3","2024-01-04 08:00:00","transfer","spottostaking","currency","DOT","spot / main",-5.0000000000,0,0
`

func newIngestion(store *fakeTransactionStore, connections ConnectionService, fetcher ExchangeFetcher) *ingestionServiceImpl {
	svc := NewIngestionService(assets.MustDefault(), NewImportService(store, nil), connections, fetcher).(*ingestionServiceImpl)
	svc.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestIngestCSVDetectsFormatAndImports(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	svc := newIngestion(store, nil, nil)

	result, err := svc.IngestCSV(context.Background(), 7, 1, "", strings.NewReader(krakenLedgerCSV))
	require.NoError(t, err)
	assert.Equal(t, "kraken", result.Source)
	assert.Equal(t, models.ImportResult{Processed: 2, Imported: 2}, result.ImportResult)
	assert.Equal(t, map[string]int{"transfer/spottostaking": 1}, result.Skipped)

	require.Len(t, store.rows, 2)
	assert.Equal(t, "R1", store.rows[0].ImportExternalID)
	assert.Equal(t, "BTC", store.rows[0].ToAsset)
	assert.True(t, strings.HasPrefix(store.rows[0].Notes, "[kraken import] "))

	again, err := svc.IngestCSV(context.Background(), 7, 1, "Kraken", strings.NewReader(krakenLedgerCSV))
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Processed: 2, Imported: 0, Duplicates: 2}, again.ImportResult)
}

func TestIngestCSVRejections(t *testing.T) {
	t.Parallel()
	store := newFakeTransactionStore()
	svc := newIngestion(store, nil, nil)
	ctx := context.Background()

	_, err := svc.IngestCSV(ctx, 7, 1, "", strings.NewReader("  \n"))
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.IngestCSV(ctx, 7, 1, "kraken", strings.NewReader("txid,refid,time,type,subtype,aclass,asset,amount,fee,balance\n"))
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.IngestCSV(ctx, 7, 1, "", strings.NewReader("date,description,amount\n2024-01-01,coffee,3\n"))
	assert.ErrorIs(t, err, parsers.ErrFormatMismatch)

	_, err = svc.IngestCSV(ctx, 7, 1, "cryptocom", strings.NewReader(krakenLedgerCSV))
	require.ErrorIs(t, err, parsers.ErrFormatMismatch)
	assert.Contains(t, err.Error(), "missing:")
	assert.Empty(t, store.insertCalls)

	_, err = svc.IngestCSV(ctx, 7, 1, "binance", strings.NewReader(krakenLedgerCSV))
	assert.ErrorIs(t, err, parsers.ErrUnsupportedSource)

	onlyTransfers := "txid,refid,time,type,subtype,aclass,asset,amount,fee,balance\n" +
		"L9,R9,2024-01-04 08:00:00,transfer,spottostaking,currency,DOT,-5,0,0\n"
	_, err = svc.IngestCSV(ctx, 7, 1, "", strings.NewReader(onlyTransfers))
	assert.ErrorIs(t, err, ErrNoRecognizedRows)
	assert.Contains(t, err.Error(), "transfer/spottostaking=1")

	_, err = svc.IngestCSV(ctx, 8, 1, "", strings.NewReader(krakenLedgerCSV))
	assert.ErrorIs(t, err, ErrPortfolioForbidden)

	assert.Empty(t, store.rows)
}

type fakeConnections struct {
	connection *models.ExchangeConnection
	err        error
	synced     []time.Time
	backfills  []time.Time
}

func (f *fakeConnections) SaveConnection(context.Context, int64, string, exchanges.Credentials) (*models.ExchangeConnection, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConnections) ListConnections(context.Context, int64) ([]models.ExchangeConnection, error) {
	return nil, nil
}

func (f *fakeConnections) Credentials(_ context.Context, _ int64, source string) (*models.ExchangeConnection, exchanges.Credentials, error) {
	if f.err != nil {
		return nil, exchanges.Credentials{}, f.err
	}
	return f.connection, exchanges.Credentials{APIKey: "key-" + source, APISecret: "secret"}, nil
}

func (f *fakeConnections) MarkSynced(_ context.Context, _ int64, at time.Time) error {
	f.synced = append(f.synced, at)
	return nil
}

func (f *fakeConnections) MarkBackfill(_ context.Context, _ int64, before, _ time.Time) error {
	f.backfills = append(f.backfills, before)
	return nil
}

type fakeFetcher struct {
	history   *FetchedHistory
	err       error
	calls     int
	gotSince  time.Time
	gotUntil  time.Time
	gotAPIKey string
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, credentials exchanges.Credentials, since, until time.Time) (*FetchedHistory, error) {
	f.calls++
	f.gotSince, f.gotUntil, f.gotAPIKey = since, until, credentials.APIKey
	return f.history, f.err
}

func TestSyncExchangeImportsAndMarksSynced(t *testing.T) {
	t.Parallel()
	lastSync := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	connections := &fakeConnections{connection: &models.ExchangeConnection{ID: 3, UserID: 7, Source: "kraken", LastSyncedAt: &lastSync}}
	normalized := models.NewNormalizeResult()
	normalized.Trades = []models.NormalizedTrade{trade("R1"), trade("")}
	normalized.Skipped["transfer"] = 2
	fetcher := &fakeFetcher{history: &FetchedHistory{Result: normalized, RawRows: 5}}
	store := newFakeTransactionStore()
	svc := newIngestion(store, connections, fetcher)

	result, err := svc.SyncExchange(context.Background(), 7, 1, "kraken", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, lastSync.Add(-SyncOverlap), fetcher.gotSince)
	assert.True(t, fetcher.gotUntil.IsZero())
	assert.Equal(t, "key-kraken", fetcher.gotAPIKey)
	assert.Equal(t, models.ImportResult{Processed: 2, Imported: 2, WithoutExternalID: 1}, result.ImportResult)
	assert.Equal(t, map[string]int{"transfer": 2}, result.Skipped)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "no external id")
	assert.Equal(t, []time.Time{time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}, connections.synced)
	assert.Empty(t, connections.backfills)
}

func TestSyncExchangeTruncatedKeepsLastSyncTime(t *testing.T) {
	t.Parallel()
	lastSync := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	resume := time.Date(2024, 5, 15, 0, 0, 1, 0, time.UTC)
	connections := &fakeConnections{connection: &models.ExchangeConnection{ID: 3, UserID: 7, Source: "kraken", LastSyncedAt: &lastSync}}
	normalized := models.NewNormalizeResult()
	normalized.Trades = []models.NormalizedTrade{trade("R1")}
	fetcher := &fakeFetcher{history: &FetchedHistory{Result: normalized, RawRows: 50, Truncated: true, ResumeBefore: resume}}

	result, err := newIngestion(newFakeTransactionStore(), connections, fetcher).SyncExchange(context.Background(), 7, 1, "kraken", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "older rows will be fetched by the next sync")
	assert.Empty(t, connections.synced, "a truncated pull must not advance the last sync time")
	assert.Equal(t, []time.Time{resume}, connections.backfills)
}

func TestSyncExchangeWithNothingNew(t *testing.T) {
	t.Parallel()
	connections := &fakeConnections{connection: &models.ExchangeConnection{ID: 3, UserID: 7, Source: "cryptocom"}}
	fetcher := &fakeFetcher{history: &FetchedHistory{Result: models.NewNormalizeResult()}}
	store := newFakeTransactionStore()
	since := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)

	result, err := newIngestion(store, connections, fetcher).SyncExchange(context.Background(), 7, 1, "Crypto.com", since)
	require.NoError(t, err)
	assert.Equal(t, "cryptocom", result.Source)
	assert.Zero(t, result.Processed)
	assert.Equal(t, []string{"no new cryptocom transactions since 2024-05-20T00:00:00Z"}, result.Warnings)
	assert.Equal(t, since, fetcher.gotSince)
	assert.Len(t, connections.synced, 1)
	assert.Empty(t, store.insertCalls)
}

func TestSyncExchangeFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := &fakeFetcher{}
	_, err := newIngestion(newFakeTransactionStore(), &fakeConnections{}, fetcher).SyncExchange(ctx, 8, 1, "kraken", time.Time{})
	assert.ErrorIs(t, err, ErrPortfolioForbidden)
	assert.Zero(t, fetcher.calls, "exchange must not be called for a foreign portfolio")

	missing := &fakeConnections{err: ErrConnectionNotFound}
	_, err = newIngestion(newFakeTransactionStore(), missing, fetcher).SyncExchange(ctx, 7, 1, "kraken", time.Time{})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	connections := &fakeConnections{connection: &models.ExchangeConnection{ID: 3, UserID: 7, Source: "kraken"}}
	upstream := &fakeFetcher{err: exchanges.ErrUpstream}
	_, err = newIngestion(newFakeTransactionStore(), connections, upstream).SyncExchange(ctx, 7, 1, "kraken", time.Time{})
	assert.ErrorIs(t, err, exchanges.ErrUpstream)
	assert.Empty(t, connections.synced, "a failed pull is not a sync")

	_, err = NewIngestionService(assets.MustDefault(), NewImportService(newFakeTransactionStore(), nil), nil, nil).
		SyncExchange(ctx, 7, 1, "kraken", time.Time{})
	assert.ErrorIs(t, err, parsers.ErrUnsupportedSource)
}
