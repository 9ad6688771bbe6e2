package cryptocom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/logger"
)

func TestParamString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", ParamString(nil))
	assert.Equal(t,
		"end_time1700000000000instrument_nameBTC_USDTlimit100",
		ParamString(map[string]any{"limit": 100, "instrument_name": "BTC_USDT", "end_time": int64(1700000000000)}),
	)
	assert.Equal(t, "aXbnull", ParamString(map[string]any{"b": nil, "a": []any{"X"}}))
}

func TestSign(t *testing.T) {
	t.Parallel()
	sig := Sign("private/get-trades", 1, "key", map[string]any{"end_time": int64(1700000000000), "limit": 100}, 1, "secret")
	assert.Equal(t, "63a5168faa7a90044ec261c021375db249223aa5050cb86db84226207fb3638d", sig)
}

type capturedRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	APIKey string         `json:"api_key"`
	Params map[string]any `json:"params"`
	Nonce  int64          `json:"nonce"`
	Sig    string         `json:"sig"`
}

func trade(i int, createTime int64) map[string]any {
	return map[string]any{
		"trade_id":            fmt.Sprintf("T%d", i),
		"order_id":            fmt.Sprintf("O%d", i),
		"instrument_name":     "BTC_USDT",
		"side":                "BUY",
		"traded_price":        "50000",
		"traded_quantity":     "0.001",
		"fees":                "-0.05",
		"fee_instrument_name": "USDT",
		"create_time":         createTime,
	}
}

func TestGetTradesPaginatesBackwards(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	var (
		mu       sync.Mutex
		endTimes []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/"+getTradesMethod, r.URL.Path)
		decoder := json.NewDecoder(r.Body)
		decoder.UseNumber()
		var req capturedRequest
		require.NoError(t, decoder.Decode(&req))
		assert.Equal(t, getTradesMethod, req.Method)
		assert.Equal(t, "key", req.APIKey)
		assert.Equal(t, Sign(req.Method, req.ID, req.APIKey, req.Params, req.Nonce, "secret"), req.Sig)

		endTime := fmt.Sprint(req.Params["end_time"])
		mu.Lock()
		endTimes = append(endTimes, endTime)
		page := len(endTimes)
		mu.Unlock()

		var data []map[string]any
		if page == 1 {
			for i := 0; i < tradesPageSize; i++ {
				data = append(data, trade(i, now.UnixMilli()-int64(i)*1000))
			}
		} else {
			data = append(data, trade(tradesPageSize, now.UnixMilli()-int64(tradesPageSize)*1000))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "method": req.Method, "code": 0,
			"result": map[string]any{"data": data},
		})
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(
		exchanges.Credentials{APIKey: "key", APISecret: "secret"},
		ClientWithBaseURL(server.URL),
		ClientWithHTTPClient(server.Client()),
		ClientWithLogger(logger.Discard()),
		ClientWithPageDelay(0),
		ClientWithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	result, err := c.GetTrades(context.Background(), TradeQuery{})
	require.NoError(t, err)
	require.Len(t, result.Rows, tradesPageSize+1)
	oldestFirstPage := now.UnixMilli() - int64(tradesPageSize-1)*1000
	assert.Equal(t, []string{fmt.Sprint(now.UnixMilli()), fmt.Sprint(oldestFirstPage + 1)}, endTimes)

	first := result.Rows[0]
	assert.Equal(t, "T0", first.TradeID)
	assert.Equal(t, "BTC_USDT", first.InstrumentName)
	assert.Equal(t, "-0.05", first.Fee)
	assert.Equal(t, "USDT", first.FeeCurrency)
	assert.Equal(t, fmt.Sprint(now.UnixMilli()), first.CreateTime)
}

// windowServer serves trades newest first, honouring end_time and limit.
func windowServer(t *testing.T, trades []map[string]any, exclusiveEnd bool) (*httptest.Server, *[]int64) {
	t.Helper()
	var (
		mu       sync.Mutex
		endTimes []int64
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		decoder.UseNumber()
		var req capturedRequest
		if !assert.NoError(t, decoder.Decode(&req)) {
			return
		}
		end, err := req.Params["end_time"].(json.Number).Int64()
		assert.NoError(t, err)
		limit, err := req.Params["limit"].(json.Number).Int64()
		assert.NoError(t, err)
		mu.Lock()
		endTimes = append(endTimes, end)
		mu.Unlock()

		data := []map[string]any{}
		for _, trade := range trades {
			created := trade["create_time"].(int64)
			if created > end || (exclusiveEnd && created == end) {
				continue
			}
			if int64(len(data)) == limit {
				break
			}
			data = append(data, trade)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "method": req.Method, "code": 0,
			"result": map[string]any{"data": data},
		})
	}))
	t.Cleanup(server.Close)
	return server, &endTimes
}

func newTestClient(t *testing.T, server *httptest.Server, now time.Time) Client {
	t.Helper()
	c, err := NewClient(
		exchanges.Credentials{APIKey: "key", APISecret: "secret"},
		ClientWithBaseURL(server.URL),
		ClientWithHTTPClient(server.Client()),
		ClientWithLogger(logger.Discard()),
		ClientWithPageDelay(0),
		ClientWithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	return c
}

func TestGetTradesPageBoundaryInsideSameMillisecond(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	// The last ten fills share one millisecond and straddle the first page boundary.
	shared := now.UnixMilli() - 96_000
	var trades []map[string]any
	for i := 0; i < 105; i++ {
		created := now.UnixMilli() - int64(i+1)*1000
		if i >= 95 {
			created = shared
		}
		trades = append(trades, trade(i, created))
	}

	for _, exclusiveEnd := range []bool{false, true} {
		exclusiveEnd := exclusiveEnd
		t.Run(fmt.Sprintf("exclusive_end=%v", exclusiveEnd), func(t *testing.T) {
			t.Parallel()
			server, endTimes := windowServer(t, trades, exclusiveEnd)
			result, err := newTestClient(t, server, now).GetTrades(context.Background(), TradeQuery{})
			require.NoError(t, err)
			require.Len(t, result.Rows, 105)
			ids := map[string]bool{}
			for _, row := range result.Rows {
				ids[row.TradeID] = true
			}
			assert.Len(t, ids, 105)
			assert.Equal(t, "T0", result.Rows[0].TradeID)
			assert.Equal(t, []int64{now.UnixMilli(), shared + 1}, *endTimes)
		})
	}
}

func TestGetTradesStepsPastBlockLargerThanPage(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	shared := now.UnixMilli() - 5000
	var trades []map[string]any
	for i := 0; i < 150; i++ {
		trades = append(trades, trade(i, shared))
	}
	trades = append(trades, trade(150, shared-1000))

	server, endTimes := windowServer(t, trades, false)
	result, err := newTestClient(t, server, now).GetTrades(context.Background(), TradeQuery{})
	require.NoError(t, err)
	// Fills past the first page in an oversized block cannot be addressed by time.
	require.Len(t, result.Rows, tradesPageSize+1)
	assert.Equal(t, "T150", result.Rows[len(result.Rows)-1].TradeID)
	assert.Equal(t, []int64{now.UnixMilli(), shared + 1, shared, shared - 1}, *endTimes)
}

func TestGetTradesRejectsPageWithoutReadableTimes(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bad := trade(1, 0)
		bad["create_time"] = 1_700_000_000_000.5
		json.NewEncoder(w).Encode(map[string]any{
			"id": 1, "code": 0, "result": map[string]any{"data": []map[string]any{bad}},
		})
	}))
	t.Cleanup(server.Close)

	_, err := newTestClient(t, server, time.Now()).GetTrades(context.Background(), TradeQuery{})
	require.ErrorIs(t, err, exchanges.ErrUpstream)
	assert.Contains(t, err.Error(), "create_time")
}

func TestGetTradesExchangeErrorCode(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "code": 10002, "message": "UNAUTHORIZED"})
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(exchanges.Credentials{APIKey: "key", APISecret: "secret"},
		ClientWithBaseURL(server.URL), ClientWithPageDelay(0), ClientWithLogger(logger.Discard()))
	require.NoError(t, err)
	_, err = c.GetTrades(context.Background(), TradeQuery{})
	require.ErrorIs(t, err, exchanges.ErrUpstream)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewClient(exchanges.Credentials{APISecret: "secret"})
	require.ErrorIs(t, err, exchanges.ErrMissingCredentials)
}
