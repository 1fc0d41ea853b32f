package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/tv-delta-relay/internal/cache"
	"github.com/relaycore/tv-delta-relay/internal/exchange"
	"github.com/relaycore/tv-delta-relay/internal/sizing"
)

// fakeExchange is a minimal, scenario-driven stand-in for the
// derivatives exchange: it answers /v2/products, /v2/positions,
// /v2/orders, and /v2/orders/batch, and records every mutating call.
type fakeExchange struct {
	mu sync.Mutex

	products []exchange.Product
	position *exchange.Position // nil = flat

	tickerPrice string // empty = ticker endpoint returns no usable price

	orderCalls      int32
	batchCalls      int32
	cancelCalls     int32
	lastBatchOrders []exchange.BatchOrderLeg
}

func newFakeExchange(t *testing.T) (*fakeExchange, *exchange.Client) {
	fx := &fakeExchange{}
	srv := httptest.NewServer(http.HandlerFunc(fx.handle))
	t.Cleanup(srv.Close)

	c := exchange.NewClient(exchange.ClientConfig{
		BaseURL: srv.URL, AuthMode: exchange.AuthKeyOnly, HeaderAPIKey: "api-key",
	}, zerolog.Nop())
	return fx, c
}

func (fx *fakeExchange) handle(w http.ResponseWriter, r *http.Request) {
	fx.mu.Lock()
	defer fx.mu.Unlock()

	switch {
	case r.URL.Path == "/v2/products":
		_ = json.NewEncoder(w).Encode(map[string]any{"result": fx.products})
	case r.URL.Path == "/v2/positions":
		var result []exchange.Position
		if fx.position != nil {
			result = []exchange.Position{*fx.position}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	case r.URL.Path == "/v2/orders" && r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []exchange.Order{}})
	case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
		atomic.AddInt32(&fx.orderCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	case r.URL.Path == "/v2/orders" && r.Method == http.MethodDelete:
		atomic.AddInt32(&fx.cancelCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	case r.URL.Path == "/v2/orders/batch":
		atomic.AddInt32(&fx.batchCalls, 1)
		var req exchange.BatchOrderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fx.lastBatchOrders = req.Orders
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	case strings.HasPrefix(r.URL.Path, "/v2/tickers/"):
		result := map[string]any{}
		if fx.tickerPrice != "" {
			result["mark_price"] = fx.tickerPrice
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "result": []any{}})
	}
}

func testManager(t *testing.T, fx *fakeExchange, ex *exchange.Client, window time.Duration) *Manager {
	products := exchange.NewProductCache(ex, time.Minute, zerolog.Nop())
	seen := cache.NewSeenSet(60*time.Second, 300, 200)
	cfg := Config{
		SignalChainWindow: window,
		ChainTTL:          2 * time.Minute,
		MaxLotsPerOrder:   1000,
		DefaultLeverage:   1,
		FxQuoteToINR:      decimal.NewFromInt(83),
		MarginBufferPct:   decimal.NewFromFloat(0.03),
		FlatTimeout:       200 * time.Millisecond,
		FlatPollEvery:     20 * time.Millisecond,
	}
	return NewManager(cfg, ex, products, seen, 15*time.Second, zerolog.Nop())
}

func TestDispatch_OutOfOrderArrival_S2(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, time.Minute)

	enterMsg := Message{Action: ActionEnter, SigID: "S2", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Qty: int64Ptr(5), Fingerprint: "S2|ARCUSD|1|"}
	res := mgr.Dispatch(context.Background(), enterMsg)
	require.Nil(t, res.Err)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, "waiting_for_CANCAL", res.Queued)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.orderCalls))

	cancelMsg := Message{Action: ActionCancal, SigID: "S2", ProductSymbol: "ARCUSD", Fingerprint: "S2|ARCUSD|0|"}
	res = mgr.Dispatch(context.Background(), cancelMsg)
	require.Nil(t, res.Err)
	assert.Contains(t, res.Progressed, "CANCAL")
	assert.Contains(t, res.Progressed, "ENTER")
}

func TestDispatch_IdempotentReplay_S5(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, time.Minute)

	cancel := Message{Action: ActionCancal, SigID: "S5", ProductSymbol: "ARCUSD", Fingerprint: "S5|ARCUSD|0|"}
	mgr.Dispatch(context.Background(), cancel)

	enter := Message{Action: ActionEnter, SigID: "S5", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Qty: int64Ptr(5), Fingerprint: "S5|ARCUSD|1|"}
	first := mgr.Dispatch(context.Background(), enter)
	require.Nil(t, first.Err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.orderCalls))

	second := mgr.Dispatch(context.Background(), enter)
	assert.Equal(t, "dedup", second.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.orderCalls), "a deduped delivery must not place a second order")
}

func TestDispatch_ChainExpiry_S6(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, 50*time.Millisecond)

	cancel := Message{Action: ActionCancal, SigID: "S6", ProductSymbol: "ARCUSD", Fingerprint: "S6|ARCUSD|0|"}
	mgr.Dispatch(context.Background(), cancel)

	time.Sleep(80 * time.Millisecond)

	enter := Message{Action: ActionEnter, SigID: "S6", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Qty: int64Ptr(5), Fingerprint: "S6|ARCUSD|1|"}
	res := mgr.Dispatch(context.Background(), enter)
	require.Error(t, res.Err)
	var expired *ChainExpiredError
	assert.ErrorAs(t, res.Err, &expired)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.orderCalls))
}

func TestDispatch_ProgressFlagsNeverClear(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, time.Minute)

	cancel := Message{Action: ActionCancal, SigID: "S1", ProductSymbol: "ARCUSD", Fingerprint: "S1|ARCUSD|0|"}
	mgr.Dispatch(context.Background(), cancel)
	enter := Message{Action: ActionEnter, SigID: "S1", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Qty: int64Ptr(5), Fingerprint: "S1|ARCUSD|1|"}
	mgr.Dispatch(context.Background(), enter)

	fx.mu.Lock()
	fx.position = &exchange.Position{ProductSymbol: "ARCUSD", Size: decimal.NewFromInt(5)}
	fx.mu.Unlock()

	size1 := decimal.NewFromInt(30)
	size2 := decimal.NewFromInt(20)
	batch := Message{Action: ActionBatchTPS, SigID: "S1", ProductSymbol: "ARCUSD", Fingerprint: "S1|ARCUSD|2|abc",
		Orders: []exchange.TPLegInput{
			{LimitPrice: "2.1", Size: &size1},
			{LimitPrice: "2.2", Size: &size2},
		}}
	res := mgr.Dispatch(context.Background(), batch)
	require.Nil(t, res.Err)
	assert.Contains(t, res.Progressed, "BATCH_TPS")
	assert.Equal(t, "done", res.Status)

	require.Len(t, fx.lastBatchOrders, 2)
	sum := int64(0)
	for _, leg := range fx.lastBatchOrders {
		sum += leg.Size
		assert.Equal(t, "sell", leg.Side)
		assert.True(t, leg.ReduceOnly)
		assert.LessOrEqual(t, len(leg.ClientOrderID), 32)
	}
	assert.Equal(t, int64(5), sum)

	// redelivering BATCH_TPS again is a dedup no-op, not a second batch call.
	res = mgr.Dispatch(context.Background(), batch)
	assert.Equal(t, "dedup", res.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.batchCalls))
}

func TestDispatch_BatchRefusesWithoutOpenPosition(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, time.Minute)

	mgr.Dispatch(context.Background(), Message{Action: ActionCancal, SigID: "S4", ProductSymbol: "ARCUSD", Fingerprint: "S4|ARCUSD|0|"})
	mgr.Dispatch(context.Background(), Message{Action: ActionEnter, SigID: "S4", ProductSymbol: "ARCUSD", Side: exchange.SideBuy, Qty: int64Ptr(1), Fingerprint: "S4|ARCUSD|1|"})

	size := decimal.NewFromInt(10)
	res := mgr.Dispatch(context.Background(), Message{
		Action: ActionBatchTPS, SigID: "S4", ProductSymbol: "ARCUSD", Fingerprint: "S4|ARCUSD|2|x",
		Orders: []exchange.TPLegInput{{LimitPrice: "1", Size: &size}},
	})
	require.Error(t, res.Err)
	var noPos *NoOpenPositionError
	assert.ErrorAs(t, res.Err, &noPos)
}

func TestDispatch_AmountEntryFallsBackToTickerWhenEntryMissing(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	fx.tickerPrice = "2.5"
	mgr := testManager(t, fx, ex, time.Minute)

	mgr.Dispatch(context.Background(), Message{Action: ActionCancal, SigID: "S7", ProductSymbol: "ARCUSD", Fingerprint: "S7|ARCUSD|0|"})

	amount := decimal.NewFromInt(1000)
	enter := Message{
		Action: ActionEnter, SigID: "S7", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Amount: &amount, AmountCcy: sizing.CurrencyUSD, Fingerprint: "S7|ARCUSD|1|",
	}
	res := mgr.Dispatch(context.Background(), enter)
	require.Nil(t, res.Err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fx.orderCalls), "ticker fallback must let the order through instead of erroring")
}

func TestDispatch_AmountEntryErrorsWhenTickerAlsoUnavailable(t *testing.T) {
	fx, ex := newFakeExchange(t)
	fx.products = []exchange.Product{{ID: 1, Symbol: "ARCUSD", LotSize: "10"}}
	mgr := testManager(t, fx, ex, time.Minute)

	mgr.Dispatch(context.Background(), Message{Action: ActionCancal, SigID: "S8", ProductSymbol: "ARCUSD", Fingerprint: "S8|ARCUSD|0|"})

	amount := decimal.NewFromInt(1000)
	enter := Message{
		Action: ActionEnter, SigID: "S8", ProductSymbol: "ARCUSD", Side: exchange.SideBuy,
		Amount: &amount, AmountCcy: sizing.CurrencyUSD, Fingerprint: "S8|ARCUSD|1|",
	}
	res := mgr.Dispatch(context.Background(), enter)
	require.Error(t, res.Err)
	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "entry", verr.Field)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fx.orderCalls))
}

func int64Ptr(v int64) *int64 { return &v }
