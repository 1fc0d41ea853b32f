// Package chain is the signal-chain coordinator (C6): it buffers the
// three legs of one logical trade (CANCAL/ENTER/BATCH_TPS) keyed by
// (sig_id, product_symbol), advances a monotonic progress state
// machine, and executes each newly-enabled step against the exchange
// client and sizing engine. Dispatch is expected to be called only
// from within a per-key queue.Manager.Enqueue callback (C5), so two
// dispatches for the same sigKey never race.
package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/relaycore/tv-delta-relay/internal/cache"
	"github.com/relaycore/tv-delta-relay/internal/exchange"
	"github.com/relaycore/tv-delta-relay/internal/sizing"
)

// Config is the subset of config.Config the chain coordinator needs,
// restated here so this package does not import internal/config.
type Config struct {
	StrictSequence bool

	FastEnter         bool
	FastEnterWait     time.Duration
	FastEnterRetry    time.Duration
	SignalChainWindow time.Duration
	ChainTTL          time.Duration

	AutoCancelOnEnter         bool
	ForceCancelOrdersOnCancel bool
	ForceCloseOnCancel        bool

	DefaultLeverage int64
	FxQuoteToINR    decimal.Decimal
	MarginBufferPct decimal.Decimal
	MaxLotsPerOrder int64

	FlatTimeout   time.Duration
	FlatPollEvery time.Duration
}

// lastEntryMemo is the per-symbol memo from spec §3, consulted by TP
// size normalization. Runtime lot-multiplier learning in stepEnter
// uses the lot count it just sent directly, not this memo.
type lastEntryMemo struct {
	lots    int64
	side    exchange.OrderSide
	lotMult decimal.Decimal
}

// Result is one dispatch's outcome, shaped for the HTTP boundary.
type Result struct {
	Status     string          // "done" | "progressed" | "queued" | "error" | "dedup"
	Have       map[string]bool
	Did        map[string]bool
	Progressed []string
	Queued     string
	Err        error
}

// Manager owns the chain map and the supporting caches process-wide,
// per spec §3's ownership note: all mutated only through Dispatch,
// which callers must themselves serialize per key via queue.Manager.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	ex    *exchange.Client
	prods *exchange.ProductCache

	seen      *cache.SeenSet
	lastEntry *cache.KeyedTTL[lastEntryMemo]

	mu      sync.Mutex
	records map[string]*record
}

func NewManager(cfg Config, ex *exchange.Client, prods *exchange.ProductCache, seen *cache.SeenSet, lastEntryTTL time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log.With().Str("component", "chain").Logger(),
		ex:        ex,
		prods:     prods,
		seen:      seen,
		lastEntry: cache.NewKeyedTTL[lastEntryMemo](lastEntryTTL),
		records:   make(map[string]*record),
	}
}

// Dispatch merges msg into its chain and executes any newly-enabled
// steps. It must be called from inside the message's per-key queue
// worker (GLOBAL or SYM:<symbol>), never concurrently for the same
// sigKey.
func (m *Manager) Dispatch(ctx context.Context, msg Message) Result {
	if !m.seen.Admit(msg.Fingerprint) {
		return Result{Status: "dedup"}
	}

	now := time.Now()
	m.evictExpired(now)

	m.mu.Lock()
	rec, ok := m.records[msg.SigKey()]
	if !ok {
		rec = newRecord(now)
		m.records[msg.SigKey()] = rec
	}
	rec.lastTouch = now
	rec.store(&msg)
	m.mu.Unlock()

	age := now.Sub(rec.createdAt)
	if m.cfg.SignalChainWindow > 0 && age > m.cfg.SignalChainWindow {
		return Result{Status: "error", Err: &ChainExpiredError{Age: age, Window: m.cfg.SignalChainWindow}}
	}

	var progressed []string
	log := m.log.With().Str("sig_key", msg.SigKey()).Str("sig_id", msg.SigID).Str("symbol", msg.ProductSymbol).
		Str("action", string(msg.Action)).Int("seq", msg.Seq).Logger()

	if !rec.didCancel {
		did, err := m.stepCancal(ctx, rec, log.With().Str("step", "CANCAL").Logger())
		if err != nil {
			return Result{Status: "progressed", Have: rec.have(), Did: rec.did(), Progressed: progressed, Err: err}
		}
		if did {
			progressed = append(progressed, "CANCAL")
		} else if rec.cancelMsg == nil {
			return Result{Status: "queued", Queued: "waiting_for_CANCAL", Have: rec.have(), Did: rec.did()}
		}
	}

	if !rec.didEnter {
		did, err := m.stepEnter(ctx, rec, log.With().Str("step", "ENTER").Logger())
		if err != nil {
			return Result{Status: "progressed", Have: rec.have(), Did: rec.did(), Progressed: progressed, Err: err}
		}
		if did {
			progressed = append(progressed, "ENTER")
		} else if rec.enterMsg == nil {
			return Result{Status: "queued", Queued: "waiting_for_ENTER", Have: rec.have(), Did: rec.did(), Progressed: progressed}
		}
	}

	if !rec.didBatch {
		did, err := m.stepBatch(ctx, rec, log.With().Str("step", "BATCH_TPS").Logger())
		if err != nil {
			return Result{Status: "progressed", Have: rec.have(), Did: rec.did(), Progressed: progressed, Err: err}
		}
		if did {
			progressed = append(progressed, "BATCH_TPS")
		} else if rec.batchMsg == nil {
			return Result{Status: "queued", Queued: "waiting_for_BATCH_TPS", Have: rec.have(), Did: rec.did(), Progressed: progressed}
		}
	}

	status := "progressed"
	if rec.terminal() {
		status = "done"
	}
	return Result{Status: status, Have: rec.have(), Did: rec.did(), Progressed: progressed}
}

// stepCancal advances didCancel per spec §4.6 step 1. The source's
// leniency path (marking didCancel=true with a "skipped" note whenever
// ENTER is buffered without AUTO_CANCEL_ON_ENTER) is deliberately not
// implemented: it would advance the chain before any CANCAL mutation,
// contradicting the out-of-order scenario's documented expectation of
// "queued: waiting_for_CANCAL; no exchange mutation".
func (m *Manager) stepCancal(ctx context.Context, rec *record, log zerolog.Logger) (bool, error) {
	switch {
	case rec.cancelMsg != nil:
		if err := m.executeFlatten(ctx, *rec.cancelMsg, log); err != nil {
			return false, err
		}
		rec.didCancel = true
		return true, nil

	case m.cfg.AutoCancelOnEnter && rec.enterMsg != nil:
		synth := *rec.enterMsg
		synth.Action = ActionCancal
		if err := m.executeFlatten(ctx, synth, log); err != nil {
			return false, err
		}
		rec.didCancel = true
		return true, nil

	default:
		return false, nil
	}
}

func (m *Manager) executeFlatten(ctx context.Context, msg Message, log zerolog.Logger) error {
	global := msg.Scope == "ALL" || msg.CloseAll || strings.EqualFold(msg.CancelOrdersScope, "ALL")
	cancelOrders := boolOr(msg.CancelOrders, m.cfg.ForceCancelOrdersOnCancel)
	closePosition := boolOr(msg.ClosePosition, m.cfg.ForceCloseOnCancel)

	if cancelOrders {
		symbol := msg.ProductSymbol
		if global {
			symbol = ""
		}
		if _, err := m.ex.CancelBySymbol(ctx, m.prods, symbol, msg.CancelFallbackAll); err != nil {
			return fmt.Errorf("cancel orders: %w", err)
		}
	}
	if closePosition {
		if global {
			if err := m.ex.CloseAllPositions(ctx); err != nil {
				return fmt.Errorf("close all positions: %w", err)
			}
		} else if err := m.ex.ClosePositionBySymbol(ctx, m.prods, msg.ProductSymbol, m.cfg.MaxLotsPerOrder); err != nil {
			return fmt.Errorf("close position: %w", err)
		}
	}

	if boolOr(msg.RequireFlat, false) {
		symbol := msg.ProductSymbol
		if global {
			symbol = ""
		}
		m.ex.WaitUntilFlat(ctx, symbol, m.cfg.FlatTimeout, m.cfg.FlatPollEvery)
	}
	log.Info().Bool("global", global).Msg("CANCAL executed")
	return nil
}

// stepEnter advances didEnter per spec §4.6 step 2.
func (m *Manager) stepEnter(ctx context.Context, rec *record, log zerolog.Logger) (bool, error) {
	if rec.enterMsg == nil {
		return false, nil
	}
	msg := *rec.enterMsg

	if !rec.didEnterPrep {
		cancelOrders := boolOr(msg.CancelOrders, false)
		closePosition := boolOr(msg.ClosePosition, false)
		if cancelOrders || closePosition {
			preflight := msg
			preflight.CancelOrders = &cancelOrders
			preflight.ClosePosition = &closePosition
			if err := m.executeFlatten(ctx, preflight, log); err != nil {
				return false, err
			}
		}
		rec.didEnterPrep = true
	}

	requireFlat := boolOr(msg.RequireFlat, true)
	if requireFlat {
		flat := m.ex.WaitUntilFlat(ctx, msg.ProductSymbol, m.cfg.FlatTimeout, m.cfg.FlatPollEvery)
		if !flat && m.cfg.FastEnter {
			flat = m.ex.WaitUntilFlat(ctx, msg.ProductSymbol, m.cfg.FastEnterWait, m.cfg.FlatPollEvery)
			if !flat {
				flat = m.ex.WaitUntilFlat(ctx, msg.ProductSymbol, m.cfg.FastEnterRetry, m.cfg.FlatPollEvery)
			}
		}
		if !flat {
			return false, &RequireFlatTimeoutError{ProductSymbol: msg.ProductSymbol}
		}
	}

	lotMult, err := m.prods.LotMult(ctx, msg.ProductSymbol)
	if err != nil {
		return false, err
	}

	lots, err := m.resolveEntryLots(ctx, msg, lotMult)
	if err != nil {
		return false, err
	}

	req := exchange.NewOrderRequest{
		ProductSymbol: msg.ProductSymbol,
		OrderType:     "market_order",
		Side:          string(msg.Side),
		Size:          lots,
	}
	if err := m.ex.Call(ctx, "POST", "/v2/orders", req, nil, nil); err != nil {
		return false, fmt.Errorf("place entry: %w", err)
	}

	m.lastEntry.Set(strings.ToUpper(msg.ProductSymbol), lastEntryMemo{lots: lots, side: msg.Side, lotMult: lotMult})
	rec.didEnter = true

	go func() {
		// runtime learning is observational and must never block the
		// dispatch or its caller's queue worker.
		learnCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		positions, err := m.ex.ListPositions(learnCtx)
		if err != nil {
			return
		}
		up := strings.ToUpper(msg.ProductSymbol)
		for _, p := range positions {
			if strings.ToUpper(p.ProductSymbol) == up {
				m.prods.Learn(learnCtx, msg.ProductSymbol, p.Size, decimal.NewFromInt(lots))
				return
			}
		}
	}()

	log.Info().Int64("lots", lots).Str("side", string(msg.Side)).Msg("ENTER executed")
	return true, nil
}

// resolveEntryLots implements the qty/budget resolution rule from
// spec §4.6 step 2, delegating the budget math to sizing.AmountToLots.
// When amount is provided without a usable entry price, it falls back
// to the live ticker price per spec §4.3.1 ("or price cannot be
// obtained from ticker fallback") before giving up.
func (m *Manager) resolveEntryLots(ctx context.Context, msg Message, lotMult decimal.Decimal) (int64, error) {
	leverage := msg.Leverage
	if leverage <= 0 {
		leverage = m.cfg.DefaultLeverage
	}

	fx := m.cfg.FxQuoteToINR
	if msg.Fx != nil && msg.Fx.IsPositive() {
		fx = *msg.Fx
	}

	var budgetLots int64 = -1
	if msg.Amount != nil && msg.Amount.IsPositive() {
		entryPx := msg.Entry
		if !entryPx.IsPositive() {
			px, err := m.ex.GetTicker(ctx, msg.ProductSymbol)
			if err != nil || !px.IsPositive() {
				return 0, &ValidationError{Field: "entry", Reason: "required when amount is provided and ticker fallback failed"}
			}
			entryPx = px
		}
		lots, err := sizing.AmountToLots(sizing.AmountToLotsInput{
			Amount:          *msg.Amount,
			Currency:        msg.AmountCcy,
			Leverage:        leverage,
			EntryPxUSD:      entryPx,
			LotMult:         lotMult,
			FxInrPerUsd:     fx,
			MarginBufferPct: m.cfg.MarginBufferPct,
			MaxLotsPerOrder: m.cfg.MaxLotsPerOrder,
		})
		if err != nil {
			return 0, &ValidationError{Field: "amount", Reason: err.Error()}
		}
		budgetLots = lots
	}

	switch {
	case msg.Qty != nil && budgetLots >= 0:
		lots := *msg.Qty
		if lots > budgetLots {
			lots = budgetLots
		}
		return clampToMax(lots, m.cfg.MaxLotsPerOrder), nil
	case budgetLots >= 0:
		return clampToMax(budgetLots, m.cfg.MaxLotsPerOrder), nil
	case msg.Qty != nil:
		return clampToMax(*msg.Qty, m.cfg.MaxLotsPerOrder), nil
	default:
		return 0, &ValidationError{Field: "amount/qty", Reason: "one of qty or amount is required"}
	}
}

func clampToMax(lots, max int64) int64 {
	if lots < 1 {
		lots = 1
	}
	if max > 0 && lots > max {
		lots = max
	}
	return lots
}

// stepBatch advances didBatch per spec §4.6 step 3.
func (m *Manager) stepBatch(ctx context.Context, rec *record, log zerolog.Logger) (bool, error) {
	if rec.batchMsg == nil {
		return false, nil
	}
	msg := *rec.batchMsg

	productID, err := m.prods.ProductID(ctx, msg.ProductSymbol)
	if err != nil {
		return false, err
	}
	lotMult, err := m.prods.LotMult(ctx, msg.ProductSymbol)
	if err != nil {
		return false, err
	}

	positions, err := m.ex.ListPositions(ctx)
	if err != nil {
		return false, err
	}
	up := strings.ToUpper(msg.ProductSymbol)
	var rawSize decimal.Decimal
	found := false
	for _, p := range positions {
		if strings.ToUpper(p.ProductSymbol) == up {
			rawSize = p.Size
			found = true
			break
		}
	}
	if !found || rawSize.IsZero() {
		return false, &NoOpenPositionError{ProductSymbol: msg.ProductSymbol}
	}

	closeSide := exchange.SideSell
	if rawSize.IsNegative() {
		closeSide = exchange.SideBuy
	}

	_, positionLots := sizing.InferPositionUnits(sizing.InferPositionInput{
		RawSize:         rawSize,
		LotMult:         lotMult,
		MaxLotsPerOrder: m.cfg.MaxLotsPerOrder,
	})

	memo, _ := m.lastEntry.Get(up)
	legLots := make([]int64, len(msg.Orders))
	for i, leg := range msg.Orders {
		legLots[i] = sizing.NormalizeTPSize(sizing.NormalizeTPLegInput{
			SizeCoins:       firstNonNil(leg.SizeCoins, leg.Coins),
			Size:            leg.Size,
			LotMult:         lotMult,
			Last:            sizing.LastEntry{Lots: memo.lots, LotMult: memo.lotMult},
			MaxLotsPerOrder: m.cfg.MaxLotsPerOrder,
		})
	}

	clamped := sizing.ClampBatchToPosition(legLots, positionLots)

	var sum int64
	for _, l := range clamped {
		sum += l
	}
	if sum > positionLots {
		return false, &BatchSafetyError{Sum: sum, PositionLots: positionLots}
	}

	now := time.Now().UnixNano()
	legs := make([]exchange.BatchOrderLeg, 0, len(clamped))
	for i, lots := range clamped {
		if i >= len(msg.Orders) {
			break
		}
		price := firstNonEmpty(msg.Orders[i].LimitPrice, msg.Orders[i].Price, msg.Orders[i].LmtPrice)
		legs = append(legs, exchange.BatchOrderLeg{
			LimitPrice:    price,
			Size:          lots,
			Side:          string(closeSide),
			OrderType:     "limit_order",
			ReduceOnly:    true,
			ClientOrderID: shortClientOrderID(msg.SigID, msg.ProductSymbol, i, now),
		})
	}

	req := exchange.BatchOrderRequest{ProductID: productID, ProductSymbol: msg.ProductSymbol, Orders: legs}
	if err := m.ex.Call(ctx, "POST", "/v2/orders/batch", req, nil, nil); err != nil {
		return false, fmt.Errorf("batch tps: %w", err)
	}

	rec.didBatch = true
	log.Info().Int("legs", len(legs)).Int64("sum", sum).Msg("BATCH_TPS executed")
	return true, nil
}

func firstNonNil(vals ...*decimal.Decimal) *decimal.Decimal {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// evictExpired sweeps chain records whose lastTouch exceeds ChainTTL.
func (m *Manager) evictExpired(now time.Time) {
	if m.cfg.ChainTTL <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range m.records {
		if now.Sub(rec.lastTouch) > m.cfg.ChainTTL {
			delete(m.records, k)
		}
	}
}

// Snapshot returns a debug view of every live chain for /debug/chain.
func (m *Manager) Snapshot() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		rec := m.records[k]
		out = append(out, map[string]any{
			"sig_key":    k,
			"created_at": rec.createdAt,
			"last_touch": rec.lastTouch,
			"have":       rec.have(),
			"did":        rec.did(),
		})
	}
	return out
}
