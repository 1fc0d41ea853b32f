package exchange

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/relaycore/tv-delta-relay/internal/cache"
)

// numericToken extracts the first numeric token from a possibly mixed
// string, e.g. "10 ARC" -> "10", "0.1 LINK" -> "0.1".
var numericToken = regexp.MustCompile(`-?\d+(\.\d+)?`)

func firstNumber(s string) (decimal.Decimal, bool) {
	m := numericToken.FindString(s)
	if m == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ProductCache is C2: resolves product id and lot multiplier per
// symbol, fetching /v2/products at most once per TTL, and exposing
// a runtime-learning hook that can correct a product's lot multiplier
// from observed fills. The RWMutex-guarded fetch-on-miss shape follows
// Trader's own locking discipline in trader.go; the TTL-refresh-past-
// expiry behavior on top of it is new (the teacher never expires a
// cached network response).
type ProductCache struct {
	client *Client
	ttl    time.Duration
	log    zerolog.Logger

	mu        sync.RWMutex
	bySymbol  map[string]Product
	fetchedAt time.Time

	learned *cache.KeyedTTL[decimal.Decimal] // symbol -> corrected lot multiplier, no expiry in practice (long TTL)
}

func NewProductCache(client *Client, ttl time.Duration, log zerolog.Logger) *ProductCache {
	return &ProductCache{
		client:  client,
		ttl:     ttl,
		log:     log.With().Str("component", "exchange.products").Logger(),
		learned: cache.NewKeyedTTL[decimal.Decimal](365 * 24 * time.Hour),
	}
}

func (p *ProductCache) ensureFresh(ctx context.Context) error {
	p.mu.RLock()
	fresh := !p.fetchedAt.IsZero() && time.Since(p.fetchedAt) <= p.ttl
	p.mu.RUnlock()
	if fresh {
		return nil
	}

	var resp struct {
		Result []Product `json:"result"`
	}
	if err := p.client.Call(ctx, "GET", "/v2/products", nil, nil, &resp); err != nil {
		return fmt.Errorf("exchange: fetch products: %w", err)
	}

	m := make(map[string]Product, len(resp.Result))
	for _, prod := range resp.Result {
		m[strings.ToUpper(prod.Symbol)] = prod
	}

	p.mu.Lock()
	p.bySymbol = m
	p.fetchedAt = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *ProductCache) lookup(ctx context.Context, symbol string) (Product, error) {
	if err := p.ensureFresh(ctx); err != nil {
		return Product{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	prod, ok := p.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return Product{}, fmt.Errorf("exchange: unknown product symbol %q", symbol)
	}
	return prod, nil
}

// ProductID resolves a product symbol to its numeric id.
func (p *ProductCache) ProductID(ctx context.Context, symbol string) (int, error) {
	prod, err := p.lookup(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return prod.ID, nil
}

// LotMult resolves the coins-per-lot multiplier for a symbol per
// spec §4.2: first well-formed field in
// {lot_size, contract_size, contract_value, contract_unit}, each
// parsed by extracting the first numeric token; fallback qty_step if
// >= 1; default 1. A runtime-learned correction (see Learn) takes
// priority over the metadata-derived value.
func (p *ProductCache) LotMult(ctx context.Context, symbol string) (decimal.Decimal, error) {
	up := strings.ToUpper(symbol)
	if learned, ok := p.learned.Get(up); ok {
		return learned, nil
	}

	prod, err := p.lookup(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	for _, raw := range []string{prod.LotSize, prod.ContractSize, prod.ContractValue, prod.ContractUnit} {
		if raw == "" {
			continue
		}
		if n, ok := firstNumber(raw); ok && n.IsPositive() {
			return n, nil
		}
	}
	if n, ok := firstNumber(prod.QtyStep); ok && n.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return n, nil
	}
	return decimal.NewFromInt(1), nil
}

// Learn applies the runtime-correction rule from spec §4.2: after an
// entry, update the cached lot multiplier if the observed position's
// coin magnitude divided by the lots just sent is either integer-near
// or in (0,1), and within 50% of the metadata-derived value.
// Rejected candidates are logged and ignored.
func (p *ProductCache) Learn(ctx context.Context, symbol string, observedCoins, lotsSent decimal.Decimal) {
	if lotsSent.IsZero() || lotsSent.IsNegative() {
		return
	}
	candidate := observedCoins.Abs().Div(lotsSent)

	metaMult, err := p.metaLotMult(ctx, symbol)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("lot-mult learning: could not resolve metadata baseline")
		return
	}

	nearestInt := candidate.Round(0)
	isIntegerNear := candidate.Sub(nearestInt).Abs().LessThanOrEqual(decimal.NewFromFloat(0.01))
	isFractional := candidate.GreaterThan(decimal.Zero) && candidate.LessThan(decimal.NewFromInt(1))

	if !isIntegerNear && !isFractional {
		p.log.Info().Str("symbol", symbol).Str("candidate", candidate.String()).Msg("lot-mult learning: rejected, not integer-near or fractional")
		return
	}

	if metaMult.IsPositive() {
		relErr := candidate.Sub(metaMult).Abs().Div(metaMult)
		if relErr.GreaterThan(decimal.NewFromFloat(0.5)) {
			p.log.Info().Str("symbol", symbol).Str("candidate", candidate.String()).Str("meta", metaMult.String()).Msg("lot-mult learning: rejected, >50% from metadata")
			return
		}
	}

	up := strings.ToUpper(symbol)
	p.learned.Set(up, candidate)
	p.log.Info().Str("symbol", symbol).Str("learned_mult", candidate.String()).Msg("lot-mult learning: accepted")
}

// metaLotMult resolves the lot multiplier strictly from exchange
// metadata, bypassing any previously learned override, for use as the
// baseline in Learn.
func (p *ProductCache) metaLotMult(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prod, err := p.lookup(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	for _, raw := range []string{prod.LotSize, prod.ContractSize, prod.ContractValue, prod.ContractUnit} {
		if raw == "" {
			continue
		}
		if n, ok := firstNumber(raw); ok && n.IsPositive() {
			return n, nil
		}
	}
	if n, ok := firstNumber(prod.QtyStep); ok && n.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return n, nil
	}
	return decimal.NewFromInt(1), nil
}
