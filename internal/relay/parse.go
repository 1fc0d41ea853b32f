// Package relay is the webhook dispatcher (C7) and HTTP server (C8,
// expanded): it parses inbound TradingView-style JSON, derives queue
// keys, and drives the chain coordinator (C6) under the per-key queue
// (C5).
package relay

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/relaycore/tv-delta-relay/internal/chain"
	"github.com/relaycore/tv-delta-relay/internal/exchange"
	"github.com/relaycore/tv-delta-relay/internal/sizing"
)

// legacyActions are V1 aliases acknowledged and ignored by the V2 core
// per spec §6/§9 (the core exclusively acts on CANCAL/ENTER/BATCH_TPS).
var legacyActions = map[string]bool{
	"EXIT":              true,
	"DELTA_CANCEL_ALL":  true,
	"CANCEL_ALL":        true,
	"CLOSE_POSITION":    true,
	"FLIP":              true,
}

// rawMessage mirrors the inbound schema from spec §6, with every
// optional field left as a pointer/omittable so absence is
// distinguishable from a zero value.
type rawMessage struct {
	Action string `json:"action"`

	SigID    string `json:"sig_id"`
	SignalID string `json:"signal_id"`
	Seq      *int   `json:"seq"`

	Symbol        string `json:"symbol"`
	ProductSymbol string `json:"product_symbol"`

	Side string `json:"side"`
	Qty  *int64 `json:"qty"`

	Amount      *string `json:"amount"`
	AmountINR   *string `json:"amount_inr"`
	AmountUSD   *string `json:"amount_usd"`
	OrderAmount *string `json:"order_amount"`
	AmountCcy   string  `json:"amount_ccy"`
	Leverage    *int64  `json:"leverage"`
	Entry       *string `json:"entry"`

	FxQuoteToINR *string `json:"fx_quote_to_inr"`
	Fx           *string `json:"fx"`

	Scope             string `json:"scope"`
	CloseAll          bool   `json:"close_all"`
	CancelOrders      *bool  `json:"cancel_orders"`
	ClosePosition     *bool  `json:"close_position"`
	CancelOrdersScope string `json:"cancel_orders_scope"`
	CancelFallbackAll bool   `json:"cancel_fallback_all"`
	RequireFlat       *bool  `json:"require_flat"`

	Orders []rawTPLeg `json:"orders"`
}

type rawTPLeg struct {
	LimitPrice    string  `json:"limit_price"`
	Price         string  `json:"price"`
	LmtPrice      string  `json:"lmt_price"`
	Size          *string `json:"size"`
	SizeCoins     *string `json:"size_coins"`
	Coins         *string `json:"coins"`
	PostOnly      bool    `json:"post_only"`
	MMP           bool    `json:"mmp"`
	ClientOrderID string  `json:"client_order_id"`
}

// ignoredMessage is returned (not as an error) when the inbound action
// is a recognized no-op (EXIT or a legacy V1 alias).
type ignoredMessage struct {
	reason string
}

func (i *ignoredMessage) Error() string { return i.reason }

// ParseMessage decodes one inbound delivery into a chain.Message,
// normalizing the product symbol and computing its idempotency
// fingerprint. strictSequence requires sig_id and seq to be present;
// their absence is surfaced as a *chain.SequencingDrop.
func ParseMessage(body []byte, strictSequence bool) (chain.Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return chain.Message{}, &chain.ValidationError{Field: "body", Reason: err.Error()}
	}

	action := strings.ToUpper(strings.TrimSpace(raw.Action))
	if legacyActions[action] {
		return chain.Message{}, &ignoredMessage{reason: fmt.Sprintf("legacy/no-op action %q acknowledged", action)}
	}

	var chainAction chain.Action
	switch action {
	case string(chain.ActionCancal):
		chainAction = chain.ActionCancal
	case string(chain.ActionEnter):
		chainAction = chain.ActionEnter
	case string(chain.ActionBatchTPS):
		chainAction = chain.ActionBatchTPS
	default:
		return chain.Message{}, &chain.ValidationError{Field: "action", Reason: fmt.Sprintf("unrecognized action %q", raw.Action)}
	}

	sigID := firstNonEmpty(raw.SigID, raw.SignalID)
	var seq int
	if raw.Seq != nil {
		seq = *raw.Seq
	} else {
		seq = -1
	}

	if strictSequence && (sigID == "" || raw.Seq == nil) {
		return chain.Message{}, &chain.SequencingDrop{Reason: "missing sig_id or seq in strict mode"}
	}
	if raw.Seq != nil && (seq < 0 || seq > 2) {
		return chain.Message{}, &chain.ValidationError{Field: "seq", Reason: "must be 0, 1, or 2"}
	}

	symbol := firstNonEmpty(raw.ProductSymbol, raw.Symbol)
	if symbol == "" {
		return chain.Message{}, &chain.ValidationError{Field: "product_symbol", Reason: "required"}
	}
	symbol = normalizeSymbol(symbol)

	msg := chain.Message{
		Action:            chainAction,
		SigID:             sigID,
		Seq:               seq,
		ProductSymbol:     symbol,
		Side:              exchange.OrderSide(strings.ToLower(raw.Side)),
		Qty:               raw.Qty,
		Leverage:          derefInt64(raw.Leverage),
		Scope:             strings.ToUpper(raw.Scope),
		CloseAll:          raw.CloseAll,
		CancelOrders:      raw.CancelOrders,
		ClosePosition:     raw.ClosePosition,
		CancelOrdersScope: raw.CancelOrdersScope,
		CancelFallbackAll: raw.CancelFallbackAll,
		RequireFlat:       raw.RequireFlat,
	}

	amountStr := firstNonEmpty(derefStr(raw.Amount), derefStr(raw.AmountUSD), derefStr(raw.AmountINR), derefStr(raw.OrderAmount))
	if amountStr != "" {
		amt, err := decimal.NewFromString(amountStr)
		if err != nil || !amt.IsPositive() {
			return chain.Message{}, &chain.ValidationError{Field: "amount", Reason: "must be a positive number"}
		}
		msg.Amount = &amt
		msg.AmountCcy = sizing.Currency(strings.ToUpper(raw.AmountCcy))
		if msg.AmountCcy == "" {
			switch {
			case raw.AmountINR != nil:
				msg.AmountCcy = sizing.CurrencyINR
			default:
				msg.AmountCcy = sizing.CurrencyUSD
			}
		}
	}

	if raw.Entry != nil {
		entry, err := decimal.NewFromString(*raw.Entry)
		if err != nil {
			return chain.Message{}, &chain.ValidationError{Field: "entry", Reason: "must be a number"}
		}
		msg.Entry = entry
	}

	fxStr := firstNonEmpty(derefStr(raw.FxQuoteToINR), derefStr(raw.Fx))
	if fxStr != "" {
		fx, err := decimal.NewFromString(fxStr)
		if err != nil || !fx.IsPositive() {
			return chain.Message{}, &chain.ValidationError{Field: "fx_quote_to_inr", Reason: "must be a positive number"}
		}
		msg.Fx = &fx
	}

	if chainAction == chain.ActionBatchTPS {
		if len(raw.Orders) == 0 {
			return chain.Message{}, &chain.ValidationError{Field: "orders", Reason: "at least one TP leg required"}
		}
		legs := make([]exchange.TPLegInput, 0, len(raw.Orders))
		for idx, o := range raw.Orders {
			leg := exchange.TPLegInput{
				LimitPrice:    o.LimitPrice,
				Price:         o.Price,
				LmtPrice:      o.LmtPrice,
				PostOnly:      o.PostOnly,
				MMP:           o.MMP,
				ClientOrderID: o.ClientOrderID,
			}
			if firstNonEmpty(o.LimitPrice, o.Price, o.LmtPrice) == "" {
				return chain.Message{}, &chain.ValidationError{Field: fmt.Sprintf("orders[%d].limit_price", idx), Reason: "required"}
			}
			var err error
			if leg.Size, err = parseDecimalPtr(o.Size); err != nil {
				return chain.Message{}, &chain.ValidationError{Field: fmt.Sprintf("orders[%d].size", idx), Reason: err.Error()}
			}
			if leg.SizeCoins, err = parseDecimalPtr(o.SizeCoins); err != nil {
				return chain.Message{}, &chain.ValidationError{Field: fmt.Sprintf("orders[%d].size_coins", idx), Reason: err.Error()}
			}
			if leg.Coins, err = parseDecimalPtr(o.Coins); err != nil {
				return chain.Message{}, &chain.ValidationError{Field: fmt.Sprintf("orders[%d].coins", idx), Reason: err.Error()}
			}
			if leg.Size == nil && leg.SizeCoins == nil && leg.Coins == nil {
				return chain.Message{}, &chain.ValidationError{Field: fmt.Sprintf("orders[%d].size", idx), Reason: "one of size, size_coins, coins is required"}
			}
			legs = append(legs, leg)
		}
		msg.Orders = legs
	}

	msg.Fingerprint = fingerprint(sigID, symbol, seq, raw.Orders)
	return msg, nil
}

// normalizeSymbol strips an "EXCHANGE:" prefix and a ".P" perpetual
// suffix from an upstream symbol, per spec §6.
func normalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(s, ".P")
	return strings.ToUpper(s)
}

// fingerprint computes the idempotency key from spec §3:
// sig_id | UPPER(psym) | seq | hash(orders?).
func fingerprint(sigID, symbol string, seq int, orders []rawTPLeg) string {
	ordersHash := ""
	if len(orders) > 0 {
		b, _ := json.Marshal(orders)
		sum := sha1.Sum(b)
		ordersHash = hex.EncodeToString(sum[:])
	}
	return sigID + "|" + symbol + "|" + strconv.Itoa(seq) + "|" + ordersHash
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("must be a number")
	}
	return &d, nil
}
