package chain

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/shopspring/decimal"

	"github.com/relaycore/tv-delta-relay/internal/exchange"
	"github.com/relaycore/tv-delta-relay/internal/sizing"
)

// Action is the normalized, three-step action vocabulary the core
// acts on. Every other inbound action (EXIT, legacy V1 aliases like
// DELTA_CANCEL_ALL/CANCEL_ALL/CLOSE_POSITION/FLIP) is recognized at
// the parse layer and acknowledged as a no-op before it ever reaches
// Dispatch.
type Action string

const (
	ActionCancal   Action = "CANCAL"
	ActionEnter    Action = "ENTER"
	ActionBatchTPS Action = "BATCH_TPS"
)

// Message is the normalized envelope for one inbound webhook
// delivery, built by the relay package from the raw JSON body.
type Message struct {
	Action        Action
	SigID         string
	Seq           int
	ProductSymbol string // already normalized (no .P suffix, no EXCHANGE: prefix), upper-cased

	// ENTER fields.
	Side      exchange.OrderSide
	Qty       *int64
	Amount    *decimal.Decimal
	AmountCcy sizing.Currency
	Leverage  int64
	Entry     decimal.Decimal

	// Fx overrides the deployment-wide FX_QUOTE_TO_INR default for this
	// one signal, when the alert carries its own fx_quote_to_inr/fx field.
	Fx *decimal.Decimal

	// CANCAL / flatten fields.
	Scope             string // "ALL" or ""
	CloseAll          bool
	CancelOrders      *bool
	ClosePosition     *bool
	CancelOrdersScope string
	CancelFallbackAll bool
	RequireFlat       *bool

	// BATCH_TPS fields.
	Orders []exchange.TPLegInput

	// Fingerprint is the idempotency key for this exact delivery,
	// already computed by the relay parser (sig_id|UPPER(psym)|seq|hash(orders)).
	Fingerprint string
}

// SigKey is the chain map key for (sig_id, product_symbol): the SHA-1
// hex digest of sig_id|product_symbol.
func (m Message) SigKey() string {
	sum := sha1.Sum([]byte(m.SigID + "|" + m.ProductSymbol))
	return hex.EncodeToString(sum[:])
}

// boolOr returns *b if non-nil, else def.
func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
