package exchange

import "github.com/shopspring/decimal"

// OrderSide mirrors the teacher's OrderSide, lower-cased to match the
// exchange's own wire vocabulary ("buy"/"sell").
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the reduce-only closing side for a position side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Product is the subset of /v2/products fields the relay cares about.
type Product struct {
	ID             int    `json:"id"`
	Symbol         string `json:"symbol"`
	LotSize        string `json:"lot_size"`
	ContractSize   string `json:"contract_size"`
	ContractValue  string `json:"contract_value"`
	ContractUnit   string `json:"contract_unit"`
	QtyStep        string `json:"qty_step"`
}

// Order is the subset of /v2/orders fields used for listing/cancelling.
type Order struct {
	ID              int64  `json:"id"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
	ProductID       int    `json:"product_id"`
	ProductSymbol   string `json:"product_symbol"`
	State           string `json:"state"`
	Side            string `json:"side"`
	Size            int64  `json:"size"`
}

// Position is the subset of /v2/positions fields used for sizing and
// flatten decisions.
type Position struct {
	ProductID     int             `json:"product_id"`
	ProductSymbol string          `json:"product_symbol"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Notional      decimal.Decimal `json:"notional"` // may be zero if the exchange doesn't report it
}

// TPLegInput is one take-profit leg as received from the webhook body,
// before normalization.
type TPLegInput struct {
	LimitPrice    string           `json:"limit_price,omitempty"`
	Price         string           `json:"price,omitempty"`
	LmtPrice      string           `json:"lmt_price,omitempty"`
	Size          *decimal.Decimal `json:"size,omitempty"`
	SizeCoins     *decimal.Decimal `json:"size_coins,omitempty"`
	Coins         *decimal.Decimal `json:"coins,omitempty"`
	PostOnly      bool             `json:"post_only,omitempty"`
	MMP           bool             `json:"mmp,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// NewOrderRequest is the body of POST /v2/orders.
type NewOrderRequest struct {
	ProductSymbol string `json:"product_symbol"`
	OrderType     string `json:"order_type"`
	Side          string `json:"side"`
	Size          int64  `json:"size"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
}

// BatchOrderLeg is one leg of POST /v2/orders/batch.
type BatchOrderLeg struct {
	LimitPrice    string `json:"limit_price"`
	Size          int64  `json:"size"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	ReduceOnly    bool   `json:"reduce_only"`
	ClientOrderID string `json:"client_order_id"`
}

// BatchOrderRequest is the body of POST /v2/orders/batch.
type BatchOrderRequest struct {
	ProductID     int             `json:"product_id"`
	ProductSymbol string          `json:"product_symbol"`
	Orders        []BatchOrderLeg `json:"orders"`
}

// CancelOrderRequest is the body of DELETE /v2/orders.
type CancelOrderRequest struct {
	ID            int64  `json:"id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	ProductID     int    `json:"product_id"`
}
