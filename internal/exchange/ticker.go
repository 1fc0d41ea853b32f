package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// GetTicker fetches the current price for a product symbol from
// /v2/tickers/<symbol>, generalizing BinanceBroker.GetNowPrice's
// "GET ticker, decode the price field, parse it" shape from a single
// `price` field and float64 to this exchange's ticker envelope (which
// carries mark/close/spot separately) and decimal.Decimal.
func (c *Client) GetTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp struct {
		Result struct {
			MarkPrice string `json:"mark_price"`
			Close     string `json:"close"`
			SpotPrice string `json:"spot_price"`
		} `json:"result"`
	}
	if err := c.Call(ctx, "GET", "/v2/tickers/"+symbol, nil, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("exchange: fetch ticker %q: %w", symbol, err)
	}

	for _, raw := range []string{resp.Result.MarkPrice, resp.Result.Close, resp.Result.SpotPrice} {
		if raw == "" {
			continue
		}
		if p, err := decimal.NewFromString(raw); err == nil && p.IsPositive() {
			return p, nil
		}
	}
	return decimal.Zero, fmt.Errorf("exchange: ticker %q: no usable price field", symbol)
}
