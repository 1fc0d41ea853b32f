// Package sizing is the order-sizing engine (C3): amount-to-lots
// conversion, position-units inference, take-profit size
// normalization, and batch clamp-to-position. The teacher trades coins
// directly and has no lot-multiplier concept, so this division and
// classification logic is built fresh for this domain; only the choice
// to keep every quantity a decimal.Decimal instead of float64 is a
// deliberate departure from the teacher's own float64 arithmetic
// (e.g. computeLiveEquity), not a teacher-matched pattern.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveAmount = errors.New("sizing: amount must be positive")
	ErrNonPositivePrice  = errors.New("sizing: entry price must be positive")
)

// Currency is the amount's denomination.
type Currency string

const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
)

// AmountToLotsInput bundles the §4.3.1 inputs.
type AmountToLotsInput struct {
	Amount      decimal.Decimal
	Currency    Currency
	Leverage    int64 // clamped to >= 1 by caller
	EntryPxUSD  decimal.Decimal
	LotMult     decimal.Decimal
	FxInrPerUsd decimal.Decimal
	MarginBufferPct decimal.Decimal
	MaxLotsPerOrder int64
}

// AmountToLots implements spec §4.3.1:
//
//	marginUSD = (ccy=USD) ? amount : amount/fx
//	notionalUSD = marginUSD * leverage * (1 - buffer)
//	coinsWanted = notionalUSD / entryPxUSD
//	lots = floor(coinsWanted / lotMult), clamped to [1, MAX_LOTS_PER_ORDER]
func AmountToLots(in AmountToLotsInput) (int64, error) {
	if !in.Amount.IsPositive() {
		return 0, ErrNonPositiveAmount
	}
	if !in.EntryPxUSD.IsPositive() {
		return 0, ErrNonPositivePrice
	}
	leverage := in.Leverage
	if leverage < 1 {
		leverage = 1
	}

	marginUSD := in.Amount
	if in.Currency != CurrencyUSD {
		if !in.FxInrPerUsd.IsPositive() {
			return 0, fmt.Errorf("sizing: invalid fx rate for INR amount")
		}
		marginUSD = in.Amount.Div(in.FxInrPerUsd)
	}

	one := decimal.NewFromInt(1)
	notionalUSD := marginUSD.
		Mul(decimal.NewFromInt(leverage)).
		Mul(one.Sub(in.MarginBufferPct))

	coinsWanted := notionalUSD.Div(in.EntryPxUSD)

	lotMult := in.LotMult
	if !lotMult.IsPositive() {
		lotMult = one
	}
	lots := coinsWanted.Div(lotMult).Floor().IntPart()

	return clampLots(lots, in.MaxLotsPerOrder), nil
}

func clampLots(lots, max int64) int64 {
	if lots < 1 {
		return 1
	}
	if max > 0 && lots > max {
		return max
	}
	return lots
}

// PositionUnits is the classification result from §4.3.2.
type PositionUnits string

const (
	UnitsLots    PositionUnits = "lots"
	UnitsCoins   PositionUnits = "coins"
	UnitsUnknown PositionUnits = "unknown"
)

// InferPositionInput bundles the §4.3.2 inputs.
type InferPositionInput struct {
	RawSize         decimal.Decimal
	LotMult         decimal.Decimal
	Notional        decimal.Decimal // zero if unknown
	Price           decimal.Decimal // mark or entry price; zero if unknown
	MaxLotsPerOrder int64
}

// InferPositionUnits implements spec §4.3.2's decision tree, returning
// the classification and the normalized lot count (>= 1).
func InferPositionUnits(in InferPositionInput) (PositionUnits, int64) {
	absSize := in.RawSize.Abs()
	lotMult := in.LotMult
	if !lotMult.IsPositive() {
		lotMult = decimal.NewFromInt(1)
	}

	// 1. notional + price known: choose the closer of |s| to lotsEst or
	// coinsEst, if the relative error to the winner is < 0.25.
	if in.Notional.IsPositive() && in.Price.IsPositive() {
		coinsEst := in.Notional.Div(in.Price)
		lotsEst := coinsEst.Div(lotMult)

		errLots := relError(absSize, lotsEst)
		errCoins := relError(absSize, coinsEst)

		if errLots.LessThan(errCoins) {
			if errLots.LessThan(decimal.NewFromFloat(0.25)) {
				return UnitsLots, normalizeLots(lotsEst, in.MaxLotsPerOrder)
			}
		} else {
			if errCoins.LessThan(decimal.NewFromFloat(0.25)) {
				return UnitsCoins, normalizeLots(coinsEst.Div(lotMult), in.MaxLotsPerOrder)
			}
		}
	}

	// 2. lotMult > 1, |s| integer, not divisible by lotMult -> lots.
	if lotMult.GreaterThan(decimal.NewFromInt(1)) && isInteger(absSize) {
		if !divides(lotMult, absSize) {
			return UnitsLots, normalizeLots(absSize, in.MaxLotsPerOrder)
		}
	}

	// 3. lotMult > 1 and |s| > MAX_LOTS_PER_ORDER -> coins.
	if lotMult.GreaterThan(decimal.NewFromInt(1)) && in.MaxLotsPerOrder > 0 &&
		absSize.GreaterThan(decimal.NewFromInt(in.MaxLotsPerOrder)) {
		return UnitsCoins, normalizeLots(absSize.Div(lotMult), in.MaxLotsPerOrder)
	}

	// 4. lotMult > 1 (default, divisible case) -> coins.
	if lotMult.GreaterThan(decimal.NewFromInt(1)) {
		return UnitsCoins, normalizeLots(absSize.Div(lotMult), in.MaxLotsPerOrder)
	}

	// 5. else -> lots.
	return UnitsLots, normalizeLots(absSize, in.MaxLotsPerOrder)
}

func normalizeLots(lots decimal.Decimal, max int64) int64 {
	return clampLots(lots.Round(0).IntPart(), max)
}

func relError(observed, estimate decimal.Decimal) decimal.Decimal {
	if estimate.IsZero() {
		return decimal.NewFromInt(1 << 30)
	}
	return observed.Sub(estimate).Abs().Div(estimate)
}

func isInteger(d decimal.Decimal) bool {
	return d.Equal(d.Round(0))
}

func divides(divisor, value decimal.Decimal) bool {
	if divisor.IsZero() {
		return false
	}
	q := value.Div(divisor)
	return isInteger(q)
}

// LastEntry is the per-symbol memo consulted by TP size normalization.
type LastEntry struct {
	Lots    int64
	LotMult decimal.Decimal
}

// NormalizeTPLegInput bundles one TP leg's §4.3.3 inputs.
type NormalizeTPLegInput struct {
	SizeCoins       *decimal.Decimal
	Size            *decimal.Decimal
	LotMult         decimal.Decimal
	Last            LastEntry // zero value means "no memo"
	MaxLotsPerOrder int64
}

// NormalizeTPSize implements spec §4.3.3's per-leg decision tree,
// disambiguating whether a leg's `size` field is already in lots or
// in coins.
func NormalizeTPSize(in NormalizeTPLegInput) int64 {
	lotMult := in.LotMult
	if !lotMult.IsPositive() {
		lotMult = decimal.NewFromInt(1)
	}

	if in.SizeCoins != nil && in.SizeCoins.IsPositive() {
		return in.SizeCoins.Div(lotMult).Floor().IntPart()
	}

	if in.Size == nil {
		return 1
	}
	s := *in.Size
	sInt := isInteger(s)

	lastLots := decimal.NewFromInt(in.Last.Lots)
	lastCoins := decimal.Zero
	if in.Last.Lots > 0 && in.Last.LotMult.IsPositive() {
		lastCoins = lastLots.Mul(in.Last.LotMult)
	}

	one := decimal.NewFromInt(1)

	switch {
	case lotMult.GreaterThan(one) && sInt && s.GreaterThanOrEqual(lotMult) && divides(lotMult, s):
		return s.Div(lotMult).IntPart()
	case sInt && in.Last.Lots > 0 && s.LessThanOrEqual(lastLots.Mul(decimal.NewFromInt(2))):
		return s.Round(0).IntPart()
	case lastCoins.IsPositive() &&
		s.GreaterThanOrEqual(decimal.Max(lastCoins.Mul(decimal.NewFromFloat(0.5)), lotMult.Mul(decimal.NewFromInt(2)))):
		return s.Div(lotMult).Floor().IntPart()
	case lotMult.GreaterThan(one) && sInt && !divides(lotMult, s):
		return s.Round(0).IntPart()
	case lotMult.GreaterThan(one) && in.MaxLotsPerOrder > 0 && s.GreaterThan(decimal.NewFromInt(in.MaxLotsPerOrder)):
		return s.Div(lotMult).Floor().IntPart()
	default:
		lots := s.Round(0).IntPart()
		if lots < 1 {
			lots = 1
		}
		return lots
	}
}

// ClampBatchToPosition implements spec §4.3.4: given each leg's
// inferred lot size and the live position's lot count, drop legs that
// would reverse the position or scale them down to fit it exactly.
func ClampBatchToPosition(legLots []int64, positionLots int64) []int64 {
	n := len(legLots)
	if n == 0 {
		return legLots
	}

	if positionLots < int64(n) {
		out := make([]int64, positionLots)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	sum := int64(0)
	for _, l := range legLots {
		sum += l
	}
	if sum <= positionLots {
		out := make([]int64, n)
		copy(out, legLots)
		return out
	}

	scaled := make([]int64, n)
	scaledSum := int64(0)
	for i, l := range legLots {
		v := int64(0)
		if sum > 0 {
			v = decimal.NewFromInt(l).Mul(decimal.NewFromInt(positionLots)).Div(decimal.NewFromInt(sum)).Floor().IntPart()
		}
		if v < 1 {
			v = 1
		}
		scaled[i] = v
		scaledSum += v
	}

	// distribute remainder / trim overshoot round-robin.
	for scaledSum < positionLots {
		for i := 0; i < n && scaledSum < positionLots; i++ {
			scaled[i]++
			scaledSum++
		}
	}
	for scaledSum > positionLots {
		for i := 0; i < n && scaledSum > positionLots; i++ {
			if scaled[i] > 1 {
				scaled[i]--
				scaledSum--
			}
		}
	}

	return scaled
}
