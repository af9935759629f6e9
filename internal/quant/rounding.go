// Package quant implements the price/quantity quantization rules the
// exchange enforces: every price is a multiple of a symbol's tick size,
// every quantity a multiple of its step size and never below the minimum.
package quant

import (
	"github.com/shopspring/decimal"
)

// pricePrecision is the number of decimal digits prices are presented
// with once rounded — matches the exchange's practice of returning
// fixed-precision decimal strings on every price field.
const pricePrecision = 10

// RoundPrice rounds p to the nearest multiple of tick, presented to
// pricePrecision decimal digits. tick <= 0 returns p unrounded.
func RoundPrice(p, tick float64) float64 {
	if tick <= 0 {
		return p
	}
	dp := decimal.NewFromFloat(p)
	dt := decimal.NewFromFloat(tick)
	rounded := dp.Div(dt).Round(0).Mul(dt)
	return mustFloat(rounded.Round(pricePrecision))
}

// RoundQty floors q to the nearest multiple of step, then clamps up to
// minQty. step <= 0 returns q unchanged (still clamped to minQty).
func RoundQty(q, step, minQty float64) float64 {
	dq := decimal.NewFromFloat(q)
	if step > 0 {
		ds := decimal.NewFromFloat(step)
		dq = dq.Div(ds).Floor().Mul(ds)
	}
	if minQty > 0 {
		dmin := decimal.NewFromFloat(minQty)
		if dq.LessThan(dmin) {
			dq = dmin
		}
	}
	return mustFloat(dq)
}

// PriceString renders p as the fixed-precision decimal string the
// exchange's JSON order bodies expect (e.g. "60000.0000000000").
func PriceString(p float64) string {
	return decimal.NewFromFloat(p).Round(pricePrecision).StringFixed(pricePrecision)
}

// QtyString renders q as the fixed-precision decimal string the
// exchange's JSON order bodies expect for quantities.
func QtyString(q float64) string {
	return decimal.NewFromFloat(q).Round(pricePrecision).StringFixed(pricePrecision)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
