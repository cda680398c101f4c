package exchange

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// RoundStep rounds value DOWN to the nearest multiple of step (quantity
// rounding per LOT_SIZE). Done in decimal arithmetic so float noise never
// produces an invalid quantity.
func RoundStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// RoundTick rounds value to the NEAREST multiple of tick (price rounding
// per PRICE_FILTER).
func RoundTick(value, tick float64) float64 {
	if tick <= 0 {
		return value
	}
	d := decimal.NewFromFloat(value)
	t := decimal.NewFromFloat(tick)
	f, _ := d.Div(t).Round(0).Mul(t).Float64()
	return f
}

// fmtNum renders a float the way Binance expects order parameters: plain
// decimal notation, no exponent, no trailing zeros beyond the value.
func fmtNum(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
