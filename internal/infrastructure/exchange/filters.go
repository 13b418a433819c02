package exchange

import (
	"math"

	"github.com/vitos/llm_trader/internal/domain"
)

// SymbolFilters holds one venue's increments and minimums for a symbol.
// Prices must land on TickSize, quantities on StepSize, and an order is
// rejected below MinQty or MinNotional.
type SymbolFilters struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// float comparisons after division need slack; venue steps are decimal
// fractions that do not divide cleanly in binary.
const snapEpsilon = 1e-9

func snap(value, step float64, ceil bool) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	units := value / step
	if ceil {
		units = math.Ceil(units - snapEpsilon)
	} else {
		units = math.Floor(units + snapEpsilon)
	}
	return roundToStepPrecision(units*step, step)
}

func snapNearest(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	return roundToStepPrecision(math.Round(value/step)*step, step)
}

// roundToStepPrecision trims binary noise like 50000.000000000001 after
// multiplying the unit count back by the step.
func roundToStepPrecision(value, step float64) float64 {
	decimals := 0
	for step < 1 && decimals < 12 {
		step *= 10
		decimals++
	}
	factor := math.Pow(10, float64(decimals))
	return math.Round(value*factor) / factor
}

// SnapPrice snaps a price to the tick size. Taker orders round toward
// guaranteed marketability: ceiling for buys, floor for sells. Maker
// orders round to the nearest tick.
func (f SymbolFilters) SnapPrice(price float64, orderSide domain.Side, liquidity domain.Liquidity) float64 {
	if liquidity == domain.LiquidityTaker {
		return snap(price, f.TickSize, orderSide == domain.SideLong)
	}
	return snapNearest(price, f.TickSize)
}

// SnapQuantity snaps a quantity down to the step size, then bumps it up to
// the venue minimum order size / notional if it would otherwise be rejected.
func (f SymbolFilters) SnapQuantity(quantity, price float64) float64 {
	qty := snap(quantity, f.StepSize, false)
	if qty < f.MinQty {
		qty = snap(f.MinQty, f.StepSize, true)
	}
	if f.MinNotional > 0 && price > 0 && qty*price < f.MinNotional {
		qty = snap(f.MinNotional/price, f.StepSize, true)
	}
	return qty
}
