// Package risk sizes positions so that a stop-out costs a fixed share of
// equity.
package risk

import (
	"fmt"
	"math"

	"github.com/rustyeddy/tradeengine/broker"
)

type Inputs struct {
	Equity       float64
	RiskPct      float64 // 0.01 risks one percent of equity
	StopDistance float64 // price distance from entry to stop
	Leverage     float64 // zero means 1
	// Step rounds the size down to a multiple of itself. Zero leaves the
	// size unrounded.
	Step float64
}

type Result struct {
	Size       float64
	RiskAmount float64
}

// Calculate returns the largest size whose loss at the stop is no more than
// Equity × RiskPct. P&L scales with size × leverage, so leverage shrinks
// the size.
func Calculate(in Inputs) (Result, error) {
	lev := in.Leverage
	if lev == 0 {
		lev = 1
	}
	switch {
	case !(in.Equity > 0):
		return Result{}, fmt.Errorf("%w: equity %v", broker.ErrInvalidSize, in.Equity)
	case !(in.RiskPct > 0) || in.RiskPct > 1:
		return Result{}, fmt.Errorf("%w: risk percent %v", broker.ErrInvalidSize, in.RiskPct)
	case !(in.StopDistance > 0):
		return Result{}, fmt.Errorf("%w: stop distance %v", broker.ErrInvalidLevels, in.StopDistance)
	case lev < 1:
		return Result{}, fmt.Errorf("%w: leverage %v", broker.ErrInvalidLeverage, lev)
	}

	riskAmt := in.Equity * in.RiskPct
	size := riskAmt / (in.StopDistance * lev)
	if in.Step > 0 {
		size = math.Floor(size/in.Step) * in.Step
	}
	if !(size > 0) {
		return Result{}, fmt.Errorf("%w: risk budget %.2f too small for stop distance %v", broker.ErrInvalidSize, riskAmt, in.StopDistance)
	}
	return Result{Size: size, RiskAmount: riskAmt}, nil
}

// RR is the reward to risk ratio of a trade, or 0 without a stop.
func RR(entry, stop, takeProfit float64) float64 {
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / risk
}
