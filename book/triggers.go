package book

import "github.com/rustyeddy/tradeengine/broker"

// Levels of zero are unset. Prices are the position's closing side.

func hitStopLoss(p *broker.Position, price float64) bool {
	if p.StopLevel <= 0 {
		return false
	}
	if p.Direction == broker.Long {
		return price <= p.StopLevel
	}
	return price >= p.StopLevel
}

func hitTakeProfit(p *broker.Position, price float64) bool {
	if p.TakeProfitLevel <= 0 {
		return false
	}
	if p.Direction == broker.Long {
		return price >= p.TakeProfitLevel
	}
	return price <= p.TakeProfitLevel
}
