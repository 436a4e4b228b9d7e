// Package journal keeps a durable record of closed positions and account
// equity over time.
package journal

import (
	"time"
)

// TradeRecord describes a closed position.
type TradeRecord struct {
	PositionID  string
	Symbol      string
	Direction   string
	Size        float64
	Leverage    float64
	EntryPrice  float64
	ExitPrice   float64
	OpenTime    time.Time
	CloseTime   time.Time
	RealizedPnL float64
	Reason      string
}

// EquitySnapshot is the account state after a ledger change.
type EquitySnapshot struct {
	Time       time.Time
	Balance    float64
	Equity     float64
	MarginUsed float64
}

type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordTrade(TradeRecord) error     { return nil }
func (Nop) RecordEquity(EquitySnapshot) error { return nil }
func (Nop) Close() error                      { return nil }
