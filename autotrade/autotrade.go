// Package autotrade runs the scheduled decision loop: each cycle asks the
// signal source about every tracked symbol and opens, or closes and reverses,
// positions through the executor.
package autotrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/tradeengine/broker"
	"github.com/rustyeddy/tradeengine/executor"
	"github.com/rustyeddy/tradeengine/internal/logging"
	"github.com/rustyeddy/tradeengine/risk"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultThreshold = 0.7
)

// Signal is a trade suggestion for one symbol.
type Signal struct {
	Direction  broker.Direction
	Confidence float64
}

// SignalSource produces signals. ok is false when it has nothing to say.
type SignalSource interface {
	GenerateSignal(symbol string) (sig Signal, ok bool)
}

// SignalFunc adapts a function to SignalSource.
type SignalFunc func(symbol string) (Signal, bool)

func (f SignalFunc) GenerateSignal(symbol string) (Signal, bool) { return f(symbol) }

type Executor interface {
	OpenPosition(ctx context.Context, req executor.OpenRequest) (broker.Position, error)
	ClosePosition(ctx context.Context, positionID string) (float64, error)
}

type Positions interface {
	OpenOn(symbol string) []broker.Position
	OpenPositions() []broker.Position
}

// accountSource is implemented by Positions that also know the account, which
// risk-based sizing needs.
type accountSource interface {
	Account() broker.Account
}

// SymbolSource supplies the tracked symbols when Config.Symbols is empty.
type SymbolSource interface {
	Symbols() []string
}

type State string

const (
	Off        State = "off"
	Evaluating State = "evaluating"
	Idle       State = "idle"
	Acting     State = "acting"
)

type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Threshold is the confidence a signal must exceed to open.
	Threshold float64 `yaml:"threshold"`
	// ReverseThreshold is the confidence needed to close an opposite
	// position and open the other way. Zero means Threshold.
	ReverseThreshold float64 `yaml:"reverse_threshold"`
	Size             float64 `yaml:"size"`
	// RiskPercent, with a StopDistance, sizes each position so that the
	// stop costs this share of equity. Size then acts as the step the
	// computed size is rounded down to.
	RiskPercent        float64  `yaml:"risk_percent,omitempty"`
	Leverage           float64  `yaml:"leverage"`
	StopDistance       float64  `yaml:"stop_distance"`
	TakeProfitDistance float64  `yaml:"take_profit_distance"`
	MaxOpenPositions   int      `yaml:"max_open_positions"`
	Symbols            []string `yaml:"symbols,omitempty"`
}

// Result is what one cycle did.
type Result struct {
	Opened []broker.Position
	Closed []string
	Errors []error
}

type Loop struct {
	cfg       Config
	signals   SignalSource
	exec      Executor
	positions Positions
	symbols   SymbolSource
	log       logrus.FieldLogger

	// cycleMu is held for the whole of a cycle.
	cycleMu sync.Mutex

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

func New(cfg Config, signals SignalSource, exec Executor, positions Positions, symbols SymbolSource, logger logrus.FieldLogger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ReverseThreshold <= 0 {
		cfg.ReverseThreshold = cfg.Threshold
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	return &Loop{
		cfg:       cfg,
		signals:   signals,
		exec:      exec,
		positions: positions,
		symbols:   symbols,
		log:       logging.Component(logger, "autotrade"),
		state:     Off,
	}
}

// Enable starts cycling: once right away, then every interval until Disable
// or until ctx is done. Enabling a running loop does nothing.
func (l *Loop) Enable(ctx context.Context) error {
	if !(l.cfg.Size > 0) && !l.riskSized() {
		return fmt.Errorf("enable auto-trade: %w: size %v", broker.ErrInvalidSize, l.cfg.Size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return nil
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.state = Idle
	go l.run(ctx, l.stop, l.done)

	l.log.WithFields(logrus.Fields{"interval": l.cfg.Interval, "threshold": l.cfg.Threshold}).Info("auto-trade enabled")
	return nil
}

// Disable stops the loop. A cycle in progress runs to completion first.
func (l *Loop) Disable() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	l.setState(Off)
	l.log.Info("auto-trade disabled")
}

func (l *Loop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop != nil
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		l.Cycle(ctx)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// stop wins over a tick that arrived at the same time
		select {
		case <-stop:
			return
		default:
		}
	}
}

// Cycle evaluates every tracked symbol once. An error on one symbol is
// recorded and the remaining symbols are still evaluated.
func (l *Loop) Cycle(ctx context.Context) Result {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	var res Result
	l.setState(Evaluating)
	for _, sym := range l.trackedSymbols() {
		l.evaluate(ctx, sym, &res)
		l.setState(Evaluating)
	}

	if l.Enabled() {
		l.setState(Idle)
	} else {
		l.setState(Off)
	}

	if len(res.Opened) > 0 || len(res.Closed) > 0 || len(res.Errors) > 0 {
		l.log.WithFields(logrus.Fields{
			"opened": len(res.Opened), "closed": len(res.Closed), "errors": len(res.Errors),
		}).Info("cycle complete")
	}
	return res
}

func (l *Loop) evaluate(ctx context.Context, symbol string, res *Result) {
	sig, ok := l.signals.GenerateSignal(symbol)
	if !ok || !sig.Direction.Valid() || sig.Confidence <= l.cfg.Threshold {
		return
	}
	log := l.log.WithFields(logrus.Fields{"symbol": symbol, "direction": sig.Direction, "confidence": sig.Confidence})

	var same, opposite []broker.Position
	for _, p := range l.positions.OpenOn(symbol) {
		if p.Direction == sig.Direction {
			same = append(same, p)
		} else {
			opposite = append(opposite, p)
		}
	}
	if len(same) > 0 {
		log.Debug("already positioned, signal ignored")
		return
	}

	if len(opposite) > 0 {
		if sig.Confidence < l.cfg.ReverseThreshold {
			log.Debug("opposing signal below reverse threshold")
			return
		}
		l.setState(Acting)
		for _, p := range opposite {
			_, err := l.exec.ClosePosition(ctx, p.ID)
			if err != nil && !errors.Is(err, broker.ErrAlreadyClosed) {
				log.WithError(err).Warn("close before reverse failed")
				res.Errors = append(res.Errors, fmt.Errorf("%s: %w", symbol, err))
				return
			}
			res.Closed = append(res.Closed, p.ID)
		}
	}

	if limit := l.cfg.MaxOpenPositions; limit > 0 && len(l.positions.OpenPositions()) >= limit {
		log.WithField("max", limit).Info("open position limit reached")
		return
	}

	size, err := l.size()
	if err != nil {
		log.WithError(err).Warn("cannot size position")
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", symbol, err))
		return
	}

	l.setState(Acting)
	pos, err := l.exec.OpenPosition(ctx, executor.OpenRequest{
		Symbol:             symbol,
		Direction:          sig.Direction,
		Size:               size,
		Leverage:           l.cfg.Leverage,
		StopDistance:       l.cfg.StopDistance,
		TakeProfitDistance: l.cfg.TakeProfitDistance,
	})
	if err != nil {
		log.WithError(err).Warn("auto-trade open failed")
		res.Errors = append(res.Errors, fmt.Errorf("%s: %w", symbol, err))
		return
	}
	log.WithField("position", pos.ID).Info("auto-trade opened position")
	res.Opened = append(res.Opened, pos)
}

func (l *Loop) riskSized() bool {
	_, ok := l.positions.(accountSource)
	return l.cfg.RiskPercent > 0 && l.cfg.StopDistance > 0 && ok
}

// size is the fixed Size, or the risk-based size when configured.
func (l *Loop) size() (float64, error) {
	if !l.riskSized() {
		return l.cfg.Size, nil
	}
	acct := l.positions.(accountSource).Account()
	r, err := risk.Calculate(risk.Inputs{
		Equity:       acct.Equity,
		RiskPct:      l.cfg.RiskPercent,
		StopDistance: l.cfg.StopDistance,
		Leverage:     l.cfg.Leverage,
		Step:         l.cfg.Size,
	})
	if err != nil {
		return 0, err
	}
	return r.Size, nil
}

func (l *Loop) trackedSymbols() []string {
	if len(l.cfg.Symbols) > 0 {
		return l.cfg.Symbols
	}
	if l.symbols != nil {
		return l.symbols.Symbols()
	}
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
