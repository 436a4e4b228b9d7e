// Package signals holds the signal sources the auto-trade loop can be
// configured with.
package signals

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/rustyeddy/tradeengine/autotrade"
	"github.com/rustyeddy/tradeengine/broker"
)

type Config struct {
	// Kind is one of noop, random or ema-cross.
	Kind string `yaml:"kind"`

	// random
	Seed        int64   `yaml:"seed"`
	Probability float64 `yaml:"probability"`

	// ema-cross
	FastPeriod  int     `yaml:"fast_period"`
	SlowPeriod  int     `yaml:"slow_period"`
	Sensitivity float64 `yaml:"sensitivity"`
}

// New builds the source named by cfg.Kind.
func New(cfg Config) (autotrade.SignalSource, error) {
	switch cfg.Kind {
	case "", "noop":
		return Noop{}, nil
	case "random":
		return NewRandom(cfg.Seed, cfg.Probability), nil
	case "ema-cross":
		return NewEMACross(cfg.FastPeriod, cfg.SlowPeriod, cfg.Sensitivity)
	default:
		return nil, fmt.Errorf("unknown signal source %q (want noop|random|ema-cross)", cfg.Kind)
	}
}

// Noop never signals.
type Noop struct{}

func (Noop) GenerateSignal(string) (autotrade.Signal, bool) {
	return autotrade.Signal{}, false
}

// Random signals a random side with a random confidence. It produces a
// signal on a call with the given probability.
type Random struct {
	mu          sync.Mutex
	rng         *rand.Rand
	probability float64
}

func NewRandom(seed int64, probability float64) *Random {
	if probability <= 0 || probability > 1 {
		probability = 1
	}
	return &Random{rng: rand.New(rand.NewSource(seed)), probability: probability}
}

func (r *Random) GenerateSignal(string) (autotrade.Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rng.Float64() >= r.probability {
		return autotrade.Signal{}, false
	}
	d := broker.Long
	if r.rng.Intn(2) == 1 {
		d = broker.Short
	}
	return autotrade.Signal{Direction: d, Confidence: r.rng.Float64()}, true
}
