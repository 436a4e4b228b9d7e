// Package indicators provides streaming technical indicators over a price
// series, one observation at a time.
package indicators

// Indicator computes a single streaming value from prices.
// It is deterministic and safe to use on live and replayed data.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next price.
	Update(price float64)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, or 0 before Ready().
	Value() float64
}
