package autosave

import "time"

// Priorities. Anything outside the range is clamped.
const (
	PriorityLow      = 1
	PriorityNormal   = 2
	PriorityElevated = 3
	PriorityHigh     = 4
	PriorityCritical = 5
)

// Config tunes debounce, batching and retry. Zero fields take defaults,
// except Jitter where zero disables jitter.
type Config struct {
	// Debounce is the quiet period before a normal-priority edit is sent.
	Debounce time.Duration
	// FastDebounce replaces Debounce when a high-priority item is queued or
	// the queue is at least one batch deep.
	FastDebounce time.Duration
	// HighPriority is the lowest priority that selects FastDebounce.
	HighPriority int

	BatchSize     int
	MaxBatchBytes int

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Concurrency bounds concurrent sends across different keys.
	Concurrency int

	// Jitter is the ± fraction applied to computed backoffs.
	Jitter float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		FastDebounce:  500 * time.Millisecond,
		HighPriority:  PriorityHigh,
		BatchSize:     10,
		MaxBatchBytes: 256 << 10,
		MaxAttempts:   3,
		BaseBackoff:   time.Second,
		MaxBackoff:    30 * time.Second,
		Concurrency:   4,
		Jitter:        0.25,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}

	if c.FastDebounce <= 0 {
		c.FastDebounce = def.FastDebounce
	}

	if c.HighPriority <= 0 {
		c.HighPriority = def.HighPriority
	}

	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}

	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = def.MaxBatchBytes
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}

	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}

	if c.Jitter < 0 {
		c.Jitter = 0
	}

	return c
}

func clampPriority(p int) int {
	return min(max(p, PriorityLow), PriorityCritical)
}
