package xlmigrate

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Options holds configuration for the Engine.
type Options struct {
	logger      *zap.Logger
	concurrency int
	generator   Generator
	retry       RetryPolicy
	transforms  *TransformRegistry
	listeners   []RuleListener
	runID       string
	headerRow   int // 0 = detect
}

func defaultOptions() *Options {
	return &Options{
		logger:      zap.NewNop(),
		concurrency: runtime.GOMAXPROCS(0),
		retry:       DefaultRetryPolicy,
		transforms:  DefaultTransforms,
	}
}

// Option configures the Engine.
type Option func(*Options)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConcurrency bounds the number of rows processed at once (default: GOMAXPROCS).
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithGenerator sets the text-generation service used by delegated rules.
func WithGenerator(g Generator) Option {
	return func(o *Options) { o.generator = g }
}

// WithTimeout sets the per-attempt timeout of delegated calls.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.retry.Timeout = d }
}

// WithMaxRetries sets how many times a failed delegated call is retried.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.retry.MaxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum wait between delegated retries.
func WithBackoff(base, max time.Duration) Option {
	return func(o *Options) {
		o.retry.BackoffBase = base
		o.retry.BackoffMax = max
	}
}

// WithTransforms replaces the transformation registry.
func WithTransforms(r *TransformRegistry) Option {
	return func(o *Options) {
		if r != nil {
			o.transforms = r
		}
	}
}

// WithListener adds a listener notified before and after each rule application.
func WithListener(l RuleListener) Option {
	return func(o *Options) { o.listeners = append(o.listeners, l) }
}

// WithRunID fixes the run ID reported in the summary (default: random UUID).
func WithRunID(id string) Option {
	return func(o *Options) { o.runID = id }
}

// WithHeaderRow sets the 1-based header row of source sheets.
// By default the first non-empty row within the first 10 is used.
func WithHeaderRow(row int) Option {
	return func(o *Options) { o.headerRow = row }
}
