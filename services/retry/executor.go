package retry

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/upb/governance-core/internal/observability"
	"github.com/upb/governance-core/services"
	"go.uber.org/zap"
)

// MessageMaxRetries is reported when every attempt failed with a retryable error
const MessageMaxRetries = "Max retries exceeded"

// Config controls the backoff schedule
type Config struct {
	MaxRetries int
	Base       float64
	Unit       time.Duration
}

// DefaultConfig returns 3 attempts with 1s, 2s backoff between them
func DefaultConfig() Config {
	return Config{MaxRetries: 3, Base: 2, Unit: time.Second}
}

// Operation is a unit of work that may be retried
type Operation func(ctx context.Context) (any, error)

// Result is the outcome of Run
type Result struct {
	Success  bool   `json:"success"`
	Value    any    `json:"value,omitempty"`
	Err      error  `json:"-"`
	Fatal    bool   `json:"fatal"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message,omitempty"`
}

// Sleeper waits for d or until ctx ends
type Sleeper func(ctx context.Context, d time.Duration) error

// Option adjusts a single Run call
type Option func(*runOptions)

type runOptions struct {
	maxRetries int
	classifier services.ErrorClassifier
	name       string
}

// WithMaxRetries overrides the attempt limit for one call
func WithMaxRetries(n int) Option {
	return func(o *runOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithClassifier overrides the fatal error classifier for one call
func WithClassifier(c services.ErrorClassifier) Option {
	return func(o *runOptions) {
		if c != nil {
			o.classifier = c
		}
	}
}

// WithName labels the span and log lines for one call
func WithName(name string) Option {
	return func(o *runOptions) { o.name = name }
}

// Executor runs operations with exponential backoff
type Executor struct {
	config     Config
	classifier services.ErrorClassifier
	sleep      Sleeper
	logger     *zap.Logger
}

// NewExecutor creates an executor. A nil classifier means services.IsFatal.
func NewExecutor(config Config, classifier services.ErrorClassifier, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.Base <= 0 {
		config.Base = def.Base
	}
	if config.Unit <= 0 {
		config.Unit = def.Unit
	}
	if classifier == nil {
		classifier = services.IsFatal
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		config:     config,
		classifier: classifier,
		sleep:      sleepContext,
		logger:     logger,
	}
}

// Backoff returns the wait after failed attempt k (0-based)
func (e *Executor) Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(e.config.Base, float64(attempt)) * float64(e.config.Unit))
}

// Run executes op until it succeeds, fails fatally or runs out of attempts.
// The error is always reported in the Result; ctx cancellation stops the loop
// and is treated as fatal.
func (e *Executor) Run(ctx context.Context, op Operation, opts ...Option) *Result {
	o := runOptions{
		maxRetries: e.config.MaxRetries,
		classifier: e.classifier,
		name:       "operation",
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := observability.StartSpan(ctx, "retry.Run", map[string]string{
		"retry.operation":   o.name,
		"retry.max_retries": strconv.Itoa(o.maxRetries),
	})

	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			span.SetAttributes(map[string]string{"retry.attempts": strconv.Itoa(attempt + 1)})
			span.End(nil)
			return &Result{Success: true, Value: value, Attempts: attempt + 1}
		}
		lastErr = err

		if o.classifier(err) {
			e.logger.Warn("operation failed with fatal error",
				zap.String("operation", o.name),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			span.End(err)
			return &Result{Err: err, Fatal: true, Attempts: attempt + 1, Message: err.Error()}
		}

		if attempt == o.maxRetries-1 {
			break
		}

		wait := e.Backoff(attempt)
		e.logger.Info("retrying operation",
			zap.String("operation", o.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		span.AddEvent("retry", map[string]string{
			"attempt": strconv.Itoa(attempt + 1),
			"backoff": wait.String(),
		})
		if serr := e.sleep(ctx, wait); serr != nil {
			span.End(serr)
			return &Result{
				Err:      serr,
				Fatal:    true,
				Attempts: attempt + 1,
				Message:  fmt.Sprintf("retry aborted: %v", serr),
			}
		}
	}

	e.logger.Error("operation exhausted retries",
		zap.String("operation", o.name),
		zap.Int("attempts", o.maxRetries),
		zap.Error(lastErr),
	)
	span.End(lastErr)
	return &Result{Err: lastErr, Attempts: o.maxRetries, Message: MessageMaxRetries}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
