package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy controls how the activity executor retries transient failures.
//
// MaxAttempts counts the first call; values <= 1 mean no retries. Delays
// grow from InitialBackoff by BackoffMultiplier and are capped by MaxBackoff
// (no cap when <= 0). An InitialBackoff of zero retries immediately.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts"`
	InitialBackoff    time.Duration `json:"initialBackoff"`
	MaxBackoff        time.Duration `json:"maxBackoff"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
}

// DefaultRetryPolicy is applied to activities registered without a policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Normalize fills nonsensical values with safe ones.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// ActivityFunc is the implementation of an activity. args holds the JSON
// encoded arguments the workflow passed; the returned value is stored as
// JSON in history. Return a FatalError to skip retries.
type ActivityFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ActivityDefinition registers an activity implementation under a name.
type ActivityDefinition struct {
	Name string
	Fn   ActivityFunc

	// Retry overrides the executor's default retry policy.
	Retry *RetryPolicy

	// Timeout bounds each attempt when > 0.
	Timeout time.Duration
}

func (d ActivityDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("activity name is required")
	}
	if d.Fn == nil {
		return fmt.Errorf("activity %q has no implementation", d.Name)
	}
	return nil
}

// Activity builds an ActivityDefinition from a typed function. Arguments are
// decoded from JSON into A before fn is called.
func Activity[A any, R any](name string, fn func(ctx context.Context, args A) (R, error)) ActivityDefinition {
	return ActivityDefinition{
		Name: name,
		Fn: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args A
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, Fatal(fmt.Errorf("decode %s args: %w", name, err))
				}
			}
			return fn(ctx, args)
		},
	}
}

type idempotencyKeyCtx struct{}

// ContextWithIdempotencyKey returns a context carrying key.
func ContextWithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFromContext returns the idempotency key of the activity
// invocation running under ctx. Activities pass it to external systems that
// support request deduplication.
func IdempotencyKeyFromContext(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(idempotencyKeyCtx{}).(string)
	return k, ok && k != ""
}
