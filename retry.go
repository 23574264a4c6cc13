package waypoint

import "time"

// RetryBuilder assembles a RetryPolicy for an activity, either as its
// registered default (Apply) or as a per-call override (Option).
//
//	pay := waypoint.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute)
//	eng.RegisterActivity(pay.Apply(waypoint.Activity("charge", charge)))
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing maxAttempts calls in total. Values below 1
// mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{
		MaxAttempts:       max(maxAttempts, 1),
		BackoffMultiplier: 1,
	}}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// delay by multiplier (2 when <= 0) up to limit (uncapped when <= 0).
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.MaxBackoff = limit
	r.policy.BackoffMultiplier = multiplier
	return r
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 1
	return r
}

// Immediate retries without waiting. MaxAttempts is unchanged.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 1
	return r
}

// Policy returns the built RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Option overrides the retry policy of a single CallActivity.
func (r RetryBuilder) Option() ActivityOption {
	return WithRetry(r.policy)
}

// Apply returns def with the policy set as its registered default.
func (r RetryBuilder) Apply(def ActivityDefinition) ActivityDefinition {
	p := r.policy
	def.Retry = &p
	return def
}
