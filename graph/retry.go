package graph

import (
	"errors"
	"math/rand"
	"time"

	"github.com/dshills/spice-go/message"
)

// RetryPolicy defines automatic retry configuration for node failures.
//
// The delay before attempt k (1-indexed) is
//
//	min(MaxBackoff, InitialBackoff * Multiplier^(k-1)) + jitter
//
// where jitter is uniform in [0, Jitter*delay]. Only error codes listed
// in RetryableCodes are retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget including the initial
	// execution. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// InitialBackoff is the base delay for the geometric schedule.
	InitialBackoff time.Duration

	// Multiplier is the geometric growth factor, >= 1.
	Multiplier float64

	// MaxBackoff caps the computed delay before jitter.
	MaxBackoff time.Duration

	// Jitter is the uniform jitter fraction in [0, 1] applied on top of
	// the capped delay.
	Jitter float64

	// RetryableCodes lists the error codes this policy retries. An
	// empty list makes every failure terminal.
	RetryableCodes []string
}

// Validate checks the policy configuration.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewConfigurationError("retry policy MaxAttempts must be >= 1")
	}
	if p.Multiplier < 1 && p.Multiplier != 0 {
		return NewConfigurationError("retry policy Multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return NewConfigurationError("retry policy Jitter must be in [0, 1]")
	}
	return nil
}

// IsRetryable reports whether the policy retries the given error code.
func (p RetryPolicy) IsRetryable(code string) bool {
	for _, c := range p.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// Backoff computes the delay before attempt k (1-indexed), including
// jitter drawn from rng. A nil rng falls back to the global source.
func (p RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialBackoff)
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= mult
		if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
			delay = float64(p.MaxBackoff)
			break
		}
	}
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 && delay > 0 {
		var f float64
		if rng != nil {
			f = rng.Float64()
		} else {
			f = rand.Float64() // #nosec G404 -- jitter timing, not security
		}
		delay += f * p.Jitter * delay
	}
	return time.Duration(delay)
}

// defaultRetryableCodes are the transient failure codes retried by the
// stock policies.
var defaultRetryableCodes = []string{CodeNetwork, CodeTimeout, CodeRateLimit}

// NoRetryPolicy disables retries entirely.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// DefaultRetryPolicy is the stock profile: 3 attempts, 500ms base,
// doubling, capped at 30s, 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
		Jitter:         0.25,
		RetryableCodes: defaultRetryableCodes,
	}
}

// AggressiveRetryPolicy retries more often with shorter delays, for
// cheap idempotent operations.
func AggressiveRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.25,
		RetryableCodes: defaultRetryableCodes,
	}
}

// ConservativeRetryPolicy retries rarely with longer delays, for
// expensive or rate-limited operations.
func ConservativeRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2,
		MaxBackoff:     60 * time.Second,
		Jitter:         0.25,
		RetryableCodes: defaultRetryableCodes,
	}
}

// CustomResolver chooses a policy for a failure, or reports no opinion
// by returning ok=false.
type CustomResolver func(err error, nodeID string, msg message.Message) (RetryPolicy, bool)

// PolicyResolver picks the retry policy for a failed node execution.
//
// Resolution order, first match wins:
//
//  1. An explicit hint on the error (RetryableError).
//  2. Custom resolvers, in registration order.
//  3. A policy registered for the error code.
//  4. A policy registered for the node id.
//  5. A policy registered for the message's tenant id.
//  6. The default policy.
type PolicyResolver struct {
	byCode   map[string]RetryPolicy
	byNode   map[string]RetryPolicy
	byTenant map[string]RetryPolicy
	custom   []CustomResolver
	fallback RetryPolicy
}

// NewPolicyResolver creates a resolver with the given default policy.
func NewPolicyResolver(fallback RetryPolicy) *PolicyResolver {
	return &PolicyResolver{
		byCode:   make(map[string]RetryPolicy),
		byNode:   make(map[string]RetryPolicy),
		byTenant: make(map[string]RetryPolicy),
		fallback: fallback,
	}
}

// ForCode registers a policy keyed by error code.
func (r *PolicyResolver) ForCode(code string, p RetryPolicy) *PolicyResolver {
	r.byCode[code] = p
	return r
}

// ForNode registers a policy keyed by node id.
func (r *PolicyResolver) ForNode(nodeID string, p RetryPolicy) *PolicyResolver {
	r.byNode[nodeID] = p
	return r
}

// ForTenant registers a policy keyed by the message tenant id.
func (r *PolicyResolver) ForTenant(tenantID string, p RetryPolicy) *PolicyResolver {
	r.byTenant[tenantID] = p
	return r
}

// AddResolver appends a custom resolver. Custom resolvers run after
// error-embedded hints and before any keyed policy.
func (r *PolicyResolver) AddResolver(cr CustomResolver) *PolicyResolver {
	r.custom = append(r.custom, cr)
	return r
}

// Resolve picks the policy for the given failure.
func (r *PolicyResolver) Resolve(err error, nodeID string, msg message.Message) RetryPolicy {
	var hint *RetryableError
	if errors.As(err, &hint) {
		if hint.SkipRetry {
			return NoRetryPolicy()
		}
		if hint.MaxAttempts > 0 {
			p := DefaultRetryPolicy()
			p.MaxAttempts = hint.MaxAttempts
			return p
		}
	}
	for _, cr := range r.custom {
		if p, ok := cr(err, nodeID, msg); ok {
			return p
		}
	}
	if p, ok := r.byCode[CodeOf(err)]; ok {
		return p
	}
	if p, ok := r.byNode[nodeID]; ok {
		return p
	}
	if tenant := msg.TenantID(); tenant != "" {
		if p, ok := r.byTenant[tenant]; ok {
			return p
		}
	}
	return r.fallback
}
