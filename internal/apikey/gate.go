package apikey

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrUnauthenticated covers every authentication failure: no key presented,
// unknown key, and deactivated key. Callers see one shape for all three so a
// probing client cannot distinguish "wrong key" from "no key"; the specific
// state is only logged.
var ErrUnauthenticated = errors.New("authentication required")

// RateLimitedError is returned when an authenticated key is over quota.
type RateLimitedError struct {
	Reason     DenyReason
	RetryAfter int // seconds until the denying window's next boundary
}

func (e *RateLimitedError) Error() string {
	switch e.Reason {
	case ReasonDailyQuotaExceeded:
		return "rate limit exceeded: daily limit reached"
	default:
		return "rate limit exceeded: too many requests per minute"
	}
}

// gateState is the per-request outcome used for logging.
type gateState string

const (
	stateMissing     gateState = "missing"
	stateUnknown     gateState = "unknown"
	stateInactive    gateState = "inactive"
	stateRateLimited gateState = "rate_limited"
	stateAdmitted    gateState = "admitted"
)

// Admission identifies the key behind an admitted request. The secret never
// travels past the gate.
type Admission struct {
	KeyID   string
	KeyName string
}

// AdmitFunc is invoked after each successful admission, outside any lock.
// It must not block the request path.
type AdmitFunc func(ctx context.Context, keyID string)

// Gate is the admission decision in front of the OCR engines: it looks up
// the presented secret, checks validity, and applies the rate limiter. It
// holds no state of its own beyond what it reads from the store and limiter.
type Gate struct {
	store   *Store
	limiter *RateLimiter
	logger  *zap.Logger
	onAdmit AdmitFunc
}

// NewGate creates a gate over the given store and limiter. onAdmit may be
// nil when no usage recording is wanted.
func NewGate(store *Store, limiter *RateLimiter, logger *zap.Logger, onAdmit AdmitFunc) *Gate {
	return &Gate{store: store, limiter: limiter, logger: logger, onAdmit: onAdmit}
}

// Check decides whether the request presenting secret may proceed. The
// decision is computed and returned before any engine work happens; an
// aborted request after admission keeps its consumed quota.
func (g *Gate) Check(ctx context.Context, secret string) (Admission, error) {
	if secret == "" {
		return g.deny(stateMissing, "")
	}
	// Structurally foreign tokens are unknown keys; skip the store walk.
	if !ValidSecretFormat(secret) {
		return g.deny(stateUnknown, "")
	}

	key, err := g.store.FindByHash(HashSecret(secret))
	if err != nil {
		return g.deny(stateUnknown, "")
	}
	// Constant-time confirmation against the stored digest; the index
	// lookup alone is not the authentication.
	if !VerifySecret(secret, key.SecretHash) {
		return g.deny(stateUnknown, key.ID)
	}

	key.mu.Lock()
	active := key.IsActive
	key.mu.Unlock()
	if !active {
		return g.deny(stateInactive, key.ID)
	}

	decision := g.limiter.Check(key)
	if !decision.Allowed {
		g.logger.Debug("request denied",
			zap.String("state", string(stateRateLimited)),
			zap.String("key_id", key.ID),
			zap.String("reason", string(decision.Reason)))
		return Admission{}, &RateLimitedError{
			Reason:     decision.Reason,
			RetryAfter: int(decision.RetryAfter.Seconds()),
		}
	}

	// The counters changed; flush outside the key lock, best-effort.
	g.store.Persist()

	if g.onAdmit != nil {
		g.onAdmit(ctx, key.ID)
	}

	g.logger.Debug("request admitted",
		zap.String("state", string(stateAdmitted)),
		zap.String("key_id", key.ID))

	key.mu.Lock()
	adm := Admission{KeyID: key.ID, KeyName: key.Name}
	key.mu.Unlock()
	return adm, nil
}

func (g *Gate) deny(state gateState, keyID string) (Admission, error) {
	fields := []zap.Field{zap.String("state", string(state))}
	if keyID != "" {
		fields = append(fields, zap.String("key_id", keyID))
	}
	g.logger.Debug("request denied", fields...)
	return Admission{}, ErrUnauthenticated
}
