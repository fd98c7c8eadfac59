// Package lockmgr provides per-request single-flight locks. Two backends
// share one contract: an in-process map and a shared redis store. Tokens
// expire at their ttl so a crashed holder never wedges a key.
package lockmgr

import (
	"context"
	"errors"
	"strings"
	"time"

	"distillo/internal/metrics"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lock held")

// Locker is the common backend contract. Acquire is non-blocking.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, token string) error
}

// AuditSink receives degraded-mode notifications without coupling the lock
// manager to the audit store.
type AuditSink func(event, details string)

// Manager fronts the configured backend and falls back to the in-process
// one when a non-required shared backend is unreachable.
type Manager struct {
	primary  Locker
	fallback *MemoryLocker
	required bool
	audit    AuditSink
}

// New builds a manager. primary may equal fallback for memory-only setups.
func New(primary Locker, required bool, audit AuditSink) *Manager {
	m := &Manager{primary: primary, fallback: NewMemoryLocker(), required: required, audit: audit}
	if primary == nil {
		m.primary = m.fallback
	} else if ml, ok := primary.(*MemoryLocker); ok {
		// Memory tokens always release against the instance that minted them.
		m.fallback = ml
	}
	return m
}

// Acquire takes the key or reports ErrHeld. Backend outages fail loud when
// the backend is required; otherwise the in-process fallback takes over and
// a degraded-mode event is emitted.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := m.primary.Acquire(ctx, key, ttl)
	if err == nil || errors.Is(err, ErrHeld) {
		return token, err
	}
	if m.required {
		return "", err
	}
	metrics.LockDegraded.Inc()
	if m.audit != nil {
		m.audit("lock_backend_degraded", err.Error())
	}
	return m.fallback.Acquire(ctx, key, ttl)
}

// Release frees the token on whichever backend issued it.
func (m *Manager) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if strings.HasPrefix(token, memoryTokenPrefix) {
		return m.fallback.Release(ctx, token)
	}
	return m.primary.Release(ctx, token)
}
