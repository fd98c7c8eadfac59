package lockmgr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryTokenPrefix = "mem/"

type memEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is the in-process backend: a mutex-guarded map with a
// per-key expiry sweeper.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memEntry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	if e, ok := m.locks[key]; ok && m.now().Before(e.expires) {
		return "", ErrHeld
	}
	token := memoryTokenPrefix + key + "/" + uuid.NewString()
	m.locks[key] = memEntry{token: token, expires: m.now().Add(ttl)}
	return token, nil
}

func (m *MemoryLocker) Release(_ context.Context, token string) error {
	key, ok := keyFromMemoryToken(token)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, held := m.locks[key]; held && e.token == token {
		delete(m.locks, key)
	}
	return nil
}

// sweepLocked drops expired entries. Caller holds mu.
func (m *MemoryLocker) sweepLocked() {
	now := m.now()
	for k, e := range m.locks {
		if !now.Before(e.expires) {
			delete(m.locks, k)
		}
	}
}

func keyFromMemoryToken(token string) (string, bool) {
	rest, ok := strings.CutPrefix(token, memoryTokenPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
