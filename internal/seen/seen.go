// Package seen persists which inbound messages have already been answered,
// so a restart or a replayed backlog never produces a second reply.
package seen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/config"
	"gorm.io/gorm"
)

// Store records answered inbound message ids.
type Store interface {
	// Claim records (credentialID, messageID) and reports whether this call
	// was the first to do so.
	Claim(ctx context.Context, credentialID, messageID string) (bool, error)
}

// New builds the configured Store.
func New(cfg config.SeenConfig, db *gorm.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "sql", "":
		if db == nil {
			return nil, fmt.Errorf("seen: sql backend requires a database")
		}
		return NewSQLStore(db, cfg.TTL), nil
	case "redis":
		return NewRedisStore(RedisOpts{Addr: cfg.RedisAddr, TTL: cfg.TTL})
	default:
		return nil, fmt.Errorf("seen: unknown backend %q", cfg.Backend)
	}
}

// MemoryStore is a process-local Store, used in tests and single-shot runs.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryStore creates a MemoryStore. ttl <= 0 keeps claims forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, claims: make(map[string]time.Time)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, credentialID, messageID string) (bool, error) {
	key := credentialID + "\x00" + messageID
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.claims[key]; ok && (s.ttl <= 0 || now.Sub(at) < s.ttl) {
		return false, nil
	}
	s.claims[key] = now
	return true, nil
}
