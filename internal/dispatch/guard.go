package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Guard makes sure a prompt id is handed to a Dispatcher at most once
// within its TTL.
type Guard interface {
	// Claim returns true for exactly one caller per prompt id.
	Claim(ctx context.Context, promptID uuid.UUID) (bool, error)
}

// ClaimCache is the subset of cache.Cache used by CacheGuard.
type ClaimCache interface {
	ClaimDispatch(ctx context.Context, promptID uuid.UUID, ttl time.Duration) (bool, error)
}

// CacheGuard claims prompts in Redis, so every process watching the same
// session shares one claim.
type CacheGuard struct {
	cache ClaimCache
	ttl   time.Duration
}

func NewCacheGuard(c ClaimCache, ttl time.Duration) *CacheGuard {
	return &CacheGuard{cache: c, ttl: ttl}
}

func (g *CacheGuard) Claim(ctx context.Context, promptID uuid.UUID) (bool, error) {
	return g.cache.ClaimDispatch(ctx, promptID, g.ttl)
}

// LocalGuard claims prompts in process memory.
type LocalGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	claimed map[uuid.UUID]time.Time
	now     func() time.Time
}

func NewLocalGuard(ttl time.Duration) *LocalGuard {
	return &LocalGuard{
		ttl:     ttl,
		claimed: make(map[uuid.UUID]time.Time),
		now:     time.Now,
	}
}

func (g *LocalGuard) Claim(_ context.Context, promptID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for id, exp := range g.claimed {
		if now.After(exp) {
			delete(g.claimed, id)
		}
	}
	if _, ok := g.claimed[promptID]; ok {
		return false, nil
	}
	g.claimed[promptID] = now.Add(g.ttl)
	return true, nil
}
