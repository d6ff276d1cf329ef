package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/withObsrvr/privacy-replay/internal/command"
)

// Cached remembers definitive results of the wrapped service.
// Errors are never cached.
type Cached struct {
	next  Service
	cache *lru.Cache
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next Service, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create verifier cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

// Validate implements Service.
func (c *Cached) Validate(ctx context.Context, v command.View) (bool, error) {
	key := cacheKey(v)
	if hit, ok := c.cache.Get(key); ok {
		return hit.(bool), nil
	}
	valid, err := c.next.Validate(ctx, v)
	if err != nil {
		return false, err
	}
	c.cache.Add(key, valid)
	return valid, nil
}

func cacheKey(v command.View) string {
	h := sha256.New()
	h.Write([]byte(v.ID))
	h.Write([]byte{0})
	h.Write([]byte(v.Verifier))
	return hex.EncodeToString(h.Sum(nil))
}
