package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/alignedwithwhat/engine/core"
)

// cachedStore wraps a Store with an LRU over scenario pair reads.
// Pairs are immutable once ingested, so entries only need eviction on
// re-ingestion of the same ID.
type cachedStore struct {
	Store
	pairs *lru.Cache[string, *core.ScenarioPair]
}

// NewCached wraps inner with a pair cache of the given size.
func NewCached(inner Store, size int) (Store, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *core.ScenarioPair](size)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Store: inner, pairs: cache}, nil
}

func (c *cachedStore) PutScenarioPair(ctx context.Context, pair *core.ScenarioPair) error {
	if err := c.Store.PutScenarioPair(ctx, pair); err != nil {
		return err
	}
	c.pairs.Remove(pair.ID)
	return nil
}

func (c *cachedStore) ScenarioPair(ctx context.Context, id string) (*core.ScenarioPair, error) {
	if pair, ok := c.pairs.Get(id); ok {
		return pair, nil
	}
	pair, err := c.Store.ScenarioPair(ctx, id)
	if err != nil {
		return nil, err
	}
	c.pairs.Add(id, pair)
	return pair, nil
}
