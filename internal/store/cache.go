package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/metric-attribution/internal/model"
)

// CachedTrees wraps a Store and caches GetTree lookups. Tree writes made
// through the wrapper invalidate the cached entry. Writes from another
// process, such as a separate `tree import` run, are not seen until the entry
// expires, so a running server may use the previous tree config for up to
// the cache TTL.
type CachedTrees struct {
	Store
	trees *expirable.LRU[string, model.AttributionTree]
}

// NewCachedTrees returns a Store that caches up to size trees for ttl.
func NewCachedTrees(s Store, size int, ttl time.Duration) *CachedTrees {
	if size <= 0 {
		size = 256
	}
	return &CachedTrees{
		Store: s,
		trees: expirable.NewLRU[string, model.AttributionTree](size, nil, ttl),
	}
}

func (c *CachedTrees) GetTree(ctx context.Context, treeID string) (*model.AttributionTree, error) {
	if t, ok := c.trees.Get(treeID); ok {
		return &t, nil
	}
	t, err := c.Store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	c.trees.Add(treeID, *t)
	return t, nil
}

func (c *CachedTrees) InsertTree(ctx context.Context, tree *model.AttributionTree) error {
	c.trees.Remove(tree.TreeID)
	return c.Store.InsertTree(ctx, tree)
}

func (c *CachedTrees) UpdateTree(ctx context.Context, tree *model.AttributionTree) error {
	c.trees.Remove(tree.TreeID)
	return c.Store.UpdateTree(ctx, tree)
}

// Len reports the number of cached trees.
func (c *CachedTrees) Len() int {
	return c.trees.Len()
}
