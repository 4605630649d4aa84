// Package cache holds read-through caches in front of the record store.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/careremind/reminder-engine/internal/domain/reminder"
)

// Templates is a read-through, size and age bounded template cache.
// Lookup failures are not cached.
type Templates struct {
	next reminder.TemplateReader
	lru  *expirable.LRU[string, reminder.Template]
}

var _ reminder.TemplateReader = (*Templates)(nil)

// NewTemplates caches up to size templates for ttl each
func NewTemplates(next reminder.TemplateReader, size int, ttl time.Duration) *Templates {
	if size <= 0 {
		size = 128
	}
	return &Templates{
		next: next,
		lru:  expirable.NewLRU[string, reminder.Template](size, nil, ttl),
	}
}

func (c *Templates) GetTemplate(ctx context.Context, id string) (*reminder.Template, error) {
	if t, ok := c.lru.Get(id); ok {
		return &t, nil
	}
	t, err := c.next.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id, *t)
	return t, nil
}

// Invalidate drops one template so the next lookup reaches the store
func (c *Templates) Invalidate(id string) {
	c.lru.Remove(id)
}

// Len returns the number of cached templates
func (c *Templates) Len() int {
	return c.lru.Len()
}
