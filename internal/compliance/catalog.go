package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MemoryCatalog struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewMemoryCatalog(services ...Service) *MemoryCatalog {
	c := &MemoryCatalog{services: make(map[string]Service)}
	for _, s := range services {
		c.services[s.ID] = s
	}
	return c
}

func (c *MemoryCatalog) Put(s Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[s.ID] = s
}

func (c *MemoryCatalog) Service(_ context.Context, id string) (*Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return &s, nil
}

type PgCatalog struct {
	pool *pgxpool.Pool
}

func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

func (c *PgCatalog) Service(ctx context.Context, id string) (*Service, error) {
	var s Service
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, billing_item, referral_gated, quota
		FROM services
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.BillingItem, &s.ReferralGated, &s.Quota)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("load service %s: %w", id, err)
	}
	return &s, nil
}

// CachedCatalog keeps recently used service definitions in an LRU. Only
// the catalog is cached; usage, referrals and registrations are always read
// fresh.
type CachedCatalog struct {
	next  Catalog
	cache *lru.Cache[string, Service]
}

func NewCachedCatalog(next Catalog, size int) (*CachedCatalog, error) {
	cache, err := lru.New[string, Service](size)
	if err != nil {
		return nil, fmt.Errorf("create service cache: %w", err)
	}
	return &CachedCatalog{next: next, cache: cache}, nil
}

func (c *CachedCatalog) Service(ctx context.Context, id string) (*Service, error) {
	if s, ok := c.cache.Get(id); ok {
		return &s, nil
	}
	s, err := c.next.Service(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *s)
	return s, nil
}

// Invalidate drops a cached service after it was edited.
func (c *CachedCatalog) Invalidate(id string) {
	c.cache.Remove(id)
}
