package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AllowAll lets every message through.
type AllowAll struct{}

func (AllowAll) Allows(context.Context, string, TemplateKind) (bool, error) { return true, nil }

// MemoryPreferences records per-recipient opt-outs.
type MemoryPreferences struct {
	mu      sync.RWMutex
	optOuts map[string]map[TemplateKind]bool
}

func NewMemoryPreferences() *MemoryPreferences {
	return &MemoryPreferences{optOuts: make(map[string]map[TemplateKind]bool)}
}

func (p *MemoryPreferences) OptOut(recipient string, kinds ...TemplateKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.optOuts[recipient]
	if !ok {
		m = make(map[TemplateKind]bool)
		p.optOuts[recipient] = m
	}
	for _, k := range kinds {
		m[k] = true
	}
}

func (p *MemoryPreferences) Allows(_ context.Context, recipient string, kind TemplateKind) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.optOuts[recipient][kind], nil
}

// PgPreferences reads opt-outs from notification_opt_outs.
type PgPreferences struct {
	pool *pgxpool.Pool
}

func NewPgPreferences(pool *pgxpool.Pool) *PgPreferences {
	return &PgPreferences{pool: pool}
}

func (p *PgPreferences) Allows(ctx context.Context, recipient string, kind TemplateKind) (bool, error) {
	var optedOut bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_opt_outs
			WHERE recipient = $1 AND kind = $2
		)
	`, recipient, string(kind)).Scan(&optedOut)
	if err != nil {
		return false, fmt.Errorf("query notification opt-outs: %w", err)
	}
	return !optedOut, nil
}

func (p *PgPreferences) OptOut(ctx context.Context, recipient string, kinds ...TemplateKind) error {
	for _, k := range kinds {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO notification_opt_outs (recipient, kind)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, recipient, string(k)); err != nil {
			return fmt.Errorf("insert notification opt-out: %w", err)
		}
	}
	return nil
}
