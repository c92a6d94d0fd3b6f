package registration

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Feed is the upstream source of registration expiry dates.
type Feed interface {
	Fetch(ctx context.Context) ([]FeedEntry, error)
}

type StaticFeed []FeedEntry

func (f StaticFeed) Fetch(context.Context) ([]FeedEntry, error) {
	return f, nil
}

// PgFeed reads the registration_feed table loaded by the regulator import job.
type PgFeed struct {
	pool *pgxpool.Pool
}

func NewPgFeed(pool *pgxpool.Pool) *PgFeed {
	return &PgFeed{pool: pool}
}

func (f *PgFeed) Fetch(ctx context.Context) ([]FeedEntry, error) {
	rows, err := f.pool.Query(ctx, `SELECT clinician_id, expiry_date FROM registration_feed`)
	if err != nil {
		return nil, fmt.Errorf("read registration feed: %w", err)
	}
	defer rows.Close()

	var out []FeedEntry
	for rows.Next() {
		var e FeedEntry
		if err := rows.Scan(&e.ClinicianID, &e.ExpiryDate); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
