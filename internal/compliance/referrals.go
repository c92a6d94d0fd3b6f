package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Referral is a referral-on-file record for a patient and service.
type Referral struct {
	PatientID  uuid.UUID
	ServiceID  string
	ValidFrom  time.Time
	ValidUntil time.Time
	Revoked    bool
}

func (r Referral) ValidAt(at time.Time) bool {
	return !r.Revoked && !at.Before(r.ValidFrom) && at.Before(r.ValidUntil)
}

type MemoryReferrals struct {
	mu        sync.RWMutex
	referrals []Referral
}

func NewMemoryReferrals() *MemoryReferrals {
	return &MemoryReferrals{}
}

func (m *MemoryReferrals) Add(r Referral) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrals = append(m.referrals, r)
}

func (m *MemoryReferrals) HasValidReferral(_ context.Context, patientID uuid.UUID, serviceID string, at time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.referrals {
		if r.PatientID == patientID && r.ServiceID == serviceID && r.ValidAt(at) {
			return true, nil
		}
	}
	return false, nil
}

type PgReferrals struct {
	pool *pgxpool.Pool
}

func NewPgReferrals(pool *pgxpool.Pool) *PgReferrals {
	return &PgReferrals{pool: pool}
}

func (p *PgReferrals) HasValidReferral(ctx context.Context, patientID uuid.UUID, serviceID string, at time.Time) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM referrals
			WHERE patient_id = $1
			  AND service_id = $2
			  AND NOT revoked
			  AND valid_from <= $3
			  AND valid_until > $3
		)
	`, patientID, serviceID, at).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query referrals: %w", err)
	}
	return ok, nil
}
