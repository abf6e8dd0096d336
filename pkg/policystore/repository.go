package policystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the persistence contract of the store. Implementations
// must keep (policy id, bpn) associations unique.
type Repository interface {
	Save(ctx context.Context, bpn string, p Policy) error
	ListAll(ctx context.Context) (map[string][]Policy, error)
	ListForBPN(ctx context.Context, bpn string) ([]Policy, error)
	Delete(ctx context.Context, policyID string) (int, error)
	DeleteForBPN(ctx context.Context, policyID, bpn string) (int, error)
}

// policyDB is the subset of pgxpool.Pool the repository needs.
type policyDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores policy associations in the policies table.
type PostgresRepository struct {
	DB policyDB
}

func NewPostgresRepository(db policyDB) *PostgresRepository {
	return &PostgresRepository{DB: db}
}

func (r *PostgresRepository) Save(ctx context.Context, bpn string, p Policy) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO policies(policy_id, bpn, created_on, valid_until, payload)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (policy_id, bpn) DO UPDATE
		SET valid_until = EXCLUDED.valid_until, payload = EXCLUDED.payload
	`, p.PolicyID, bpn, p.CreatedOn, p.ValidUntil, p.Payload)
	if err != nil {
		return fmt.Errorf("save policy %s for %s: %w", p.PolicyID, bpn, err)
	}
	return nil
}

func (r *PostgresRepository) ListAll(ctx context.Context) (map[string][]Policy, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT policy_id, bpn, created_on, valid_until, payload
		FROM policies
		ORDER BY bpn, policy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	out := map[string][]Policy{}
	for rows.Next() {
		var bpn string
		var p Policy
		if err := rows.Scan(&p.PolicyID, &bpn, &p.CreatedOn, &p.ValidUntil, &p.Payload); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		out[bpn] = append(out[bpn], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListForBPN(ctx context.Context, bpn string) ([]Policy, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT policy_id, created_on, valid_until, payload
		FROM policies
		WHERE bpn = $1
		ORDER BY policy_id
	`, bpn)
	if err != nil {
		return nil, fmt.Errorf("list policies for %s: %w", bpn, err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.PolicyID, &p.CreatedOn, &p.ValidUntil, &p.Payload); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list policies for %s: %w", bpn, err)
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, policyID string) (int, error) {
	cmd, err := r.DB.Exec(ctx, `DELETE FROM policies WHERE policy_id = $1`, policyID)
	if err != nil {
		return 0, fmt.Errorf("delete policy %s: %w", policyID, err)
	}
	return int(cmd.RowsAffected()), nil
}

func (r *PostgresRepository) DeleteForBPN(ctx context.Context, policyID, bpn string) (int, error) {
	cmd, err := r.DB.Exec(ctx, `DELETE FROM policies WHERE policy_id = $1 AND bpn = $2`, policyID, bpn)
	if err != nil {
		return 0, fmt.Errorf("delete policy %s for %s: %w", policyID, bpn, err)
	}
	return int(cmd.RowsAffected()), nil
}

// MemoryRepository keeps associations in memory; used in tests and as
// a fallback when no database is configured. Safe for concurrent use.
type MemoryRepository struct {
	mu    sync.RWMutex
	byBPN map[string]map[string]Policy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byBPN: map[string]map[string]Policy{}}
}

func (r *MemoryRepository) Save(_ context.Context, bpn string, p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.byBPN[bpn]
	if !ok {
		bucket = map[string]Policy{}
		r.byBPN[bpn] = bucket
	}
	bucket[p.PolicyID] = p
	return nil
}

func (r *MemoryRepository) ListAll(context.Context) (map[string][]Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]Policy{}
	for bpn, bucket := range r.byBPN {
		for _, p := range bucket {
			out[bpn] = append(out[bpn], p)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListForBPN(_ context.Context, bpn string) ([]Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Policy
	for _, p := range r.byBPN[bpn] {
		out = append(out, p)
	}
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, policyID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for bpn, bucket := range r.byBPN {
		if _, ok := bucket[policyID]; ok {
			delete(bucket, policyID)
			removed++
		}
		if len(bucket) == 0 {
			delete(r.byBPN, bpn)
		}
	}
	return removed, nil
}

func (r *MemoryRepository) DeleteForBPN(_ context.Context, policyID, bpn string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.byBPN[bpn]
	if !ok {
		return 0, nil
	}
	if _, ok := bucket[policyID]; !ok {
		return 0, nil
	}
	delete(bucket, policyID)
	if len(bucket) == 0 {
		delete(r.byBPN, bpn)
	}
	return 1, nil
}

// nowUTC is swapped in tests for deterministic timestamps.
var nowUTC = func() time.Time { return time.Now().UTC() }
