package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbi-labs/pbi/pkg/auth"
)

// TenantStore resolves API keys to tenants. Keys are stored only as SHA-256
// hashes; the plaintext key never touches the database.
type TenantStore struct {
	db *DB
}

func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT UNIQUE NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT 'pending',
		monthly_quota BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		scopes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.SQL.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: init api_keys: %w", err)
	}
	return nil
}

// ByKeyHash looks up the tenant owning the hashed key. Returns (nil, nil)
// when no key matches.
func (s *TenantStore) ByKeyHash(ctx context.Context, keyHash string) (*auth.Tenant, error) {
	query := `
		SELECT id, label, key_hash, plan, monthly_quota, active, scopes
		FROM api_keys
		WHERE key_hash = $1
	`
	row := s.db.SQL.QueryRowContext(ctx, query, keyHash)

	var (
		t      auth.Tenant
		scopes string
	)
	err := row.Scan(&t.ID, &t.Label, &t.KeyHash, &t.Plan, &t.MonthlyQuota, &t.Active, &scopes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: lookup api key: %w", err)
	}
	if scopes != "" {
		t.Scopes = strings.Split(scopes, ",")
	}
	return &t, nil
}

// Insert registers a tenant key. Used by the bootstrap command and tests.
func (s *TenantStore) Insert(ctx context.Context, t *auth.Tenant) error {
	query := `
		INSERT INTO api_keys (id, key_hash, label, plan, monthly_quota, active, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.SQL.ExecContext(ctx, query,
		t.ID, t.KeyHash, t.Label, t.Plan, t.MonthlyQuota, t.Active,
		strings.Join(t.Scopes, ","), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert api key: %w", err)
	}
	return nil
}
