package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Challenge is one minted presence challenge. NonceB64URL is the exact value
// the authenticator must echo back inside clientDataJSON.
type Challenge struct {
	ID            string
	TenantID      string
	Purpose       string
	ActionHashHex string
	NonceB64URL   string
	TTLSeconds    int
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
}

// ChallengeStore persists the challenge lifecycle: minted, then consumed at
// most once.
type ChallengeStore struct {
	db *DB
}

func NewChallengeStore(db *DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func (s *ChallengeStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pbi_challenges (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			action_hash TEXT NOT NULL,
			nonce TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			used_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_tenant_expires
			ON pbi_challenges (tenant_id, expires_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.SQL.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: init pbi_challenges: %w", err)
		}
	}
	return nil
}

func (s *ChallengeStore) Insert(ctx context.Context, c *Challenge) error {
	query := `
		INSERT INTO pbi_challenges (id, tenant_id, purpose, action_hash, nonce, ttl_seconds, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.SQL.ExecContext(ctx, query,
		c.ID, c.TenantID, c.Purpose, c.ActionHashHex, c.NonceB64URL,
		c.TTLSeconds, c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert challenge: %w", err)
	}
	return nil
}

// Get returns (nil, nil) when the id is unknown.
func (s *ChallengeStore) Get(ctx context.Context, id string) (*Challenge, error) {
	query := `
		SELECT id, tenant_id, purpose, action_hash, nonce, ttl_seconds, created_at, expires_at, used_at
		FROM pbi_challenges
		WHERE id = $1
	`
	row := s.db.SQL.QueryRowContext(ctx, query, id)

	var (
		c      Challenge
		usedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Purpose, &c.ActionHashHex, &c.NonceB64URL,
		&c.TTLSeconds, &c.CreatedAt, &c.ExpiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load challenge: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		c.UsedAt = &t
	}
	return &c, nil
}

// MarkUsed consumes the challenge. The conditional update is the single
// source of truth for replay: zero affected rows means another verify won
// the race (or the challenge was already spent).
func (s *ChallengeStore) MarkUsed(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	query := `
		UPDATE pbi_challenges
		SET used_at = $1
		WHERE id = $2 AND used_at IS NULL
	`
	res, err := tx.ExecContext(ctx, query, now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("store: mark challenge used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark challenge used: %w", err)
	}
	return n == 1, nil
}
