package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pbi-labs/pbi/pkg/receipts"
)

// ReceiptStore is the append-only receipt log.
type ReceiptStore struct {
	db *DB
}

func NewReceiptStore(db *DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

func (s *ReceiptStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pbi_receipts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			challenge_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			receipt_hash TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_tenant_created
			ON pbi_receipts (tenant_id, created_at, id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.SQL.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: init pbi_receipts: %w", err)
		}
	}
	return nil
}

// Append writes the receipt inside the verify transaction so the receipt and
// the challenge consumption commit atomically.
func (s *ReceiptStore) Append(ctx context.Context, tx *sql.Tx, r receipts.Receipt) error {
	query := `
		INSERT INTO pbi_receipts (id, tenant_id, challenge_id, decision, receipt_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := tx.ExecContext(ctx, query,
		r.ID, r.TenantID, r.ChallengeID, string(r.Decision), r.ReceiptHashHex, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append receipt: %w", err)
	}
	return nil
}

// GetByID returns (nil, nil) when the receipt does not exist or belongs to a
// different tenant.
func (s *ReceiptStore) GetByID(ctx context.Context, tenantID, id string) (*receipts.Receipt, error) {
	query := `
		SELECT id, tenant_id, challenge_id, decision, receipt_hash, created_at
		FROM pbi_receipts
		WHERE id = $1 AND tenant_id = $2
	`
	row := s.db.SQL.QueryRowContext(ctx, query, id, tenantID)

	var r receipts.Receipt
	err := row.Scan(&r.ID, &r.TenantID, &r.ChallengeID, &r.Decision, &r.ReceiptHashHex, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load receipt: %w", err)
	}
	return &r, nil
}

// Query executes one planned page of the receipt log.
func (s *ReceiptStore) Query(ctx context.Context, q receipts.Query) ([]receipts.Record, error) {
	stmt, args, err := q.Plan()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.SQL.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []receipts.Record
	for rows.Next() {
		var rec receipts.Record
		err := rows.Scan(
			&rec.Receipt.ID, &rec.Receipt.TenantID, &rec.Receipt.ChallengeID,
			&rec.Receipt.Decision, &rec.Receipt.ReceiptHashHex, &rec.Receipt.CreatedAt,
			&rec.Challenge.Purpose, &rec.Challenge.ActionHashHex, &rec.Challenge.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan receipt: %w", err)
		}
		rec.Challenge.ID = rec.Receipt.ChallengeID
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query receipts: %w", err)
	}
	return records, nil
}

// Walk visits every record matching q in order, paging internally. Used by
// the export builder, which needs the full result set rather than one page.
func (s *ReceiptStore) Walk(ctx context.Context, q receipts.Query, fn func(receipts.Record) error) error {
	q.Limit = receipts.MaxLimit
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < receipts.MaxLimit {
			return nil
		}
		last := page[len(page)-1]
		q.Cursor = &receipts.Cursor{CreatedAt: last.Receipt.CreatedAt, ID: last.Receipt.ID}
	}
}
