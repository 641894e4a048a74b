package store

import (
	"context"
	"fmt"
	"time"
)

// Invoice is one month's bill for a tenant.
type Invoice struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	MonthKey    string    `json:"month"`
	AmountCents int64     `json:"amountCents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type InvoiceStore struct {
	db *DB
}

func NewInvoiceStore(db *DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

func (s *InvoiceStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		month_key TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.SQL.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: init invoices: %w", err)
	}
	return nil
}

func (s *InvoiceStore) Insert(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (id, tenant_id, month_key, amount_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.SQL.ExecContext(ctx, query,
		inv.ID, inv.TenantID, inv.MonthKey, inv.AmountCents, inv.Status, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert invoice: %w", err)
	}
	return nil
}

func (s *InvoiceStore) ListByTenant(ctx context.Context, tenantID string) ([]Invoice, error) {
	query := `
		SELECT id, tenant_id, month_key, amount_cents, status, created_at
		FROM invoices
		WHERE tenant_id = $1
		ORDER BY month_key DESC
	`
	rows, err := s.db.SQL.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.MonthKey, &inv.AmountCents, &inv.Status, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}
