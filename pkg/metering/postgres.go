package metering

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/store"
)

// SQLMeter implements quota-checked debits over the shared SQL pool. The
// check-then-insert runs under the tenant's advisory lock, so concurrent
// debits for one tenant serialize and cannot jointly overshoot the quota.
type SQLMeter struct {
	db *store.DB
}

func NewSQLMeter(db *store.DB) *SQLMeter {
	return &SQLMeter{db: db}
}

func (m *SQLMeter) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			units BIGINT NOT NULL,
			month_key TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tenant_month
			ON usage_events (tenant_id, month_key)`,
	}
	for _, q := range stmts {
		if _, err := m.db.SQL.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("metering: init usage_events: %w", err)
		}
	}
	return nil
}

// Debit charges one unit in its own transaction. Used at challenge mint,
// where nothing else needs to commit atomically with the charge.
func (m *SQLMeter) Debit(ctx context.Context, tenantID string, kind Kind, quota int64, now time.Time) (DebitResult, error) {
	tx, err := m.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return DebitResult{}, fmt.Errorf("metering: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	unlock, err := m.db.TenantLock(ctx, tx, tenantID)
	if err != nil {
		return DebitResult{}, err
	}
	defer unlock()

	res, err := m.debitLocked(ctx, tx, tenantID, kind, quota, now)
	if err != nil {
		return DebitResult{}, err
	}
	if !res.OK {
		return res, nil
	}
	if err := tx.Commit(); err != nil {
		return DebitResult{}, fmt.Errorf("metering: commit: %w", err)
	}
	return res, nil
}

// DebitTx charges one unit inside the caller's transaction, taking the
// tenant lock on that transaction. Used by verify, where the charge must
// commit atomically with the challenge consumption and the receipt.
func (m *SQLMeter) DebitTx(ctx context.Context, tx *sql.Tx, tenantID string, kind Kind, quota int64, now time.Time) (DebitResult, func(), error) {
	unlock, err := m.db.TenantLock(ctx, tx, tenantID)
	if err != nil {
		return DebitResult{}, nil, err
	}
	res, err := m.debitLocked(ctx, tx, tenantID, kind, quota, now)
	if err != nil {
		unlock()
		return DebitResult{}, nil, err
	}
	return res, unlock, nil
}

func (m *SQLMeter) debitLocked(ctx context.Context, tx *sql.Tx, tenantID string, kind Kind, quota int64, now time.Time) (DebitResult, error) {
	if tenantID == "" {
		return DebitResult{}, ErrEmptyTenantID
	}
	if !IsKnownKind(kind) {
		return DebitResult{}, ErrUnknownKind
	}

	month := MonthKey(now)
	var used int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0)
		FROM usage_events
		WHERE tenant_id = $1 AND month_key = $2
	`, tenantID, month).Scan(&used)
	if err != nil {
		return DebitResult{}, fmt.Errorf("metering: sum usage: %w", err)
	}

	// The quota spans all kinds for the month. A pending plan has quota 0
	// and therefore no allowance.
	if used+1 > quota {
		return DebitResult{OK: false, MonthKey: month, Used: used, Quota: quota}, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, kind, units, month_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), tenantID, string(kind), int64(1), month, now.UTC())
	if err != nil {
		return DebitResult{}, fmt.Errorf("metering: insert usage event: %w", err)
	}
	return DebitResult{OK: true, MonthKey: month, Used: used + 1, Quota: quota}, nil
}

// GetUsage aggregates the month's units per kind.
func (m *SQLMeter) GetUsage(ctx context.Context, tenantID, monthKey string) (*Usage, error) {
	if tenantID == "" {
		return nil, ErrEmptyTenantID
	}
	rows, err := m.db.SQL.QueryContext(ctx, `
		SELECT kind, SUM(units)
		FROM usage_events
		WHERE tenant_id = $1 AND month_key = $2
		GROUP BY kind
	`, tenantID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	u := &Usage{
		TenantID: tenantID,
		MonthKey: monthKey,
		Totals:   map[Kind]int64{KindChallenge: 0, KindVerify: 0},
	}
	for rows.Next() {
		var (
			kind  Kind
			total int64
		)
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, fmt.Errorf("metering: scan usage: %w", err)
		}
		u.Totals[kind] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metering: query usage: %w", err)
	}
	return u, nil
}
