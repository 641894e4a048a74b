package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delivery lifecycle states.
const (
	DeliveryPending   = "pending"
	DeliveryInflight  = "inflight"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookEndpoint is a tenant-registered callback URL. The signing secret is
// stored AES-GCM encrypted; plaintext exists only in memory while signing.
// SecretHash is the SHA-256 of the raw secret, kept so operators can tell
// which secret a consumer holds without ever decrypting it.
type WebhookEndpoint struct {
	ID               string
	TenantID         string
	URL              string
	SecretCiphertext string
	SecretIV         string
	SecretHash       string
	Events           []string
	Active           bool
	CreatedAt        time.Time
}

// Subscribed reports whether the endpoint wants the event.
func (e *WebhookEndpoint) Subscribed(event string) bool {
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is one queued event for one endpoint.
type WebhookDelivery struct {
	ID            string
	EndpointID    string
	TenantID      string
	Event         string
	Body          []byte
	Attempts      int
	Status        string
	NextAttemptAt time.Time
	LastError     string
	DeliveredAt   *time.Time
	CreatedAt     time.Time
}

// WebhookStore persists endpoints and the delivery queue.
type WebhookStore struct {
	db *DB
}

func NewWebhookStore(db *DB) *WebhookStore {
	return &WebhookStore{db: db}
}

func (s *WebhookStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret_ciphertext TEXT NOT NULL,
			secret_iv TEXT NOT NULL,
			secret_hash TEXT NOT NULL DEFAULT '',
			events TEXT NOT NULL DEFAULT 'receipt.created',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			event TEXT NOT NULL,
			body TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			next_attempt_at TIMESTAMP NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			delivered_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due
			ON webhook_deliveries (status, next_attempt_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.SQL.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: init webhooks: %w", err)
		}
	}
	return nil
}

func (s *WebhookStore) CreateEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	query := `
		INSERT INTO webhook_endpoints (id, tenant_id, url, secret_ciphertext, secret_iv, secret_hash, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.SQL.ExecContext(ctx, query,
		e.ID, e.TenantID, e.URL, e.SecretCiphertext, e.SecretIV, e.SecretHash,
		strings.Join(e.Events, ","), e.Active, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create endpoint: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx so endpoint reads can run inside
// the caller's transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *WebhookStore) ListEndpoints(ctx context.Context, tenantID string) ([]WebhookEndpoint, error) {
	return s.listEndpoints(ctx, s.db.SQL, tenantID)
}

func (s *WebhookStore) listEndpoints(ctx context.Context, q querier, tenantID string) ([]WebhookEndpoint, error) {
	query := `
		SELECT id, tenant_id, url, secret_ciphertext, secret_iv, secret_hash, events, active, created_at
		FROM webhook_endpoints
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`
	rows, err := q.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list endpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WebhookEndpoint
	for rows.Next() {
		var (
			e      WebhookEndpoint
			events string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.URL, &e.SecretCiphertext, &e.SecretIV, &e.SecretHash, &events, &e.Active, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan endpoint: %w", err)
		}
		if events != "" {
			e.Events = strings.Split(events, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveEndpoints returns the tenant's endpoints eligible for fan-out of
// the given event. The lookup runs on the caller's transaction: the enqueue
// path holds an open verify transaction, and on the single-connection
// SQLite pool a pool-side query would wait on that transaction forever.
func (s *WebhookStore) ActiveEndpoints(ctx context.Context, tx *sql.Tx, tenantID, event string) ([]WebhookEndpoint, error) {
	all, err := s.listEndpoints(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, e := range all {
		if e.Active && e.Subscribed(event) {
			active = append(active, e)
		}
	}
	return active, nil
}

// GetEndpoint returns (nil, nil) when the endpoint is unknown or owned by a
// different tenant.
func (s *WebhookStore) GetEndpoint(ctx context.Context, tenantID, id string) (*WebhookEndpoint, error) {
	query := `
		SELECT id, tenant_id, url, secret_ciphertext, secret_iv, secret_hash, events, active, created_at
		FROM webhook_endpoints
		WHERE id = $1 AND tenant_id = $2
	`
	row := s.db.SQL.QueryRowContext(ctx, query, id, tenantID)
	var (
		e      WebhookEndpoint
		events string
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.URL, &e.SecretCiphertext, &e.SecretIV, &e.SecretHash, &events, &e.Active, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load endpoint: %w", err)
	}
	if events != "" {
		e.Events = strings.Split(events, ",")
	}
	return &e, nil
}

// DeleteEndpoint deactivates rather than drops, so historical deliveries keep
// a valid endpoint reference.
func (s *WebhookStore) DeleteEndpoint(ctx context.Context, tenantID, id string) (bool, error) {
	query := `UPDATE webhook_endpoints SET active = FALSE WHERE id = $1 AND tenant_id = $2 AND active = TRUE`
	res, err := s.db.SQL.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("store: delete endpoint: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RotateSecret swaps the stored ciphertext for a freshly encrypted secret.
func (s *WebhookStore) RotateSecret(ctx context.Context, tenantID, id, ciphertext, iv, secretHash string) (bool, error) {
	query := `
		UPDATE webhook_endpoints
		SET secret_ciphertext = $1, secret_iv = $2, secret_hash = $3
		WHERE id = $4 AND tenant_id = $5 AND active = TRUE
	`
	res, err := s.db.SQL.ExecContext(ctx, query, ciphertext, iv, secretHash, id, tenantID)
	if err != nil {
		return false, fmt.Errorf("store: rotate secret: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// EnqueueTx queues a delivery inside the caller's transaction so the event
// commits atomically with the receipt that caused it.
func (s *WebhookStore) EnqueueTx(ctx context.Context, tx *sql.Tx, d *WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (id, endpoint_id, tenant_id, event, body, attempts, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		d.ID, d.EndpointID, d.TenantID, d.Event, string(d.Body),
		d.Attempts, DeliveryPending, d.NextAttemptAt, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue delivery: %w", err)
	}
	return nil
}

// PullDue claims up to limit pending deliveries whose next attempt is due,
// marking them inflight. On Postgres SKIP LOCKED keeps concurrent workers
// from claiming the same rows.
func (s *WebhookStore) PullDue(ctx context.Context, limit int, now time.Time) ([]WebhookDelivery, error) {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: pull due: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, endpoint_id, tenant_id, event, body, attempts, status, next_attempt_at, last_error, created_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`
	if s.db.Driver == DriverPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: pull due: %w", err)
	}

	var (
		due []WebhookDelivery
		ids []string
	)
	for rows.Next() {
		var (
			d    WebhookDelivery
			body string
		)
		err := rows.Scan(&d.ID, &d.EndpointID, &d.TenantID, &d.Event, &body,
			&d.Attempts, &d.Status, &d.NextAttemptAt, &d.LastError, &d.CreatedAt)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan delivery: %w", err)
		}
		d.Body = []byte(body)
		due = append(due, d)
		ids = append(ids, d.ID)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: pull due: %w", err)
	}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		claim := fmt.Sprintf(`UPDATE webhook_deliveries SET status = 'inflight' WHERE id IN (%s)`,
			strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, claim, args...); err != nil {
			return nil, fmt.Errorf("store: claim deliveries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: pull due: %w", err)
	}
	return due, nil
}

func (s *WebhookStore) MarkDelivered(ctx context.Context, id string, attempts int, now time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempts = $1, delivered_at = $2, last_error = ''
		WHERE id = $3
	`
	if _, err := s.db.SQL.ExecContext(ctx, query, attempts, now.UTC(), id); err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	return nil
}

func (s *WebhookStore) MarkRetry(ctx context.Context, id string, attempts int, nextAt time.Time, lastErr string) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'pending', attempts = $1, next_attempt_at = $2, last_error = $3
		WHERE id = $4
	`
	if _, err := s.db.SQL.ExecContext(ctx, query, attempts, nextAt.UTC(), lastErr, id); err != nil {
		return fmt.Errorf("store: mark retry: %w", err)
	}
	return nil
}

// RequeueStale re-pends inflight deliveries whose due time is older than
// cutoff. A worker that crashed between claim and settle leaves its batch
// inflight; the sweep restores at-least-once delivery for those rows.
func (s *WebhookStore) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE webhook_deliveries
		SET status = 'pending'
		WHERE status = 'inflight' AND next_attempt_at <= $1
	`
	res, err := s.db.SQL.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale: %w", err)
	}
	return res.RowsAffected()
}

func (s *WebhookStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'failed', attempts = $1, last_error = $2
		WHERE id = $3
	`
	if _, err := s.db.SQL.ExecContext(ctx, query, attempts, lastErr, id); err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return nil
}
