package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
)

// tenantMutexes backs the lite-mode lock. SQLite has no advisory locks, but
// lite mode runs a single process, so an in-process mutex per tenant gives
// the same exclusion.
var tenantMutexes sync.Map

// TenantLock serializes writers for one tenant inside tx. On Postgres it
// takes pg_advisory_xact_lock keyed by FNV-64a of the tenant id, released
// automatically at transaction end. The returned unlock is a no-op there; in
// lite mode it releases the process-local mutex and must be called after the
// transaction finishes.
func (d *DB) TenantLock(ctx context.Context, tx *sql.Tx, tenantID string) (func(), error) {
	if d.Driver == DriverPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(fnv64(tenantID))); err != nil {
			return nil, fmt.Errorf("store: advisory lock: %w", err)
		}
		return func() {}, nil
	}

	v, _ := tenantMutexes.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
