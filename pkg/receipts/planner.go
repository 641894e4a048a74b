package receipts

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbi-labs/pbi/pkg/policy"
)

// Order is the pagination direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

const (
	// DefaultLimit applies when the caller omits limit.
	DefaultLimit = 50
	// MaxLimit caps a single page.
	MaxLimit = 200
)

// Query describes one page of the receipt log. All filters compose with AND.
type Query struct {
	TenantID      string
	Limit         int
	Order         Order
	Cursor        *Cursor
	ActionHashHex string
	ChallengeID   string
	Purpose       string
	Decision      Decision
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

const selectColumns = `r.id, r.tenant_id, r.challenge_id, r.decision, r.receipt_hash, r.created_at,
	c.purpose, c.action_hash, c.created_at`

// Plan composes the statement text and positional values for the query.
//
// Ordering is (created_at, id) in the requested direction so equal
// timestamps break ties deterministically, and the cursor predicate keeps
// pages stable across concurrent inserts: a row inserted at or after the
// cursor instant falls strictly on the already-emitted side.
func (q Query) Plan() (string, []any, error) {
	if q.TenantID == "" {
		return "", nil, fmt.Errorf("planner: tenant id required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	order := q.Order
	if order == "" {
		order = OrderDesc
	}
	if order != OrderAsc && order != OrderDesc {
		return "", nil, fmt.Errorf("planner: order must be asc or desc")
	}
	if q.Purpose != "" && !policy.IsKnownPurpose(q.Purpose) {
		return "", nil, fmt.Errorf("planner: unknown purpose %q", q.Purpose)
	}
	if q.Decision != "" && !IsKnownDecision(q.Decision) {
		return "", nil, fmt.Errorf("planner: unknown decision %q", q.Decision)
	}

	var (
		conds []string
		args  []any
	)
	ph := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds = append(conds, "r.tenant_id = "+ph(q.TenantID))
	if q.ActionHashHex != "" {
		conds = append(conds, "c.action_hash = "+ph(q.ActionHashHex))
	}
	if q.ChallengeID != "" {
		conds = append(conds, "r.challenge_id = "+ph(q.ChallengeID))
	}
	if q.Purpose != "" {
		conds = append(conds, "c.purpose = "+ph(q.Purpose))
	}
	if q.Decision != "" {
		conds = append(conds, "r.decision = "+ph(string(q.Decision)))
	}
	if q.CreatedAfter != nil {
		conds = append(conds, "r.created_at >= "+ph(q.CreatedAfter.UTC()))
	}
	if q.CreatedBefore != nil {
		conds = append(conds, "r.created_at < "+ph(q.CreatedBefore.UTC()))
	}
	if q.Cursor != nil {
		cmp := "<"
		if order == OrderAsc {
			cmp = ">"
		}
		at := ph(q.Cursor.CreatedAt.UTC())
		id := ph(q.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(r.created_at %s %s OR (r.created_at = %s AND r.id %s %s))",
			cmp, at, at, cmp, id))
	}

	dir := strings.ToUpper(string(order))
	stmt := fmt.Sprintf(`SELECT %s
FROM pbi_receipts r
JOIN pbi_challenges c ON c.id = r.challenge_id
WHERE %s
ORDER BY r.created_at %s, r.id %s
LIMIT %s`, selectColumns, strings.Join(conds, " AND "), dir, dir, ph(limit))

	return stmt, args, nil
}
