// Package metering tracks billable usage per tenant and enforces the
// monthly quota at debit time.
package metering

import (
	"errors"
	"time"
)

var (
	// ErrEmptyTenantID is returned when a debit names no tenant.
	ErrEmptyTenantID = errors.New("metering: tenant id must not be empty")
	// ErrUnknownKind is returned for a usage kind outside the billable set.
	ErrUnknownKind = errors.New("metering: unknown usage kind")
	// ErrQuotaExceeded is returned when a debit would push the month's
	// total units past the tenant's quota.
	ErrQuotaExceeded = errors.New("metering: monthly quota exceeded")
)

// Kind is a billable operation class.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindVerify    Kind = "verify"
)

func IsKnownKind(k Kind) bool {
	return k == KindChallenge || k == KindVerify
}

// MonthKey renders the billing period an instant falls in, UTC, as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DebitResult reports the state of the quota after a debit attempt. Used
// counts units across all kinds for the month, including the debited unit
// when OK.
type DebitResult struct {
	OK       bool
	MonthKey string
	Used     int64
	Quota    int64
}

// Usage is a month's aggregated unit counts per kind.
type Usage struct {
	TenantID string         `json:"tenantId"`
	MonthKey string         `json:"month"`
	Totals   map[Kind]int64 `json:"usage"`
}
