// Package billing exposes the read side of metering: monthly usage
// summaries and the invoice list.
package billing

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pbi-labs/pbi/pkg/metering"
	"github.com/pbi-labs/pbi/pkg/store"
)

var monthKeyRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ErrBadMonth is returned for a month parameter outside YYYY-MM.
var ErrBadMonth = fmt.Errorf("billing: month must be YYYY-MM")

// UsageSummary is the /billing/usage response body.
type UsageSummary struct {
	Month string           `json:"month"`
	Usage map[string]int64 `json:"usage"`
}

type UsageReader interface {
	GetUsage(ctx context.Context, tenantID, monthKey string) (*metering.Usage, error)
}

type InvoiceReader interface {
	ListByTenant(ctx context.Context, tenantID string) ([]store.Invoice, error)
}

// Service answers billing reads for one tenant at a time.
type Service struct {
	meter    UsageReader
	invoices InvoiceReader
	now      func() time.Time
}

func NewService(meter UsageReader, invoices InvoiceReader) *Service {
	return &Service{meter: meter, invoices: invoices, now: time.Now}
}

// Usage returns the month's unit totals. An empty month means the current
// UTC month.
func (s *Service) Usage(ctx context.Context, tenantID, month string) (*UsageSummary, error) {
	if month == "" {
		month = metering.MonthKey(s.now())
	}
	if !monthKeyRe.MatchString(month) {
		return nil, ErrBadMonth
	}
	u, err := s.meter.GetUsage(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	summary := &UsageSummary{Month: month, Usage: make(map[string]int64, len(u.Totals))}
	for kind, total := range u.Totals {
		summary.Usage[string(kind)] = total
	}
	return summary, nil
}

// Invoices lists the tenant's invoices, newest month first. Never nil.
func (s *Service) Invoices(ctx context.Context, tenantID string) ([]store.Invoice, error) {
	invoices, err := s.invoices.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []store.Invoice{}
	}
	return invoices, nil
}
