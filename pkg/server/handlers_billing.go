package server

import (
	"errors"
	"net/http"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/billing"
)

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	tenant := auth.MustGetTenant(r.Context())
	summary, err := s.billing.Usage(r.Context(), tenant.ID, r.URL.Query().Get("month"))
	if err != nil {
		if errors.Is(err, billing.ErrBadMonth) {
			api.WriteBadRequest(w, "month must be YYYY-MM")
			return
		}
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, summary)
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	tenant := auth.MustGetTenant(r.Context())
	invoices, err := s.billing.Invoices(r.Context(), tenant.ID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}
