// Package server wires the PBI HTTP surface: routing, middleware order,
// and the mapping from domain outcomes to the wire protocol.
package server

import (
	"io"
	"net/http"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/attest"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/billing"
	"github.com/pbi-labs/pbi/pkg/config"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/export"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
)

// maxBodyBytes bounds request bodies; all accepted payloads are small.
const maxBodyBytes = 1 << 20

// Server owns the HTTP surface and its dependencies.
type Server struct {
	cfg      *config.Config
	tenants  auth.TenantSource
	attest   *attest.Service
	receipts *store.ReceiptStore
	minter   *receipts.Minter
	billing  *billing.Service
	webhooks *store.WebhookStore
	box      *crypto.SecretBox
	exporter *export.Builder
	policy   *policy.Policy
	limiter  auth.Limiter
}

func New(cfg *config.Config, tenants auth.TenantSource, att *attest.Service, rs *store.ReceiptStore, minter *receipts.Minter, bill *billing.Service, ws *store.WebhookStore, box *crypto.SecretBox, exporter *export.Builder, pol *policy.Policy, limiter auth.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		tenants:  tenants,
		attest:   att,
		receipts: rs,
		minter:   minter,
		billing:  bill,
		webhooks: ws,
		box:      box,
		exporter: exporter,
		policy:   pol,
		limiter:  limiter,
	}
}

// Handler assembles the middleware chain: request id on everything, then
// rate limiting and authentication on the API routes. /health stays open.
func (s *Server) Handler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.Handle("/v1/pbi/challenge", s.scoped(auth.ScopeVerify, s.handleChallenge))
	apiMux.Handle("/v1/pbi/verify", s.scoped(auth.ScopeVerify, s.handleVerify))
	apiMux.Handle("/v1/pbi/receipts", s.scoped(auth.ScopeReadReceipts, s.handleReceipts))
	apiMux.Handle("/v1/pbi/receipts/export", s.scoped(auth.ScopeExport, s.handleExport))
	apiMux.Handle("/v1/pbi/receipts/verify", s.scoped(auth.ScopeReadReceipts, s.handleReceiptVerify))
	apiMux.HandleFunc("/v1/billing/usage", s.handleUsage)
	apiMux.HandleFunc("/v1/billing/invoices", s.handleInvoices)
	apiMux.HandleFunc("/v1/webhooks", s.handleWebhooks)
	apiMux.HandleFunc("/v1/webhooks/", s.handleWebhookByID)

	var apiHandler http.Handler = apiMux
	apiHandler = auth.Middleware(s.tenants)(apiHandler)
	apiHandler = auth.RateLimitMiddleware(s.limiter, s.cfg.RLWindowSeconds)(apiHandler)

	root := http.NewServeMux()
	root.HandleFunc("/health", s.handleHealth)
	root.Handle("/v1/", apiHandler)
	return auth.RequestIDMiddleware(root)
}

func (s *Server) scoped(scope string, h http.HandlerFunc) http.Handler {
	return auth.RequireScope(scope, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"policyVersion": s.cfg.PolicyVersion,
		"policyHash":    s.cfg.PolicyHash,
	})
}

// readBody drains at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, "request body unreadable or too large")
		return nil, false
	}
	return raw, true
}
