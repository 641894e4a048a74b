package server

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/store"
	"github.com/pbi-labs/pbi/pkg/webhook"
)

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// endpointJSON never includes secret material; the hash identifies which
// secret the consumer holds without revealing it.
func endpointJSON(e *store.WebhookEndpoint) map[string]any {
	return map[string]any{
		"id":           e.ID,
		"url":          e.URL,
		"secretSha256": e.SecretHash,
		"events":       e.Events,
		"active":       e.Active,
		"createdAt":    e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// endpointURLAllowed restricts endpoints to https; plain http is tolerated
// only for loopback hosts so local consumers remain testable.
func endpointURLAllowed(u *url.URL) bool {
	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
}

// newEndpointSecret mints a consumer-facing signing secret.
func newEndpointSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "whsec_" + crypto.B64URLEncode(raw), nil
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createWebhook(w, r)
	case http.MethodGet:
		s.listWebhooks(w, r)
	default:
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
	}
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var req createWebhookRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		api.WriteBadRequest(w, "body must be JSON")
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || !endpointURLAllowed(u) {
		api.WriteBadRequest(w, "url must be an absolute https URL")
		return
	}
	events := req.Events
	if len(events) == 0 {
		events = []string{webhook.EventReceiptCreated}
	}
	for _, ev := range events {
		if ev != webhook.EventReceiptCreated {
			api.WriteBadRequest(w, "unknown event "+ev)
			return
		}
	}

	secret := req.Secret
	generated := false
	if secret == "" {
		secret, err = newEndpointSecret()
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		generated = true
	}
	ciphertext, iv, err := s.box.Seal([]byte(secret))
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	tenant := auth.MustGetTenant(r.Context())
	e := store.WebhookEndpoint{
		ID:               uuid.New().String(),
		TenantID:         tenant.ID,
		URL:              req.URL,
		SecretCiphertext: ciphertext,
		SecretIV:         iv,
		SecretHash:       crypto.SHA256Hex([]byte(secret)),
		Events:           events,
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.webhooks.CreateEndpoint(r.Context(), &e); err != nil {
		api.WriteInternal(w, err)
		return
	}

	body := endpointJSON(&e)
	if generated {
		// Returned exactly once; only the ciphertext survives.
		body["secret"] = secret
	}
	api.WriteJSON(w, http.StatusCreated, body)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	tenant := auth.MustGetTenant(r.Context())
	endpoints, err := s.webhooks.ListEndpoints(r.Context(), tenant.ID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	out := make([]map[string]any, 0, len(endpoints))
	for i := range endpoints {
		out = append(out, endpointJSON(&endpoints[i]))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

// handleWebhookByID serves DELETE /v1/webhooks/{id} and
// POST /v1/webhooks/{id}/rotate.
func (s *Server) handleWebhookByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		api.WriteNotFound(w, "webhook endpoint not found")
		return
	}
	tenant := auth.MustGetTenant(r.Context())

	switch {
	case r.Method == http.MethodDelete && action == "":
		ok, err := s.webhooks.DeleteEndpoint(r.Context(), tenant.ID, id)
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		if !ok {
			api.WriteNotFound(w, "webhook endpoint not found")
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && action == "rotate":
		secret, err := newEndpointSecret()
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		ciphertext, iv, err := s.box.Seal([]byte(secret))
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		ok, err := s.webhooks.RotateSecret(r.Context(), tenant.ID, id, ciphertext, iv,
			crypto.SHA256Hex([]byte(secret)))
		if err != nil {
			api.WriteInternal(w, err)
			return
		}
		if !ok {
			api.WriteNotFound(w, "webhook endpoint not found")
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "secret": secret})

	default:
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
	}
}
