package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/receipts"
)

// queryFromParams translates list/export query parameters into a planner
// query for the authenticated tenant.
func queryFromParams(tenantID string, params url.Values) (receipts.Query, error) {
	q := receipts.Query{
		TenantID:      tenantID,
		Order:         receipts.Order(params.Get("order")),
		ActionHashHex: params.Get("actionHashHex"),
		ChallengeID:   params.Get("challengeId"),
		Purpose:       params.Get("purpose"),
		Decision:      receipts.Decision(params.Get("decision")),
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = limit
	}
	if v := params.Get("cursor"); v != "" {
		c, err := receipts.DecodeCursor(v)
		if err != nil {
			return q, fmt.Errorf("cursor is malformed")
		}
		q.Cursor = &c
	}
	if v := params.Get("createdAfter"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("createdAfter must be RFC 3339")
		}
		q.CreatedAfter = &t
	}
	if v := params.Get("createdBefore"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("createdBefore must be RFC 3339")
		}
		q.CreatedBefore = &t
	}
	return q, nil
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	tenant := auth.MustGetTenant(r.Context())
	q, err := queryFromParams(tenant.ID, r.URL.Query())
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	// Planner rejections (unknown purpose/decision/order) are client errors.
	if _, _, err := q.Plan(); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	records, err := s.receipts.Query(r.Context(), q)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if records == nil {
		records = []receipts.Record{}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = receipts.DefaultLimit
	}
	if limit > receipts.MaxLimit {
		limit = receipts.MaxLimit
	}
	var nextCursor string
	if len(records) == limit {
		last := records[len(records)-1]
		c := receipts.Cursor{CreatedAt: last.Receipt.CreatedAt, ID: last.Receipt.ID}
		if enc, err := c.Encode(); err == nil {
			nextCursor = enc
		}
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"receipts":   records,
		"nextCursor": nextCursor,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	tenant := auth.MustGetTenant(r.Context())
	q, err := queryFromParams(tenant.ID, r.URL.Query())
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if _, _, err := q.Plan(); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	var records []receipts.Record
	walkQ := q
	walkQ.Limit = 0
	if err := s.receiptsWalk(r, walkQ, &records); err != nil {
		api.WriteInternal(w, err)
		return
	}

	filters := map[string]any{
		"actionHashHex": q.ActionHashHex,
		"challengeId":   q.ChallengeID,
		"purpose":       q.Purpose,
		"decision":      q.Decision,
	}
	pack, err := s.exporter.Build(records, filters, s.policy, nil)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="pbi-export.zip"`)
	if err := pack.WriteZip(w); err != nil {
		// Headers are gone; all we can do is log.
		api.WriteInternal(w, err)
	}
}

func (s *Server) receiptsWalk(r *http.Request, q receipts.Query, out *[]receipts.Record) error {
	return s.receipts.Walk(r.Context(), q, func(rec receipts.Record) error {
		*out = append(*out, rec)
		return nil
	})
}

type receiptVerifyRequest struct {
	ReceiptID      string `json:"receiptId"`
	ReceiptHashHex string `json:"receiptHashHex"`
}

func (s *Server) handleReceiptVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var req receiptVerifyRequest
	if apiErr := api.DecodeAndValidate(api.ReceiptVerifyRequestSchema, raw, &req); apiErr != nil {
		api.WriteError(w, apiErr)
		return
	}

	tenant := auth.MustGetTenant(r.Context())
	receipt, err := s.receipts.GetByID(r.Context(), tenant.ID, req.ReceiptID)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if receipt == nil {
		api.WriteNotFound(w, "receipt not found")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":      s.minter.Reverify(*receipt, req.ReceiptHashHex),
		"receipt": receipt,
	})
}
