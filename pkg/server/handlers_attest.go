package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/pbi-labs/pbi/pkg/api"
	"github.com/pbi-labs/pbi/pkg/attest"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/metering"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
	"github.com/pbi-labs/pbi/pkg/webauthn"
)

type challengeRequest struct {
	Purpose       string `json:"purpose"`
	ActionHashHex string `json:"actionHashHex"`
	TTLSeconds    int    `json:"ttlSeconds"`
}

type verifyRequest struct {
	ChallengeID string                   `json:"challengeId"`
	Assertion   webauthn.AssertionBundle `json:"assertion"`
}

func challengeJSON(c *store.Challenge) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"challengeB64Url": c.NonceB64URL,
		"purpose":         c.Purpose,
		"actionHashHex":   c.ActionHashHex,
		"expiresAtIso":    c.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func meteringJSON(d metering.DebitResult) map[string]any {
	return map[string]any{
		"month": d.MonthKey,
		"used":  d.Used,
		"quota": d.Quota,
	}
}

func writeQuotaExceeded(w http.ResponseWriter, qe *attest.QuotaError, extra map[string]any) {
	fields := map[string]any{
		"month": qe.Result.MonthKey,
		"used":  qe.Result.Used,
		"quota": qe.Result.Quota,
	}
	for k, v := range extra {
		fields[k] = v
	}
	api.WriteError(w, &api.Error{
		Status:  http.StatusPaymentRequired,
		Code:    api.CodeQuotaExceeded,
		Message: "monthly quota exhausted",
		Extra:   fields,
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var req challengeRequest
	if apiErr := api.DecodeAndValidate(api.ChallengeRequestSchema, raw, &req); apiErr != nil {
		api.WriteError(w, apiErr)
		return
	}

	tenant := auth.MustGetTenant(r.Context())
	res, err := s.attest.MintChallenge(r.Context(), tenant, attest.MintRequest{
		Purpose:       req.Purpose,
		ActionHashHex: req.ActionHashHex,
		TTLSeconds:    req.TTLSeconds,
	})
	if err != nil {
		var qe *attest.QuotaError
		switch {
		case errors.Is(err, attest.ErrPurposeMismatch):
			api.WriteCode(w, http.StatusBadRequest, api.CodePurposeMismatch,
				"purpose has no policy entry")
		case errors.As(err, &qe):
			writeQuotaExceeded(w, qe, nil)
		default:
			api.WriteInternal(w, err)
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"challenge": challengeJSON(&res.Challenge),
		"metering":  meteringJSON(res.Metering),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteCode(w, http.StatusMethodNotAllowed, api.CodeInvalidRequest, "method not allowed")
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if apiErr := api.DecodeAndValidate(api.VerifyRequestSchema, raw, &req); apiErr != nil {
		api.WriteError(w, apiErr)
		return
	}

	tenant := auth.MustGetTenant(r.Context())
	out, err := s.attest.Verify(r.Context(), tenant, req.ChallengeID, req.Assertion)
	if err != nil {
		var qe *attest.QuotaError
		switch {
		case errors.Is(err, attest.ErrUnknownChallenge):
			api.WriteError(w, &api.Error{
				Status:  http.StatusNotFound,
				Code:    api.CodeUnknownChallenge,
				Message: "challenge does not exist for this tenant",
				Extra: map[string]any{
					"decision": receipts.DecisionFailed,
					"reason":   api.CodeUnknownChallenge,
				},
			})
		case errors.As(err, &qe):
			// A quota-walled verify is a FAILED attempt on the wire.
			writeQuotaExceeded(w, qe, map[string]any{
				"decision": receipts.DecisionFailed,
				"reason":   api.CodeQuotaExceeded,
			})
		default:
			api.WriteInternal(w, err)
		}
		return
	}

	switch out.Decision {
	case receipts.DecisionVerified:
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"decision":       out.Decision,
			"receiptId":      out.Receipt.ID,
			"receiptHashHex": out.Receipt.ReceiptHashHex,
			"challenge":      challengeJSON(out.Challenge),
			"metering":       meteringJSON(*out.Metering),
		})
	case receipts.DecisionFailed:
		api.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"ok":       false,
			"decision": out.Decision,
			"reason":   out.Reason,
		})
	default: // EXPIRED, REPLAYED
		api.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"ok":       false,
			"decision": out.Decision,
		})
	}
}
