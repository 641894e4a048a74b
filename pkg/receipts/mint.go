package receipts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

// Minter derives tamper-evident receipt fingerprints under a process-wide
// secret. The fingerprint lets /receipts/verify re-check a receipt offline
// from nothing but its row.
type Minter struct {
	secret []byte
}

// NewMinter wraps the receipt HMAC secret (32+ bytes, enforced by config).
func NewMinter(secret []byte) *Minter {
	return &Minter{secret: secret}
}

// Fingerprint computes HMAC-SHA-256(secret, "receipt:<id>:challenge:<challengeId>:decision:<decision>").
func (m *Minter) Fingerprint(id, challengeID string, decision Decision) string {
	payload := fmt.Sprintf("receipt:%s:challenge:%s:decision:%s", id, challengeID, decision)
	return crypto.HMACSHA256Hex(m.secret, []byte(payload))
}

// Mint builds a new receipt with a fresh id and its fingerprint.
func (m *Minter) Mint(tenantID, challengeID string, decision Decision, now time.Time) Receipt {
	id := uuid.New().String()
	return Receipt{
		ID:             id,
		TenantID:       tenantID,
		ChallengeID:    challengeID,
		Decision:       decision,
		ReceiptHashHex: m.Fingerprint(id, challengeID, decision),
		CreatedAt:      now.UTC(),
	}
}

// Reverify recomputes the fingerprint for a stored receipt and compares it
// against the presented hash in constant time.
func (m *Minter) Reverify(r Receipt, presentedHex string) bool {
	expected := m.Fingerprint(r.ID, r.ChallengeID, r.Decision)
	return crypto.ConstantTimeEqual(expected, presentedHex) && crypto.ConstantTimeEqual(expected, r.ReceiptHashHex)
}
