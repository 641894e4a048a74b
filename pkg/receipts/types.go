// Package receipts defines the receipt record, its HMAC fingerprint, and the
// stable cursor pagination planner over the append-only receipt log.
package receipts

import "time"

// Decision is the outcome recorded on a receipt.
type Decision string

const (
	DecisionVerified Decision = "PBI_VERIFIED"
	DecisionFailed   Decision = "FAILED"
	DecisionExpired  Decision = "EXPIRED"
	DecisionReplayed Decision = "REPLAYED"
)

// IsKnownDecision reports membership in the closed decision set.
func IsKnownDecision(d Decision) bool {
	switch d {
	case DecisionVerified, DecisionFailed, DecisionExpired, DecisionReplayed:
		return true
	}
	return false
}

// Receipt is one row of the append-only receipt log. Receipts are
// credential-anchored, never user-anchored, and are never updated or
// deleted after insert.
type Receipt struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	ChallengeID    string    `json:"challengeId"`
	Decision       Decision  `json:"decision"`
	ReceiptHashHex string    `json:"receiptHashHex"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ChallengeSummary is the challenge context joined onto query results and
// export rows.
type ChallengeSummary struct {
	ID            string    `json:"id"`
	Purpose       string    `json:"purpose"`
	ActionHashHex string    `json:"actionHashHex"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Record pairs a receipt with its challenge context.
type Record struct {
	Receipt   Receipt          `json:"receipt"`
	Challenge ChallengeSummary `json:"challenge"`
}
