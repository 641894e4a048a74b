// Package webhook delivers signed receipt events to tenant endpoints with
// at-least-once semantics and exponential retry.
package webhook

import (
	"fmt"
	"strings"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

// EventReceiptCreated is emitted once per minted receipt.
const EventReceiptCreated = "receipt.created"

// Outbound headers. Consumers recompute the HMAC over
// "<timestamp>.<deliveryId>.<body>" and constant-time compare.
const (
	HeaderEvent      = "X-PBI-Event"
	HeaderDeliveryID = "X-PBI-Delivery-Id"
	HeaderTimestamp  = "X-PBI-Timestamp"
	HeaderSignature  = "X-PBI-Signature"
)

// Sign computes the v1 signature header value for one delivery attempt.
func Sign(secret []byte, deliveryID string, tsUnix int64, body []byte) string {
	base := fmt.Sprintf("%d.%s.%s", tsUnix, deliveryID, body)
	return "v1=" + crypto.HMACSHA256Hex(secret, []byte(base))
}

// VerifySignature checks a received header value. Used by consumers and by
// tests; the server never calls it.
func VerifySignature(secret []byte, deliveryID string, tsUnix int64, body []byte, header string) bool {
	hex, ok := strings.CutPrefix(header, "v1=")
	if !ok {
		return false
	}
	base := fmt.Sprintf("%d.%s.%s", tsUnix, deliveryID, body)
	return crypto.ConstantTimeEqual(crypto.HMACSHA256Hex(secret, []byte(base)), hex)
}
