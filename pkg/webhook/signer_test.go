package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

func TestSign(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"id":"d-1","type":"receipt.created"}`)

	header := Sign(secret, "d-1", 1756036800, body)
	assert.Equal(t, "v1=", header[:3])

	expected := crypto.HMACSHA256Hex(secret, []byte("1756036800.d-1."+string(body)))
	assert.Equal(t, "v1="+expected, header)
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"hello":"world"}`)
	header := Sign(secret, "d-1", 100, body)

	assert.True(t, VerifySignature(secret, "d-1", 100, body, header))
	assert.False(t, VerifySignature(secret, "d-1", 101, body, header))
	assert.False(t, VerifySignature(secret, "d-2", 100, body, header))
	assert.False(t, VerifySignature([]byte("other"), "d-1", 100, body, header))
	assert.False(t, VerifySignature(secret, "d-1", 100, []byte("tampered"), header))
	// Missing version prefix.
	assert.False(t, VerifySignature(secret, "d-1", 100, body, header[3:]))
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		expected float64 // seconds, before jitter
	}{
		{1, 30},
		{2, 60},
		{3, 120},
		{4, 240},
		{7, 1920},
		{8, 3600},  // capped
		{20, 3600}, // stays capped
	}
	for _, tc := range cases {
		d := Backoff(tc.attempts).Seconds()
		assert.GreaterOrEqual(t, d, tc.expected*0.8, "attempts=%d", tc.attempts)
		assert.LessOrEqual(t, d, tc.expected*1.2, "attempts=%d", tc.attempts)
	}
}
