package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAndValidate_Challenge(t *testing.T) {
	var req struct {
		Purpose       string `json:"purpose"`
		ActionHashHex string `json:"actionHashHex"`
		TTLSeconds    int    `json:"ttlSeconds"`
	}

	good := `{"purpose":"ACTION_COMMIT","actionHashHex":"` + strings.Repeat("00", 32) + `","ttlSeconds":120}`
	require.Nil(t, DecodeAndValidate(ChallengeRequestSchema, []byte(good), &req))
	assert.Equal(t, "ACTION_COMMIT", req.Purpose)
	assert.Equal(t, 120, req.TTLSeconds)

	cases := []struct {
		name string
		body string
	}{
		{"bad purpose", `{"purpose":"NOPE","actionHashHex":"` + strings.Repeat("00", 32) + `"}`},
		{"short hash", `{"purpose":"ACTION_COMMIT","actionHashHex":"abcd"}`},
		{"uppercase hash", `{"purpose":"ACTION_COMMIT","actionHashHex":"` + strings.Repeat("AB", 32) + `"}`},
		{"ttl below floor", `{"purpose":"ACTION_COMMIT","actionHashHex":"` + strings.Repeat("00", 32) + `","ttlSeconds":5}`},
		{"ttl above cap", `{"purpose":"ACTION_COMMIT","actionHashHex":"` + strings.Repeat("00", 32) + `","ttlSeconds":601}`},
		{"missing purpose", `{"actionHashHex":"` + strings.Repeat("00", 32) + `"}`},
		{"unknown field", `{"purpose":"ACTION_COMMIT","actionHashHex":"` + strings.Repeat("00", 32) + `","extra":1}`},
		{"not json", `{"purpose":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := DecodeAndValidate(ChallengeRequestSchema, []byte(tc.body), &req)
			require.NotNil(t, apiErr)
			assert.Equal(t, CodeInvalidRequest, apiErr.Code)
			assert.Equal(t, 400, apiErr.Status)
		})
	}
}

func TestDecodeAndValidate_Verify(t *testing.T) {
	var req struct {
		ChallengeID string            `json:"challengeId"`
		Assertion   map[string]string `json:"assertion"`
	}

	good := `{"challengeId":"8b4f7f3a-92b9-4a93-9c0c-1f0b4f2f3e11","assertion":{
		"authenticatorDataB64Url":"x","clientDataJSONB64Url":"x","signatureB64Url":"x",
		"credIdB64Url":"x","pubKeyPem":"x"}}`
	require.Nil(t, DecodeAndValidate(VerifyRequestSchema, []byte(good), &req))

	missing := `{"challengeId":"8b4f7f3a-92b9-4a93-9c0c-1f0b4f2f3e11","assertion":{"pubKeyPem":"x"}}`
	apiErr := DecodeAndValidate(VerifyRequestSchema, []byte(missing), &req)
	require.NotNil(t, apiErr)
	assert.Contains(t, apiErr.Message, "/assertion")

	notUUID := `{"challengeId":"not-a-uuid","assertion":{
		"authenticatorDataB64Url":"x","clientDataJSONB64Url":"x","signatureB64Url":"x",
		"credIdB64Url":"x","pubKeyPem":"x"}}`
	apiErr = DecodeAndValidate(VerifyRequestSchema, []byte(notUUID), &req)
	require.NotNil(t, apiErr)
}

func TestErrorEnvelope(t *testing.T) {
	e := NewError(402, CodeQuotaExceeded, "monthly quota exhausted")
	e.Extra = map[string]any{"month": "2026-08", "used": 100, "quota": 100}
	assert.Equal(t, "quota_exceeded: monthly quota exhausted", e.Error())
}
