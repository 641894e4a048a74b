// Package webauthn verifies WebAuthn assertion ceremonies for the PBI
// pipeline. The verifier is stateless: challenge bookkeeping lives in the
// attestation orchestrator, not here.
package webauthn

import (
	"crypto/sha256"
	"encoding/json"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

// Code identifies why an assertion was rejected. These strings are carried
// verbatim as the `reason` field of FAILED verify responses.
type Code string

const (
	OK            Code = "OK"
	BadClientData Code = "BAD_CLIENT_DATA"
	BadChallenge  Code = "BAD_CHALLENGE"
	BadOrigin     Code = "BAD_ORIGIN"
	MissingUP     Code = "MISSING_UP"
	MissingUV     Code = "MISSING_UV"
	BadSignature  Code = "BAD_SIGNATURE"
)

// Authenticator data flag bits.
const (
	flagUP byte = 0x01
	flagUV byte = 0x04
)

// AssertionBundle carries the fields of a navigator.credentials.get response
// in their base64url wire form, plus the credential public key as SPKI PEM.
type AssertionBundle struct {
	AuthenticatorDataB64URL string `json:"authenticatorDataB64Url"`
	ClientDataJSONB64URL    string `json:"clientDataJSONB64Url"`
	SignatureB64URL         string `json:"signatureB64Url"`
	CredIDB64URL            string `json:"credIdB64Url"`
	PubKeyPEM               string `json:"pubKeyPem"`
}

// Policy controls which origins are acceptable and which authenticator flags
// are mandatory for a given purpose.
type Policy struct {
	AllowedOrigins []string
	RequireUP      bool
	RequireUV      bool
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// Verify runs the full assertion check against the expected challenge. The
// first failed step determines the returned code; OK means every check
// passed and the signature is valid for authData || SHA256(clientDataJSON).
func Verify(expectedChallengeB64URL string, bundle AssertionBundle, policy Policy) Code {
	authData, err := crypto.B64URLDecode(bundle.AuthenticatorDataB64URL)
	if err != nil {
		return BadClientData
	}
	clientDataJSON, err := crypto.B64URLDecode(bundle.ClientDataJSONB64URL)
	if err != nil {
		return BadClientData
	}
	signature, err := crypto.B64URLDecode(bundle.SignatureB64URL)
	if err != nil {
		return BadClientData
	}

	var cd clientData
	if err := json.Unmarshal(clientDataJSON, &cd); err != nil {
		return BadClientData
	}
	if cd.Type == "" || cd.Challenge == "" || cd.Origin == "" {
		return BadClientData
	}
	if cd.Type != "webauthn.get" {
		return BadClientData
	}

	// Byte-for-byte: the authenticator signed exactly this base64url string.
	if cd.Challenge != expectedChallengeB64URL {
		return BadChallenge
	}

	if !originAllowed(cd.Origin, policy.AllowedOrigins) {
		return BadOrigin
	}

	// rpIdHash(32) then flags(1); anything shorter cannot carry flags.
	if len(authData) <= 32 {
		return BadClientData
	}
	flags := authData[32]
	if policy.RequireUP && flags&flagUP == 0 {
		return MissingUP
	}
	if policy.RequireUV && flags&flagUV == 0 {
		return MissingUV
	}

	cdHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(cdHash))
	signed = append(signed, authData...)
	signed = append(signed, cdHash[:]...)

	ok, err := crypto.VerifyES256(bundle.PubKeyPEM, signed, signature)
	if err != nil || !ok {
		return BadSignature
	}

	return OK
}

func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	return false
}
