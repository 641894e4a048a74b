package crypto

import "encoding/base64"

// B64URLEncode encodes data as unpadded base64url (the WebAuthn wire form).
func B64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// B64URLDecode decodes unpadded base64url. Padded input is rejected so a
// value round-trips to the exact bytes the authenticator signed.
func B64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
