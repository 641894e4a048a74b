package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParseES256PublicKeyPEM parses a SPKI PEM block into a P-256 ECDSA public
// key. Any other key type or curve is rejected.
func ParseES256PublicKeyPEM(pemStr string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("es256: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("es256: parse SPKI: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("es256: key is %T, not ECDSA", pub)
	}
	if ec.Curve != elliptic.P256() {
		return nil, fmt.Errorf("es256: curve %s is not P-256", ec.Curve.Params().Name)
	}
	return ec, nil
}

// MarshalES256PublicKeyPEM renders a P-256 public key as a SPKI PEM block.
func MarshalES256PublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	if pub.Curve != elliptic.P256() {
		return "", fmt.Errorf("es256: curve %s is not P-256", pub.Curve.Params().Name)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("es256: marshal SPKI: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// VerifyES256 verifies a DER-encoded ECDSA signature over message using the
// P-256 public key in pubKeyPEM (SPKI form). A malformed key is an error; a
// well-formed key with a bad signature returns (false, nil).
func VerifyES256(pubKeyPEM string, message, derSig []byte) (bool, error) {
	pub, err := ParseES256PublicKeyPEM(pubKeyPEM)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], derSig), nil
}
