package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Ed25519Signer signs export-pack manifests. Keys travel as PEM so the
// public half can be embedded in signature records for offline verification.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519: key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromPEM loads a signer from a PKCS#8 PEM private key.
func NewEd25519SignerFromPEM(privPEM string) (*Ed25519Signer, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, fmt.Errorf("ed25519: no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ed25519: parse PKCS#8: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ed25519: key is %T, not Ed25519", key)
	}
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Sign returns the raw Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key.
func (s *Ed25519Signer) PublicKeyPEM() (string, error) {
	return MarshalEd25519PublicKeyPEM(s.pub)
}

// PrivateKeyPEM returns the PKCS#8 PEM encoding of the private key.
func (s *Ed25519Signer) PrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return "", fmt.Errorf("ed25519: marshal PKCS#8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// MarshalEd25519PublicKeyPEM encodes a public key as PKIX PEM.
func MarshalEd25519PublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("ed25519: marshal PKIX: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParseEd25519PublicKeyPEM decodes a PKIX PEM public key.
func ParseEd25519PublicKeyPEM(pubPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, fmt.Errorf("ed25519: no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ed25519: parse PKIX: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ed25519: key is %T, not Ed25519", key)
	}
	return pub, nil
}

// VerifyEd25519 verifies sig over message with a PKIX PEM public key.
func VerifyEd25519(pubPEM string, message, sig []byte) (bool, error) {
	pub, err := ParseEd25519PublicKeyPEM(pubPEM)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, message, sig), nil
}
