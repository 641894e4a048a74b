// Package export builds signed offline evidence packs: the filtered receipt
// set, policy and trust snapshots, and an Ed25519-signed manifest a consumer
// can verify with no access to the service.
package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbi-labs/pbi/pkg/canonicalize"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/receipts"
)

// Pack file names, in emission order.
const (
	FileReceipts    = "receipts.ndjson"
	FilePolicy      = "policy.snapshot.json"
	FileTrust       = "trust.snapshot.json"
	FileManifest    = "manifest.json"
	FileManifestSig = "manifest.sig.json"

	ManifestVersion = "1.0"
	SignatureAlgo   = "Ed25519"
)

// FileDigest is one manifest entry.
type FileDigest struct {
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Manifest describes the pack contents. It is canonicalized before signing,
// so key order in the stored manifest.json is irrelevant to the signature.
type Manifest struct {
	Version     string                `json:"version"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Filters     any                   `json:"filters"`
	TotalCount  int                   `json:"totalCount"`
	Files       map[string]FileDigest `json:"files"`
}

// SignatureRecord carries everything a consumer needs for offline
// verification, including the public key itself.
type SignatureRecord struct {
	Algorithm       string    `json:"algorithm"`
	PublicKeyPEM    string    `json:"publicKeyPem"`
	SignatureB64URL string    `json:"signatureB64Url"`
	ManifestSHA256  string    `json:"manifestSha256"`
	SignedAt        time.Time `json:"signedAt"`
}

// Pack is a built, signed export.
type Pack struct {
	Files     map[string][]byte
	Manifest  Manifest
	Signature SignatureRecord
}

// Builder assembles packs under one signing key.
type Builder struct {
	signer *crypto.Ed25519Signer
	now    func() time.Time
}

func NewBuilder(signer *crypto.Ed25519Signer) *Builder {
	return &Builder{signer: signer, now: time.Now}
}

// Build renders the receipt set plus snapshots, hashes every file, and signs
// the canonicalized manifest. trustSnapshot may be nil.
func (b *Builder) Build(records []receipts.Record, filters any, policySnapshot any, trustSnapshot any) (*Pack, error) {
	files := make(map[string][]byte)

	ndjson, err := renderNDJSON(records)
	if err != nil {
		return nil, err
	}
	files[FileReceipts] = ndjson

	policyJSON, err := json.MarshalIndent(policySnapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal policy snapshot: %w", err)
	}
	files[FilePolicy] = append(policyJSON, '\n')

	if trustSnapshot != nil {
		trustJSON, err := json.MarshalIndent(trustSnapshot, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: marshal trust snapshot: %w", err)
		}
		files[FileTrust] = append(trustJSON, '\n')
	}

	now := b.now().UTC()
	manifest := Manifest{
		Version:     ManifestVersion,
		GeneratedAt: now,
		Filters:     filters,
		TotalCount:  len(records),
		Files:       make(map[string]FileDigest, len(files)),
	}
	for name, content := range files {
		sum := sha256.Sum256(content)
		manifest.Files[name] = FileDigest{
			SHA256: hex.EncodeToString(sum[:]),
			Bytes:  len(content),
		}
	}

	canonical, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: canonicalize manifest: %w", err)
	}
	manifestSum := sha256.Sum256(canonical)

	pubPEM, err := b.signer.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	sig := SignatureRecord{
		Algorithm:       SignatureAlgo,
		PublicKeyPEM:    pubPEM,
		SignatureB64URL: crypto.B64URLEncode(b.signer.Sign(canonical)),
		ManifestSHA256:  hex.EncodeToString(manifestSum[:]),
		SignedAt:        now,
	}

	files[FileManifest] = canonical
	sigJSON, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal signature record: %w", err)
	}
	files[FileManifestSig] = append(sigJSON, '\n')

	return &Pack{Files: files, Manifest: manifest, Signature: sig}, nil
}

// renderNDJSON emits one receipt+challenge object per line with a trailing
// newline.
func renderNDJSON(records []receipts.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("export: encode receipt: %w", err)
		}
	}
	return buf.Bytes(), nil
}
