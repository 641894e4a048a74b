package export

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pbi-labs/pbi/pkg/canonicalize"
	"github.com/pbi-labs/pbi/pkg/crypto"
)

// VerifyPack checks a pack offline: the manifest signature against the
// embedded public key, the manifest hash, and every file digest. The input
// is the pack's files by name, exactly as stored.
func VerifyPack(files map[string][]byte) (*Manifest, error) {
	manifestRaw, ok := files[FileManifest]
	if !ok {
		return nil, fmt.Errorf("export: pack has no %s", FileManifest)
	}
	sigRaw, ok := files[FileManifestSig]
	if !ok {
		return nil, fmt.Errorf("export: pack has no %s", FileManifestSig)
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("export: parse manifest: %w", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, fmt.Errorf("export: unsupported manifest version %q", manifest.Version)
	}
	var sig SignatureRecord
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, fmt.Errorf("export: parse signature record: %w", err)
	}
	if sig.Algorithm != SignatureAlgo {
		return nil, fmt.Errorf("export: unsupported algorithm %q", sig.Algorithm)
	}

	// Re-canonicalize rather than trusting the stored byte order.
	canonical, err := canonicalize.JCS(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != sig.ManifestSHA256 {
		return nil, fmt.Errorf("export: manifest hash mismatch")
	}

	sigBytes, err := crypto.B64URLDecode(sig.SignatureB64URL)
	if err != nil {
		return nil, fmt.Errorf("export: decode signature: %w", err)
	}
	valid, err := crypto.VerifyEd25519(sig.PublicKeyPEM, canonical, sigBytes)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("export: manifest signature invalid")
	}

	for name, digest := range manifest.Files {
		content, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("export: manifest names missing file %s", name)
		}
		got := sha256.Sum256(content)
		if hex.EncodeToString(got[:]) != digest.SHA256 {
			return nil, fmt.Errorf("export: digest mismatch for %s", name)
		}
		if len(content) != digest.Bytes {
			return nil, fmt.Errorf("export: size mismatch for %s", name)
		}
	}
	return &manifest, nil
}
