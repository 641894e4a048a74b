package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
)

func sampleRecords() []receipts.Record {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	var out []receipts.Record
	for i, id := range []string{"r-1", "r-2", "r-3"} {
		out = append(out, receipts.Record{
			Receipt: receipts.Receipt{
				ID:             id,
				TenantID:       "t-1",
				ChallengeID:    "c-" + id,
				Decision:       receipts.DecisionVerified,
				ReceiptHashHex: "aa",
				CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			},
			Challenge: receipts.ChallengeSummary{
				ID:            "c-" + id,
				Purpose:       policy.PurposeActionCommit,
				ActionHashHex: "beef",
				CreatedAt:     base,
			},
		})
	}
	return out
}

func buildPack(t *testing.T) *Pack {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	b := NewBuilder(signer)
	b.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	pack, err := b.Build(sampleRecords(),
		map[string]any{"purpose": policy.PurposeActionCommit},
		policy.Default([]string{"https://app.example.com"}),
		nil)
	require.NoError(t, err)
	return pack
}

func TestBuild_Shape(t *testing.T) {
	pack := buildPack(t)

	nd := string(pack.Files[FileReceipts])
	assert.True(t, strings.HasSuffix(nd, "\n"))
	lines := strings.Split(strings.TrimSuffix(nd, "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var rec receipts.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.Equal(t, "t-1", rec.Receipt.TenantID)
	}

	assert.Equal(t, 3, pack.Manifest.TotalCount)
	assert.Equal(t, ManifestVersion, pack.Manifest.Version)
	// Trust snapshot was nil, so it is absent from both maps.
	_, hasTrust := pack.Files[FileTrust]
	assert.False(t, hasTrust)
	_, hasTrust = pack.Manifest.Files[FileTrust]
	assert.False(t, hasTrust)

	for name, digest := range pack.Manifest.Files {
		sum := sha256.Sum256(pack.Files[name])
		assert.Equal(t, hex.EncodeToString(sum[:]), digest.SHA256, name)
		assert.Equal(t, len(pack.Files[name]), digest.Bytes, name)
	}
}

func TestVerifyPack_RoundTrip(t *testing.T) {
	pack := buildPack(t)

	manifest, err := VerifyPack(pack.Files)
	require.NoError(t, err)
	assert.Equal(t, 3, manifest.TotalCount)
}

func TestVerifyPack_DetectsTampering(t *testing.T) {
	t.Run("file content", func(t *testing.T) {
		pack := buildPack(t)
		pack.Files[FileReceipts] = append(pack.Files[FileReceipts], []byte("{}\n")...)
		_, err := VerifyPack(pack.Files)
		assert.ErrorContains(t, err, "digest mismatch")
	})

	t.Run("manifest content", func(t *testing.T) {
		pack := buildPack(t)
		var m Manifest
		require.NoError(t, json.Unmarshal(pack.Files[FileManifest], &m))
		m.TotalCount = 99
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		pack.Files[FileManifest] = raw
		_, err = VerifyPack(pack.Files)
		assert.ErrorContains(t, err, "manifest hash mismatch")
	})

	t.Run("foreign signature", func(t *testing.T) {
		pack := buildPack(t)
		other, err := crypto.NewEd25519Signer()
		require.NoError(t, err)
		var sig SignatureRecord
		require.NoError(t, json.Unmarshal(pack.Files[FileManifestSig], &sig))
		sig.SignatureB64URL = crypto.B64URLEncode(other.Sign(pack.Files[FileManifest]))
		raw, err := json.Marshal(sig)
		require.NoError(t, err)
		pack.Files[FileManifestSig] = raw
		_, err = VerifyPack(pack.Files)
		assert.ErrorContains(t, err, "signature invalid")
	})

	t.Run("missing file", func(t *testing.T) {
		pack := buildPack(t)
		delete(pack.Files, FilePolicy)
		_, err := VerifyPack(pack.Files)
		assert.ErrorContains(t, err, "missing file")
	})
}

func TestWriteZip_RoundTrip(t *testing.T) {
	pack := buildPack(t)

	var buf bytes.Buffer
	require.NoError(t, pack.WriteZip(&buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	extracted := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		var content bytes.Buffer
		_, err = content.ReadFrom(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		extracted[f.Name] = content.Bytes()
	}
	assert.Equal(t, pack.Files, extracted)

	// Archives of the same pack are byte-identical.
	var again bytes.Buffer
	require.NoError(t, pack.WriteZip(&again))
	assert.Equal(t, buf.Bytes(), again.Bytes())

	_, err = VerifyPack(extracted)
	assert.NoError(t, err)
}

func TestWriteTarGz_Deterministic(t *testing.T) {
	pack := buildPack(t)

	var a, b bytes.Buffer
	require.NoError(t, pack.WriteTarGz(&a))
	require.NoError(t, pack.WriteTarGz(&b))
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.NotEmpty(t, a.Bytes())
}
