// Package policy loads and evaluates pbi-policy-1.0 documents: per-purpose
// origin allowlists and authenticator flag requirements.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pbi-labs/pbi/pkg/canonicalize"
)

// SchemaVersion is the only policy schema this build understands.
const SchemaVersion = "pbi-policy-1.0"

// Challenge purposes. The set is closed; a purpose outside it never matches
// a policy entry.
const (
	PurposeActionCommit     = "ACTION_COMMIT"
	PurposeArtifactAuthor   = "ARTIFACT_AUTHORSHIP"
	PurposeEvidenceSubmit   = "EVIDENCE_SUBMIT"
	PurposeAdminDangerousOp = "ADMIN_DANGEROUS_OP"
)

// KnownPurposes lists every valid purpose.
var KnownPurposes = []string{
	PurposeActionCommit,
	PurposeArtifactAuthor,
	PurposeEvidenceSubmit,
	PurposeAdminDangerousOp,
}

// PurposePolicy is the verify policy applied to one challenge purpose.
type PurposePolicy struct {
	Purpose         string   `json:"purpose"`
	RPIDAllowList   []string `json:"rpIdAllowList"`
	OriginAllowList []string `json:"originAllowList"`
	RequireUP       bool     `json:"requireUP"`
	RequireUV       bool     `json:"requireUV"`
}

// Policy is a parsed pbi-policy-1.0 document.
type Policy struct {
	Schema   string          `json:"schema"`
	IssuedAt time.Time       `json:"issuedAt"`
	Issuer   string          `json:"issuer,omitempty"`
	Purposes []PurposePolicy `json:"purposes"`
}

// Load reads and validates a policy file.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates a policy document from raw JSON.
func Parse(raw []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if p.Schema != SchemaVersion {
		return nil, fmt.Errorf("policy: unsupported schema %q (want %s)", p.Schema, SchemaVersion)
	}
	if len(p.Purposes) == 0 {
		return nil, fmt.Errorf("policy: purposes must not be empty")
	}
	seen := make(map[string]bool, len(p.Purposes))
	for i, pp := range p.Purposes {
		if !IsKnownPurpose(pp.Purpose) {
			return nil, fmt.Errorf("policy: purposes[%d]: unknown purpose %q", i, pp.Purpose)
		}
		if seen[pp.Purpose] {
			return nil, fmt.Errorf("policy: purposes[%d]: duplicate purpose %q", i, pp.Purpose)
		}
		seen[pp.Purpose] = true
		if len(pp.RPIDAllowList) == 0 {
			return nil, fmt.Errorf("policy: purposes[%d]: rpIdAllowList must not be empty", i)
		}
		if len(pp.OriginAllowList) == 0 {
			return nil, fmt.Errorf("policy: purposes[%d]: originAllowList must not be empty", i)
		}
	}
	return &p, nil
}

// Default builds a policy granting every purpose against the given origins,
// with both UP and UV mandatory. Used when no policy file is configured.
func Default(origins []string) *Policy {
	p := &Policy{
		Schema:   SchemaVersion,
		IssuedAt: time.Now().UTC(),
		Issuer:   "default",
	}
	for _, purpose := range KnownPurposes {
		p.Purposes = append(p.Purposes, PurposePolicy{
			Purpose:         purpose,
			RPIDAllowList:   origins,
			OriginAllowList: origins,
			RequireUP:       true,
			RequireUV:       true,
		})
	}
	return p
}

// ForPurpose returns the entry matching purpose, or false when the policy
// does not authorize that purpose at all.
func (p *Policy) ForPurpose(purpose string) (PurposePolicy, bool) {
	for _, pp := range p.Purposes {
		if pp.Purpose == purpose {
			return pp, true
		}
	}
	return PurposePolicy{}, false
}

// Hash returns the canonical-JSON SHA-256 of the policy, stamped into
// evidence metadata and export-pack snapshots.
func (p *Policy) Hash() (string, error) {
	return canonicalize.CanonicalHash(p)
}

// IsKnownPurpose reports whether purpose is in the closed purpose set.
func IsKnownPurpose(purpose string) bool {
	for _, k := range KnownPurposes {
		if k == purpose {
			return true
		}
	}
	return false
}
