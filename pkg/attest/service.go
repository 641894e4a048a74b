// Package attest implements the challenge/verify state machine: minting
// presence challenges, verifying authenticator assertions against them, and
// minting receipts for successful verifies.
package attest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/metering"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
	"github.com/pbi-labs/pbi/pkg/webauthn"
)

var (
	// ErrPurposeMismatch is returned when the requested purpose has no
	// policy entry.
	ErrPurposeMismatch = errors.New("attest: purpose not covered by policy")
	// ErrUnknownChallenge is returned when the challenge does not exist or
	// belongs to another tenant.
	ErrUnknownChallenge = errors.New("attest: unknown challenge")
)

// QuotaError reports a refused debit together with the month's state, so
// the HTTP layer can surface month/used/quota in the 402 body.
type QuotaError struct {
	Result metering.DebitResult
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("attest: quota exceeded: %d/%d used in %s",
		e.Result.Used, e.Result.Quota, e.Result.MonthKey)
}

// ChallengeStore is the slice of the store the orchestrator needs for the
// challenge lifecycle.
type ChallengeStore interface {
	Insert(ctx context.Context, c *store.Challenge) error
	Get(ctx context.Context, id string) (*store.Challenge, error)
	MarkUsed(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error)
}

// ReceiptWriter appends receipts inside the verify transaction.
type ReceiptWriter interface {
	Append(ctx context.Context, tx *sql.Tx, r receipts.Receipt) error
}

// Meter debits quota units.
type Meter interface {
	Debit(ctx context.Context, tenantID string, kind metering.Kind, quota int64, now time.Time) (metering.DebitResult, error)
	DebitTx(ctx context.Context, tx *sql.Tx, tenantID string, kind metering.Kind, quota int64, now time.Time) (metering.DebitResult, func(), error)
}

// ReceiptEnqueuer fans a freshly minted receipt out to the tenant's webhook
// endpoints, inside the verify transaction.
type ReceiptEnqueuer interface {
	EnqueueReceipt(ctx context.Context, tx *sql.Tx, tenantID string, rec receipts.Record) error
}

// Service is the attestation orchestrator.
type Service struct {
	db         *store.DB
	challenges ChallengeStore
	log        ReceiptWriter
	meter      Meter
	minter     *receipts.Minter
	policy     *policy.Policy
	enqueuer   ReceiptEnqueuer
	now        func() time.Time
}

func NewService(db *store.DB, challenges ChallengeStore, log ReceiptWriter, meter Meter, minter *receipts.Minter, pol *policy.Policy, enq ReceiptEnqueuer) *Service {
	return &Service{
		db:         db,
		challenges: challenges,
		log:        log,
		meter:      meter,
		minter:     minter,
		policy:     pol,
		enqueuer:   enq,
		now:        time.Now,
	}
}

// DefaultTTLSeconds applies when the mint request omits ttlSeconds.
const DefaultTTLSeconds = 120

// MintRequest is a validated challenge mint.
type MintRequest struct {
	Purpose       string
	ActionHashHex string
	TTLSeconds    int
}

// MintResult carries the stored challenge plus the quota state after the
// mint-time debit.
type MintResult struct {
	Challenge store.Challenge
	Metering  metering.DebitResult
}

// MintChallenge charges one challenge unit, then mints a fresh 256-bit
// nonce bound to (tenant, purpose, actionHash) with the requested TTL.
func (s *Service) MintChallenge(ctx context.Context, tenant *auth.Tenant, req MintRequest) (*MintResult, error) {
	if _, ok := s.policy.ForPurpose(req.Purpose); !ok {
		return nil, ErrPurposeMismatch
	}
	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = DefaultTTLSeconds
	}

	now := s.now().UTC()
	debit, err := s.meter.Debit(ctx, tenant.ID, metering.KindChallenge, tenant.MonthlyQuota, now)
	if err != nil {
		return nil, err
	}
	if !debit.OK {
		return nil, &QuotaError{Result: debit}
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("attest: nonce: %w", err)
	}

	c := store.Challenge{
		ID:            uuid.New().String(),
		TenantID:      tenant.ID,
		Purpose:       req.Purpose,
		ActionHashHex: req.ActionHashHex,
		NonceB64URL:   crypto.B64URLEncode(nonce),
		TTLSeconds:    ttl,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttl) * time.Second),
	}
	if err := s.challenges.Insert(ctx, &c); err != nil {
		return nil, err
	}
	return &MintResult{Challenge: c, Metering: debit}, nil
}

// VerifyOutcome is the terminal state of one verify attempt. Receipt and
// Metering are set only for PBI_VERIFIED.
type VerifyOutcome struct {
	Decision  receipts.Decision
	Reason    webauthn.Code
	Challenge *store.Challenge
	Receipt   *receipts.Receipt
	Metering  *metering.DebitResult
}

// Verify runs the state machine for one assertion. Terminal decisions
// (EXPIRED, REPLAYED, FAILED) come back as an outcome with no error; only
// unknown challenges, quota refusals and infrastructure faults error out.
func (s *Service) Verify(ctx context.Context, tenant *auth.Tenant, challengeID string, bundle webauthn.AssertionBundle) (*VerifyOutcome, error) {
	c, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c == nil || c.TenantID != tenant.ID {
		return nil, ErrUnknownChallenge
	}

	now := s.now().UTC()
	if now.After(c.ExpiresAt) {
		return &VerifyOutcome{Decision: receipts.DecisionExpired, Challenge: c}, nil
	}
	if c.UsedAt != nil {
		return &VerifyOutcome{Decision: receipts.DecisionReplayed, Challenge: c}, nil
	}

	pp, ok := s.policy.ForPurpose(c.Purpose)
	if !ok {
		return nil, ErrPurposeMismatch
	}
	code := webauthn.Verify(c.NonceB64URL, bundle, webauthn.Policy{
		AllowedOrigins: pp.OriginAllowList,
		RequireUP:      pp.RequireUP,
		RequireUV:      pp.RequireUV,
	})
	if code != webauthn.OK {
		return &VerifyOutcome{Decision: receipts.DecisionFailed, Reason: code, Challenge: c}, nil
	}

	// Cryptographic success. Charge, consume and mint atomically.
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("attest: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	debit, unlock, err := s.meter.DebitTx(ctx, tx, tenant.ID, metering.KindVerify, tenant.MonthlyQuota, now)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if !debit.OK {
		return nil, &QuotaError{Result: debit}
	}

	consumed, err := s.challenges.MarkUsed(ctx, tx, c.ID, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Lost the consume race; the affected-row count is authoritative.
		return &VerifyOutcome{Decision: receipts.DecisionReplayed, Challenge: c}, nil
	}

	receipt := s.minter.Mint(tenant.ID, c.ID, receipts.DecisionVerified, now)
	if err := s.log.Append(ctx, tx, receipt); err != nil {
		return nil, err
	}

	rec := receipts.Record{
		Receipt: receipt,
		Challenge: receipts.ChallengeSummary{
			ID:            c.ID,
			Purpose:       c.Purpose,
			ActionHashHex: c.ActionHashHex,
			CreatedAt:     c.CreatedAt,
		},
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueReceipt(ctx, tx, tenant.ID, rec); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("attest: commit: %w", err)
	}

	used := now
	c.UsedAt = &used
	slog.Info("challenge verified",
		"tenant", tenant.ID, "challenge", c.ID, "receipt", receipt.ID)
	return &VerifyOutcome{
		Decision:  receipts.DecisionVerified,
		Challenge: c,
		Receipt:   &receipt,
		Metering:  &debit,
	}, nil
}
