package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/metering"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
	"github.com/pbi-labs/pbi/pkg/webauthn"
)

const testOrigin = "https://app.example.com"

type fakeChallenges struct {
	byID     map[string]*store.Challenge
	inserted []*store.Challenge
	markOK   bool
}

func (f *fakeChallenges) Insert(_ context.Context, c *store.Challenge) error {
	f.inserted = append(f.inserted, c)
	return nil
}

func (f *fakeChallenges) Get(_ context.Context, id string) (*store.Challenge, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeChallenges) MarkUsed(_ context.Context, _ *sql.Tx, _ string, _ time.Time) (bool, error) {
	return f.markOK, nil
}

type fakeLog struct {
	appended []receipts.Receipt
}

func (f *fakeLog) Append(_ context.Context, _ *sql.Tx, r receipts.Receipt) error {
	f.appended = append(f.appended, r)
	return nil
}

type fakeMeter struct {
	debits []metering.Kind
	refuse bool
}

func (f *fakeMeter) result(quota int64, now time.Time) metering.DebitResult {
	if f.refuse {
		return metering.DebitResult{OK: false, MonthKey: metering.MonthKey(now), Used: quota, Quota: quota}
	}
	return metering.DebitResult{OK: true, MonthKey: metering.MonthKey(now), Used: 1, Quota: quota}
}

func (f *fakeMeter) Debit(_ context.Context, _ string, kind metering.Kind, quota int64, now time.Time) (metering.DebitResult, error) {
	f.debits = append(f.debits, kind)
	return f.result(quota, now), nil
}

func (f *fakeMeter) DebitTx(_ context.Context, _ *sql.Tx, _ string, kind metering.Kind, quota int64, now time.Time) (metering.DebitResult, func(), error) {
	f.debits = append(f.debits, kind)
	return f.result(quota, now), func() {}, nil
}

type fakeEnqueuer struct {
	enqueued []receipts.Record
}

func (f *fakeEnqueuer) EnqueueReceipt(_ context.Context, _ *sql.Tx, _ string, rec receipts.Record) error {
	f.enqueued = append(f.enqueued, rec)
	return nil
}

type fixture struct {
	svc        *Service
	challenges *fakeChallenges
	log        *fakeLog
	meter      *fakeMeter
	enqueuer   *fakeEnqueuer
	mock       sqlmock.Sqlmock
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		challenges: &fakeChallenges{byID: map[string]*store.Challenge{}, markOK: true},
		log:        &fakeLog{},
		meter:      &fakeMeter{},
		enqueuer:   &fakeEnqueuer{},
		mock:       mock,
		now:        time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		&store.DB{SQL: db, Driver: store.DriverPostgres},
		f.challenges, f.log, f.meter,
		receipts.NewMinter([]byte("0123456789abcdef0123456789abcdef")),
		policy.Default([]string{testOrigin}),
		f.enqueuer,
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

var testTenant = &auth.Tenant{ID: "t-1", Plan: "pro", MonthlyQuota: 100, Active: true}

// signedAssertion builds a bundle a real authenticator would produce for the
// given nonce.
func signedAssertion(t *testing.T, nonceB64URL, origin string, flags byte) webauthn.AssertionBundle {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	clientData, err := json.Marshal(map[string]string{
		"type":      "webauthn.get",
		"challenge": nonceB64URL,
		"origin":    origin,
	})
	require.NoError(t, err)

	authData := make([]byte, 37)
	authData[32] = flags

	cdHash := sha256.Sum256(clientData)
	signed := append(append([]byte{}, authData...), cdHash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	pem, err := crypto.MarshalES256PublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	return webauthn.AssertionBundle{
		AuthenticatorDataB64URL: crypto.B64URLEncode(authData),
		ClientDataJSONB64URL:    crypto.B64URLEncode(clientData),
		SignatureB64URL:         crypto.B64URLEncode(sig),
		CredIDB64URL:            crypto.B64URLEncode([]byte("cred-1")),
		PubKeyPEM:               pem,
	}
}

func activeChallenge(f *fixture) *store.Challenge {
	return &store.Challenge{
		ID:            "c-1",
		TenantID:      "t-1",
		Purpose:       policy.PurposeActionCommit,
		ActionHashHex: "00e9c9cbc117ee0ac328a4368fe47d8e0dd02aa8fe1ee892b279bc809beb2c2b",
		NonceB64URL:   crypto.B64URLEncode([]byte("0123456789abcdef0123456789abcdef")),
		TTLSeconds:    120,
		CreatedAt:     f.now.Add(-time.Minute),
		ExpiresAt:     f.now.Add(time.Minute),
	}
}

func TestMintChallenge(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.MintChallenge(context.Background(), testTenant, MintRequest{
		Purpose:       policy.PurposeActionCommit,
		ActionHashHex: "00e9c9cbc117ee0ac328a4368fe47d8e0dd02aa8fe1ee892b279bc809beb2c2b",
	})
	require.NoError(t, err)

	c := res.Challenge
	assert.Equal(t, "t-1", c.TenantID)
	assert.Equal(t, DefaultTTLSeconds, c.TTLSeconds)
	assert.Equal(t, f.now.Add(DefaultTTLSeconds*time.Second), c.ExpiresAt)
	// 32 random bytes encode to 43 base64url chars.
	assert.Len(t, c.NonceB64URL, 43)
	assert.Equal(t, []metering.Kind{metering.KindChallenge}, f.meter.debits)
	require.Len(t, f.challenges.inserted, 1)
	assert.True(t, res.Metering.OK)
}

func TestMintChallenge_PurposeMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.MintChallenge(context.Background(), testTenant, MintRequest{
		Purpose:       "NOT_A_PURPOSE",
		ActionHashHex: "00",
	})
	assert.ErrorIs(t, err, ErrPurposeMismatch)
	assert.Empty(t, f.meter.debits)
}

func TestMintChallenge_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.meter.refuse = true

	_, err := f.svc.MintChallenge(context.Background(), testTenant, MintRequest{
		Purpose:       policy.PurposeActionCommit,
		ActionHashHex: "00e9c9cbc117ee0ac328a4368fe47d8e0dd02aa8fe1ee892b279bc809beb2c2b",
	})
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, int64(100), qe.Result.Quota)
	assert.Empty(t, f.challenges.inserted)
}

func TestVerify_HappyPath(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	f.challenges.byID[c.ID] = c

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	bundle := signedAssertion(t, c.NonceB64URL, testOrigin, 0x05)
	out, err := f.svc.Verify(context.Background(), testTenant, c.ID, bundle)
	require.NoError(t, err)

	assert.Equal(t, receipts.DecisionVerified, out.Decision)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, c.ID, out.Receipt.ChallengeID)
	assert.Equal(t, []metering.Kind{metering.KindVerify}, f.meter.debits)
	require.Len(t, f.log.appended, 1)
	require.Len(t, f.enqueuer.enqueued, 1)
	assert.Equal(t, c.Purpose, f.enqueuer.enqueued[0].Challenge.Purpose)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestVerify_UnknownChallenge(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Verify(context.Background(), testTenant, "missing", webauthn.AssertionBundle{})
	assert.ErrorIs(t, err, ErrUnknownChallenge)
}

func TestVerify_WrongTenant(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	c.TenantID = "someone-else"
	f.challenges.byID[c.ID] = c

	_, err := f.svc.Verify(context.Background(), testTenant, c.ID, webauthn.AssertionBundle{})
	assert.ErrorIs(t, err, ErrUnknownChallenge)
}

func TestVerify_Expired(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	c.ExpiresAt = f.now.Add(-time.Second)
	f.challenges.byID[c.ID] = c

	out, err := f.svc.Verify(context.Background(), testTenant, c.ID, webauthn.AssertionBundle{})
	require.NoError(t, err)
	assert.Equal(t, receipts.DecisionExpired, out.Decision)
	assert.Nil(t, out.Receipt)
	assert.Empty(t, f.meter.debits)
	assert.Empty(t, f.log.appended)
}

func TestVerify_AlreadyUsed(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	used := f.now.Add(-30 * time.Second)
	c.UsedAt = &used
	f.challenges.byID[c.ID] = c

	out, err := f.svc.Verify(context.Background(), testTenant, c.ID, webauthn.AssertionBundle{})
	require.NoError(t, err)
	assert.Equal(t, receipts.DecisionReplayed, out.Decision)
}

// Cryptographic failure is terminal before any quota debit.
func TestVerify_BadOrigin(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	f.challenges.byID[c.ID] = c

	bundle := signedAssertion(t, c.NonceB64URL, "https://evil.example", 0x05)
	out, err := f.svc.Verify(context.Background(), testTenant, c.ID, bundle)
	require.NoError(t, err)

	assert.Equal(t, receipts.DecisionFailed, out.Decision)
	assert.Equal(t, webauthn.BadOrigin, out.Reason)
	assert.Empty(t, f.meter.debits)
	assert.Empty(t, f.log.appended)
}

func TestVerify_QuotaWall(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	f.challenges.byID[c.ID] = c
	f.meter.refuse = true

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	bundle := signedAssertion(t, c.NonceB64URL, testOrigin, 0x05)
	_, err := f.svc.Verify(context.Background(), testTenant, c.ID, bundle)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Empty(t, f.log.appended)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// A lost consume race surfaces as REPLAYED even though the load saw the
// challenge unspent.
func TestVerify_ConsumeRaceLost(t *testing.T) {
	f := newFixture(t)
	c := activeChallenge(f)
	f.challenges.byID[c.ID] = c
	f.challenges.markOK = false

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	bundle := signedAssertion(t, c.NonceB64URL, testOrigin, 0x05)
	out, err := f.svc.Verify(context.Background(), testTenant, c.ID, bundle)
	require.NoError(t, err)
	assert.Equal(t, receipts.DecisionReplayed, out.Decision)
	assert.Empty(t, f.log.appended)
}
