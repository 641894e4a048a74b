package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/store"
)

var boxKey = []byte("0123456789abcdef0123456789abcdef")

type attemptRecord struct {
	deliveryID string
	timestamp  string
	signature  string
	body       []byte
}

func newWorkerFixture(t *testing.T) (*Worker, sqlmock.Sqlmock, *crypto.SecretBox) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	box, err := crypto.NewSecretBox(boxKey)
	require.NoError(t, err)

	ws := store.NewWebhookStore(&store.DB{SQL: db, Driver: store.DriverPostgres})
	w := NewWorker(ws, box, time.Minute)
	w.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return w, mock, box
}

func expectEndpoint(mock sqlmock.Sqlmock, url, ciphertext, iv string) {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "url", "secret_ciphertext", "secret_iv", "secret_hash", "events", "active", "created_at",
	}).AddRow("ep-1", "t-1", url, ciphertext, iv, "", EventReceiptCreated, true, time.Now())
	mock.ExpectQuery("SELECT id, tenant_id, url, secret_ciphertext").
		WithArgs("ep-1", "t-1").
		WillReturnRows(rows)
}

// An endpoint that fails once delivers on the retry, with the same delivery
// id and a signature the consumer can reproduce from the headers alone.
func TestWorker_RetryThenDeliver(t *testing.T) {
	w, mock, box := newWorkerFixture(t)
	secret := []byte("whsec_live")
	ciphertext, iv, err := box.Seal(secret)
	require.NoError(t, err)

	var attempts []attemptRecord
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		attempts = append(attempts, attemptRecord{
			deliveryID: r.Header.Get(HeaderDeliveryID),
			timestamp:  r.Header.Get(HeaderTimestamp),
			signature:  r.Header.Get(HeaderSignature),
			body:       body,
		})
		if len(attempts) == 1 {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	w.client = server.Client()

	d := store.WebhookDelivery{
		ID:         "d-1",
		EndpointID: "ep-1",
		TenantID:   "t-1",
		Event:      EventReceiptCreated,
		Body:       []byte(`{"id":"d-1","type":"receipt.created"}`),
		Attempts:   0,
	}

	// First attempt fails and schedules a retry.
	expectEndpoint(mock, server.URL, ciphertext, iv)
	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(1, sqlmock.AnyArg(), "endpoint returned 500", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	w.attempt(context.Background(), d)

	// Second attempt succeeds.
	d.Attempts = 1
	expectEndpoint(mock, server.URL, ciphertext, iv)
	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(2, w.now(), "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	w.attempt(context.Background(), d)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, attempts, 2)
	assert.Equal(t, "d-1", attempts[0].deliveryID)
	assert.Equal(t, "d-1", attempts[1].deliveryID)

	for _, a := range attempts {
		ts, err := strconv.ParseInt(a.timestamp, 10, 64)
		require.NoError(t, err)
		assert.True(t, VerifySignature(secret, a.deliveryID, ts, a.body, a.signature))
	}
}

func TestWorker_FailsAtAttemptCap(t *testing.T) {
	w, mock, box := newWorkerFixture(t)
	ciphertext, iv, err := box.Seal([]byte("whsec_live"))
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	w.client = server.Client()

	d := store.WebhookDelivery{
		ID:         "d-1",
		EndpointID: "ep-1",
		TenantID:   "t-1",
		Event:      EventReceiptCreated,
		Body:       []byte(`{}`),
		Attempts:   MaxAttempts - 1,
	}

	expectEndpoint(mock, server.URL, ciphertext, iv)
	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(MaxAttempts, "endpoint returned 502", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	w.attempt(context.Background(), d)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A tick first re-pends inflight rows stranded by a dead worker, then pulls
// the due batch.
func TestTick_RequeuesStaleInflight(t *testing.T) {
	w, mock, _ := newWorkerFixture(t)
	now := w.now()

	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(now.Add(-staleAfter).UTC()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, endpoint_id, tenant_id, event").
		WithArgs(now.UTC(), defaultBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "endpoint_id", "tenant_id", "event", "body", "attempts",
			"status", "next_attempt_at", "last_error", "created_at",
		}))
	mock.ExpectCommit()

	require.NoError(t, w.Tick(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_MissingEndpointIsTerminal(t *testing.T) {
	w, mock, _ := newWorkerFixture(t)

	mock.ExpectQuery("SELECT id, tenant_id, url, secret_ciphertext").
		WithArgs("ep-gone", "t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE webhook_deliveries").
		WithArgs(1, "endpoint not found", "d-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w.attempt(context.Background(), store.WebhookDelivery{
		ID: "d-1", EndpointID: "ep-gone", TenantID: "t-1", Body: []byte(`{}`),
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
