package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbi-labs/pbi/pkg/receipts"
)

func openLiteDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(),
		"file:"+filepath.Join(t.TempDir(), "pbi.db")+"?_pragma=busy_timeout(2000)")
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, db.Driver)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// A page fetched through a cursor must return the same rows even when newer
// receipts were appended after the first page was served.
func TestReceiptQuery_CursorStableAcrossInserts(t *testing.T) {
	ctx := context.Background()
	db := openLiteDB(t)

	challengeStore := NewChallengeStore(db)
	receiptStore := NewReceiptStore(db)
	require.NoError(t, challengeStore.Init(ctx))
	require.NoError(t, receiptStore.Init(ctx))

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	appendAt := func(n int) {
		at := base.Add(time.Duration(n) * time.Minute)
		challengeID := fmt.Sprintf("c-%d", n)
		require.NoError(t, challengeStore.Insert(ctx, &Challenge{
			ID:            challengeID,
			TenantID:      "t-1",
			Purpose:       "ACTION_COMMIT",
			ActionHashHex: "00e9c9cbc117ee0ac328a4368fe47d8e0dd02aa8fe1ee892b279bc809beb2c2b",
			NonceB64URL:   "nonce",
			TTLSeconds:    120,
			CreatedAt:     at,
			ExpiresAt:     at.Add(2 * time.Minute),
		}))
		tx, err := db.SQL.Begin()
		require.NoError(t, err)
		require.NoError(t, receiptStore.Append(ctx, tx, receipts.Receipt{
			ID:             fmt.Sprintf("r-%d", n),
			TenantID:       "t-1",
			ChallengeID:    challengeID,
			Decision:       receipts.DecisionVerified,
			ReceiptHashHex: fmt.Sprintf("%064d", n),
			CreatedAt:      at,
		}))
		require.NoError(t, tx.Commit())
	}
	for n := 1; n <= 4; n++ {
		appendAt(n)
	}

	page1, err := receiptStore.Query(ctx, receipts.Query{TenantID: "t-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "r-4", page1[0].Receipt.ID)
	assert.Equal(t, "r-3", page1[1].Receipt.ID)

	// A newer receipt lands between the two page fetches.
	appendAt(5)

	last := page1[1].Receipt
	page2, err := receiptStore.Query(ctx, receipts.Query{
		TenantID: "t-1",
		Limit:    2,
		Cursor:   &receipts.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "r-2", page2[0].Receipt.ID)
	assert.Equal(t, "r-1", page2[1].Receipt.ID)

	// The fresh row appears only at the head of a new listing.
	head, err := receiptStore.Query(ctx, receipts.Query{TenantID: "t-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, head, 1)
	assert.Equal(t, "r-5", head[0].Receipt.ID)
}
