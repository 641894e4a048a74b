package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/store"
)

// Payload is the wire shape of one event. The delivery id doubles as the
// consumer's idempotency key.
type Payload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	Data      PayloadData `json:"data"`
}

type PayloadData struct {
	Receipt   receipts.Receipt          `json:"receipt"`
	Challenge receipts.ChallengeSummary `json:"challenge"`
}

// Enqueuer fans receipt events out to subscribed endpoints inside the
// caller's transaction.
type Enqueuer struct {
	store *store.WebhookStore
	now   func() time.Time
}

func NewEnqueuer(ws *store.WebhookStore) *Enqueuer {
	return &Enqueuer{store: ws, now: time.Now}
}

// EnqueueReceipt inserts one pending delivery per active endpoint
// subscribed to receipt.created. Both the endpoint lookup and the inserts
// run on the caller's transaction, so the rows commit with the receipt and
// the lookup cannot deadlock against a single-connection pool.
func (e *Enqueuer) EnqueueReceipt(ctx context.Context, tx *sql.Tx, tenantID string, rec receipts.Record) error {
	endpoints, err := e.store.ActiveEndpoints(ctx, tx, tenantID, EventReceiptCreated)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	for _, ep := range endpoints {
		deliveryID := uuid.New().String()
		body, err := json.Marshal(Payload{
			ID:        deliveryID,
			Type:      EventReceiptCreated,
			CreatedAt: now,
			Data:      PayloadData{Receipt: rec.Receipt, Challenge: rec.Challenge},
		})
		if err != nil {
			return fmt.Errorf("webhook: marshal payload: %w", err)
		}
		d := store.WebhookDelivery{
			ID:            deliveryID,
			EndpointID:    ep.ID,
			TenantID:      tenantID,
			Event:         EventReceiptCreated,
			Body:          body,
			Attempts:      0,
			Status:        store.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := e.store.EnqueueTx(ctx, tx, &d); err != nil {
			return err
		}
	}
	return nil
}
