package receipts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pbi-labs/pbi/pkg/crypto"
)

// Cursor marks a position in the (createdAt, id) total order of a tenant's
// receipt log. It is opaque on the wire: base64url of its JSON form.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// Encode serializes the cursor to its opaque wire form.
func (c Cursor) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}
	return crypto.B64URLEncode(b), nil
}

// DecodeCursor parses an opaque cursor. Rejects anything that does not
// round-trip to a (createdAt, id) pair.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := crypto.B64URLDecode(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor: not base64url: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("cursor: malformed: %w", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		return Cursor{}, fmt.Errorf("cursor: missing createdAt or id")
	}
	return c, nil
}
