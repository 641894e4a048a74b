package receipts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := Cursor{
		CreatedAt: time.Date(2026, 8, 24, 12, 34, 56, 789000000, time.UTC),
		ID:        "8b4f7f3a-92b9-4a93-9c0c-1f0b4f2f3e11",
	}

	enc, err := c.Encode()
	require.NoError(t, err)

	dec, err := DecodeCursor(enc)
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(dec.CreatedAt))
	assert.Equal(t, c.ID, dec.ID)
}

func TestDecodeCursor_Rejections(t *testing.T) {
	cases := []string{
		"",
		"%%%not-base64%%%",
		"bm90LWpzb24",                // "not-json"
		"e30",                        // "{}"
		"eyJpZCI6IngifQ",             // {"id":"x"} without createdAt
	}
	for _, s := range cases {
		_, err := DecodeCursor(s)
		assert.Error(t, err, "input %q", s)
	}
}

// Property: decode(encode(c)) == c for every (instant, uuid) pair.
func TestCursor_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("decode inverts encode", prop.ForAll(
		func(unixNanos int64, seed int64) bool {
			c := Cursor{
				CreatedAt: time.Unix(0, unixNanos).UTC(),
				ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(seed), byte(seed >> 8)}).String(),
			}
			enc, err := c.Encode()
			if err != nil {
				return false
			}
			dec, err := DecodeCursor(enc)
			if err != nil {
				return false
			}
			return dec.CreatedAt.Equal(c.CreatedAt) && dec.ID == c.ID
		},
		gen.Int64Range(1, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
