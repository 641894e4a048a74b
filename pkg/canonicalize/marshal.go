package canonicalize

import (
	"bytes"
	"encoding/json"
)

// marshalNoEscape marshals v without HTML escaping. jcs.Transform would
// undo < style escapes anyway, but feeding it unescaped input keeps the
// intermediate form byte-identical to what a plain serializer would emit.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
