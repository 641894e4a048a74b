package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas. Kept declarative so the validation surface matches
// the documented API exactly instead of accreting ad-hoc checks.
const challengeRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["purpose", "actionHashHex"],
  "additionalProperties": false,
  "properties": {
    "purpose": {
      "type": "string",
      "enum": ["ACTION_COMMIT", "ARTIFACT_AUTHORSHIP", "EVIDENCE_SUBMIT", "ADMIN_DANGEROUS_OP"]
    },
    "actionHashHex": {
      "type": "string",
      "pattern": "^[0-9a-f]{64}$"
    },
    "ttlSeconds": {
      "type": "integer",
      "minimum": 10,
      "maximum": 600
    }
  }
}`

const verifyRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["challengeId", "assertion"],
  "additionalProperties": false,
  "properties": {
    "challengeId": {
      "type": "string",
      "format": "uuid"
    },
    "assertion": {
      "type": "object",
      "required": ["authenticatorDataB64Url", "clientDataJSONB64Url", "signatureB64Url", "credIdB64Url", "pubKeyPem"],
      "additionalProperties": false,
      "properties": {
        "authenticatorDataB64Url": {"type": "string", "minLength": 1},
        "clientDataJSONB64Url": {"type": "string", "minLength": 1},
        "signatureB64Url": {"type": "string", "minLength": 1},
        "credIdB64Url": {"type": "string", "minLength": 1},
        "pubKeyPem": {"type": "string", "minLength": 1}
      }
    }
  }
}`

const receiptVerifyRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["receiptId", "receiptHashHex"],
  "additionalProperties": false,
  "properties": {
    "receiptId": {"type": "string", "format": "uuid"},
    "receiptHashHex": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var (
	// ChallengeRequestSchema validates POST /v1/pbi/challenge bodies.
	ChallengeRequestSchema = mustCompile("challenge-request.schema.json", challengeRequestSchema)
	// VerifyRequestSchema validates POST /v1/pbi/verify bodies.
	VerifyRequestSchema = mustCompile("verify-request.schema.json", verifyRequestSchema)
	// ReceiptVerifyRequestSchema validates POST /v1/pbi/receipts/verify bodies.
	ReceiptVerifyRequestSchema = mustCompile("receipt-verify-request.schema.json", receiptVerifyRequestSchema)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := "https://pbi.schemas.local/" + name
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("api: schema %s load failed: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("api: schema %s compile failed: %v", name, err))
	}
	return compiled
}

// DecodeAndValidate parses raw JSON, validates it against schema and then
// unmarshals into dst. Validation failures name the offending field path.
func DecodeAndValidate(schema *jsonschema.Schema, raw []byte, dst any) *Error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return NewError(400, CodeInvalidRequest, "request body is not valid JSON")
	}

	if err := schema.Validate(generic); err != nil {
		var ve *jsonschema.ValidationError
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			ve = vErr
		}
		return NewError(400, CodeInvalidRequest, formatValidationError(ve, err))
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return NewError(400, CodeInvalidRequest, "request body does not match expected shape")
	}
	return nil
}

// formatValidationError surfaces the deepest cause with its instance path.
func formatValidationError(ve *jsonschema.ValidationError, fallback error) string {
	if ve == nil {
		return fallback.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "(root)"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
