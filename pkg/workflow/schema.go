package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Debjyoti-19/ghostprotocol/pkg/contracts"
)

// erasureRequestSchema is the wire contract for inbound erasure requests.
// Parsing stays lenient (unknown fields pass through); only the fields the
// engine depends on are constrained.
const erasureRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user", "jurisdiction", "requested_by", "legal_proof"],
  "properties": {
    "user": {
      "type": "object",
      "required": ["user_id"],
      "properties": {
        "user_id": {"type": "string", "minLength": 1},
        "emails": {"type": "array", "items": {"type": "string", "format": "email"}},
        "phones": {"type": "array", "items": {"type": "string"}},
        "aliases": {"type": "array", "items": {"type": "string"}}
      }
    },
    "jurisdiction": {"type": "string", "minLength": 1},
    "requested_by": {"type": "string", "minLength": 1},
    "legal_proof": {"type": "string", "minLength": 1},
    "reason": {"type": "string"},
    "original_workflow_id": {"type": "string"}
  }
}`

var requestSchema = jsonschema.MustCompileString("erasure-request.json", erasureRequestSchema)

// validateRequest checks an inbound request against the schema.
func validateRequest(req *contracts.ErasureRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return &ValidationError{Msg: fmt.Sprintf("unserializable request: %v", err)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &ValidationError{Msg: fmt.Sprintf("undecodable request: %v", err)}
	}

	if err := requestSchema.Validate(v); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	return nil
}
