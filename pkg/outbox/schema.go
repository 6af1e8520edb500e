package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-task-type payload schemas, validated at the enqueue boundary. The
// persisted representation stays (string tag, opaque JSON payload) so new
// types can be added without a schema migration.
var payloadSchemas = map[string]string{
	TypeChainTransfer: `{
		"type": "object",
		"required": ["from_account", "to_address", "amount", "asset"],
		"properties": {
			"from_account": {"type": "string", "minLength": 1},
			"to_address": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "exclusiveMinimum": 0},
			"asset": {"type": "string", "enum": ["HBD", "HIVE", "HBD_SAVINGS"]},
			"memo": {"type": "string", "maxLength": 500}
		},
		"additionalProperties": false
	}`,
	TypeGitOperation: `{
		"type": "object",
		"required": ["repository", "operation"],
		"properties": {
			"repository": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "enum": ["merge", "tag", "branch", "revert"]},
			"ref": {"type": "string"},
			"message": {"type": "string", "maxLength": 2000}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for taskType, raw := range payloadSchemas {
		schema, err := jsonschema.CompileString(taskType+".json", raw)
		if err != nil {
			panic(fmt.Sprintf("outbox: bad payload schema for %s: %v", taskType, err))
		}
		out[taskType] = schema
	}
	return out
}()

// ValidatePayload checks payload against the schema registered for taskType.
func ValidatePayload(taskType string, payload json.RawMessage) error {
	schema, ok := compiledSchemas[taskType]
	if !ok {
		return fmt.Errorf("%w: unknown task_type %q", ErrInvalidTask, taskType)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalidTask, err)
	}
	if err := schema.Validate(doc); err != nil {
		detail := err.Error()
		if i := strings.IndexByte(detail, '\n'); i > 0 {
			detail = detail[:i]
		}
		return fmt.Errorf("%w: %s", ErrInvalidTask, detail)
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of the JCS-canonicalized payload.
// Two logically identical payloads with different key order or whitespace
// produce the same fingerprint.
func Fingerprint(payload json.RawMessage) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
