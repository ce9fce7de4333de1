package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// documentSchemaJSON constrains the shape of a policy document beyond what
// Go's struct typing already enforces: approval_routing_rules quorum and
// risk_level, and the non-negative retry/lease fields §4.A requires every
// put to carry. validateSchemaVersion handles the schema_version gate
// separately since that check also needs the semver constraint machinery.
const documentSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"action_max_attempts": {"type": "integer", "minimum": 0},
		"action_retry_backoff_seconds": {"type": "integer", "minimum": 0},
		"action_lease_ttl_seconds": {"type": "integer", "minimum": 0},
		"approval_routing_rules": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"properties": {
					"quorum": {"type": "integer", "minimum": 1},
					"risk_level": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]}
				}
			}
		}
	}
}`

var documentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("policy_document.json", bytes.NewReader([]byte(documentSchemaJSON))); err != nil {
		panic(fmt.Sprintf("policy: invalid embedded document schema: %v", err))
	}
	schema, err := compiler.Compile("policy_document.json")
	if err != nil {
		panic(fmt.Sprintf("policy: failed to compile document schema: %v", err))
	}
	return schema
}

// validateDocumentShape checks a document's JSON projection against
// documentSchema. Called by every Store.Put implementation before
// canonicalization so a structurally invalid document is rejected as
// InvalidRequest rather than persisted.
func validateDocumentShape(doc *Document) error {
	raw, err := json.Marshal(doc.view())
	if err != nil {
		return fmt.Errorf("policy: marshal document for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("policy: unmarshal document for validation: %w", err)
	}
	if err := documentSchema.Validate(v); err != nil {
		return fmt.Errorf("policy: document failed schema validation: %w", err)
	}
	return nil
}
