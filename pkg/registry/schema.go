package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/domaindetermine/governance/pkg/errs"
)

// manifestSchema is the structural contract every manifest must meet
// before any registry write. Semantic checks (version bumps, approvals,
// upstream pins) are layered on top by the publish pipeline.
const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["artifact_id", "class", "tenant", "slug", "version", "hash", "title", "creator", "created_at", "change_impact"],
	"properties": {
		"artifact_id": {"type": "string", "minLength": 1},
		"class": {"type": "string", "enum": [
			"kos_snapshot", "coverage_plan", "mapping", "overlay",
			"audit_certificate", "eval_suite", "prompt_pack",
			"run_bundle", "release_manifest"
		]},
		"tenant": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"slug": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
		"version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
		"hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
		"title": {"type": "string", "minLength": 1},
		"change_impact": {"type": "string", "enum": ["major", "minor", "patch"]},
		"upstream": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["artifact_id", "hash", "version"],
				"properties": {
					"artifact_id": {"type": "string", "minLength": 1},
					"hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
					"version": {"type": "string"}
				}
			}
		},
		"approvals": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["actor", "role", "ts"],
				"properties": {
					"actor": {"type": "string", "minLength": 1},
					"role": {"type": "string", "minLength": 1},
					"ts": {"type": "string"},
					"signature": {"type": "string"}
				}
			}
		}
	}
}`

// defaultPayloadSchemas are the built-in structural contracts per
// class: every payload is a JSON object, and classes with a known shape
// type the fields the governance core itself reads. Deployments layer
// stricter schemas on top via RegisterPayloadSchema.
var defaultPayloadSchemas = map[Class]string{
	ClassKOSSnapshot: `{
		"type": "object",
		"properties": {
			"source": {"type": "string"},
			"retrieved_at": {"type": "string"},
			"concepts": {"type": "array"}
		}
	}`,
	ClassCoveragePlan: `{
		"type": "object",
		"properties": {
			"strata": {"type": "array"},
			"quotas": {"type": "object"}
		}
	}`,
	ClassMapping:          `{"type": "object"}`,
	ClassOverlay:          `{"type": "object"}`,
	ClassAuditCertificate: `{"type": "object"}`,
	ClassEvalSuite: `{
		"type": "object",
		"properties": {
			"slices": {"type": "array"},
			"metrics": {"type": "array"}
		}
	}`,
	ClassPromptPack: `{
		"type": "object",
		"properties": {
			"prompts": {"type": "array"}
		}
	}`,
	ClassRunBundle: `{"type": "object"}`,
	ClassReleaseManifest: `{
		"type": "object",
		"properties": {
			"last_rehearsal_at": {"type": "string"},
			"readiness_gates": {"type": "object", "additionalProperties": {"type": "boolean"}},
			"environment": {"type": "string"}
		}
	}`,
}

// Validator checks manifests against the structural schema, plus
// per-class payload schemas. Every class carries a built-in schema;
// RegisterPayloadSchema replaces it with a stricter one.
type Validator struct {
	manifest *jsonschema.Schema
	payload  map[Class]*jsonschema.Schema
}

// NewValidator compiles the built-in manifest schema and the default
// payload schema of every class.
func NewValidator() (*Validator, error) {
	compiled, err := compileSchema("manifest", manifestSchema)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		manifest: compiled,
		payload:  make(map[Class]*jsonschema.Schema),
	}
	for class, schema := range defaultPayloadSchemas {
		if err := v.RegisterPayloadSchema(class, schema); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// RegisterPayloadSchema replaces the class's payload schema with a
// stricter deployment-specific one.
func (v *Validator) RegisterPayloadSchema(class Class, schema string) error {
	if !class.Valid() {
		return fmt.Errorf("registry: unknown class %q", class)
	}
	compiled, err := compileSchema(string(class), schema)
	if err != nil {
		return err
	}
	v.payload[class] = compiled
	return nil
}

// ValidateManifest returns a SCHEMA_VIOLATION error when the manifest
// fails the structural contract.
func (v *Validator) ValidateManifest(m *Manifest) error {
	doc, err := toSchemaDoc(m)
	if err != nil {
		return errs.Wrap(errs.SchemaViolation, err, "manifest is not valid JSON")
	}
	if err := v.manifest.Validate(doc); err != nil {
		return errs.Wrap(errs.SchemaViolation, err, "manifest failed schema validation")
	}
	return nil
}

// ValidatePayload checks the payload against the class schema. Payloads
// that are not valid JSON are rejected.
func (v *Validator) ValidatePayload(class Class, payload []byte) error {
	schema, ok := v.payload[class]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return errs.Wrap(errs.SchemaViolation, err,
			fmt.Sprintf("%s payload is not valid JSON", class))
	}
	if err := schema.Validate(doc); err != nil {
		return errs.Wrap(errs.SchemaViolation, err,
			fmt.Sprintf("%s payload failed schema validation", class))
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://governance.schemas.local/registry/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("registry: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: schema compile failed: %w", err)
	}
	return compiled, nil
}

// toSchemaDoc round-trips a typed value through JSON so the schema
// library sees plain maps and slices.
func toSchemaDoc(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
