package workflow

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/siteops/approvals/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Kinds lists every supported workflow kind.
var Kinds = []string{
	model.KindHSEIncident,
	model.KindTrainingApproval,
	model.KindEquipmentPurchase,
	model.KindPolicyChange,
	model.KindAuditPlan,
}

// PayloadValidator checks workflow payloads against a JSON schema per kind.
type PayloadValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewPayloadValidator compiles the embedded schema of every kind.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[string]*gojsonschema.Schema, len(Kinds))}
	for _, kind := range Kinds {
		data, err := schemaFS.ReadFile("schemas/" + kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("payload schema %s: %w", kind, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("payload schema %s: compile: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// KnownKind reports whether kind has a schema.
func (v *PayloadValidator) KnownKind(kind string) bool {
	_, ok := v.schemas[kind]
	return ok
}

// Validate returns field errors for payload, or nil when it conforms to the
// schema of kind.
func (v *PayloadValidator) Validate(kind string, payload map[string]any) ([]model.FieldError, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return []model.FieldError{{
			Field:   "kind",
			Code:    "UNKNOWN_KIND",
			Message: fmt.Sprintf("kind must be one of %s", strings.Join(Kinds, ", ")),
		}}, nil
	}
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("validate payload: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	details := make([]model.FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := re.Field()
		if re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				field = p
			}
		}
		if field == "" || field == "(root)" {
			field = "payload"
		} else {
			field = "payload." + field
		}
		details = append(details, model.FieldError{
			Field:   field,
			Code:    strings.ToUpper(re.Type()),
			Message: re.Description(),
		})
	}
	return details, nil
}
