// internal/schema/validator.go
// Package schema provides JSON schema validation for inbound OCPI payloads.
// Credentials objects received during registration are validated against the
// wire schema before any parsing or state transition happens.
package schema

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// credentialsSchema is the wire shape of an OCPI credentials object.
// Token, URL and at least one role with a (country, party, role) triple are
// mandatory; business details require a name.
const credentialsSchema = `{
	"type": "object",
	"required": ["token", "url", "roles"],
	"properties": {
		"token": {"type": "string", "minLength": 1, "maxLength": 64},
		"url": {"type": "string", "minLength": 1},
		"roles": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["country_code", "party_id", "role", "business_details"],
				"properties": {
					"country_code": {"type": "string", "minLength": 2, "maxLength": 2},
					"party_id": {"type": "string", "minLength": 3, "maxLength": 3},
					"role": {"type": "string", "enum": ["CPO", "EMSP", "HUB", "NAP", "NSP", "SCSP", "OTHER"]},
					"business_details": {
						"type": "object",
						"required": ["name"],
						"properties": {
							"name": {"type": "string", "minLength": 1, "maxLength": 100},
							"website": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

// Validator validates OCPI payloads against their JSON schemas.
type Validator struct {
	credentials *gojsonschema.Schema
}

// NewValidator compiles all schemas.
func NewValidator() (*Validator, error) {
	credentials, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(credentialsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile credentials schema: %w", err)
	}
	return &Validator{credentials: credentials}, nil
}

// ValidateCredentials checks a raw credentials object against the wire
// schema. It returns an error naming every violated constraint.
func (v *Validator) ValidateCredentials(raw []byte) error {
	result, err := v.credentials.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("credentials not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msg := ""
	for _, desc := range result.Errors() {
		if msg != "" {
			msg += "; "
		}
		msg += desc.String()
	}
	return fmt.Errorf("credentials schema violation: %s", msg)
}
