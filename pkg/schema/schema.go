// Package schema turns the externally-managed field catalogue into the
// extraction contract used by the classifier: a strict JSON schema for the
// model and declarative validation rules for its output.
package schema

import (
	"context"
	"fmt"
	"strings"
)

// Field describes one extractable property field.
type Field struct {
	Name        string
	Type        string // text|number|date|boolean|enum|array
	Required    bool
	Order       int
	Description string
	EnumValues  []string
}

// Provider supplies the live field catalogue. Implementations are
// read-only; the surface that edits fields is an external collaborator.
type Provider interface {
	Fields(ctx context.Context) ([]Field, error)
}

// StaticProvider serves a fixed field list (typically from config).
type StaticProvider struct {
	fields []Field
}

func NewStaticProvider(fields []Field) *StaticProvider {
	return &StaticProvider{fields: fields}
}

func (p *StaticProvider) Fields(ctx context.Context) ([]Field, error) {
	return p.fields, nil
}

// FallbackFields is the hardcoded default field set used when the provider
// returns nothing.
func FallbackFields() []Field {
	return []Field{
		{Name: "property_type", Type: "enum", Order: 1, EnumValues: []string{"apartment", "villa", "townhouse", "plot", "office", "retail", "other"}},
		{Name: "location", Type: "text", Order: 2, Description: "Area, community or building mentioned"},
		{Name: "price", Type: "number", Order: 3, Description: "Budget or asking price in local currency"},
		{Name: "size_sqft", Type: "number", Order: 4},
		{Name: "bedrooms", Type: "number", Order: 5},
		{Name: "bathrooms", Type: "number", Order: 6},
		{Name: "note", Type: "text", Order: 7, Description: "Any other requirement stated verbatim"},
	}
}

// BuildObjectSchema renders a field list as a strict OpenAI-compatible JSON
// schema object: every property listed as required, nullable where the
// field itself is optional, additionalProperties false.
func BuildObjectSchema(fields []Field) map[string]any {
	props := map[string]any{}
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		required = append(required, f.Name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch strings.ToLower(f.Type) {
	case "number":
		out = map[string]any{"type": []string{"number", "null"}}
	case "boolean":
		out = map[string]any{"type": []string{"boolean", "null"}}
	case "array":
		out = map[string]any{
			"type":  []string{"array", "null"},
			"items": map[string]any{"type": "string"},
		}
	case "enum":
		out = map[string]any{"type": []string{"string", "null"}}
		if len(f.EnumValues) > 0 {
			vals := make([]any, 0, len(f.EnumValues)+1)
			for _, v := range f.EnumValues {
				vals = append(vals, v)
			}
			vals = append(vals, nil)
			out["enum"] = vals
		}
	default: // text, date
		out = map[string]any{"type": []string{"string", "null"}}
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	// Required here means "must be mentioned by the client before the lead
	// is complete", not "the model must invent a value"; extraction stays
	// nullable either way.
	return out
}

// ValidateRecord checks a decoded record against the field catalogue:
// known types and enum membership. Unknown keys are tolerated (the model
// may echo linkage fields); type mismatches are errors.
func ValidateRecord(rec map[string]any, fields []Field) error {
	var errs []string
	for _, f := range fields {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(v, f.Type) {
			errs = append(errs, fmt.Sprintf("type mismatch at %s: expected %s", f.Name, f.Type))
			continue
		}
		if strings.EqualFold(f.Type, "enum") && len(f.EnumValues) > 0 {
			s, _ := v.(string)
			if s != "" && !contains(f.EnumValues, s) {
				errs = append(errs, fmt.Sprintf("invalid enum at %s: %q", f.Name, s))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func typeMatches(v any, t string) bool {
	switch strings.ToLower(t) {
	case "text", "date", "enum":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
