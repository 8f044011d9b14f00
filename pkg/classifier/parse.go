package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"leadsync/pkg/models"
	"leadsync/pkg/schema"
)

// envelopeShell is the fixed part of the model response. The records array
// is spliced in afterwards because its item schema is assembled from the
// live field catalogue at call time.
type envelopeShell struct {
	ClientSentiment   string `json:"client_sentiment" jsonschema:"enum=Interested,enum=Not Interested,enum=Neutral,enum=Considering,enum=Lost Interest"`
	ClientIntent      string `json:"client_intent" jsonschema:"enum=high,enum=medium,enum=low,enum=lost"`
	NewPropertyThread bool   `json:"is_new_property_thread"`
}

// envelopeSchema builds the strict response schema: the reflected shell plus
// a records array whose items follow the current field catalogue.
func envelopeSchema(fields []schema.Field) map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	reflected := reflector.Reflect(&envelopeShell{})

	b, err := json.Marshal(reflected)
	if err != nil {
		return fallbackEnvelope(fields)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fallbackEnvelope(fields)
	}
	delete(m, "$schema")
	delete(m, "$id")

	props, ok := m["properties"].(map[string]any)
	if !ok {
		return fallbackEnvelope(fields)
	}
	props["records"] = map[string]any{
		"type":        "array",
		"description": "One entry per distinct property mentioned. Empty when the message has no property content.",
		"items":       schema.BuildObjectSchema(fields),
	}
	m["required"] = []string{"records", "client_sentiment", "client_intent", "is_new_property_thread"}
	m["additionalProperties"] = false
	return m
}

func fallbackEnvelope(fields []schema.Field) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"records": map[string]any{
				"type":  "array",
				"items": schema.BuildObjectSchema(fields),
			},
			"client_sentiment":       map[string]any{"type": "string", "enum": SentimentLabels},
			"client_intent":          map[string]any{"type": "string", "enum": IntentLabels},
			"is_new_property_thread": map[string]any{"type": "boolean"},
		},
		"required":             []string{"records", "client_sentiment", "client_intent", "is_new_property_thread"},
		"additionalProperties": false,
	}
}

// parseOutput decodes the model response into a Result. It tolerates three
// shapes: the requested envelope, a bare record object, and a bare array of
// records. Anything else is an error and becomes a sentinel upstream.
func parseOutput(text string, fields []schema.Field) (Result, error) {
	decoded, err := decodeModelJSON(text)
	if err != nil {
		return Result{}, err
	}

	res := Result{Sentiment: NeutralSentiment}
	var rawRecords []any

	switch v := decoded.(type) {
	case []any:
		rawRecords = v
	case map[string]any:
		if recs, ok := v["records"]; ok {
			arr, ok := recs.([]any)
			if !ok && recs != nil {
				return Result{}, fmt.Errorf("records is not an array")
			}
			rawRecords = arr
			applySignals(&res, v)
		} else {
			// Bare record; conversation signals may be inlined.
			rawRecords = []any{v}
			applySignals(&res, v)
		}
	default:
		return Result{}, fmt.Errorf("unexpected JSON shape %T", decoded)
	}

	for _, rr := range rawRecords {
		obj, ok := rr.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("record is not an object")
		}
		for _, rec := range unwrapRaw(obj) {
			// Conversation signals inlined into a record are not extraction
			// fields; drop them so the zero-field guard sees them as empty.
			delete(rec, "is_new_property_thread")
			if err := schema.ValidateRecord(rec, fields); err != nil {
				return Result{}, fmt.Errorf("record failed validation: %w", err)
			}
			res.Records = append(res.Records, models.PropertyRecord(rec))
		}
	}
	return res, nil
}

func applySignals(res *Result, m map[string]any) {
	if s, ok := m[models.KeySentiment].(string); ok && s != "" {
		res.Sentiment = s
	}
	if s, ok := m[models.KeyIntent].(string); ok && s != "" {
		res.Intent = s
	}
	if b, ok := m["is_new_property_thread"].(bool); ok {
		res.NewThread = b
	}
}

// unwrapRaw peels the nesting produced when an upstream validation layer
// wraps its unvalidated payload under a single "raw" key. The wrapped value
// may be an object, an array of objects, or a JSON string.
func unwrapRaw(rec map[string]any) []map[string]any {
	raw, ok := rec["raw"]
	if !ok || len(rec) != 1 {
		return []map[string]any{rec}
	}
	switch v := raw.(type) {
	case map[string]any:
		return unwrapRaw(v)
	case []any:
		var out []map[string]any
		for _, e := range v {
			if obj, ok := e.(map[string]any); ok {
				out = append(out, unwrapRaw(obj)...)
			}
		}
		if len(out) > 0 {
			return out
		}
	case string:
		if decoded, err := decodeModelJSON(v); err == nil {
			switch d := decoded.(type) {
			case map[string]any:
				return unwrapRaw(d)
			case []any:
				var out []map[string]any
				for _, e := range d {
					if obj, ok := e.(map[string]any); ok {
						out = append(out, unwrapRaw(obj)...)
					}
				}
				if len(out) > 0 {
					return out
				}
			}
		}
	}
	return []map[string]any{rec}
}

// decodeModelJSON decodes model output that is supposed to be pure JSON but
// occasionally arrives wrapped in prose or code fences.
func decodeModelJSON(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty model output")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}

	// Fall back to the outermost JSON value embedded in surrounding text.
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(s[i:j+1]), &v); err == nil {
			return v, nil
		}
	}
	if i, j := strings.Index(s, "["), strings.LastIndex(s, "]"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(s[i:j+1]), &v); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no decodable JSON in model output")
}
