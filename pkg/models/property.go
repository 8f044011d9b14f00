package models

// Reserved keys inside a PropertyRecord. The extraction schema is dynamic,
// so records are open maps; these keys are stamped by the pipeline and win
// over whatever the classifier produced.
const (
	KeyPropertyID = "propertyId"
	KeyParentID   = "parentId"
	KeySentiment  = "client_sentiment"
	KeyIntent     = "client_intent"
)

// PropertyRecord is one structured extraction from a message. Fields are
// nullable: an absent key means "not mentioned", never "known empty".
type PropertyRecord map[string]any

// Clone returns a shallow copy of the record.
func (r PropertyRecord) Clone() PropertyRecord {
	out := make(PropertyRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FieldCount returns the number of non-empty, non-reserved extraction
// fields. Contentless messages ("ok", "thanks") yield zero and must never
// open a new thread.
func (r PropertyRecord) FieldCount() int {
	n := 0
	for k, v := range r {
		switch k {
		case KeyPropertyID, KeyParentID, KeySentiment, KeyIntent:
			continue
		}
		if IsEmptyValue(v) {
			continue
		}
		n++
	}
	return n
}

// IsEmptyValue reports whether a decoded JSON value carries no information:
// nil, empty string, or an empty array/object.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
