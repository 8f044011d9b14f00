// Package merge folds the per-message property records of a thread into the
// thread's consolidated view. The fold is deterministic and idempotent:
// replaying it over the same messages yields the same result.
package merge

import (
	"sort"

	"leadsync/pkg/models"
)

// Apply merges src into dst with last-non-empty-wins semantics: a value in
// src only lands when it is non-empty, so later nulls never erase earlier
// facts. Reserved linkage keys are skipped; they are stamped separately.
// Keys are visited in sorted order to keep the fold deterministic.
func Apply(dst, src models.PropertyRecord) models.PropertyRecord {
	if dst == nil {
		dst = models.PropertyRecord{}
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch k {
		case models.KeyPropertyID, models.KeyParentID:
			continue
		}
		if models.IsEmptyValue(src[k]) {
			continue
		}
		dst[k] = src[k]
	}
	return dst
}

// Fold consolidates the records of a thread's messages, ascending event
// time, index-aligned: record i of each message contributes to merged
// record i. Messages must already be sorted oldest first (ThreadMessages
// order).
func Fold(msgs []models.Message) []models.PropertyRecord {
	var out []models.PropertyRecord
	for _, m := range msgs {
		for i, rec := range m.Properties {
			for len(out) <= i {
				out = append(out, models.PropertyRecord{})
			}
			out[i] = Apply(out[i], rec)
		}
	}
	return out
}

// Stamp writes the thread linkage keys onto every record.
func Stamp(recs []models.PropertyRecord, propertyID, parentID string) {
	for _, r := range recs {
		r[models.KeyPropertyID] = propertyID
		r[models.KeyParentID] = parentID
	}
}
