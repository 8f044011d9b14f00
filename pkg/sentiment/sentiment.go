// Package sentiment maintains the per-thread engagement aggregate carried on
// the thread root: one sentiment label per calendar day of outgoing
// responses, plus a status tracking the latest of those days.
package sentiment

import (
	"sort"
	"time"

	"leadsync/pkg/logger"
	"leadsync/pkg/models"
)

// DaySlots is how many daily responses the sink row can carry.
const DaySlots = 10

const dayKeyLayout = "2006.01.02"

// DateKey renders an event timestamp (unix nanoseconds) as the day-map key.
func DateKey(ts int64) string {
	return time.Unix(0, ts).UTC().Format(dayKeyLayout)
}

// Apply folds one classified message into the root's aggregate state.
//
// Only outgoing messages touch the aggregate: the label is the agent's
// read on the client after responding, recorded under the message's
// calendar day. A later outgoing message on the same day overwrites that
// day's entry, other days are untouched. The thread status follows the
// latest recorded day. Incoming messages leave the aggregate alone.
func Apply(root *models.Message, msg models.Message, label string) {
	if label == "" || msg.Direction != models.DirectionOutgoing {
		return
	}
	if root.DailySentiment == nil {
		root.DailySentiment = map[string]string{}
	}
	root.DailySentiment[DateKey(msg.TS)] = label
	root.Status = LatestStatus(root.DailySentiment)
}

// LatestStatus returns the sentiment label of the most recent day in the
// map; the thread status is derived from it.
func LatestStatus(daily map[string]string) string {
	latest := ""
	for k := range daily {
		if k > latest {
			latest = k
		}
	}
	if latest == "" {
		return ""
	}
	return daily[latest]
}

// DayColumns renders the day map as the sink's daily-response cells:
// chronological, "YYYY.MM.DD:Label", at most DaySlots entries. Days past
// the cap are dropped from the row but stay in the map.
func DayColumns(daily map[string]string) []string {
	if len(daily) == 0 {
		return nil
	}
	keys := make([]string, 0, len(daily))
	for k := range daily {
		keys = append(keys, k)
	}
	// Day keys are zero-padded, so lexicographic order is chronological.
	sort.Strings(keys)
	if len(keys) > DaySlots {
		logger.Debug("day_columns_truncated", "days", len(keys), "cap", DaySlots)
		keys = keys[:DaySlots]
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+":"+daily[k])
	}
	return out
}
