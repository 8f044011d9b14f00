// Package sheets projects finalized threads into the external spreadsheet:
// fixed client-sheet rows, a rate-limited Google Sheets client, and a
// size/idle batching layer in front of it.
package sheets

import (
	"fmt"
	"strconv"
	"strings"

	"leadsync/pkg/models"
	"leadsync/pkg/sentiment"
)

// Client-sheet column layout. The order is fixed; rows are always written
// full-width so updates replace every cell.
var HeaderColumns = []string{
	"Date",
	"Customer Sequence - Last",
	"Middle",
	"Classification",
	"Name",
	"Mobile 1",
	"Budget",
	"Preferred Size",
	"Preferred Area",
	"Status",
	"Individual Name",
	"Remarks",
	"Follow Up Status",
	"Day 1 Response",
	"Day 2 Response",
	"Day 3 Response",
	"Day 4 Response",
	"Day 5 Response",
	"Day 6 Response",
	"Day 7 Response",
	"Day 8 Response",
	"Day 9 Response",
	"Day 10 Response",
}

// HeaderRow returns the header as sheet values.
func HeaderRow() []any {
	out := make([]any, len(HeaderColumns))
	for i, c := range HeaderColumns {
		out[i] = c
	}
	return out
}

// BuildRow renders a thread into its client-sheet row. The first merged
// record is the primary property; field values are looked up by the usual
// catalogue names with fallbacks for common aliases.
func BuildRow(root models.Message, merged []models.PropertyRecord) []any {
	var rec models.PropertyRecord
	if len(merged) > 0 {
		rec = merged[0]
	}

	status := root.Status
	if status == "" {
		status = sentiment.LatestStatus(root.DailySentiment)
	}

	row := make([]any, 0, len(HeaderColumns))
	row = append(row,
		sentiment.DateKey(root.TS),
		pick(rec, "last_name", "customer_last"),
		pick(rec, "middle_name"),
		pick(rec, "property_type", "classification"),
		pick(rec, "name", "client_name", "customer_name"),
		phoneFromChat(root.Chat),
		pick(rec, "price", "budget"),
		pick(rec, "size_sqft", "size"),
		pick(rec, "location", "area", "preferred_area"),
		status,
		pick(rec, "individual_name", "agent_name"),
		pick(rec, "note", "remarks"),
		root.Intent,
	)
	days := sentiment.DayColumns(root.DailySentiment)
	for i := 0; i < sentiment.DaySlots; i++ {
		if i < len(days) {
			row = append(row, days[i])
		} else {
			row = append(row, "")
		}
	}
	return row
}

func pick(rec models.PropertyRecord, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec[k]; ok && !models.IsEmptyValue(v) {
			return cellString(v)
		}
	}
	return ""
}

func cellString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, cellString(e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// phoneFromChat recovers the counterparty number from a chat id like
// "971501234567@c.us". Group ids keep their full form.
func phoneFromChat(chat string) string {
	if i := strings.Index(chat, "@"); i > 0 && !strings.Contains(chat, "-") {
		return chat[:i]
	}
	return chat
}
