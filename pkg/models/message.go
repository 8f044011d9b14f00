package models

// Direction values for a chat message.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// RootParentID marks a message as the root of its property thread.
const RootParentID = "0"

// Message is one inbound or outbound chat message for a counterparty.
// The transport layer creates it append-only; the orchestrator mutates it
// exactly once when it flips Processed and writes the derived fields.
type Message struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	Direction string `json:"direction"`
	Text      string `json:"text,omitempty"`
	// TS is event time in unix nanoseconds, not ingestion time.
	TS        int64 `json:"ts"`
	GroupChat bool  `json:"group_chat,omitempty"`

	Processed bool `json:"processed,omitempty"`

	// Derived fields, non-empty once Processed is true.
	PropertyID string           `json:"property_id,omitempty"`
	ParentID   string           `json:"parent_id,omitempty"`
	Sentiment  string           `json:"sentiment,omitempty"`
	Intent     string           `json:"intent,omitempty"`
	Properties []PropertyRecord `json:"properties,omitempty"`

	// Thread aggregate state, carried on the root message only.
	DailySentiment    map[string]string `json:"daily_sentiment,omitempty"`
	Status            string            `json:"status,omitempty"`
	SheetSynced       bool              `json:"sheet_synced,omitempty"`
	NeedsSheetSync    bool              `json:"needs_sheet_sync,omitempty"`
	LastSheetSyncedAt int64             `json:"last_sheet_synced_at,omitempty"`
	// SheetRow is the 1-based sink row; 0 means no row was ever appended.
	SheetRow int64 `json:"sheet_row,omitempty"`
}

// IsRoot reports whether the message anchors its thread.
func (m *Message) IsRoot() bool { return m.ParentID == RootParentID }
