// Package ingest is the HTTP surface: message ingestion from the chat
// transport plus read endpoints for threads and a manual sync trigger.
package ingest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"leadsync/pkg/logger"
	"leadsync/pkg/merge"
	"leadsync/pkg/metrics"
	"leadsync/pkg/models"
	"leadsync/pkg/store"
	"leadsync/pkg/utils"
)

// IngestStore is the store surface the API uses.
type IngestStore interface {
	Append(msg models.Message) error
	ChatMessages(chat string, limit int) ([]models.Message, error)
	Roots() ([]models.Message, error)
	RootMessage(propertyID string) (models.Message, error)
	ThreadMessages(chat, propertyID string) ([]models.Message, error)
	UnprocessedCount() (int, error)
}

// Handler serves the v1 API. SyncTrigger kicks an orchestrator pass; it is
// fire-and-forget so the HTTP caller never waits on a drain.
type Handler struct {
	store       IngestStore
	syncTrigger func()
}

func NewHandler(s IngestStore, syncTrigger func()) *Handler {
	return &Handler{store: s, syncTrigger: syncTrigger}
}

// Routes registers the v1 endpoints on the router.
func (h *Handler) Routes(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", h.postMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages", h.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/threads", h.listThreads).Methods(http.MethodGet)
	v1.HandleFunc("/threads/{propertyID}", h.getThread).Methods(http.MethodGet)
	v1.HandleFunc("/sync", h.triggerSync).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
}

type ingestRequest struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	Direction string `json:"direction"`
	Text      string `json:"text"`
	TS        int64  `json:"ts"`
	GroupChat bool   `json:"group_chat"`
}

// postMessage ingests one chat message.
//
// @Summary      Ingest a chat message
// @Description  Appends a message to the store and queues it for the next orchestrator tick. Idempotent on id.
// @Tags         messages
// @Accept       json
// @Produce      json
// @Param        message  body  ingestRequest  true  "Message"
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Router       /v1/messages [post]
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Chat == "" {
		utils.JSONError(w, http.StatusBadRequest, "id and chat are required")
		return
	}
	if req.Direction == "" {
		req.Direction = models.DirectionIncoming
	}
	if req.Direction != models.DirectionIncoming && req.Direction != models.DirectionOutgoing {
		utils.JSONError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}
	if req.TS == 0 {
		req.TS = time.Now().UnixNano()
	}
	msg := models.Message{
		ID:        req.ID,
		Chat:      req.Chat,
		Direction: req.Direction,
		Text:      req.Text,
		TS:        req.TS,
		GroupChat: req.GroupChat,
	}
	if err := h.store.Append(msg); err != nil {
		logger.Error("ingest_append_failed", "id", req.ID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesIngested.Inc()
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "queued", "id": req.ID})
}

// listMessages returns recent messages for a chat.
//
// @Summary  List messages for a chat
// @Tags     messages
// @Produce  json
// @Param    chat   query  string  true   "Chat id"
// @Param    limit  query  int     false  "Max messages (default 50)"
// @Success  200  {array}  models.Message
// @Router   /v1/messages [get]
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chat := r.URL.Query().Get("chat")
	if chat == "" {
		utils.JSONError(w, http.StatusBadRequest, "chat query parameter required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := h.store.ChatMessages(chat, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, msgs)
}

type threadSummary struct {
	PropertyID     string `json:"property_id"`
	Chat           string `json:"chat"`
	RootMessageID  string `json:"root_message_id"`
	Status         string `json:"status,omitempty"`
	Intent         string `json:"intent,omitempty"`
	SheetRow       int64  `json:"sheet_row,omitempty"`
	SheetSynced    bool   `json:"sheet_synced"`
	NeedsSheetSync bool   `json:"needs_sheet_sync"`
}

// listThreads returns every property thread.
//
// @Summary  List property threads
// @Tags     threads
// @Produce  json
// @Success  200  {array}  threadSummary
// @Router   /v1/threads [get]
func (h *Handler) listThreads(w http.ResponseWriter, r *http.Request) {
	roots, err := h.store.Roots()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read threads")
		return
	}
	out := make([]threadSummary, 0, len(roots))
	for _, root := range roots {
		out = append(out, threadSummary{
			PropertyID:     root.PropertyID,
			Chat:           root.Chat,
			RootMessageID:  root.ID,
			Status:         root.Status,
			Intent:         root.Intent,
			SheetRow:       root.SheetRow,
			SheetSynced:    root.SheetSynced,
			NeedsSheetSync: root.NeedsSheetSync,
		})
	}
	_ = utils.JSONWrite(w, http.StatusOK, out)
}

type threadDetail struct {
	threadSummary
	DailySentiment map[string]string       `json:"daily_sentiment,omitempty"`
	Merged         []models.PropertyRecord `json:"merged"`
	Messages       []models.Message        `json:"messages"`
}

// getThread returns one thread with its messages and merged record.
//
// @Summary  Get a property thread
// @Tags     threads
// @Produce  json
// @Param    propertyID  path  string  true  "Property id"
// @Success  200  {object}  threadDetail
// @Failure  404  {object}  map[string]string
// @Router   /v1/threads/{propertyID} [get]
func (h *Handler) getThread(w http.ResponseWriter, r *http.Request) {
	propertyID := mux.Vars(r)["propertyID"]
	root, err := h.store.RootMessage(propertyID)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read thread")
		return
	}
	msgs, err := h.store.ThreadMessages(root.Chat, propertyID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "failed to read thread messages")
		return
	}
	merged := merge.Fold(msgs)
	merge.Stamp(merged, propertyID, models.RootParentID)
	if merged == nil {
		merged = []models.PropertyRecord{}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	_ = utils.JSONWrite(w, http.StatusOK, threadDetail{
		threadSummary: threadSummary{
			PropertyID:     root.PropertyID,
			Chat:           root.Chat,
			RootMessageID:  root.ID,
			Status:         root.Status,
			Intent:         root.Intent,
			SheetRow:       root.SheetRow,
			SheetSynced:    root.SheetSynced,
			NeedsSheetSync: root.NeedsSheetSync,
		},
		DailySentiment: root.DailySentiment,
		Merged:         merged,
		Messages:       msgs,
	})
}

// triggerSync kicks an orchestrator pass without waiting for it.
//
// @Summary  Trigger a drain-and-sync pass
// @Tags     sync
// @Produce  json
// @Success  202  {object}  map[string]string
// @Router   /v1/sync [post]
func (h *Handler) triggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncTrigger != nil {
		go h.syncTrigger()
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

// health reports liveness plus queue depth.
//
// @Summary  Health check
// @Tags     health
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /healthz [get]
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.UnprocessedCount()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"status": "ok", "unprocessed": n})
}
