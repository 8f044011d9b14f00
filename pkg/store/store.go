package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"leadsync/pkg/logger"
	"leadsync/pkg/models"
)

// Key layout:
//
//	msg:<chat>:<ts %020d>-<seq %06d>  message JSON, per-chat event-time order
//	msgid:<messageID>                 -> message key (uniqueness index)
//	pending:<ts %020d>-<seq %06d>     -> message key (unprocessed queue)
//	root:<propertyID>                 -> messageID of the thread root
//
// The seq suffix keeps keys unique when two messages share a nanosecond
// timestamp; insertion order is the tie-break.
const (
	msgPrefix     = "msg:"
	msgIDPrefix   = "msgid:"
	pendingPrefix = "pending:"
	rootPrefix    = "root:"
)

var ErrNotFound = pebble.ErrNotFound

// Store is a pebble-backed message store. Construct one per process and
// inject it; there is no package-level handle.
type Store struct {
	db  *pebble.DB
	seq uint64
}

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying pebble DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func msgSuffix(ts int64, seq uint64) string {
	return fmt.Sprintf("%020d-%06d", ts, seq)
}

// Append stores a new message and queues it for processing. Appends are
// idempotent on the external message id: a duplicate is a no-op.
func (s *Store) Append(msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message id required")
	}
	if msg.Chat == "" {
		return fmt.Errorf("chat required")
	}
	idxKey := []byte(msgIDPrefix + msg.ID)
	if _, closer, err := s.db.Get(idxKey); err == nil {
		closer.Close()
		logger.Debug("append_duplicate_ignored", "id", msg.ID)
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}

	suffix := msgSuffix(msg.TS, atomic.AddUint64(&s.seq, 1))
	key := msgPrefix + msg.Chat + ":" + suffix
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(key), data, nil); err != nil {
		return err
	}
	if err := batch.Set(idxKey, []byte(key), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(pendingPrefix+suffix), []byte(key), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("append_message_failed", "chat", msg.Chat, "id", msg.ID, "error", err)
		return err
	}
	logger.Info("message_appended", "chat", msg.Chat, "id", msg.ID, "direction", msg.Direction)
	return nil
}

// NextUnprocessed returns the oldest unprocessed message by event time, or
// ok=false when the queue is empty. Stale pending entries whose message is
// gone or undecodable are removed on the way; a corrupt head must not wedge
// the queue behind it.
func (s *Store) NextUnprocessed() (models.Message, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return models.Message{}, false, err
	}
	defer iter.Close()
	prefix := []byte(pendingPrefix)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		msgKey := append([]byte(nil), iter.Value()...)
		v, closer, err := s.db.Get(msgKey)
		if err == pebble.ErrNotFound {
			_ = s.db.Delete(append([]byte(nil), iter.Key()...), pebble.Sync)
			continue
		}
		if err != nil {
			return models.Message{}, false, err
		}
		var m models.Message
		uerr := json.Unmarshal(v, &m)
		closer.Close()
		if uerr != nil {
			logger.Warn("pending_skip_bad_json", "key", string(msgKey), "error", uerr)
			_ = s.db.Delete(append([]byte(nil), iter.Key()...), pebble.Sync)
			continue
		}
		return m, true, nil
	}
	return models.Message{}, false, iter.Error()
}

// UnprocessedCount returns the number of queued messages.
func (s *Store) UnprocessedCount() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	prefix := []byte(pendingPrefix)
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		n++
	}
	return n, iter.Error()
}

// MarkProcessed persists the processed flip plus derived fields and removes
// the message from the pending queue. This is the single post-ingest
// mutation a message receives.
func (s *Store) MarkProcessed(msg models.Message) error {
	msg.Processed = true
	key, err := s.keyForID(msg.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	suffix := key[strings.LastIndex(key, ":")+1:]
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(key), data, nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(pendingPrefix+suffix), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("mark_processed_failed", "id", msg.ID, "error", err)
		return err
	}
	logger.Info("message_processed", "chat", msg.Chat, "id", msg.ID, "property", msg.PropertyID)
	return nil
}

// UpdateMessage overwrites a stored message in place. Used for thread-root
// aggregate state (daily sentiment, sync flags); does not touch the queue.
func (s *Store) UpdateMessage(msg models.Message) error {
	key, err := s.keyForID(msg.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// GetByID returns a message by its external id.
func (s *Store) GetByID(id string) (models.Message, error) {
	key, err := s.keyForID(id)
	if err != nil {
		return models.Message{}, err
	}
	return s.getMessage([]byte(key))
}

func (s *Store) keyForID(id string) (string, error) {
	v, closer, err := s.db.Get([]byte(msgIDPrefix + id))
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (s *Store) getMessage(key []byte) (models.Message, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		return models.Message{}, err
	}
	defer closer.Close()
	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return models.Message{}, fmt.Errorf("invalid message JSON at %s: %w", key, err)
	}
	return m, nil
}

// History returns up to limit processed messages for a chat with event time
// strictly before beforeTS, newest first.
func (s *Store) History(chat string, beforeTS int64, limit int) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix + chat + ":")
	// Keys for beforeTS itself carry a "-seq" suffix and sort above the bare
	// padded timestamp, so SeekLT on it lands strictly before beforeTS.
	upper := append(append([]byte(nil), prefix...), []byte(fmt.Sprintf("%020d", beforeTS))...)
	var out []models.Message
	for valid := iter.SeekLT(upper); valid; valid = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("history_skip_bad_json", "key", string(iter.Key()), "error", err)
			continue
		}
		if !m.Processed {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// LatestThreaded returns the most recent processed message for a chat that
// carries a propertyId, i.e. the tail of the chat's active thread. Most
// recent is by event timestamp; among equal timestamps the first-inserted
// message wins, so the scan keeps walking back across an equal-TS run.
func (s *Store) LatestThreaded(chat string) (models.Message, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return models.Message{}, false, err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix + chat + ":")
	upper := append(append([]byte(nil), prefix...), 0xff)
	var best models.Message
	found := false
	for valid := iter.SeekLT(upper); valid; valid = iter.Prev() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if !m.Processed || m.PropertyID == "" {
			continue
		}
		if found && m.TS != best.TS {
			break
		}
		best = m
		found = true
	}
	if found {
		return best, true, nil
	}
	return models.Message{}, false, iter.Error()
}

// SetRoot records the root message for a property thread.
func (s *Store) SetRoot(propertyID, messageID string) error {
	return s.db.Set([]byte(rootPrefix+propertyID), []byte(messageID), pebble.Sync)
}

// RootMessage returns the root message (parentId "0") for a thread.
func (s *Store) RootMessage(propertyID string) (models.Message, error) {
	v, closer, err := s.db.Get([]byte(rootPrefix + propertyID))
	if err != nil {
		return models.Message{}, err
	}
	id := string(v)
	closer.Close()
	return s.GetByID(id)
}

// ThreadMessages returns all processed messages of a thread in ascending
// event-time order.
func (s *Store) ThreadMessages(chat, propertyID string) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix + chat + ":")
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		if m.Processed && m.PropertyID == propertyID {
			out = append(out, m)
		}
	}
	return out, iter.Error()
}

// ChatMessages returns up to limit most recent messages for a chat in
// ascending order (read API).
func (s *Store) ChatMessages(chat string, limit int) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(msgPrefix + chat + ":")
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, iter.Error()
}

// Roots returns every thread root message.
func (s *Store) Roots() ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	prefix := []byte(rootPrefix)
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		m, err := s.GetByID(string(iter.Value()))
		if err != nil {
			logger.Warn("root_load_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// RootsNeedingSync returns thread roots whose sheet row is missing or stale.
func (s *Store) RootsNeedingSync() ([]models.Message, error) {
	roots, err := s.Roots()
	if err != nil {
		return nil, err
	}
	var out []models.Message
	for _, r := range roots {
		if !r.SheetSynced || r.NeedsSheetSync {
			out = append(out, r)
		}
	}
	return out, nil
}
