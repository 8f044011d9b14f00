// Package orchestrator runs the reconciliation loop: drain unprocessed
// messages through classification, threading and aggregation, then push the
// affected threads to the sheet sink.
package orchestrator

import (
	"context"

	"leadsync/pkg/classifier"
	"leadsync/pkg/logger"
	"leadsync/pkg/metrics"
	"leadsync/pkg/models"
	"leadsync/pkg/sentiment"
	"leadsync/pkg/threads"
)

// MessageStore is the store surface the drain step uses.
type MessageStore interface {
	NextUnprocessed() (models.Message, bool, error)
	UnprocessedCount() (int, error)
	History(chat string, beforeTS int64, limit int) ([]models.Message, error)
	MarkProcessed(msg models.Message) error
	SetRoot(propertyID, messageID string) error
	RootMessage(propertyID string) (models.Message, error)
	UpdateMessage(msg models.Message) error
}

// Classifier is the classify(text, context) capability boundary.
type Classifier interface {
	Classify(ctx context.Context, text string, isGroup bool, history []classifier.HistoryEntry) classifier.Result
}

// ThreadResolver assigns thread linkage for a classified message.
type ThreadResolver interface {
	Resolve(msg models.Message, res classifier.Result) (threads.Resolution, error)
}

// Processor executes the per-message pipeline for one drain step.
type Processor struct {
	store        MessageStore
	gateway      Classifier
	resolver     ThreadResolver
	historyLimit int
}

func NewProcessor(store MessageStore, gateway Classifier, resolver ThreadResolver, historyLimit int) *Processor {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &Processor{store: store, gateway: gateway, resolver: resolver, historyLimit: historyLimit}
}

// ProcessOne drains the oldest unprocessed message. Returns false when the
// queue is empty. Classifier trouble degrades inside the gateway; an error
// here is a storage problem and leaves the message queued for the next tick.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	msg, ok, err := p.store.NextUnprocessed()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	history, err := p.store.History(msg.Chat, msg.TS, p.historyLimit)
	if err != nil {
		return false, err
	}
	res := p.gateway.Classify(ctx, msg.Text, msg.GroupChat, toEntries(history))
	if res.Unparseable {
		metrics.ClassifyFailures.Inc()
	}

	resolution, err := p.resolver.Resolve(msg, res)
	if err != nil {
		return false, err
	}

	msg.PropertyID = resolution.PropertyID
	msg.ParentID = resolution.ParentID
	msg.Sentiment = res.Sentiment
	msg.Intent = res.Intent
	msg.Properties = res.Records
	if err := p.store.MarkProcessed(msg); err != nil {
		return false, err
	}
	metrics.MessagesProcessed.Inc()

	if resolution.NewRoot {
		if err := p.store.SetRoot(resolution.PropertyID, msg.ID); err != nil {
			return false, err
		}
	}
	if msg.PropertyID != "" {
		if err := p.updateRoot(msg, res); err != nil {
			// The message itself is processed; the aggregate catches up on a
			// later pass via needsSheetSync self-healing.
			logger.Error("root_aggregate_update_failed", "property", msg.PropertyID, "error", err)
		}
	}
	return true, nil
}

// updateRoot folds the message's signals into its thread root and flags the
// thread for sheet sync.
func (p *Processor) updateRoot(msg models.Message, res classifier.Result) error {
	root, err := p.store.RootMessage(msg.PropertyID)
	if err != nil {
		return err
	}
	sentiment.Apply(&root, msg, res.Sentiment)
	if res.Intent != "" {
		root.Intent = res.Intent
	}
	root.NeedsSheetSync = true
	return p.store.UpdateMessage(root)
}

// toEntries converts store history (newest first) into prompt entries
// (oldest first).
func toEntries(history []models.Message) []classifier.HistoryEntry {
	out := make([]classifier.HistoryEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, classifier.HistoryEntry{Direction: history[i].Direction, Text: history[i].Text})
	}
	return out
}
