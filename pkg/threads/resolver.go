// Package threads assigns each classified message to a property thread.
package threads

import (
	"github.com/google/uuid"

	"leadsync/pkg/classifier"
	"leadsync/pkg/logger"
	"leadsync/pkg/models"
	"leadsync/pkg/store"
)

// ThreadStore is the slice of the message store the resolver reads.
type ThreadStore interface {
	LatestThreaded(chat string) (models.Message, bool, error)
	RootMessage(propertyID string) (models.Message, error)
}

// Resolution is the thread linkage decided for one message. A zero value
// means the message stays unthreaded.
type Resolution struct {
	PropertyID string
	ParentID   string
	// NewRoot is set when the message becomes the root of a fresh thread.
	// The caller registers the root mapping after persisting the message.
	NewRoot bool
}

type Resolver struct {
	store ThreadStore
}

func NewResolver(s ThreadStore) *Resolver {
	return &Resolver{store: s}
}

// Resolve decides the propertyId and parentId for a classified message.
//
// A new thread is only ever minted for a result that carries at least one
// extractable field; signal-only messages (greetings, sentinels) follow the
// chat's active thread or stay unthreaded. Every thread has exactly one
// root, so non-root messages always point their parentId at the root.
func (r *Resolver) Resolve(msg models.Message, res classifier.Result) (Resolution, error) {
	extractable := res.HasExtractableFields()

	if res.NewThread && extractable {
		return r.mint(msg), nil
	}

	last, ok, err := r.store.LatestThreaded(msg.Chat)
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		parent := last.ID
		root, err := r.store.RootMessage(last.PropertyID)
		if err == nil {
			parent = root.ID
		} else if err != store.ErrNotFound {
			return Resolution{}, err
		}
		return Resolution{PropertyID: last.PropertyID, ParentID: parent}, nil
	}

	if !extractable {
		logger.Debug("message_unthreaded", "chat", msg.Chat, "id", msg.ID)
		return Resolution{}, nil
	}
	return r.mint(msg), nil
}

func (r *Resolver) mint(msg models.Message) Resolution {
	id := uuid.NewString()
	logger.Info("thread_minted", "chat", msg.Chat, "property", id, "root", msg.ID)
	return Resolution{PropertyID: id, ParentID: models.RootParentID, NewRoot: true}
}
