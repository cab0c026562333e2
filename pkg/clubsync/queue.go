// Copyright 2024-2026 Aiku AI

package clubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/jsontime"

	"github.com/aiku/clubsync/pkg/eventschema"
	"github.com/aiku/clubsync/pkg/groupref"
	"github.com/aiku/clubsync/pkg/storage"
)

// OutboundQueueKey is the KV key holding undelivered messages across restarts.
const OutboundQueueKey = "clubsync:outbound_queue"

// QueuedMessage is an outbound message waiting for the next drain.
type QueuedMessage struct {
	ClubID     string             `json:"club_id"`
	Group      groupref.GroupID   `json:"group"`
	Content    string             `json:"content"`
	Author     string             `json:"author"`
	EnqueuedAt jsontime.UnixMilli `json:"enqueued_at"`
}

// SendMessageToGroup queues content for the group mapped to clubID and
// wakes the drain loop. It never waits on the network. An empty author
// means the current user.
func (e *Engine) SendMessageToGroup(ctx context.Context, clubID, content, author string) error {
	if author == "" {
		pub, err := e.currentUser(ctx)
		if err != nil {
			return err
		}
		author = pub
	}
	group, ok := e.Mappings.GetGroupFor(clubID)
	if !ok {
		return ErrNotMapped
	}
	if trimmedEmpty(content) {
		return &eventschema.MalformedEventError{
			Kind:   eventschema.KindGroupMessage,
			Errors: []string{"content must not be empty"},
		}
	}
	e.enqueue(QueuedMessage{
		ClubID:     clubID,
		Group:      group,
		Content:    content,
		Author:     author,
		EnqueuedAt: jsontime.UnixMilliNow(),
	})
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) enqueue(msg QueuedMessage) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.queue = append(e.queue, msg)
}

func (e *Engine) QueueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// QueuedMessages returns a copy of the queue, oldest first.
func (e *Engine) QueuedMessages() []QueuedMessage {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return append([]QueuedMessage(nil), e.queue...)
}

// ProcessQueue drains the queue in order, pausing briefly between items.
// Only one drain runs at a time; a concurrent call returns immediately.
// On the first failure the drain stops, the failed message is dropped and
// the queue is cut down to its most recent items.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer e.draining.Store(false)

	sent := 0
	for {
		msg, ok := e.popHead()
		if !ok {
			if sent > 0 {
				e.log.Debug().Int("sent", sent).Msg("Queue drained")
			}
			return nil
		}
		if err := e.publishQueued(ctx, msg); err != nil {
			dropped := e.capQueue()
			e.log.Warn().
				Err(err).
				Str("club_id", msg.ClubID).
				Int("dropped", dropped).
				Int("remaining", e.QueueLen()).
				Msg("Failed to send queued message")
			return err
		}
		sent++
		if e.QueueLen() > 0 && e.cfg.QueueItemDelay() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.QueueItemDelay()):
			}
		}
	}
}

func (e *Engine) popHead() (QueuedMessage, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return QueuedMessage{}, false
	}
	msg := e.queue[0]
	e.queue = e.queue[1:]
	return msg, true
}

// saveQueue writes the undelivered messages to the KV store, or clears
// the key when nothing is pending.
func (e *Engine) saveQueue(ctx context.Context) error {
	if e.kv == nil {
		return nil
	}
	pending := e.QueuedMessages()
	if len(pending) == 0 {
		if err := e.kv.Delete(ctx, OutboundQueueKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to clear outbound queue: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode outbound queue: %w", err)
	}
	if err := e.kv.Set(ctx, OutboundQueueKey, data); err != nil {
		return fmt.Errorf("failed to save outbound queue: %w", err)
	}
	return nil
}

// loadQueue puts persisted messages ahead of anything queued since and
// returns how many were restored.
func (e *Engine) loadQueue(ctx context.Context) (int, error) {
	if e.kv == nil {
		return 0, nil
	}
	data, err := e.kv.Get(ctx, OutboundQueueKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to load outbound queue: %w", err)
	}
	var restored []QueuedMessage
	if err := json.Unmarshal(data, &restored); err != nil {
		return 0, fmt.Errorf("failed to decode outbound queue: %w", err)
	}
	e.queueMu.Lock()
	e.queue = append(restored, e.queue...)
	e.queueMu.Unlock()
	e.capQueue()
	return len(restored), nil
}

// capQueue keeps the most recent QueueCap items and returns how many
// older ones were dropped.
func (e *Engine) capQueue() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	limit := e.cfg.QueueCap
	if limit <= 0 {
		limit = defaultQueueCap
	}
	if len(e.queue) <= limit {
		return 0
	}
	dropped := len(e.queue) - limit
	e.queue = append([]QueuedMessage(nil), e.queue[dropped:]...)
	return dropped
}

func (e *Engine) publishQueued(ctx context.Context, msg QueuedMessage) error {
	evt, err := eventschema.Build(eventschema.KindGroupMessage, eventschema.Params{
		Group:   msg.Group,
		PubKey:  msg.Author,
		Content: msg.Content,
	})
	if err != nil {
		return err
	}
	return e.signAndPublish(ctx, evt)
}
