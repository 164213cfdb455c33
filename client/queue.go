package client

import (
	"encoding/json"
	"sync"
	"time"

	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"go.uber.org/zap"
)

// DefaultMaxDeliveryAttempts bounds how many replay failures a queued message
// survives before it is dropped. Dropping beyond the budget is an accepted
// tradeoff against unbounded queue growth.
const DefaultMaxDeliveryAttempts = 5

// QueuedMessage is one outbound message waiting for delivery.
type QueuedMessage struct {
	Kind          wire.Kind       `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt"`
}

// OutboundQueue is a durable FIFO of messages that could not be delivered
// live. Insertion order is delivery order; every mutation writes the full
// snapshot back to the store.
type OutboundQueue struct {
	mu          sync.Mutex
	store       Store
	key         string
	items       []QueuedMessage
	maxAttempts int
	now         func() time.Time
	onDropped   func(QueuedMessage)
}

func NewOutboundQueue(store Store, key string, maxAttempts int) *OutboundQueue {
	if key == "" {
		key = QueueStorageKey
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxDeliveryAttempts
	}
	q := &OutboundQueue{
		store:       store,
		key:         key,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
	q.restore()
	return q
}

// OnDropped registers a callback invoked when a message exhausts its retry
// budget. Must be set before the queue is shared across goroutines.
func (q *OutboundQueue) OnDropped(fn func(QueuedMessage)) {
	q.onDropped = fn
}

func (q *OutboundQueue) restore() {
	data, err := q.store.Load(q.key)
	if err != nil {
		logger.Warn("failed to load queued messages", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	var items []QueuedMessage
	if err := json.Unmarshal(data, &items); err != nil {
		logger.Warn("corrupt queue snapshot, starting empty", zap.Error(err))
		return
	}
	q.items = items
	if len(items) > 0 {
		logger.Info("restored queued messages", zap.Int("count", len(items)))
	}
}

// persist writes the current snapshot through to the store. Caller holds the
// lock.
func (q *OutboundQueue) persist() {
	if len(q.items) == 0 {
		if err := q.store.Delete(q.key); err != nil {
			logger.Warn("failed to clear queue snapshot", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		logger.Error("failed to marshal queue snapshot", zap.Error(err))
		return
	}
	if err := q.store.Save(q.key, data); err != nil {
		logger.Warn("failed to persist queue snapshot", zap.Error(err))
	}
}

// Enqueue appends a message with a fresh attempt counter and persists.
func (q *OutboundQueue) Enqueue(kind wire.Kind, payload json.RawMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, QueuedMessage{
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: q.now(),
	})
	q.persist()
	logger.Debug("message queued for later delivery",
		zap.String("kind", string(kind)),
		zap.Int("queue_len", len(q.items)))
}

// Len reports the number of messages waiting for delivery.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages in delivery order.
func (q *OutboundQueue) Snapshot() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedMessage(nil), q.items...)
}

// Replay walks the queue in enqueue order handing each message to deliver.
// Delivered messages are removed; failed ones get their attempt counter
// bumped and stay for the next replay unless the budget is exhausted, in
// which case they are dropped and reported through OnDropped. The resulting
// queue is persisted once the pass finishes.
func (q *OutboundQueue) Replay(deliver func(QueuedMessage) error) (delivered, dropped int) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	var kept []QueuedMessage
	var droppedMsgs []QueuedMessage
	for _, msg := range pending {
		err := deliver(msg)
		if err == nil {
			delivered++
			continue
		}
		logger.Debug("replay delivery failed",
			zap.String("kind", string(msg.Kind)),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err))
		msg.Attempts++
		at := q.now()
		msg.LastAttemptAt = &at
		if msg.Attempts >= q.maxAttempts {
			dropped++
			droppedMsgs = append(droppedMsgs, msg)
			logger.Warn("message dropped after max delivery attempts",
				zap.String("kind", string(msg.Kind)),
				zap.Int("attempts", msg.Attempts))
			continue
		}
		kept = append(kept, msg)
	}

	q.mu.Lock()
	// sends issued during the pass landed in q.items; they stay behind the
	// survivors to preserve enqueue order
	q.items = append(kept, q.items...)
	q.persist()
	q.mu.Unlock()

	if q.onDropped != nil {
		for _, msg := range droppedMsgs {
			q.onDropped(msg)
		}
	}
	return delivered, dropped
}
