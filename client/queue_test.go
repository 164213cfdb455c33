package client

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"
)

func init() {
	logger.InitLogger("test")
}

func TestQueue_EnqueueOrderAndPersistence(t *testing.T) {
	store := NewMemoryStore()
	q := NewOutboundQueue(store, "", 0)

	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"a"}`))
	q.Enqueue(wire.KindDirectMessage, json.RawMessage(`{"content":"b"}`))
	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"c"}`))

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	// write-through: the store must already hold the snapshot
	data, err := store.Load(QueueStorageKey)
	if err != nil || len(data) == 0 {
		t.Fatalf("snapshot not persisted: data=%v err=%v", data, err)
	}

	// restart: a fresh queue over the same store sees the same messages
	q2 := NewOutboundQueue(store, "", 0)
	items := q2.Snapshot()
	if len(items) != 3 {
		t.Fatalf("restored %d items, want 3", len(items))
	}
	wantContents := []string{"a", "b", "c"}
	for i, item := range items {
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			t.Fatalf("item %d payload: %v", i, err)
		}
		if payload.Content != wantContents[i] {
			t.Errorf("item %d content = %q, want %q", i, payload.Content, wantContents[i])
		}
		if item.Attempts != 0 {
			t.Errorf("item %d attempts = %d, want 0", i, item.Attempts)
		}
	}
}

func TestQueue_ReplayRemovesDeliveredKeepsFailed(t *testing.T) {
	store := NewMemoryStore()
	q := NewOutboundQueue(store, "", 0)

	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"ok"}`))
	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"fail"}`))
	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"ok2"}`))

	failErr := errors.New("nope")
	delivered, dropped := q.Replay(func(m QueuedMessage) error {
		var p struct {
			Content string `json:"content"`
		}
		json.Unmarshal(m.Payload, &p)
		if p.Content == "fail" {
			return failErr
		}
		return nil
	})

	if delivered != 2 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d, want 2, 0", delivered, dropped)
	}
	items := q.Snapshot()
	if len(items) != 1 {
		t.Fatalf("queue has %d items after replay, want 1", len(items))
	}
	if items[0].Attempts != 1 {
		t.Errorf("failed item attempts = %d, want 1", items[0].Attempts)
	}
	if items[0].LastAttemptAt == nil {
		t.Error("failed item has no LastAttemptAt")
	}
}

func TestQueue_DropAfterMaxAttempts(t *testing.T) {
	store := NewMemoryStore()
	q := NewOutboundQueue(store, "", 0)

	var droppedMsg *QueuedMessage
	q.OnDropped(func(m QueuedMessage) { droppedMsg = &m })

	q.Enqueue(wire.KindDirectMessage, json.RawMessage(`{"content":"doomed"}`))

	failAll := func(QueuedMessage) error { return errors.New("down") }

	for i := 0; i < 4; i++ {
		if _, dropped := q.Replay(failAll); dropped != 0 {
			t.Fatalf("dropped on replay %d, want survival until attempt 5", i+1)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("queue emptied before the 5th failure")
	}

	_, dropped := q.Replay(failAll)
	if dropped != 1 {
		t.Fatalf("5th failure dropped %d, want 1", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("dropped message still queued")
	}
	if droppedMsg == nil {
		t.Fatal("OnDropped not invoked")
	}
	if droppedMsg.Attempts != 5 {
		t.Errorf("dropped attempts = %d, want 5", droppedMsg.Attempts)
	}

	// never reappears
	if _, d := q.Replay(failAll); d != 0 || q.Len() != 0 {
		t.Error("dropped message resurfaced in a later replay")
	}
}

func TestQueue_ReplayEmptiesSnapshot(t *testing.T) {
	store := NewMemoryStore()
	q := NewOutboundQueue(store, "", 0)
	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"x"}`))

	q.Replay(func(QueuedMessage) error { return nil })

	data, err := store.Load(QueueStorageKey)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("snapshot still present after full delivery: %s", data)
	}
}

func TestQueue_CorruptSnapshotStartsEmpty(t *testing.T) {
	store := NewMemoryStore()
	store.Save(QueueStorageKey, []byte("{definitely not json"))
	q := NewOutboundQueue(store, "", 0)
	if q.Len() != 0 {
		t.Errorf("corrupt snapshot produced %d items", q.Len())
	}
}

func TestQueue_AttemptTimestamps(t *testing.T) {
	store := NewMemoryStore()
	q := NewOutboundQueue(store, "", 0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	q.Enqueue(wire.KindChannelMessage, json.RawMessage(`{"content":"t"}`))
	items := q.Snapshot()
	if !items[0].EnqueuedAt.Equal(base) {
		t.Errorf("EnqueuedAt = %v, want %v", items[0].EnqueuedAt, base)
	}
}
