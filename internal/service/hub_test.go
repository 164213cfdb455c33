package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"taskpulse/pkg/logger"
)

func init() {
	logger.InitLogger("test")
}

type mockObserver struct {
	online        int64
	pushes        int64
	flushes       int64
	storeFailures int64
}

func (m *mockObserver) IncOnline()          { atomic.AddInt64(&m.online, 1) }
func (m *mockObserver) DecOnline()          { atomic.AddInt64(&m.online, -1) }
func (m *mockObserver) RecordPush()         { atomic.AddInt64(&m.pushes, 1) }
func (m *mockObserver) RecordPendingFlush() { atomic.AddInt64(&m.flushes, 1) }
func (m *mockObserver) RecordStoreFailure() { atomic.AddInt64(&m.storeFailures, 1) }

func newTestClient(userID string, buffer int) *Client {
	return &Client{UserID: userID, Username: userID, Send: make(chan []byte, buffer)}
}

func TestHubRegisterUnregister(t *testing.T) {
	obs := &mockObserver{}
	hub := NewHub(obs)

	a := newTestClient("alice", 4)
	b := newTestClient("alice", 4)
	hub.Register(a)
	hub.Register(b)

	if got := hub.OnlineCount(); got != 2 {
		t.Fatalf("OnlineCount = %d, want 2", got)
	}
	if !hub.Online("alice") {
		t.Fatal("alice should be online")
	}

	hub.Unregister(a)
	if !hub.Online("alice") {
		t.Fatal("alice still has one connection, should be online")
	}
	hub.Unregister(b)
	if hub.Online("alice") {
		t.Fatal("alice should be offline after both connections drop")
	}
	if atomic.LoadInt64(&obs.online) != 0 {
		t.Fatalf("online gauge = %d, want 0", obs.online)
	}

	// double unregister must not double-decrement
	hub.Unregister(b)
	if atomic.LoadInt64(&obs.online) != 0 {
		t.Fatalf("online gauge after repeat unregister = %d, want 0", obs.online)
	}
}

func TestHubSendToUserTargetsAllDevices(t *testing.T) {
	hub := NewHub(&mockObserver{})

	phone := newTestClient("bob", 4)
	laptop := newTestClient("bob", 4)
	other := newTestClient("carol", 4)
	hub.Register(phone)
	hub.Register(laptop)
	hub.Register(other)

	if got := hub.SendToUser("bob", []byte("hi")); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	if len(phone.Send) != 1 || len(laptop.Send) != 1 {
		t.Fatal("both of bob's devices should have the frame")
	}
	if len(other.Send) != 0 {
		t.Fatal("carol should not receive bob's frame")
	}
	if got := hub.SendToUser("nobody", []byte("hi")); got != 0 {
		t.Fatalf("delivered to absent user = %d, want 0", got)
	}
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewHub(&mockObserver{})

	sender := newTestClient("alice", 4)
	peer := newTestClient("bob", 4)
	hub.Register(sender)
	hub.Register(peer)

	if got := hub.Broadcast(sender, []byte("typing")); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if len(sender.Send) != 0 {
		t.Fatal("sender should be excluded from its own broadcast")
	}
	if len(peer.Send) != 1 {
		t.Fatal("peer should receive the broadcast")
	}
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	hub := NewHub(&mockObserver{})

	slow := newTestClient("dana", 1)
	hub.Register(slow)

	hub.Broadcast(nil, []byte("one"))
	// buffer full now; next push evicts
	hub.Broadcast(nil, []byte("two"))

	if hub.Online("dana") {
		t.Fatal("slow consumer should have been evicted")
	}
	// Send channel must be closed so the write pump exits
	if _, ok := <-slow.Send; !ok {
		t.Fatal("buffered frame should still be readable")
	}
	if _, ok := <-slow.Send; ok {
		t.Fatal("send channel should be closed after eviction")
	}
}

func TestHubUnregisterDuringBroadcast(t *testing.T) {
	hub := NewHub(&mockObserver{})

	// plenty of fillers so broadcasts are mid-flight when the victims leave
	for i := 0; i < 2000; i++ {
		hub.Register(newTestClient(fmt.Sprintf("filler-%d", i), 128))
	}
	victims := make([]*Client, 50)
	for i := range victims {
		victims[i] = newTestClient(fmt.Sprintf("victim-%d", i), 128)
		hub.Register(victims[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				hub.Broadcast(nil, []byte("x"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, v := range victims {
			hub.Unregister(v)
		}
	}()
	// a send racing an Unregister's channel close panics the process;
	// finishing the broadcasts is the assertion
	wg.Wait()

	for i, v := range victims {
		if hub.Online(v.UserID) {
			t.Fatalf("victim %d still online after unregister", i)
		}
	}
}

func TestHubConcurrentChurn(t *testing.T) {
	obs := &mockObserver{}
	hub := NewHub(obs)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c := newTestClient(fmt.Sprintf("user-%d", n), 64)
				hub.Register(c)
				hub.Broadcast(c, []byte("x"))
				hub.SendToUser(c.UserID, []byte("y"))
				hub.Unregister(c)
			}
		}(i)
	}
	wg.Wait()

	if got := hub.OnlineCount(); got != 0 {
		t.Fatalf("OnlineCount after churn = %d, want 0", got)
	}
	if atomic.LoadInt64(&obs.online) != 0 {
		t.Fatalf("online gauge after churn = %d, want 0", obs.online)
	}
}
