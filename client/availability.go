package client

import (
	"encoding/json"
	"sync"
	"time"

	"taskpulse/pkg/logger"

	"go.uber.org/zap"
)

// DefaultAvailabilityWindow is how long a recorded store failure keeps the
// backing data store flagged unavailable. With no new failures the flag
// self-heals once the window passes; there is no explicit recovery signal.
const DefaultAvailabilityWindow = 5 * time.Minute

// AvailabilityMonitor tracks whether the data store behind the gateway is
// reachable. This is distinct from transport connectivity: the socket can be
// open while the store behind it is down.
type AvailabilityMonitor struct {
	mu          sync.Mutex
	store       Store
	key         string
	window      time.Duration
	lastFailure time.Time
	now         func() time.Time
}

func NewAvailabilityMonitor(store Store, key string, window time.Duration) *AvailabilityMonitor {
	if key == "" {
		key = FailureStorageKey
	}
	if window <= 0 {
		window = DefaultAvailabilityWindow
	}
	m := &AvailabilityMonitor{
		store:  store,
		key:    key,
		window: window,
		now:    time.Now,
	}
	m.restore()
	return m
}

func (m *AvailabilityMonitor) restore() {
	data, err := m.store.Load(m.key)
	if err != nil {
		logger.Warn("failed to load store failure timestamp", zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	var ts time.Time
	if err := json.Unmarshal(data, &ts); err != nil {
		logger.Warn("corrupt store failure timestamp, ignoring", zap.Error(err))
		return
	}
	m.lastFailure = ts
}

// RecordFailure marks the store unavailable as of now and persists the
// timestamp so a restarted client inherits the flag.
func (m *AvailabilityMonitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFailure = m.now()
	data, _ := json.Marshal(m.lastFailure)
	if err := m.store.Save(m.key, data); err != nil {
		logger.Warn("failed to persist store failure timestamp", zap.Error(err))
	}
	logger.Warn("data store flagged unavailable", zap.Time("at", m.lastFailure))
}

// IsAvailable reports true unless a failure was recorded within the trailing
// window.
func (m *AvailabilityMonitor) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFailure.IsZero() {
		return true
	}
	return m.now().Sub(m.lastFailure) >= m.window
}

// LastFailure returns the most recent recorded failure time, zero if none.
func (m *AvailabilityMonitor) LastFailure() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}
