package client

import (
	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"go.uber.org/zap"
)

// Events is the set of callbacks the UI wires in to invalidate or merge its
// local data cache. Any callback left nil is skipped. Callbacks run on the
// read loop goroutine, so they must not block.
type Events struct {
	OnAuthSuccess    func(wire.AuthSuccess)
	OnWelcome        func(wire.Welcome)
	OnDirectMessage  func(wire.DirectMessageEvent)
	OnChannelMessage func(wire.ChannelMessageEvent)
	OnChannelUpdated func(wire.ChannelUpdated)
	OnMemberChange   func(wire.ChannelMemberChange)
	OnTyping         func(wire.TypingIndicator)

	// OnError receives server error frames, except database_error which is
	// routed to the availability monitor instead of the user-facing path.
	OnError func(wire.ServerError)

	// OnUnknown sees frames with an unrecognized type after they are logged.
	OnUnknown func(wire.Unknown)

	// OnDropped fires when a queued message exhausts its delivery budget.
	OnDropped func(QueuedMessage)
}

// Dispatcher decodes inbound frames and fans them out to the Events
// callbacks. Malformed frames are logged and dropped; they never take the
// connection down.
type Dispatcher struct {
	events  Events
	monitor *AvailabilityMonitor
}

func NewDispatcher(events Events, monitor *AvailabilityMonitor) *Dispatcher {
	return &Dispatcher{events: events, monitor: monitor}
}

func (d *Dispatcher) Dispatch(raw []byte) {
	ev, err := wire.Decode(raw)
	if err != nil {
		logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case wire.AuthSuccess:
		if d.events.OnAuthSuccess != nil {
			d.events.OnAuthSuccess(e)
		}
	case wire.Welcome:
		if d.events.OnWelcome != nil {
			d.events.OnWelcome(e)
		}
	case wire.DirectMessageEvent:
		if d.events.OnDirectMessage != nil {
			d.events.OnDirectMessage(e)
		}
	case wire.ChannelMessageEvent:
		if d.events.OnChannelMessage != nil {
			d.events.OnChannelMessage(e)
		}
	case wire.ChannelUpdated:
		if d.events.OnChannelUpdated != nil {
			d.events.OnChannelUpdated(e)
		}
	case wire.ChannelMemberChange:
		if d.events.OnMemberChange != nil {
			d.events.OnMemberChange(e)
		}
	case wire.TypingIndicator:
		if d.events.OnTyping != nil {
			d.events.OnTyping(e)
		}
	case wire.ServerError:
		d.dispatchError(e)
	case wire.Unknown:
		logger.Debug("ignoring unknown frame kind", zap.String("kind", string(e.Type)))
		if d.events.OnUnknown != nil {
			d.events.OnUnknown(e)
		}
	}
}

// dispatchError separates store-unavailable signals from request errors. A
// database_error records a failure with the monitor and is otherwise
// swallowed: rate-limit style noise the UI shows through its availability
// indicator, not an error toast.
func (d *Dispatcher) dispatchError(e wire.ServerError) {
	if e.ErrorType == wire.ErrorTypeDatabase {
		d.monitor.RecordFailure()
		return
	}
	logger.Warn("server error frame",
		zap.String("error_type", e.ErrorType),
		zap.String("message", e.Message))
	if d.events.OnError != nil {
		d.events.OnError(e)
	}
}
