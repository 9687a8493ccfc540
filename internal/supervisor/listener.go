package supervisor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventListenerPool specializes ProcessGroup: its children consume
// events over stdin, with a bounded FIFO buffer and
// round-robin-to-ready dispatch. Logging uses the *logrus.Entry
// promoted from the embedded ProcessGroup.
type EventListenerPool struct {
	*ProcessGroup

	bufferSize int
	buffer     []Event
	registry   *serializerRegistry
}

func NewEventListenerPool(cfg GroupConfig, opts Options, bus *EventBus) *EventListenerPool {
	pool := &EventListenerPool{
		ProcessGroup: NewProcessGroup(cfg, opts, bus),
		bufferSize:   cfg.BufferSize,
		registry:     newSerializerRegistry(),
	}

	for _, kind := range cfg.PoolEvents {
		k := kind
		bus.Subscribe(k, func(e Event) { pool.dispatchEvent(e, true) })
	}
	bus.Subscribe(KindEventRejected, func(e Event) { pool.handleRejected(e.(EventRejectedEvent)) })

	return pool
}

// dispatchEvent tries to hand event to the first ready listener in
// priority order, falling back to the buffer. Returns true if a
// listener accepted the event immediately.
//
// A write that fails with EPIPE, or with ErrPipeClosed (a stdin
// dispatcher that is already closed), is tolerated: the listener is
// skipped and the next ready candidate is tried, matching the
// original's dispatch(), which catches IOError only for EPIPE. Any
// other write error is not swallowed — it propagates by panicking, the
// same asymmetry the original preserves by simply not catching
// non-EPIPE IOErrors.
func (pool *EventListenerPool) dispatchEvent(event Event, allowBuffer bool) bool {
	envelope, err := envelope(pool.registry, event)
	if err != nil {
		// Missing serializer is a programmer error: fatal, not recoverable.
		panic(err)
	}

	for _, p := range pool.processes {
		if p.listenerState != ListenerReady {
			continue
		}
		if writeErr := p.WriteStdin(envelope); writeErr != nil {
			if writeErr == ErrPipeClosed || errors.Is(writeErr, unix.EPIPE) {
				continue
			}
			panic(fmt.Errorf("gosvd: listener %s write failed: %w", p.Name(), writeErr))
		}
		p.listenerState = ListenerBusy
		p.attachedEvent = event
		return true
	}

	if allowBuffer {
		pool.bufferEvent(event)
	}
	return false
}

// bufferEvent appends to the FIFO, evicting the oldest entry on
// overflow. EventBufferOverflowEvent instances are never buffered, to
// prevent a feedback loop.
func (pool *EventListenerPool) bufferEvent(event Event) {
	if event.Kind().isA(KindEventBufferOverflow) {
		return
	}
	if len(pool.buffer) >= pool.bufferSize {
		dropped := pool.buffer[0]
		pool.buffer = pool.buffer[1:]
		pool.bus.Notify(EventBufferOverflowEvent{GroupName: pool.name, DiscardedName: dropped.Name()})
	}
	pool.buffer = append(pool.buffer, event)
}

// Transition overrides ProcessGroup.Transition with the pool's tick:
// kill undead children, transition each child, then pop the oldest
// buffered event and try to dispatch it, re-inserting at the front on
// failure (preserving FIFO order).
func (pool *EventListenerPool) Transition() {
	now := pool.nowUnix()
	pool.KillUndead(now)
	for _, p := range pool.processes {
		p.Transition()
	}

	if len(pool.buffer) == 0 {
		return
	}
	oldest := pool.buffer[0]
	pool.buffer = pool.buffer[1:]
	if !pool.dispatchEvent(oldest, false) {
		pool.buffer = append([]Event{oldest}, pool.buffer...)
	}
}

// handleRejected re-buffers a rejected event if the rejecting process
// is a member of this pool.
func (pool *EventListenerPool) handleRejected(rejected EventRejectedEvent) {
	if _, ok := pool.byName[rejected.Process.Name()]; !ok {
		return
	}
	pool.bufferEvent(rejected.Event)
}

// SetListenerState records a READY/BUSY/UNKNOWN state for a pool
// member. Nothing in this package parses a listener's result line or
// calls it; dispatchEvent only ever sets BUSY itself.
func (pool *EventListenerPool) SetListenerState(processName string, state ListenerState) {
	if p, ok := pool.byName[processName]; ok {
		p.listenerState = state
	}
}

// BufferLen exposes the current FIFO length, used by tests and the
// metrics collector.
func (pool *EventListenerPool) BufferLen() int { return len(pool.buffer) }
