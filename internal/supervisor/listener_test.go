package supervisor

import (
	"strconv"
	"strings"
	"testing"
)

func listenerPoolConfig(bufferSize int, names ...string) GroupConfig {
	cfg := GroupConfig{
		Name:       "listeners",
		Priority:   1,
		BufferSize: bufferSize,
		PoolEvents: []EventKind{KindProcessStateChange},
	}
	for i, n := range names {
		pc := defaultProcessConfig(n)
		pc.Priority = i
		pc.StartSecs = 1
		cfg.ProcessConfigs = append(cfg.ProcessConfigs, pc)
	}
	return cfg
}

func startAndMarkReady(t *testing.T, pool *EventListenerPool, clock *fakeClock, names ...string) {
	t.Helper()
	pool.StartNecessary(clock.now())
	clock.advance(2)
	pool.Transition()
	for _, n := range names {
		pool.SetListenerState(n, ListenerReady)
	}
}

// TestDispatchToReadyListener checks that an event addressed to the
// pool's subscribed kind is written to the first ready listener's
// stdin as a well-formed wire envelope.
func TestDispatchToReadyListener(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	pool := NewEventListenerPool(listenerPoolConfig(10, "l1"), opts, bus)
	startAndMarkReady(t, pool, clock, "l1")
	// l1's own STARTING and RUNNING transitions were buffered while it
	// was not yet ready; the event below must not add to them.
	before := pool.BufferLen()

	bus.Notify(ProcessStateChangeEvent{ProcessName: "demo", From: StateStopped, To: StateStarting})

	p, _ := pool.Process("l1")
	if p.listenerState != ListenerBusy {
		t.Fatalf("listener state = %v, want Busy", p.listenerState)
	}
	if pool.BufferLen() != before {
		t.Fatalf("buffer length = %d, want %d (dispatched directly)", pool.BufferLen(), before)
	}
}

// TestBufferOverflow checks that once every listener is busy and the
// buffer is at capacity, the oldest entry is evicted and an
// EventBufferOverflowEvent is notified naming it.
func TestBufferOverflow(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	pool := NewEventListenerPool(listenerPoolConfig(1, "l1"), opts, bus)
	// No listener marked ready: every dispatch attempt falls through to
	// the buffer.
	pool.StartNecessary(clock.now())
	clock.advance(2)
	pool.Transition()

	var overflowed []string
	bus.Subscribe(KindEventBufferOverflow, func(e Event) {
		ev := e.(EventBufferOverflowEvent)
		overflowed = append(overflowed, ev.DiscardedName)
	})

	first := ProcessStateChangeEvent{ProcessName: "a", From: StateStopped, To: StateStarting}
	second := ProcessStateChangeEvent{ProcessName: "b", From: StateStopped, To: StateStarting}
	bus.Notify(first)
	bus.Notify(second)

	if pool.BufferLen() != 1 {
		t.Fatalf("buffer length = %d, want 1 (capacity 1)", pool.BufferLen())
	}
	// The pool subscribes to PROCESS_STATE_CHANGE_EVENT, so l1's own
	// RUNNING transition already fills the one slot: first evicts it,
	// then second evicts first.
	want := []string{"RunningFromStartingEvent", first.Name()}
	if len(overflowed) != len(want) || overflowed[0] != want[0] || overflowed[1] != want[1] {
		t.Fatalf("overflowed = %v, want %v", overflowed, want)
	}
}

// TestRejectionRebuffersEvent checks that EventListenerPool.handleRejected
// puts a rejected event back in the FIFO when the rejecting process is
// a pool member.
func TestRejectionRebuffersEvent(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	pool := NewEventListenerPool(listenerPoolConfig(10, "l1"), opts, bus)
	startAndMarkReady(t, pool, clock, "l1")

	p, _ := pool.Process("l1")
	before := pool.BufferLen() // l1's own buffered STARTING/RUNNING transitions
	ev := ProcessStateChangeEvent{ProcessName: "x", From: StateStopped, To: StateStarting}
	bus.Notify(EventRejectedEvent{Process: p, Event: ev})

	if pool.BufferLen() != before+1 {
		t.Fatalf("buffer length = %d, want %d after rejection", pool.BufferLen(), before+1)
	}
}

// TestEnvelopeWireFormat checks the exact "SUPERVISORD3.0 <NAME> <LEN>\n<payload>"
// framing and that LEN matches the serialized payload's byte length.
func TestEnvelopeWireFormat(t *testing.T) {
	reg := newSerializerRegistry()
	ev := ProcessStateChangeEvent{ProcessName: "demo", From: StateStopped, To: StateStarting}

	out, err := envelope(reg, ev)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	header, payload, ok := strings.Cut(string(out), "\n")
	if !ok {
		t.Fatalf("envelope missing header/payload separator: %q", out)
	}
	parts := strings.Fields(header)
	if len(parts) != 3 || parts[0] != "SUPERVISORD3.0" {
		t.Fatalf("header = %q, want 'SUPERVISORD3.0 <NAME> <LEN>'", header)
	}
	if parts[1] != "StartingFromStoppedEvent" {
		t.Fatalf("event name = %q, want StartingFromStoppedEvent", parts[1])
	}
	if parts[2] != strconv.Itoa(len(payload)) {
		t.Fatalf("declared len = %s, actual payload len = %d", parts[2], len(payload))
	}
}

// TestEnvelopeMissingSerializerErrors checks that envelope() surfaces
// a kind with no registered serializer (and no ancestor with one) as
// an error rather than silently emitting an empty payload.
func TestEnvelopeMissingSerializerErrors(t *testing.T) {
	reg := newSerializerRegistry()
	orphan := EventKind{name: "NO_SERIALIZER_EVENT"}

	_, err := envelope(reg, unregisteredEvent{kind: orphan})
	if err == nil {
		t.Fatalf("expected an error for an unregistered event kind")
	}
}

// TestDispatchEventPanicsOnMissingSerializer checks that dispatchEvent
// treats the same condition as fatal: a missing serializer is a
// programmer error, not a recoverable runtime condition.
func TestDispatchEventPanicsOnMissingSerializer(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	pool := NewEventListenerPool(listenerPoolConfig(10, "l1"), opts, bus)
	startAndMarkReady(t, pool, clock, "l1")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected dispatchEvent to panic on a missing serializer")
		}
	}()
	pool.dispatchEvent(unregisteredEvent{kind: EventKind{name: "NO_SERIALIZER_EVENT"}}, true)
}

type unregisteredEvent struct{ kind EventKind }

func (e unregisteredEvent) Kind() EventKind { return e.kind }
func (e unregisteredEvent) Name() string    { return e.kind.Name() }

// TestDispatchPanicsOnNonEPIPEWriteError checks that a listener write
// failure other than ErrPipeClosed propagates as a panic instead of
// being swallowed and tried-next like EPIPE is.
func TestDispatchPanicsOnNonEPIPEWriteError(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	pool := NewEventListenerPool(listenerPoolConfig(10, "l1"), opts, bus)
	startAndMarkReady(t, pool, clock, "l1")

	p, _ := pool.Process("l1")
	// Close the underlying fd without marking the dispatcher closed, so
	// the next flush hits a raw write error (EBADF) rather than the
	// dispatcher's own ErrPipeClosed.
	p.stdinDispatcher.file.Close()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected dispatchEvent to panic on a non-EPIPE write error")
		}
	}()
	pool.dispatchEvent(ProcessStateChangeEvent{ProcessName: "x", From: StateStopped, To: StateStarting}, true)
}
