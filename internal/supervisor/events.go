package supervisor

import (
	"fmt"
	"sync"
)

// EventKind models a class hierarchy for events without a real
// subclassing mechanism: each kind optionally points at a parent kind,
// and subscription/serializer resolution walk that chain.
type EventKind struct {
	name   string
	parent *EventKind
}

func (k EventKind) Name() string { return k.name }

// isA reports whether k is kind target or was derived from it.
func (k EventKind) isA(target EventKind) bool {
	for cur := &k; cur != nil; cur = cur.parent {
		if cur.name == target.name {
			return true
		}
	}
	return false
}

var (
	KindProcessCommunication       = EventKind{name: "PROCESS_COMMUNICATION_EVENT"}
	KindProcessCommunicationStdout = EventKind{name: "PROCESS_COMMUNICATION_STDOUT_EVENT", parent: &KindProcessCommunication}
	KindProcessCommunicationStderr = EventKind{name: "PROCESS_COMMUNICATION_STDERR_EVENT", parent: &KindProcessCommunication}
	KindProcessStateChange         = EventKind{name: "PROCESS_STATE_CHANGE_EVENT"}
	KindEventBufferOverflow        = EventKind{name: "EVENT_BUFFER_OVERFLOW_EVENT"}
	KindSupervisorStateChange      = EventKind{name: "SUPERVISOR_STATE_CHANGE_EVENT"}
	KindEventRejected              = EventKind{name: "EVENT_REJECTED_EVENT"}
)

// Event is anything that can be notified on the bus. Name returns the
// canonical name used in the listener wire envelope; for most kinds
// this is Kind().Name(), but ProcessStateChangeEvent overrides it with
// the per-transition name from state.go.
type Event interface {
	Kind() EventKind
	Name() string
}

// ProcessCommunicationEvent carries captured child output. Channel is
// "stdout" or "stderr" and selects the Kind via NewProcessCommunicationEvent.
type ProcessCommunicationEvent struct {
	ProcessName string
	Channel     string
	Data        []byte
	kind        EventKind
}

func NewProcessCommunicationEvent(processName, channel string, data []byte) ProcessCommunicationEvent {
	kind := KindProcessCommunicationStdout
	if channel == "stderr" {
		kind = KindProcessCommunicationStderr
	}
	return ProcessCommunicationEvent{ProcessName: processName, Channel: channel, Data: data, kind: kind}
}

func (e ProcessCommunicationEvent) Kind() EventKind { return e.kind }
func (e ProcessCommunicationEvent) Name() string    { return e.kind.Name() }

// EventBufferOverflowEvent is notified when the pool's FIFO is at
// capacity and must discard its oldest member.
type EventBufferOverflowEvent struct {
	GroupName     string
	DiscardedName string
}

func (e EventBufferOverflowEvent) Kind() EventKind { return KindEventBufferOverflow }
func (e EventBufferOverflowEvent) Name() string    { return KindEventBufferOverflow.Name() }

// ProcessStateChangeEvent is the single value modeling every legal
// transition; its wire name comes from the (from,to) mapping in
// state.go rather than from its own Kind name.
type ProcessStateChangeEvent struct {
	ProcessName string
	From        ProcessState
	To          ProcessState
}

func (e ProcessStateChangeEvent) Kind() EventKind { return KindProcessStateChange }
func (e ProcessStateChangeEvent) Name() string    { return eventNameFor(e.From, e.To) }

// SupervisorStateChangeEvent has an empty payload.
type SupervisorStateChangeEvent struct{}

func (e SupervisorStateChangeEvent) Kind() EventKind { return KindSupervisorStateChange }
func (e SupervisorStateChangeEvent) Name() string    { return KindSupervisorStateChange.Name() }

// EventRejectedEvent reports that a listener rejected an event. Nothing
// in this package parses a listener's FAIL result or notifies it. It
// has no registered serializer: it is never itself dispatched to
// listeners, only consumed by EventListenerPool.handleRejected.
type EventRejectedEvent struct {
	Process *Subprocess
	Event   Event
}

func (e EventRejectedEvent) Kind() EventKind { return KindEventRejected }
func (e EventRejectedEvent) Name() string    { return KindEventRejected.Name() }

type subscription struct {
	kind EventKind
	fn   func(Event)
}

// EventBus is an explicit, passed-around subscriber list rather than a
// package-level global. Subscription and notification are synchronous:
// no goroutine hop happens here.
type EventBus struct {
	mu   sync.Mutex
	subs []subscription
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event whose Kind is-a kind
// (concrete class or any registered subclass).
func (b *EventBus) Subscribe(kind EventKind, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{kind: kind, fn: fn})
}

// Notify delivers e synchronously to every matching subscriber, in
// subscription order.
func (b *EventBus) Notify(e Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if e.Kind().isA(s.kind) {
			s.fn(e)
		}
	}
}

// PayloadSerializer renders an event's payload bytes for the wire
// envelope. A missing serializer for an event's class is a programmer
// error, treated as fatal rather than silently skipped.
type PayloadSerializer func(Event) []byte

type serializerRegistry struct {
	byKind map[string]PayloadSerializer
}

func newSerializerRegistry() *serializerRegistry {
	r := &serializerRegistry{byKind: make(map[string]PayloadSerializer)}

	r.byKind[KindProcessCommunication.name] = func(e Event) []byte {
		ev := e.(ProcessCommunicationEvent)
		return []byte(fmt.Sprintf("process_name: %s\nchannel: %s\n%s", ev.ProcessName, ev.Channel, ev.Data))
	}
	r.byKind[KindEventBufferOverflow.name] = func(e Event) []byte {
		ev := e.(EventBufferOverflowEvent)
		return []byte(fmt.Sprintf("group_name: %s\nevent_type: %s", ev.GroupName, ev.DiscardedName))
	}
	r.byKind[KindProcessStateChange.name] = func(e Event) []byte {
		ev := e.(ProcessStateChangeEvent)
		return []byte(fmt.Sprintf("process_name: %s\n", ev.ProcessName))
	}
	r.byKind[KindSupervisorStateChange.name] = func(e Event) []byte {
		return nil
	}
	return r
}

// resolve walks the event's kind ancestry, most specific first, and
// returns the first registered serializer. Returns (nil, false) if
// none is registered anywhere in the chain — the caller must treat
// this as fatal, never as "no-op".
func (r *serializerRegistry) resolve(k EventKind) (PayloadSerializer, bool) {
	for cur := &k; cur != nil; cur = cur.parent {
		if fn, ok := r.byKind[cur.name]; ok {
			return fn, true
		}
	}
	return nil, false
}

// envelope renders the wire format:
// "SUPERVISORD3.0 <EVENT_NAME> <LEN>\n<payload>".
func envelope(reg *serializerRegistry, e Event) ([]byte, error) {
	serialize, ok := reg.resolve(e.Kind())
	if !ok {
		return nil, fmt.Errorf("gosvd: no serializer registered for event kind %s (programmer error)", e.Kind().Name())
	}
	payload := serialize(e)
	header := fmt.Sprintf("SUPERVISORD3.0 %s %d\n", e.Name(), len(payload))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}
