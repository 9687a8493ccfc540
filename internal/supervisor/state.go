package supervisor

import "fmt"

// ProcessState is the lifecycle stage of a single supervised child.
// The legal transitions are the keys of transitionNames; every other
// (old, new) pair is a programmer error.
type ProcessState int

const (
	StateStopped ProcessState = iota
	StateStarting
	StateRunning
	StateBackoff
	StateStopping
	StateExited
	StateFatal
	StateUnknown
)

func (s ProcessState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopping:
		return "STOPPING"
	case StateExited:
		return "EXITED"
	case StateFatal:
		return "FATAL"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

type transitionKey struct {
	from ProcessState
	to   ProcessState
}

// transitionNames maps every legal (from,to) pair to its canonical
// state-change event name, used both for the bus and for the listener
// wire envelope.
var transitionNames = map[transitionKey]string{
	{StateStopped, StateStarting}:  "StartingFromStoppedEvent",
	{StateExited, StateStarting}:   "StartingFromExitedEvent",
	{StateFatal, StateStarting}:    "StartingFromFatalEvent",
	{StateBackoff, StateStarting}:  "StartingFromBackoffEvent",
	{StateStarting, StateRunning}:  "RunningFromStartingEvent",
	{StateStarting, StateBackoff}:  "BackoffFromStartingEvent",
	{StateStarting, StateStopping}: "StoppingFromStartingEvent",
	{StateRunning, StateStopping}:  "StoppingFromRunningEvent",
	{StateRunning, StateExited}:    "ExitedFromRunningEvent",
	{StateStopping, StateStopped}:  "StoppedFromStoppingEvent",
	{StateBackoff, StateFatal}:     "FatalFromBackoffEvent",
	{StateStopping, StateUnknown}:  "UnknownFromStoppingEvent",
}

// eventNameFor maps a legal (from,to) pair to its canonical event
// name. It panics on an illegal pair: that indicates a bug in the
// state machine, not a runtime condition a caller should recover from.
func eventNameFor(from, to ProcessState) string {
	name, ok := transitionNames[transitionKey{from, to}]
	if !ok {
		panic(fmt.Sprintf("gosvd: illegal state transition %s -> %s", from, to))
	}
	return name
}

// isLegalTransition reports whether (from,to) is one of the pairs in
// transitionNames. Kill checks it before entering STOPPING;
// transitionTo does not check the pair it is given.
func isLegalTransition(from, to ProcessState) bool {
	_, ok := transitionNames[transitionKey{from, to}]
	return ok
}
