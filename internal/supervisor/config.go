package supervisor

import (
	"golang.org/x/sys/unix"
)

// ProcessConfig is the immutable per-process configuration consumed
// by a Subprocess. The loader that produces these lives in
// internal/config; only the shape is defined here.
type ProcessConfig struct {
	Name     string
	Command  string // shell-style command string, tokenized by get_execv_args
	Priority int

	StartSecs     int // seconds of uptime before STARTING -> RUNNING
	StartRetries  int // max consecutive failed starts before FATAL
	StopSignal    unix.Signal
	StopWaitSecs  int
	AutoStart     bool
	AutoRestart   bool
	ExitCodes     ExitSet
	RedirectStderr bool
	Environment   map[string]string // overlay on host env, overlay wins
	UID           *int              // nil means "do not change uid"
}

// ExitSet is the set of exit codes considered "expected" on reap.
type ExitSet map[int]struct{}

func NewExitSet(codes ...int) ExitSet {
	s := make(ExitSet, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}
	return s
}

func (s ExitSet) Contains(code int) bool {
	_, ok := s[code]
	return ok
}

// GroupConfig is the configuration of a ProcessGroup or, when
// PoolEvents is non-empty, of an EventListenerPool.
type GroupConfig struct {
	Name           string
	Priority       int
	ProcessConfigs []ProcessConfig

	// EventListenerPool-only fields.
	BufferSize int
	PoolEvents []EventKind
}

func defaultProcessConfig(name string) ProcessConfig {
	return ProcessConfig{
		Name:         name,
		Priority:     999,
		StartSecs:    1,
		StartRetries: 3,
		StopSignal:   unix.SIGTERM,
		StopWaitSecs: 10,
		AutoStart:    true,
		AutoRestart:  true,
		ExitCodes:    NewExitSet(0),
	}
}
