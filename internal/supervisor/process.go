package supervisor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ListenerState is a pool member's readiness to take an event. It is
// set through EventListenerPool.SetListenerState and to BUSY by
// dispatchEvent; no dispatcher here derives it from listener output.
type ListenerState int

const (
	ListenerUnknown ListenerState = iota
	ListenerReady
	ListenerBusy
)

// ExitResult is the decoded wait status the outer reaper hands to
// Subprocess.Finish.
type ExitResult struct {
	Pid       int
	ExitCode  int
	Signaled  bool
	Signal    unix.Signal
}

func (r ExitResult) decodedCode() int {
	if r.Signaled {
		return 128 + int(r.Signal)
	}
	return r.ExitCode
}

// Subprocess is the unit of supervision: one managed child and every
// piece of state the lifecycle state machine needs to track for it.
type Subprocess struct {
	config ProcessConfig
	opts   Options
	bus    *EventBus
	log    *logrus.Entry

	now func() int64 // injectable clock, defaults to time.Now().Unix

	state ProcessState
	pid   int

	lastStart int64
	lastStop  int64
	delay     int64
	backoff   int

	killing             bool
	administrativeStop  bool
	systemStop          bool
	spawnErr            string
	exitStatus          *int

	pipes       *spawnedPipes
	dispatchers map[int]Dispatcher

	// spawnID is a fresh id per spawn attempt, added to this process's
	// log fields so one attempt's log lines can be told apart even
	// though pid gets reused; it is not carried on events or metrics.
	spawnID string

	// listenerState stays ListenerUnknown for a plain Subprocess and is
	// set by EventListenerPool for members of a pool.
	listenerState   ListenerState
	attachedEvent   Event
	stdinDispatcher *InputDispatcher
}

func NewSubprocess(cfg ProcessConfig, opts Options, bus *EventBus) *Subprocess {
	return &Subprocess{
		config: cfg,
		opts:   opts,
		bus:    bus,
		log:    opts.Logger().WithField("process", cfg.Name),
		now:    func() int64 { return time.Now().Unix() },
		state:  StateStopped,
	}
}

func (p *Subprocess) Name() string         { return p.config.Name }
func (p *Subprocess) State() ProcessState  { return p.state }
func (p *Subprocess) PID() int             { return p.pid }
func (p *Subprocess) Backoff() int         { return p.backoff }
func (p *Subprocess) Delay() int64         { return p.delay }
func (p *Subprocess) Killing() bool        { return p.killing }
func (p *Subprocess) SpawnErr() string     { return p.spawnErr }
func (p *Subprocess) ExitStatus() (int, bool) {
	if p.exitStatus == nil {
		return 0, false
	}
	return *p.exitStatus, true
}
func (p *Subprocess) Priority() int { return p.config.Priority }

// transitionTo notifies the state-change event BEFORE mutating state,
// so observers always see (old,new) with subject.state still == old.
func (p *Subprocess) transitionTo(to ProcessState) {
	from := p.state
	p.bus.Notify(ProcessStateChangeEvent{ProcessName: p.config.Name, From: from, To: to})
	p.state = to
	p.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("state transition")
}

// Spawn moves a stopped/exited/fatal/backoff process to STARTING,
// creates its pipes, and execs the configured command.
func (p *Subprocess) Spawn() (int, error) {
	if !(p.state == StateStopped || p.state == StateExited || p.state == StateFatal || p.state == StateBackoff) {
		return 0, fmt.Errorf("gosvd: cannot spawn %s from state %s", p.config.Name, p.state)
	}
	if p.pid != 0 {
		return 0, fmt.Errorf("gosvd: %s already has pid %d", p.config.Name, p.pid)
	}

	p.killing = false
	p.spawnErr = ""
	p.exitStatus = nil
	p.administrativeStop = false
	p.systemStop = false
	p.lastStart = p.now()
	p.spawnID = uuid.NewString()
	p.log = p.opts.Logger().WithFields(logrus.Fields{"process": p.config.Name, "spawn_id": p.spawnID})
	p.transitionTo(StateStarting)

	pipes, err := makePipes(p.config.RedirectStderr)
	if err != nil {
		p.enterBackoff(fmt.Sprintf("can't create pipes: %v", err))
		return 0, err
	}

	pid, err := p.opts.StartProcess(p.config, pipes.childStdin, pipes.childStdout, pipes.childStderr)
	pipes.closeChildEnds()
	if err != nil {
		pipes.closeParentEnds()
		p.enterBackoff(fmt.Sprintf("can't find command or exec failed: %v", err))
		return 0, err
	}

	p.pid = pid
	p.pipes = pipes
	p.dispatchers = make(map[int]Dispatcher)
	p.installDispatchers()
	p.delay = p.now() + int64(p.config.StartSecs)
	p.opts.PidHistory().Record(pid, p)
	p.log.WithField("pid", pid).Info("spawned")
	return pid, nil
}

func (p *Subprocess) installDispatchers() {
	out := NewOutputDispatcher(p.pipes.stdout, p.config.Name, "stdout", p.bus)
	p.dispatchers[out.FD()] = out
	if p.pipes.stderr != nil {
		errDisp := NewOutputDispatcher(p.pipes.stderr, p.config.Name, "stderr", p.bus)
		p.dispatchers[errDisp.FD()] = errDisp
	}
	in := NewInputDispatcher(p.pipes.stdin)
	p.stdinDispatcher = in
	p.dispatchers[in.FD()] = in
}

// enterBackoff is the preflight-failure path: it leaves the process
// in BACKOFF with spawnerr set and delay = now + backoff. backoff is
// incremented first so the first failure already yields at least a
// 1-second retry delay.
func (p *Subprocess) enterBackoff(reason string) {
	p.backoff++
	p.spawnErr = reason
	p.delay = p.now() + int64(p.backoff)
	p.pid = 0
	p.transitionTo(StateBackoff)
	p.log.WithField("backoff", p.backoff).Warn(reason)
}

// fatal moves the process to FATAL once retries are exhausted.
func (p *Subprocess) fatal() {
	p.delay = 0
	p.backoff = 0
	p.systemStop = true
	p.transitionTo(StateFatal)
}

// Transition runs this process's periodic tick: BACKOFF -> FATAL on
// retry exhaustion, and STARTING -> RUNNING once startsecs elapses.
// No transition other than these two happens here.
func (p *Subprocess) Transition() {
	now := p.now()
	if p.state == StateBackoff && p.backoff > p.config.StartRetries {
		p.fatal()
		return
	}
	if p.state == StateStarting && now-p.lastStart > int64(p.config.StartSecs) {
		p.delay = 0
		p.backoff = 0
		p.transitionTo(StateRunning)
	}
}

// Stop requests an administrative shutdown: drain, mark
// administrative_stop, then signal, in that order. On a process already
// in STOPPING it does nothing and returns a diagnostic.
func (p *Subprocess) Stop() error {
	if p.state == StateStopping {
		return fmt.Errorf("%s: already stopping", p.config.Name)
	}
	p.Drain()
	p.administrativeStop = true
	if err := p.Kill(p.config.StopSignal); err != "" {
		return fmt.Errorf("%s", err)
	}
	return nil
}

// Drain flushes the stdin dispatcher's pending input_buffer before a
// stop signal goes out. The original's drain() also pumps the
// readable side of every dispatcher (handle_read_event); here that's
// unnecessary, since OutputDispatcher already runs its own read-loop
// goroutine pulling stdout/stderr continuously rather than waiting to
// be polled, so there's no backlog on the readable side to pump.
func (p *Subprocess) Drain() {
	if p.stdinDispatcher != nil {
		_ = p.stdinDispatcher.HandleWriteEvent()
	}
}

// Kill sends sig to the process. It returns a diagnostic string
// (empty on success) rather than an error, so a kill() on a process
// with no pid is observably a no-op rather than a panic. A process
// already in STOPPING (the kill_undead escalation path) is re-signaled,
// with a fresh stopwaitsecs deadline, without re-entering the STOPPING
// transition.
func (p *Subprocess) Kill(sig unix.Signal) string {
	if p.pid == 0 {
		return fmt.Sprintf("%s: not running", p.config.Name)
	}

	p.killing = true
	p.delay = p.now() + int64(p.config.StopWaitSecs)

	if p.state == StateRunning || p.state == StateStarting {
		if !isLegalTransition(p.state, StateStopping) {
			return p.killUnexpected(fmt.Errorf("illegal transition %s -> STOPPING", p.state))
		}
		p.transitionTo(StateStopping)
	}

	if err := p.opts.Kill(p.pid, sig); err != nil {
		return p.killUnexpected(err)
	}
	return ""
}

// killUnexpected handles any signal-delivery error other than an
// assertion failure: it captures a diagnostic, moves to UNKNOWN, and
// clears pid/killing/delay. The pid history entry is forgotten too, so
// a pid the kernel eventually reaps for this process can't resurrect
// it via Finish() after it's already left the live states.
func (p *Subprocess) killUnexpected(err error) string {
	diag := fmt.Sprintf("%s: kill failed: %v", p.config.Name, err)
	p.log.Error(diag)
	p.transitionTo(StateUnknown)
	p.opts.PidHistory().Forget(p.pid)
	p.pid = 0
	p.killing = false
	p.delay = 0
	return diag
}

// Finish is invoked by the reaper with the decoded wait status once
// the kernel confirms the child has exited.
func (p *Subprocess) Finish(result ExitResult) {
	es := result.decodedCode()
	tooQuickly := p.now()-p.lastStart < int64(p.config.StartSecs)
	badExit := !p.config.ExitCodes.Contains(es)
	expected := !tooQuickly && !badExit

	switch {
	case p.killing:
		p.transitionTo(StateStopped)
		p.killing = false
		p.delay = 0
		p.exitStatus = &es

	case expected:
		// Tolerated STARTING -> RUNNING -> EXITED jump: both
		// transitions are exposed to subscribers in order, never
		// collapsed into one.
		if p.state == StateStarting {
			p.transitionTo(StateRunning)
		}
		p.delay = 0
		p.backoff = 0
		p.transitionTo(StateExited)
		p.exitStatus = &es

	case tooQuickly:
		p.spawnErr = "Exited too quickly (process log may have details)"
		p.backoff++
		p.delay = p.now() + int64(p.backoff)
		p.transitionTo(StateBackoff)

	case badExit:
		p.spawnErr = fmt.Sprintf("Bad exit code %d", es)
		p.transitionTo(StateExited)
		p.exitStatus = nil
	}

	p.lastStop = p.now()
	p.pid = 0
	p.closePipesAndDispatchers()
	p.opts.PidHistory().Forget(result.Pid)
}

// closePipesAndDispatchers enforces the invariant that on any exit
// from {STARTING,RUNNING,STOPPING,UNKNOWN}, pipes are closed and
// dispatchers is emptied.
func (p *Subprocess) closePipesAndDispatchers() {
	if p.pipes != nil {
		p.pipes.closeParentEnds()
		p.pipes = nil
	}
	for _, d := range p.dispatchers {
		_ = d.Close()
	}
	p.dispatchers = nil
	p.stdinDispatcher = nil
}

// WriteStdin appends data to the listener's stdin input_buffer. Only
// meaningful for pool members; returns ErrPipeClosed if the process
// has no live stdin dispatcher.
func (p *Subprocess) WriteStdin(data []byte) error {
	if p.stdinDispatcher == nil {
		return ErrPipeClosed
	}
	return p.stdinDispatcher.Append(data)
}
