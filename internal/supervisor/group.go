package supervisor

import (
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const sigKill = unix.SIGKILL

// ProcessGroup is a named, priority-ordered set of Subprocesses.
// Processes are created once at construction and never re-created.
type ProcessGroup struct {
	name      string
	priority  int
	processes []*Subprocess
	byName    map[string]*Subprocess
	opts      Options
	bus       *EventBus
	log       *logrus.Entry
}

func NewProcessGroup(cfg GroupConfig, opts Options, bus *EventBus) *ProcessGroup {
	g := &ProcessGroup{
		name:     cfg.Name,
		priority: cfg.Priority,
		byName:   make(map[string]*Subprocess, len(cfg.ProcessConfigs)),
		opts:     opts,
		bus:      bus,
		log:      opts.Logger().WithField("group", cfg.Name),
	}
	for _, pc := range cfg.ProcessConfigs {
		p := NewSubprocess(pc, opts, bus)
		g.processes = append(g.processes, p)
		g.byName[pc.Name] = p
	}
	// Sort by (priority, name) so ascending/descending walks are
	// deterministic; ties break on name even though callers must not
	// rely on that ordering being meaningful.
	sort.SliceStable(g.processes, func(i, j int) bool {
		if g.processes[i].Priority() != g.processes[j].Priority() {
			return g.processes[i].Priority() < g.processes[j].Priority()
		}
		return g.processes[i].Name() < g.processes[j].Name()
	})
	return g
}

func (g *ProcessGroup) Name() string               { return g.name }
func (g *ProcessGroup) Priority() int               { return g.priority }
func (g *ProcessGroup) Processes() []*Subprocess    { return g.processes }
func (g *ProcessGroup) Process(name string) (*Subprocess, bool) {
	p, ok := g.byName[name]
	return p, ok
}

// StartNecessary walks processes in ascending priority order, spawning
// whichever are due to start.
func (g *ProcessGroup) StartNecessary(now int64) {
	for _, p := range g.ascending() {
		switch {
		case p.state == StateStopped && p.lastStart == 0 && p.config.AutoStart:
			g.spawn(p)
		case p.state == StateExited && p.config.AutoRestart:
			g.spawn(p)
		case p.state == StateBackoff && now > p.delay:
			g.spawn(p)
		}
	}
}

func (g *ProcessGroup) spawn(p *Subprocess) {
	if _, err := p.Spawn(); err != nil {
		g.log.WithError(err).WithField("process", p.Name()).Warn("spawn failed")
	}
}

// StopAll walks processes in descending priority order, stopping each.
func (g *ProcessGroup) StopAll() {
	for _, p := range g.descending() {
		switch p.state {
		case StateRunning, StateStarting:
			if err := p.Stop(); err != nil {
				g.log.WithError(err).WithField("process", p.Name()).Warn("stop failed")
			}
		case StateBackoff:
			p.fatal()
		}
	}
}

// GetUndead returns processes in STOPPING whose kill grace has expired.
func (g *ProcessGroup) GetUndead(now int64) []*Subprocess {
	var undead []*Subprocess
	for _, p := range g.processes {
		if p.state == StateStopping && p.delay <= now {
			undead = append(undead, p)
		}
	}
	return undead
}

// KillUndead sends SIGKILL to every undead process. Processes that
// still fail to reap remain STOPPING forever; there is no escalation
// past SIGKILL.
func (g *ProcessGroup) KillUndead(now int64) {
	for _, p := range g.GetUndead(now) {
		if diag := p.Kill(sigKill); diag != "" {
			g.log.WithField("process", p.Name()).Warn(diag)
		}
	}
}

// Transition runs one tick: kill undead processes, then transition
// each child.
func (g *ProcessGroup) Transition() {
	now := g.nowUnix()
	g.KillUndead(now)
	for _, p := range g.processes {
		p.Transition()
	}
}

// GetDelayProcesses returns processes with a pending deadline
// (STARTING, STOPPING, or BACKOFF with delay>0), used by the outer
// loop to cap its sleep interval.
func (g *ProcessGroup) GetDelayProcesses() []*Subprocess {
	var out []*Subprocess
	for _, p := range g.processes {
		if p.delay > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (g *ProcessGroup) ascending() []*Subprocess {
	out := make([]*Subprocess, len(g.processes))
	copy(out, g.processes)
	return out
}

func (g *ProcessGroup) descending() []*Subprocess {
	out := make([]*Subprocess, len(g.processes))
	copy(out, g.processes)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (g *ProcessGroup) nowUnix() int64 {
	if len(g.processes) == 0 {
		return 0
	}
	return g.processes[0].now()
}
