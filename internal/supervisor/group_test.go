package supervisor

import (
	"testing"

	"golang.org/x/sys/unix"
)

func groupConfig(names ...string) GroupConfig {
	cfg := GroupConfig{Name: "web", Priority: 1}
	for i, n := range names {
		pc := defaultProcessConfig(n)
		pc.Priority = 100 + i
		pc.StartSecs = 1
		pc.StartRetries = 3
		cfg.ProcessConfigs = append(cfg.ProcessConfigs, pc)
	}
	return cfg
}

func newTestGroup(cfg GroupConfig, opts *fakeOptions, bus *EventBus, clock *fakeClock) *ProcessGroup {
	g := NewProcessGroup(cfg, opts, bus)
	for _, p := range g.processes {
		p.now = clock.now
	}
	return g
}

// TestGroupOrdering checks that processes are sorted ascending by
// (priority, name), so StartNecessary and StopAll walk in opposite
// directions over the same stable order.
func TestGroupOrdering(t *testing.T) {
	cfg := GroupConfig{Name: "web", Priority: 1}
	mk := func(name string, priority int) ProcessConfig {
		pc := defaultProcessConfig(name)
		pc.Priority = priority
		return pc
	}
	cfg.ProcessConfigs = []ProcessConfig{mk("c", 5), mk("a", 1), mk("b", 1)}

	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	g := newTestGroup(cfg, opts, bus, clock)

	got := make([]string, len(g.processes))
	for i, p := range g.processes {
		got[i] = p.Name()
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("processes[%d] = %s, want %s (got order %v)", i, got[i], want[i], got)
		}
	}
}

// TestStartNecessary_AutoStart checks that an autostart process in
// STOPPED with no prior start attempt is spawned on the first tick.
func TestStartNecessary_AutoStart(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	g := newTestGroup(groupConfig("svc"), opts, bus, clock)

	g.StartNecessary(clock.now())

	p, _ := g.Process("svc")
	if p.State() != StateStarting {
		t.Fatalf("state = %s, want STARTING", p.State())
	}
}

// TestStartNecessary_BackoffRespectsDelay checks that a BACKOFF
// process is not respawned before its delay deadline.
func TestStartNecessary_BackoffRespectsDelay(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	opts.startErr = unix.ENOENT
	bus := NewEventBus()
	g := newTestGroup(groupConfig("flaky"), opts, bus, clock)

	g.StartNecessary(clock.now()) // fails -> BACKOFF, delay = now+1
	p, _ := g.Process("flaky")
	if p.State() != StateBackoff {
		t.Fatalf("state = %s, want BACKOFF", p.State())
	}

	opts.startErr = nil
	g.StartNecessary(clock.now()) // still before delay
	if p.State() != StateBackoff {
		t.Fatalf("respawned before delay elapsed: state = %s", p.State())
	}

	clock.advance(int64(p.Backoff()) + 1) // strictly past delay
	g.StartNecessary(clock.now())
	if p.State() != StateStarting {
		t.Fatalf("state = %s, want STARTING after delay elapsed", p.State())
	}
}

// TestStopAll_DescendingOrder checks that StopAll visits processes in
// descending priority order and issues a Stop to every running one.
func TestStopAll_DescendingOrder(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	g := newTestGroup(groupConfig("a", "b"), opts, bus, clock)

	g.StartNecessary(clock.now())
	clock.advance(2)
	g.Transition()
	for _, p := range g.processes {
		if p.State() != StateRunning {
			t.Fatalf("%s: state = %s, want RUNNING before stop", p.Name(), p.State())
		}
	}

	g.StopAll()
	for _, p := range g.processes {
		if p.State() != StateStopping {
			t.Fatalf("%s: state = %s, want STOPPING", p.Name(), p.State())
		}
	}
	a, _ := g.Process("a")
	b, _ := g.Process("b")
	if len(opts.killed) != 2 || opts.killed[0].pid != b.PID() || opts.killed[1].pid != a.PID() {
		t.Fatalf("kill calls = %v, want b (pid %d) then a (pid %d)", opts.killed, b.PID(), a.PID())
	}
}

// TestKillUndead checks that a STOPPING process past its kill grace is
// sent SIGKILL exactly once per tick it remains undead.
func TestKillUndead(t *testing.T) {
	clock := &fakeClock{}
	opts := newFakeOptions()
	bus := NewEventBus()
	g := newTestGroup(groupConfig("stuck"), opts, bus, clock)

	g.StartNecessary(clock.now())
	clock.advance(2)
	g.Transition()
	p, _ := g.Process("stuck")
	p.Stop()

	clock.advance(int64(p.config.StopWaitSecs) + 1)
	g.KillUndead(clock.now())

	if len(opts.killed) != 2 { // one for Stop's StopSignal, one for the undead SIGKILL
		t.Fatalf("killed calls = %d, want 2", len(opts.killed))
	}
	last := opts.killed[len(opts.killed)-1]
	if last.sig != sigKill {
		t.Fatalf("last signal = %v, want SIGKILL", last.sig)
	}
}
