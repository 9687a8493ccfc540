// Package reaper implements the supervisor's child-reaping half: a
// SIGCHLD channel, looped with a non-blocking Wait4 until no more
// zombies remain, since SIGCHLD can be coalesced when several children
// die close together.
package reaper

import (
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gosvd/gosvd/internal/supervisor"
)

// Reaper owns the SIGCHLD channel and delivers decoded exit results to
// whichever Subprocess the host's pid history says owns that pid.
type Reaper struct {
	pids supervisor.PidHistory
	log  *logrus.Entry
	sig  chan os.Signal
	stop chan struct{}
}

func New(pids supervisor.PidHistory, log *logrus.Logger) *Reaper {
	return &Reaper{
		pids: pids,
		log:  log.WithField("component", "reaper"),
		sig:  make(chan os.Signal, 16),
		stop: make(chan struct{}),
	}
}

// Run blocks, reaping children as SIGCHLD arrives, until Stop is
// called. Run is meant to be launched on its own goroutine.
func (r *Reaper) Run() {
	signal.Notify(r.sig, unix.SIGCHLD)
	defer signal.Stop(r.sig)

	// Catch anything that exited before Notify was registered.
	r.reapAll()

	for {
		select {
		case <-r.sig:
			r.reapAll()
		case <-r.stop:
			return
		}
	}
}

func (r *Reaper) Stop() {
	close(r.stop)
}

// reapAll calls Wait4 non-blockingly until no more zombies remain,
// delivering each decoded status to its owning Subprocess.
func (r *Reaper) reapAll() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}

		result := supervisor.ExitResult{Pid: pid}
		switch {
		case status.Exited():
			result.ExitCode = status.ExitStatus()
		case status.Signaled():
			result.Signaled = true
			result.Signal = status.Signal()
		}

		p, ok := r.pids.Lookup(pid)
		if !ok {
			r.log.WithField("pid", pid).Debug("reaped unknown pid (grandchild?)")
			continue
		}
		p.Finish(result)
	}
}
