package supervisor

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Options is the host capability surface a Subprocess consumes:
// process creation, signal delivery, PATH resolution and the pid
// history table. Subprocess never touches the kernel directly outside
// of this interface, which keeps the state machine testable with a fake.
type Options interface {
	// StartProcess performs the fork/dup2/setpgrp/execve sequence and
	// returns the child pid.
	StartProcess(cfg ProcessConfig, stdin, stdout, stderr *os.File) (pid int, err error)
	Kill(pid int, sig unix.Signal) error
	GetPath() []string
	Stat(path string) (executable bool, err error)
	PidHistory() PidHistory
	Logger() *logrus.Logger
}

// PidHistory is the pid -> Subprocess map owned by the host: the core
// only records entries on successful spawn and consults it on reap.
type PidHistory interface {
	Record(pid int, p *Subprocess)
	Lookup(pid int) (*Subprocess, bool)
	Forget(pid int)
}

type pidHistory struct {
	byPid map[int]*Subprocess
}

func NewPidHistory() PidHistory {
	return &pidHistory{byPid: make(map[int]*Subprocess)}
}

func (h *pidHistory) Record(pid int, p *Subprocess) { h.byPid[pid] = p }
func (h *pidHistory) Lookup(pid int) (*Subprocess, bool) {
	p, ok := h.byPid[pid]
	return p, ok
}
func (h *pidHistory) Forget(pid int) { delete(h.byPid, pid) }

// posixOptions is the production Options implementation. It uses
// os.StartProcess (rather than a hand-rolled fork()) because the Go
// runtime schedules goroutines across OS threads: a bare fork()
// without an immediate exec in the same syscall is unsafe once other
// goroutines may be running. os.StartProcess's SysProcAttr plumbing
// (Setpgid, Credential) performs the same dup2/setpgrp/execve sequence
// atomically inside the runtime's fork+exec helper — the idiomatic Go
// translation of that sequence, following exec.Cmd.SysProcAttr's use
// of Setpgid for signal-group isolation.
type posixOptions struct {
	pids   PidHistory
	logger *logrus.Logger
}

func NewPosixOptions(logger *logrus.Logger) Options {
	return &posixOptions{pids: NewPidHistory(), logger: logger}
}

func (o *posixOptions) PidHistory() PidHistory    { return o.pids }
func (o *posixOptions) Logger() *logrus.Logger    { return o.logger }
func (o *posixOptions) GetPath() []string         { return strings.Split(os.Getenv("PATH"), ":") }

func (o *posixOptions) Stat(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return info.Mode()&0111 != 0, nil
}

func (o *posixOptions) Kill(pid int, sig unix.Signal) error {
	// Negative pid signals the whole process group: the child was
	// started with Setpgid so its own children (if any) are reachable
	// too.
	return unix.Kill(-pid, sig)
}

func (o *posixOptions) StartProcess(cfg ProcessConfig, stdin, stdout, stderr *os.File) (int, error) {
	filename, argv, err := getExecvArgs(cfg.Command, o.GetPath(), o.Stat)
	if err != nil {
		return 0, err
	}

	env := buildEnv(cfg.Environment)

	attr := &os.ProcAttr{
		Files: []*os.File{stdin, stdout, stderr},
		Env:   env,
		Sys: &unix.SysProcAttr{
			Setpgid: true,
		},
	}
	if cfg.UID != nil {
		attr.Sys.Credential = &unix.Credential{Uid: uint32(*cfg.UID)}
	}

	proc, err := os.StartProcess(filename, argv, attr)
	if err != nil {
		return 0, err
	}
	return proc.Pid, nil
}

// buildEnv overlays config.environment on top of the host environment;
// the overlay wins on key collision.
func buildEnv(overlay map[string]string) []string {
	base := os.Environ()
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
