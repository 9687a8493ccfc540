package supervisor

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fakeClock gives tests control over "now" without sleeping.
type fakeClock struct {
	t int64
}

func (c *fakeClock) now() int64 { return c.t }
func (c *fakeClock) advance(d int64) { c.t += d }

// fakeOptions is a deterministic Options double: it never forks a
// real process. StartProcess hands back an incrementing fake pid, so
// the state machine can be exercised without touching the kernel.
type fakeOptions struct {
	pids      PidHistory
	logger    *logrus.Logger
	nextPid   int
	startErr  error
	killErr   error
	killed    []killCall
}

type killCall struct {
	pid int
	sig unix.Signal
}

func newFakeOptions() *fakeOptions {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.PanicLevel) // keep test output quiet
	return &fakeOptions{pids: NewPidHistory(), logger: logger}
}

func (f *fakeOptions) StartProcess(cfg ProcessConfig, stdin, stdout, stderr *os.File) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextPid++

	// Nothing actually forks here, so closeChildEnds() is about to
	// close the only reference to stdin's read end, which would make
	// any write to the parent side fail with EPIPE. Dup it and drain
	// it on a goroutine, the way a real child reading its stdin would
	// keep the pipe alive.
	if fd, err := unix.Dup(int(stdin.Fd())); err == nil {
		drain := os.NewFile(uintptr(fd), "fake-child-stdin")
		go func() {
			defer drain.Close()
			buf := make([]byte, 4096)
			for {
				if _, err := drain.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	return f.nextPid, nil
}

func (f *fakeOptions) Kill(pid int, sig unix.Signal) error {
	f.killed = append(f.killed, killCall{pid, sig})
	return f.killErr
}

func (f *fakeOptions) GetPath() []string { return nil }

func (f *fakeOptions) Stat(path string) (bool, error) {
	return true, nil
}

func (f *fakeOptions) PidHistory() PidHistory { return f.pids }
func (f *fakeOptions) Logger() *logrus.Logger { return f.logger }

func testProcessConfig(name string) ProcessConfig {
	cfg := defaultProcessConfig(name)
	cfg.StartSecs = 1
	cfg.StartRetries = 3
	return cfg
}

func newTestSubprocess(name string, opts *fakeOptions, bus *EventBus, clock *fakeClock) *Subprocess {
	p := NewSubprocess(testProcessConfig(name), opts, bus)
	p.now = clock.now
	return p
}

