package supervisor

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrPipeClosed is returned by InputDispatcher.Append when the write
// end has already been closed: writing to a stopped process fails
// with this error rather than a raw syscall error.
var ErrPipeClosed = errors.New("gosvd: pipe closed")

// Dispatcher is modeled as a sum type: an Input capability (stdin
// writer, with an append-only input buffer) or an Output capability
// (stdout/stderr reader with log-file management), rather than one
// interface trying to serve both. These are the concrete default
// implementations gosvd wires in so the system runs end to end.
type Dispatcher interface {
	FD() int
	Close() error
}

// OutputDispatcher reads a child's stdout or stderr and republishes
// captured bytes as ProcessCommunicationEvent on the bus, optionally
// tee-ing to a log file. Reads happen on a dedicated goroutine since
// this default implementation has no real non-blocking poller wired
// in; a production I/O substrate would multiplex these via epoll or
// kqueue instead.
type OutputDispatcher struct {
	fd          int
	file        *os.File
	processName string
	channel     string
	bus         *EventBus

	mu      sync.Mutex
	logFile *os.File
	logPath string

	done chan struct{}
}

func NewOutputDispatcher(file *os.File, processName, channel string, bus *EventBus) *OutputDispatcher {
	d := &OutputDispatcher{
		fd:          int(file.Fd()),
		file:        file,
		processName: processName,
		channel:     channel,
		bus:         bus,
		done:        make(chan struct{}),
	}
	go d.readLoop()
	return d
}

func (d *OutputDispatcher) FD() int { return d.fd }

func (d *OutputDispatcher) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := d.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			d.handleReadEvent(chunk)
		}
		if err != nil {
			return
		}
	}
}

// handleReadEvent republishes captured bytes onto the bus and, if a
// log file is open, tees them there too.
func (d *OutputDispatcher) handleReadEvent(chunk []byte) {
	if d.bus != nil {
		d.bus.Notify(NewProcessCommunicationEvent(d.processName, d.channel, chunk))
	}
	d.mu.Lock()
	lf := d.logFile
	d.mu.Unlock()
	if lf != nil {
		_, _ = lf.Write(chunk)
	}
}

// ReopenLogs closes and reopens the backing log file, used after log
// rotation so the dispatcher holds a fresh fd pointing at the new
// inode.
func (d *OutputDispatcher) ReopenLogs(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	d.mu.Lock()
	old := d.logFile
	d.logFile = f
	d.logPath = path
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RemoveLogs truncates the backing log file in place and keeps it open,
// mirroring supervisord's "clear logs" administrative action.
func (d *OutputDispatcher) RemoveLogs() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.logFile == nil {
		return nil
	}
	if err := d.logFile.Truncate(0); err != nil {
		return err
	}
	_, err := d.logFile.Seek(0, io.SeekStart)
	return err
}

func (d *OutputDispatcher) Close() error {
	d.mu.Lock()
	lf := d.logFile
	d.logFile = nil
	d.mu.Unlock()
	if lf != nil {
		_ = lf.Close()
	}
	return d.file.Close()
}

// InputDispatcher is the stdin writer capability: an append-only
// input_buffer plus a best-effort flush. EventListenerPool.dispatch
// appends the wire envelope here; Append does an immediate
// non-blocking write attempt so EPIPE surfaces synchronously to the
// caller, matching the dispatch algorithm's "on write failure with
// EPIPE, skip to next candidate".
type InputDispatcher struct {
	fd   int
	file *os.File

	mu          sync.Mutex
	inputBuffer []byte
	closed      bool
}

func NewInputDispatcher(file *os.File) *InputDispatcher {
	fd := int(file.Fd())
	// File.Fd puts the descriptor into blocking mode; flushLocked relies
	// on EAGAIN, so switch it back to non-blocking.
	_ = unix.SetNonblock(fd, true)
	return &InputDispatcher{fd: fd, file: file}
}

func (d *InputDispatcher) FD() int { return d.fd }

// Append buffers data and attempts to flush immediately. It returns
// ErrPipeClosed if the dispatcher was already closed, or the
// underlying write error (including EPIPE) on a failed flush.
func (d *InputDispatcher) Append(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrPipeClosed
	}
	d.inputBuffer = append(d.inputBuffer, data...)
	return d.flushLocked()
}

// HandleWriteEvent drains as much of input_buffer as the fd accepts
// right now. Subprocess.Drain calls it before a stop signal; nothing
// in this package polls the fd for writability.
func (d *InputDispatcher) HandleWriteEvent() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *InputDispatcher) flushLocked() error {
	for len(d.inputBuffer) > 0 {
		n, err := unix.Write(d.fd, d.inputBuffer)
		if n > 0 {
			d.inputBuffer = d.inputBuffer[n:]
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (d *InputDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.file.Close()
}
