// Package pty spawns child processes attached to pseudo-terminals and
// pumps their I/O.
//
// Each supervisor owns one reader goroutine blocked on the PTY master and
// one writer goroutine draining a bounded input queue, so callers never
// block on a full kernel-side terminal buffer. Output chunks are
// delivered in read order through the OnData callback; exit is reported
// exactly once through OnExit.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/jonboulle/clockwork"
)

// MaxInputBuffer caps the bytes queued for the child. When the queue is
// full the oldest input is dropped and counted, never the caller blocked.
const MaxInputBuffer = 1 << 20 // 1 MiB

// killGrace is how long a TERM'd child gets before escalation to KILL.
const killGrace = 3 * time.Second

// Config describes the child process to spawn.
type Config struct {
	Argv       []string
	Dir        string
	Env        map[string]string
	Cols, Rows int
	SessionID  string
}

// ExitStatus describes how the child terminated.
type ExitStatus struct {
	Code   int
	Signal string // empty unless killed by a signal
}

// Supervisor manages one PTY-attached child process.
type Supervisor struct {
	// OnData receives output chunks in read order. Set before Start.
	OnData func(data []byte)
	// OnExit fires exactly once when the child is gone. Set before Start.
	OnExit func(status ExitStatus, readErr error)

	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd
	queue   [][]byte
	queued  int
	dropped uint64
	exited  bool

	inputReady chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

// New creates an idle supervisor.
func New(logger *slog.Logger, clock clockwork.Clock) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		logger:     logger,
		clock:      clock,
		inputReady: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start spawns the child attached to a fresh PTY at the configured
// dimensions. The child environment is the server's plus cfg.Env, with
// TERM and VIBETUNNEL_SESSION_ID injected.
func (s *Supervisor) Start(cfg Config) error {
	if len(cfg.Argv) == 0 {
		return fmt.Errorf("empty command")
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"VIBETUNNEL_SESSION_ID="+cfg.SessionID,
	)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(cfg.Rows),
		Cols: uint16(cfg.Cols),
	})
	if err != nil {
		return fmt.Errorf("spawning %q: %w", cfg.Argv[0], err)
	}

	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	s.logger.Info("PTY spawned",
		"command", cfg.Argv[0],
		"pid", cmd.Process.Pid,
		"cols", cfg.Cols,
		"rows", cfg.Rows,
	)
	return nil
}

// PID returns the child process id, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Dropped returns how many input bytes were discarded due to overflow.
func (s *Supervisor) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// readLoop pumps PTY output to OnData until the descriptor dies.
func (s *Supervisor) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 && s.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.OnData(chunk)
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

// finish reaps the child and reports exit exactly once. EIO and EOF on
// the master side are the normal end-of-session signal; anything else is
// passed through as a read error for the owner to classify.
func (s *Supervisor) finish(readErr error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.mu.Unlock()
	close(s.done)

	if isExpectedReadError(readErr) {
		readErr = nil
	}

	status := ExitStatus{Code: -1}
	if err := s.cmd.Wait(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Code = 128 + int(ws.Signal())
				status.Signal = ws.Signal().String()
			} else {
				status.Code = ee.ExitCode()
			}
		}
	} else {
		status.Code = 0
	}

	s.ptmx.Close()

	if s.OnExit != nil {
		s.OnExit(status, readErr)
	}
}

func isExpectedReadError(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	// Linux reports EIO on the master once the slave side is closed.
	return errors.Is(err, syscall.EIO)
}

// Write queues input for the child without blocking. On overflow the
// oldest queued chunks are dropped and counted.
func (s *Supervisor) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.exited || s.ptmx == nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("pty is closed")
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	s.queue = append(s.queue, chunk)
	s.queued += len(chunk)
	for s.queued > MaxInputBuffer && len(s.queue) > 1 {
		s.queued -= len(s.queue[0])
		s.dropped += uint64(len(s.queue[0]))
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	select {
	case s.inputReady <- struct{}{}:
	default:
	}
	return len(data), nil
}

// writeLoop drains the input queue into the PTY.
func (s *Supervisor) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.inputReady:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.queued -= len(chunk)
			s.mu.Unlock()

			if _, err := s.ptmx.Write(chunk); err != nil {
				s.logger.Debug("PTY input write failed", "error", err)
				return
			}
		}
	}
}

// Resize applies new dimensions to the kernel terminal (TIOCSWINSZ).
func (s *Supervisor) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.ptmx == nil {
		return fmt.Errorf("pty is closed")
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Signal delivers sig to the child.
func (s *Supervisor) Signal(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.cmd == nil || s.cmd.Process == nil {
		return fmt.Errorf("process is gone")
	}
	return s.cmd.Process.Signal(sig)
}

// Kill sends sig (TERM by default) and escalates to KILL after 3 s if
// the child is still alive. It returns immediately; exit is reported via
// OnExit as usual.
func (s *Supervisor) Kill(sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := s.Signal(sig); err != nil {
		return err
	}
	if sig == syscall.SIGKILL {
		return nil
	}
	go func() {
		select {
		case <-s.done:
			return
		case <-s.clock.After(killGrace):
		}
		s.mu.Lock()
		alive := !s.exited && s.cmd != nil && s.cmd.Process != nil
		var proc *os.Process
		if alive {
			proc = s.cmd.Process
		}
		s.mu.Unlock()
		if alive {
			s.logger.Warn("Child ignored signal, escalating to SIGKILL", "pid", proc.Pid)
			proc.Kill()
		}
	}()
	return nil
}

// Done is closed once the child has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Close force-kills the child and waits for the pump goroutines.
func (s *Supervisor) Close() {
	s.mu.Lock()
	exited := s.exited
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()
	if !exited && cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if ptmx != nil {
		// Unblocks the reader if the child refuses to die.
		ptmx.Close()
	}
	s.wg.Wait()
}
