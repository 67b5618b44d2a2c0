package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/pty"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

// Manager owns every session in the control directory. It is the only
// writer of session directories; viewers and the HTTP layer resolve
// sessions by id through it.
type Manager struct {
	root    string
	version string
	logger  *slog.Logger
	clock   clockwork.Clock

	// OnOutput is invoked after each output chunk (or resize) has been
	// applied to a session, with the session id. Wired to the buffer
	// aggregator.
	OnOutput func(id string)
	// OnChanged is invoked when the session set or a session's status
	// changes. Wired to HQ notification.
	OnChanged func()
	// Subscribers reports the live subscriber count for a session, used
	// to defer directory removal. Nil means zero.
	Subscribers func(id string) int

	mu           sync.Mutex
	sessions     map[string]*Session
	shuttingDown bool
}

// NewManager creates a manager rooted at the control directory.
func NewManager(root, version string, logger *slog.Logger, clock clockwork.Clock) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating control directory: %w", err)
	}
	return &Manager{
		root:     root,
		version:  version,
		logger:   logger,
		clock:    clock,
		sessions: make(map[string]*Session),
	}, nil
}

// Root returns the control directory.
func (m *Manager) Root() string { return m.root }

// SessionDir returns the on-disk directory for a session id.
func (m *Manager) SessionDir(id string) string { return filepath.Join(m.root, id) }

// CreateOptions describe a session to spawn.
type CreateOptions struct {
	Command     []string
	WorkingDir  string
	Name        string
	Cols, Rows  int
	TitleMode   string
	Env         map[string]string
	RecordInput bool
}

// Create spawns a new session. A spawn failure still produces a session
// directory: the session lands directly in exited with code -1 and the
// error as its final output, so viewers see the failure inline.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	if m.draining() {
		return nil, ErrShuttingDown
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrBadRequest)
	}
	cwd := opts.WorkingDir
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if fi, err := os.Stat(cwd); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: working directory %q does not exist", ErrBadRequest, cwd)
	}
	cols := clampDim(opts.Cols, DefaultCols)
	rows := clampDim(opts.Rows, DefaultRows)
	titleMode := opts.TitleMode
	switch titleMode {
	case "", TitleModeNone:
		titleMode = TitleModeNone
	case TitleModeStatic, TitleModeDynamic:
	default:
		return nil, fmt.Errorf("%w: unknown titleMode %q", ErrBadRequest, opts.TitleMode)
	}

	id := uuid.NewString()
	dir := m.SessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = opts.Command[0]
	}
	now := m.clock.Now().UTC()
	s := &Session{
		mgr: m,
		dir: dir,
		info: recording.SessionInfo{
			ID:           id,
			Name:         name,
			Command:      opts.Command,
			WorkingDir:   cwd,
			CreatedAt:    now,
			LastModified: now,
			Status:       recording.StatusStarting,
			InitialCols:  cols,
			InitialRows:  rows,
			Cols:         cols,
			Rows:         rows,
			Version:      m.version,
			TitleMode:    titleMode,
			Source:       recording.SourceLocal,
		},
		detector: activity.NewDetector(opts.Command, m.clock),
	}
	if titleMode == TitleModeStatic {
		s.info.Title = name
	}
	if err := recording.SaveInfo(dir, &s.info); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	rec, err := recording.NewWriter(filepath.Join(dir, recording.StdoutFile), recording.Header{
		Width:   cols,
		Height:  rows,
		Command: shellJoin(opts.Command),
		Title:   name,
		Env:     headerEnv(),
	}, m.clock)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.rec = rec
	if opts.RecordInput {
		s.stdinRec, err = recording.NewWriter(filepath.Join(dir, recording.StdinFile), recording.Header{
			Width:  cols,
			Height: rows,
		}, m.clock)
		if err != nil {
			rec.Close()
			os.RemoveAll(dir)
			return nil, err
		}
	}

	s.emu = termemu.New(cols, rows)
	s.emu.OnClear(func() {
		// Offset of the clear marker accelerates replay catch-up; it is
		// captured before the marker itself is appended.
		off := rec.Offset()
		rec.WriteClear()
		s.info.LastClearOffset = &off
	})

	sup := pty.New(m.logger.With("session", id), m.clock)
	sup.OnData = s.handleData
	sup.OnExit = s.handleExit
	s.sup = sup

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := sup.Start(pty.Config{
		Argv:      opts.Command,
		Dir:       cwd,
		Env:       opts.Env,
		Cols:      cols,
		Rows:      rows,
		SessionID: id,
	}); err != nil {
		rec.WriteOutput([]byte(fmt.Sprintf("[spawn failed: %v]\r\n", err)))
		s.handleExit(pty.ExitStatus{Code: -1}, nil)
		return s, nil
	}

	s.mu.Lock()
	pid := sup.PID()
	s.info.PID = &pid
	info := s.info
	s.mu.Unlock()
	recording.SaveInfo(dir, &info)

	go func() {
		select {
		case <-sup.Done():
		case <-m.clock.After(runningGrace):
			s.promoteAfterGrace()
		}
	}()

	m.notifyChanged()
	m.logger.Info("Session created", "session", id, "command", opts.Command[0], "pid", pid)
	return s, nil
}

// List returns all local sessions sorted by creation time.
func (m *Manager) List() []View {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	views := make([]View, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		views = append(views, s.view())
		s.mu.Unlock()
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Get resolves a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetView returns the API representation of one session.
func (m *Manager) GetView(id string) (View, error) {
	s, err := m.Get(id)
	if err != nil {
		return View{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// Input writes payload to the session's PTY. Concurrent callers are
// serialised per session so each client's bytes keep prefix order.
func (m *Manager) Input(id string, payload []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	status := s.info.Status
	sup := s.sup
	stdinRec := s.stdinRec
	s.mu.Unlock()
	if status != recording.StatusRunning || sup == nil {
		return ErrSessionExited
	}

	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if stdinRec != nil {
		stdinRec.WriteInput(payload)
	}
	if _, err := sup.Write(payload); err != nil {
		return ErrSessionExited
	}
	return nil
}

// Resize applies new dimensions, clamped to [1, 1000]. The resize event
// is recorded before the kernel resize so it always precedes output
// produced at the new dimensions.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	cols = clampDim(cols, DefaultCols)
	rows = clampDim(rows, DefaultRows)

	s.mu.Lock()
	if s.info.Status == recording.StatusExited {
		s.mu.Unlock()
		return ErrSessionExited
	}
	if s.rec != nil {
		s.rec.WriteResize(cols, rows)
	}
	s.emu.Resize(cols, rows)
	s.info.Cols, s.info.Rows = cols, rows
	s.info.LastModified = m.clock.Now().UTC()
	sup := s.sup
	info := s.info
	s.mu.Unlock()

	if sup != nil {
		if err := sup.Resize(cols, rows); err != nil {
			return ErrSessionExited
		}
	}
	if err := recording.SaveInfo(s.dir, &info); err != nil {
		m.logger.Warn("Persisting resize failed", "session", id, "error", err)
	}
	m.notifyOutput(id)
	return nil
}

// Kill signals the session's child (TERM by default, KILL after 3 s).
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	exited := s.info.Status == recording.StatusExited
	sup := s.sup
	s.mu.Unlock()
	if exited || sup == nil {
		return ErrSessionExited
	}
	return sup.Kill(sig)
}

// Rename updates the session name. Renaming to the current name leaves
// session.json untouched.
func (m *Manager) Rename(id, newName string) error {
	if newName == "" {
		return fmt.Errorf("%w: empty name", ErrBadRequest)
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.info.Name == newName {
		s.mu.Unlock()
		return nil
	}
	s.info.Name = newName
	s.info.LastModified = m.clock.Now().UTC()
	info := s.info
	s.mu.Unlock()
	return recording.SaveInfo(s.dir, &info)
}

// Delete terminates the session if running and removes its control
// directory. Removal is deferred until the session has exited and no
// subscribers remain, unless force is set.
func (m *Manager) Delete(id string, force bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	running := s.info.Status != recording.StatusExited
	s.pendingDelete = true
	sup := s.sup
	s.mu.Unlock()

	if force {
		if sup != nil && running {
			sup.Close()
		}
		m.remove(id)
		return nil
	}
	if running && sup != nil {
		if err := sup.Kill(syscall.SIGTERM); err != nil {
			m.logger.Debug("Kill on delete failed", "session", id, "error", err)
		}
		return nil
	}
	if running {
		// External session with no PTY of our own: mark exited.
		s.MarkExited(nil)
	}
	m.MaybeReap(id)
	return nil
}

// MaybeReap removes a pending-delete session once it has exited and has
// no subscribers left.
func (m *Manager) MaybeReap(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	s.mu.Lock()
	ready := s.pendingDelete && s.info.Status == recording.StatusExited
	s.mu.Unlock()
	if !ready {
		return
	}
	if m.Subscribers != nil && m.Subscribers(id) > 0 {
		return
	}
	m.remove(id)
}

// remove drops the session from the registry and deletes its directory.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.stopTail()
	s.mu.Lock()
	if s.rec != nil {
		s.rec.Close()
	}
	if s.stdinRec != nil {
		s.stdinRec.Close()
	}
	s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		m.logger.Warn("Removing session directory failed", "session", id, "error", err)
	}
	m.logger.Info("Session removed", "session", id)
	m.notifyChanged()
}

// FlushRecording pushes buffered recording bytes to disk, called before
// any API read of the stdout file.
func (m *Manager) FlushRecording(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		return rec.Flush()
	}
	return nil
}

// Snapshot returns the current screen for a session.
func (m *Manager) Snapshot(id string) (*termemu.Screen, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Shutdown flushes all recordings and stops external tails. Child
// processes are left running; their sessions persist on disk.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.stopTail()
		s.mu.Lock()
		if s.rec != nil {
			s.rec.Flush()
		}
		if s.stdinRec != nil {
			s.stdinRec.Flush()
		}
		s.mu.Unlock()
	}
	m.logger.Info("Session manager drained", "sessions", len(sessions))
}

func (m *Manager) draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) notifyOutput(id string) {
	if m.OnOutput != nil {
		m.OnOutput(id)
	}
}

func (m *Manager) notifyChanged() {
	if m.OnChanged != nil {
		m.OnChanged()
	}
}

func clampDim(v, def int) int {
	if v == 0 {
		v = def
	}
	if v < minDimension {
		return minDimension
	}
	if v > maxDimension {
		return maxDimension
	}
	return v
}

func shellJoin(argv []string) string {
	return strings.Join(argv, " ")
}

// headerEnv is the env block recorded in the asciinema header.
func headerEnv() map[string]string {
	env := map[string]string{"TERM": "xterm-256color"}
	if shell := os.Getenv("SHELL"); shell != "" {
		env["SHELL"] = shell
	}
	return env
}
