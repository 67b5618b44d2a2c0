package session

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

// externalTailInterval is how often an external session's stdout file is
// polled for appended events.
const externalTailInterval = 250 * time.Millisecond

// RegisterExternal adopts a session directory created by an outside
// process (e.g. the fwd helper). The manager owns no PTY for it; screen
// state is driven by tailing the stdout file.
func (m *Manager) RegisterExternal(id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dir := m.SessionDir(id)
	info, err := recording.LoadInfo(dir)
	if err != nil {
		return err
	}
	cols := clampDim(info.Cols, DefaultCols)
	rows := clampDim(info.Rows, DefaultRows)

	s := &Session{
		mgr:      m,
		dir:      dir,
		info:     *info,
		emu:      termemu.New(cols, rows),
		detector: activity.NewDetector(info.Command, m.clock),
		external: true,
		tailStop: make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go s.tailLoop()
	m.logger.Info("External session registered", "session", id, "command", info.Command)
	m.notifyChanged()
	return nil
}

// RefreshExternal re-reads session.json for an external session after
// the watcher saw it change.
func (m *Manager) RefreshExternal(id string) {
	s, err := m.Get(id)
	if err != nil || !s.external {
		return
	}
	info, err := recording.LoadInfo(s.dir)
	if err != nil {
		return
	}
	s.mu.Lock()
	changed := s.info.Status != info.Status
	s.info = *info
	s.mu.Unlock()
	if changed {
		m.notifyChanged()
	}
}

// MarkExternalExited transitions an external session to exited, used
// when its directory disappears or its producer records an exit.
func (m *Manager) MarkExternalExited(id string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	s.MarkExited(nil)
}

// Forget drops a session from the registry without touching its
// directory, used when the directory was removed externally.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.stopTail()
	s.MarkExited(nil)
	m.notifyChanged()
}

// MarkExited transitions the session to exited without a PTY exit
// event, for externally driven sessions. No-op when already exited.
func (s *Session) MarkExited(code *int) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.info.Status = recording.StatusExited
		if code != nil {
			s.info.ExitCode = code
		}
		s.info.LastModified = s.mgr.clock.Now().UTC()
		info := s.info
		s.mu.Unlock()

		// The directory may already be gone; persisting is best effort.
		if _, err := os.Stat(s.dir); err == nil {
			recording.SaveInfo(s.dir, &info)
		}
		s.mgr.notifyOutput(info.ID)
		s.mgr.notifyChanged()
	})
}

// stopTail stops the external tail goroutine if one is running.
func (s *Session) stopTail() {
	s.mu.Lock()
	stop := s.tailStop
	s.tailStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// tailLoop polls the stdout file and replays newly appended events into
// the emulator, mirroring the path a locally owned PTY would take.
func (s *Session) tailLoop() {
	s.mu.Lock()
	stop := s.tailStop
	s.mu.Unlock()
	if stop == nil {
		return
	}

	path := filepath.Join(s.dir, recording.StdoutFile)
	ticker := time.NewTicker(externalTailInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		s.tailOnce(path)
	}
}

func (s *Session) tailOnce(path string) {
	from := s.tailOffset
	var exited *int
	err := recording.StreamEvents(path, from, func(ev recording.Event, offset int64) error {
		s.tailOffset = offset
		switch ev.Kind {
		case "o":
			s.mu.Lock()
			s.emu.Write([]byte(ev.Data))
			s.detector.RecordOutput(s.emu.CursorRow())
			s.mu.Unlock()
		case "r":
			s.mu.Lock()
			s.emu.Resize(clampDim(ev.Cols, DefaultCols), clampDim(ev.Rows, DefaultRows))
			s.mu.Unlock()
		case "e":
			code := ev.Code
			exited = &code
		}
		return nil
	})
	if err != nil {
		return
	}
	if s.tailOffset > from {
		s.mgr.notifyOutput(s.Info().ID)
	}
	if exited != nil {
		s.MarkExited(exited)
	}
}
