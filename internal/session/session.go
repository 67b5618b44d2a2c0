// Package session owns the lifecycle of PTY sessions: creation, the
// data path from child output to recording and screen state, input and
// resize, termination, and on-disk persistence under the control
// directory.
//
// Each session's output flows through one ordered path: PTY read →
// recording append → emulator feed → activity update → aggregator
// notification. Viewers never hold a session object, only its id.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/pty"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

// Title modes. None ignores OSC titles, static freezes the title at
// creation, dynamic tracks OSC 0/2 from the child.
const (
	TitleModeNone    = "none"
	TitleModeStatic  = "static"
	TitleModeDynamic = "dynamic"
)

// runningGrace is how long after spawn a silent session is still
// reported as starting before it is promoted to running anyway.
const runningGrace = 250 * time.Millisecond

// Dimension bounds applied to create and resize requests.
const (
	minDimension = 1
	maxDimension = 1000
)

// DefaultCols and DefaultRows apply when a create request omits
// dimensions.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Session is one managed PTY child (or externally driven descriptor)
// plus its recording, screen state, and activity detector.
type Session struct {
	mgr *Manager
	dir string

	mu   sync.Mutex
	info recording.SessionInfo

	// inputMu serialises concurrent input writers so interleaved
	// keystroke sequences keep per-client prefix order.
	inputMu sync.Mutex

	sup      *pty.Supervisor // nil for external sessions
	emu      *termemu.Emulator
	rec      *recording.Writer
	stdinRec *recording.Writer // nil unless input auditing is on
	detector *activity.Detector

	exitOnce      sync.Once
	pendingDelete bool

	// external tail state
	external   bool
	tailStop   chan struct{}
	tailOffset int64
}

// Info returns a copy of the session metadata.
func (s *Session) Info() recording.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// View is a session listing entry: persisted metadata plus the live
// activity classification. Active means the session is still reachable
// (not exited); IsActive means it produced output within the activity
// window and is not parked at a shell prompt.
type View struct {
	recording.SessionInfo
	Active         bool   `json:"active"`
	IsActive       bool   `json:"isActive"`
	SpecificStatus string `json:"specificStatus,omitempty"`
}

// view builds the API representation under s.mu.
func (s *Session) view() View {
	v := View{SessionInfo: s.info, Active: s.info.Status != recording.StatusExited}
	if s.detector != nil && s.info.Status != recording.StatusExited {
		st := s.detector.State()
		v.IsActive = st.IsActive
		if st.IsActive {
			v.SpecificStatus = st.SpecificStatus
		}
	}
	return v
}

// handleData is the single ordered data path for one output chunk.
func (s *Session) handleData(chunk []byte) {
	s.mu.Lock()
	if s.rec != nil {
		if err := s.rec.WriteOutput(chunk); err != nil {
			s.mgr.logger.Warn("Recording append failed", "session", s.info.ID, "error", err)
		}
	}
	s.emu.Write(chunk)
	if s.detector != nil {
		s.detector.RecordOutput(s.emu.CursorRow())
	}
	promote := s.info.Status == recording.StatusStarting
	if promote {
		s.info.Status = recording.StatusRunning
		s.info.LastModified = s.mgr.clock.Now().UTC()
	}
	dynamicTitle := s.info.TitleMode == TitleModeDynamic
	var titleChanged bool
	if dynamicTitle {
		if t := s.emu.Title(); t != "" && t != s.info.Title {
			s.info.Title = t
			titleChanged = true
		}
	}
	needSave := promote || titleChanged
	info := s.info
	s.mu.Unlock()

	if needSave {
		if err := recording.SaveInfo(s.dir, &info); err != nil {
			s.mgr.logger.Warn("Persisting session info failed", "session", info.ID, "error", err)
		}
	}
	s.mgr.notifyOutput(info.ID)
}

// handleExit finalises the session exactly once. readErr is non-nil only
// for abnormal PTY read failures, which surface as a final output event
// and exit code -2.
func (s *Session) handleExit(status pty.ExitStatus, readErr error) {
	s.exitOnce.Do(func() {
		code := status.Code
		s.mu.Lock()
		if readErr != nil {
			code = -2
			if s.rec != nil {
				s.rec.WriteOutput([]byte(fmt.Sprintf("\r\n[session error: %v]\r\n", readErr)))
			}
		}
		if s.rec != nil {
			s.rec.WriteExit(code)
			s.rec.Close()
		}
		if s.stdinRec != nil {
			s.stdinRec.Close()
		}
		s.info.Status = recording.StatusExited
		s.info.ExitCode = &code
		s.info.PID = nil
		s.info.LastModified = s.mgr.clock.Now().UTC()
		info := s.info
		pending := s.pendingDelete
		s.mu.Unlock()

		if err := recording.SaveInfo(s.dir, &info); err != nil {
			s.mgr.logger.Warn("Persisting exit failed", "session", info.ID, "error", err)
		}
		s.mgr.logger.Info("Session exited",
			"session", info.ID,
			"code", code,
			"signal", status.Signal,
		)
		s.mgr.notifyOutput(info.ID)
		s.mgr.notifyChanged()
		if pending {
			s.mgr.MaybeReap(info.ID)
		}
	})
}

// promoteAfterGrace flips a still-silent session to running.
func (s *Session) promoteAfterGrace() {
	s.mu.Lock()
	if s.info.Status != recording.StatusStarting {
		s.mu.Unlock()
		return
	}
	s.info.Status = recording.StatusRunning
	s.info.LastModified = s.mgr.clock.Now().UTC()
	info := s.info
	s.mu.Unlock()
	if err := recording.SaveInfo(s.dir, &info); err != nil {
		s.mgr.logger.Warn("Persisting session info failed", "session", info.ID, "error", err)
	}
	s.mgr.notifyChanged()
}

// Snapshot returns the current screen state.
func (s *Session) Snapshot() *termemu.Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Snapshot()
}
