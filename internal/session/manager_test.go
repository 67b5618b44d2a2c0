package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/recording"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "test", nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *Manager, id, status string) {
	t.Helper()
	waitFor(t, "status "+status, func() bool {
		v, err := m.GetView(id)
		return err == nil && v.Status == status
	})
}

func TestCreateDefaultsAndPersistence(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sh", "-c", "sleep 30"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	info := s.Info()
	if info.Cols != DefaultCols || info.Rows != DefaultRows {
		t.Errorf("dimensions = %dx%d, want %dx%d", info.Cols, info.Rows, DefaultCols, DefaultRows)
	}
	if info.Name != "sh" {
		t.Errorf("name = %q, want command name", info.Name)
	}
	if info.PID == nil {
		t.Error("pid missing for spawned session")
	}

	loaded, err := recording.LoadInfo(m.SessionDir(info.ID))
	if err != nil {
		t.Fatalf("session.json not persisted: %v", err)
	}
	if loaded.ID != info.ID || loaded.Source != recording.SourceLocal {
		t.Errorf("persisted info = %+v", loaded)
	}

	// A silent child is promoted to running after the grace period.
	waitStatus(t, m, info.ID, recording.StatusRunning)

	if err := m.Kill(info.ID, syscall.SIGKILL); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitStatus(t, m, info.ID, recording.StatusExited)
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Create(CreateOptions{}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty command: err = %v, want ErrBadRequest", err)
	}
	if _, err := m.Create(CreateOptions{
		Command:    []string{"true"},
		WorkingDir: "/definitely/not/a/dir",
	}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("bad cwd: err = %v, want ErrBadRequest", err)
	}
	if _, err := m.Create(CreateOptions{
		Command:    []string{"true"},
		WorkingDir: "/tmp",
		TitleMode:  "sparkly",
	}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("bad titleMode: err = %v, want ErrBadRequest", err)
	}
}

func TestSpawnFailureLandsExited(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{
		Command:    []string{"/no/such/binary"},
		WorkingDir: "/tmp",
	})
	if err != nil {
		t.Fatalf("Create returned error for spawn failure: %v", err)
	}
	info := s.Info()
	if info.Status != recording.StatusExited {
		t.Errorf("status = %q, want exited", info.Status)
	}
	if info.ExitCode == nil || *info.ExitCode != -1 {
		t.Errorf("exit code = %v, want -1", info.ExitCode)
	}

	// The failure is visible in the recording as the final output.
	data, err := os.ReadFile(filepath.Join(m.SessionDir(info.ID), recording.StdoutFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "spawn failed") {
		t.Errorf("recording missing spawn failure text: %s", data)
	}
}

func TestOutputReachesScreenAndRecording(t *testing.T) {
	m := newTestManager(t)
	var notified atomic.Int64
	m.OnOutput = func(string) { notified.Add(1) }

	s, err := m.Create(CreateOptions{
		Command:    []string{"sh", "-c", "printf marker; sleep 30"},
		WorkingDir: "/tmp",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	defer m.Delete(id, true)

	waitFor(t, "output on screen", func() bool {
		screen, err := m.Snapshot(id)
		if err != nil {
			return false
		}
		for _, c := range screen.Cells[0] {
			if c.Rune == 'm' {
				return true
			}
		}
		return false
	})
	if notified.Load() == 0 {
		t.Error("OnOutput never fired")
	}

	m.FlushRecording(id)
	var got string
	recording.StreamEvents(filepath.Join(m.SessionDir(id), recording.StdoutFile), 0,
		func(ev recording.Event, _ int64) error {
			if ev.Kind == "o" {
				got += ev.Data
			}
			return nil
		})
	if !strings.Contains(got, "marker") {
		t.Errorf("recorded output = %q, want marker", got)
	}
}

func TestInputRoundTrip(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"cat"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	defer m.Delete(id, true)
	waitStatus(t, m, id, recording.StatusRunning)

	if err := m.Input(id, []byte("echoed\n")); err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	waitFor(t, "echo on screen", func() bool {
		screen, err := m.Snapshot(id)
		if err != nil {
			return false
		}
		for _, row := range screen.Cells {
			text := ""
			for _, c := range row {
				if c.Rune != 0 {
					text += string(c.Rune)
				}
			}
			if strings.Contains(text, "echoed") {
				return true
			}
		}
		return false
	})
}

func TestInputAfterExit(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"true"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	waitStatus(t, m, id, recording.StatusExited)

	if err := m.Input(id, []byte("x")); !errors.Is(err, ErrSessionExited) {
		t.Errorf("Input after exit: err = %v, want ErrSessionExited", err)
	}
	if err := m.Kill(id, syscall.SIGTERM); !errors.Is(err, ErrSessionExited) {
		t.Errorf("Kill after exit: err = %v, want ErrSessionExited", err)
	}
}

func TestResizeClampAndEventOrder(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sleep", "30"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	defer m.Delete(id, true)
	waitStatus(t, m, id, recording.StatusRunning)

	if err := m.Resize(id, 5000, 0); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	v, _ := m.GetView(id)
	if v.Cols != maxDimension || v.Rows != DefaultRows {
		t.Errorf("dimensions = %dx%d, want %dx%d", v.Cols, v.Rows, maxDimension, DefaultRows)
	}

	m.FlushRecording(id)
	var sawResize bool
	recording.StreamEvents(filepath.Join(m.SessionDir(id), recording.StdoutFile), 0,
		func(ev recording.Event, _ int64) error {
			if ev.Kind == "r" {
				sawResize = true
				if ev.Cols != maxDimension {
					t.Errorf("recorded resize cols = %d, want %d", ev.Cols, maxDimension)
				}
			}
			return nil
		})
	if !sawResize {
		t.Error("resize event not recorded")
	}
}

func TestRenameIdempotent(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sleep", "30"}, WorkingDir: "/tmp", Name: "orig"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	defer m.Delete(id, true)

	if err := m.Rename(id, "renamed"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	path := filepath.Join(m.SessionDir(id), recording.InfoFile)
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := m.Rename(id, "renamed"); err != nil {
		t.Fatalf("second Rename failed: %v", err)
	}
	after, _ := os.Stat(path)
	if !before.ModTime().Equal(after.ModTime()) {
		t.Error("same-name rename rewrote session.json")
	}
	if err := m.Rename(id, ""); !errors.Is(err, ErrBadRequest) {
		t.Errorf("empty rename: err = %v, want ErrBadRequest", err)
	}
}

func TestDeleteForceRemovesDirectory(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sleep", "30"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID

	if err := m.Delete(id, true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(m.SessionDir(id)); !os.IsNotExist(err) {
		t.Error("session directory survived force delete")
	}
}

func TestDeleteDefersWhileSubscribed(t *testing.T) {
	m := newTestManager(t)
	var subs atomic.Int64
	subs.Store(1)
	m.Subscribers = func(string) int { return int(subs.Load()) }

	s, err := m.Create(CreateOptions{Command: []string{"true"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	waitStatus(t, m, id, recording.StatusExited)

	if err := m.Delete(id, false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// Still listed while a subscriber holds it.
	if _, err := m.Get(id); err != nil {
		t.Fatalf("session reaped while subscribed: %v", err)
	}

	subs.Store(0)
	m.MaybeReap(id)
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("session not reaped after last unsubscribe: %v", err)
	}
}

func TestDeleteTermThenReapOnExit(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sleep", "30"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID

	if err := m.Delete(id, false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	// The TERM lands, the exit handler fires, and the pending delete
	// reaps the directory.
	waitFor(t, "session reaped", func() bool {
		_, err := m.Get(id)
		return errors.Is(err, ErrNotFound)
	})
}

func TestViewExposesActivityClassification(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sh", "-c", "printf busy; sleep 30"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	defer m.Delete(id, true)

	// Fresh output within the activity window classifies as active,
	// independently of the reachability flag.
	waitFor(t, "activity after output", func() bool {
		v, err := m.GetView(id)
		return err == nil && v.Active && v.IsActive
	})
}

func TestExitedViewIsNeverActive(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Create(CreateOptions{Command: []string{"sh", "-c", "printf done"}, WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().ID
	waitStatus(t, m, id, recording.StatusExited)

	v, err := m.GetView(id)
	if err != nil {
		t.Fatal(err)
	}
	if v.Active || v.IsActive || v.SpecificStatus != "" {
		t.Errorf("exited view = %+v, want no activity", v)
	}
}

func TestListSortedByCreation(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.Create(CreateOptions{Command: []string{"sleep", "30"}, WorkingDir: "/tmp"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	views := m.List()
	if len(views) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(views))
	}
	for i := 1; i < len(views); i++ {
		if views[i].CreatedAt.Before(views[i-1].CreatedAt) {
			t.Error("sessions not sorted by creation time")
		}
		m.Delete(views[i].ID, true)
	}
	m.Delete(views[0].ID, true)
}

func TestCreateWhileShuttingDown(t *testing.T) {
	m := newTestManager(t)
	m.Shutdown()
	if _, err := m.Create(CreateOptions{Command: []string{"true"}, WorkingDir: "/tmp"}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Create during shutdown: err = %v, want ErrShuttingDown", err)
	}
}

// writeExternalSession lays down a session directory the way the fwd
// helper would: session.json plus an asciinema stdout log.
func writeExternalSession(t *testing.T, m *Manager, id string, lines ...string) {
	t.Helper()
	dir := m.SessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	info := &recording.SessionInfo{
		ID: id, Name: "external", Command: []string{"sh"},
		WorkingDir: "/tmp", CreatedAt: now, LastModified: now,
		Status: recording.StatusRunning, Cols: 80, Rows: 24,
		InitialCols: 80, InitialRows: 24, Source: recording.SourceLocal,
	}
	if err := recording.SaveInfo(dir, info); err != nil {
		t.Fatal(err)
	}
	content := `{"version": 2, "width": 80, "height": 24}` + "\n" + strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, recording.StdoutFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExternalSessionTail(t *testing.T) {
	m := newTestManager(t)
	writeExternalSession(t, m, "ext-1", `["o", 0.1, "tailme"]`)

	if err := m.RegisterExternal("ext-1"); err != nil {
		t.Fatalf("RegisterExternal failed: %v", err)
	}
	// Registering twice is a no-op.
	if err := m.RegisterExternal("ext-1"); err != nil {
		t.Fatalf("repeat RegisterExternal failed: %v", err)
	}

	waitFor(t, "tailed output on screen", func() bool {
		screen, err := m.Snapshot("ext-1")
		return err == nil && screen.Cells[0][0].Rune == 't'
	})

	// An appended exit event ends the session.
	f, err := os.OpenFile(filepath.Join(m.SessionDir("ext-1"), recording.StdoutFile),
		os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`["e", 0.5, 7]` + "\n")
	f.Close()

	waitStatus(t, m, "ext-1", recording.StatusExited)
	v, _ := m.GetView("ext-1")
	if v.ExitCode == nil || *v.ExitCode != 7 {
		t.Errorf("external exit code = %v, want 7", v.ExitCode)
	}
}

func TestForgetDropsWithoutTouchingDisk(t *testing.T) {
	m := newTestManager(t)
	writeExternalSession(t, m, "ext-2")
	if err := m.RegisterExternal("ext-2"); err != nil {
		t.Fatalf("RegisterExternal failed: %v", err)
	}

	m.Forget("ext-2")
	if _, err := m.Get("ext-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Forget: err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(m.SessionDir("ext-2")); err != nil {
		t.Error("Forget removed the session directory")
	}
}
