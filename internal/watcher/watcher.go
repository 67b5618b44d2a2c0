// Package watcher observes the control directory so sessions created by
// outside processes appear in the server, and sessions whose directory
// vanishes are retired.
//
// The filesystem is the IPC: a helper that writes a session directory
// with a valid session.json becomes visible without any API call.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// rescanInterval drives the fallback full scan for events fsnotify
// missed (network filesystems, overflowed kernel queues).
const rescanInterval = 2 * time.Second

// descriptor polling backoff: a new directory may exist before its
// session.json is fully written.
const (
	descriptorPollBase     = 100 * time.Millisecond
	descriptorPollAttempts = 5
)

// Watcher tails the control root and keeps the session manager's view
// of external sessions current.
type Watcher struct {
	root   string
	mgr    *session.Manager
	logger *slog.Logger

	fs   *fsnotify.Watcher
	done chan struct{}
}

// New creates a watcher over the manager's control root.
func New(mgr *session.Manager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	root := mgr.Root()
	if err := fs.Add(root); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		root:   root,
		mgr:    mgr,
		logger: logger,
		fs:     fs,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the event loop and an initial scan of pre-existing
// session directories.
func (w *Watcher) Start() {
	go w.loop()
	go w.scan()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	close(w.done)
	w.fs.Close()
}

func (w *Watcher) loop() {
	rescan := time.NewTicker(rescanInterval)
	defer rescan.Stop()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Control directory watch error", "error", err)
		case <-rescan.C:
			w.scan()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	// Only the first path element matters: events inside a session
	// directory are attributed to that session.
	id := firstElement(rel)
	topLevel := rel == id

	switch {
	case ev.Op.Has(fsnotify.Create) && topLevel:
		go w.adopt(id)
	case (ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)) && topLevel:
		w.retire(id)
	case filepath.Base(ev.Name) == recording.InfoFile:
		// The descriptor is replaced by rename, which surfaces as Create.
		w.mgr.RefreshExternal(id)
	}
}

// adopt waits for session.json to materialise, backing off 100, 200,
// 400, 800, 1600 ms, then registers the session as external.
func (w *Watcher) adopt(id string) {
	dir := filepath.Join(w.root, id)
	delay := descriptorPollBase
	for attempt := 0; attempt < descriptorPollAttempts; attempt++ {
		if _, err := recording.LoadInfo(dir); err == nil {
			if err := w.mgr.RegisterExternal(id); err != nil {
				w.logger.Warn("Adopting external session failed", "session", id, "error", err)
				return
			}
			// Watch the session directory itself so descriptor rewrites
			// are seen; inotify is not recursive.
			w.fs.Add(dir)
			return
		}
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	w.logger.Debug("Directory never produced a session descriptor", "session", id)
}

// retire transitions a session whose directory disappeared.
func (w *Watcher) retire(id string) {
	if _, err := os.Stat(filepath.Join(w.root, id)); err == nil {
		return
	}
	w.logger.Info("Session directory removed externally", "session", id)
	w.mgr.Forget(id)
}

// scan reconciles the full directory listing against the manager.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	onDisk := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		onDisk[id] = true
		if _, err := w.mgr.Get(id); err != nil {
			dir := filepath.Join(w.root, id)
			if _, err := recording.LoadInfo(dir); err == nil {
				if w.mgr.RegisterExternal(id) == nil {
					w.fs.Add(dir)
				}
			}
		}
	}
	for _, v := range w.mgr.List() {
		if !onDisk[v.ID] {
			w.retire(v.ID)
		}
	}
}

func firstElement(rel string) string {
	for i := 0; i < len(rel); i++ {
		if os.IsPathSeparator(rel[i]) {
			return rel[:i]
		}
	}
	return rel
}
