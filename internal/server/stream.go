package server

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/vibetunnel/vibetunnel/internal/recording"
)

// streamPollInterval paces the follow loop once the log is drained.
const streamPollInterval = 100 * time.Millisecond

// handleStream serves the recording as a live text/event-stream,
// starting at ?from=<bytes> and following appends until the session
// exits or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	sess, err := s.mgr.Get(id)
	if err != nil {
		if s.proxyToOwner(w, r, id, err) {
			return
		}
		writeError(w, err)
		return
	}

	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	path := filepath.Join(s.mgr.SessionDir(id), recording.StdoutFile)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	offset := from
	ctx := r.Context()
	for {
		s.mgr.FlushRecording(id)
		sawExit := false
		err := recording.StreamLines(path, offset, func(line []byte, next int64) error {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return err
			}
			flusher.Flush()
			offset = next
			if ev, ok := recording.ParseEvent(line); ok && ev.Kind == "e" {
				sawExit = true
			}
			return nil
		})
		if err != nil || sawExit {
			return
		}
		if sess.Info().Status == recording.StatusExited {
			// Drained a finished session; the exit event (if any) has
			// been delivered above.
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamPollInterval):
		}
	}
}
