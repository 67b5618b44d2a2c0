package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
)

// flushInterval bounds how stale the on-disk log may be relative to what
// the server has already broadcast to live viewers.
const flushInterval = 50 * time.Millisecond

// Header is the asciinema-v2 header written as the first line of an
// event log.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Writer appends events to a session's stdout (or stdin) log. Writes are
// buffered and flushed by a background goroutine at least every 50 ms;
// callers that are about to read the file call Flush first. Safe for
// concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	offset int64
	start  time.Time
	clock  clockwork.Clock
	closed bool
	done   chan struct{}

	// pending holds a trailing incomplete UTF-8 sequence carried over to
	// the next output chunk. JSON encoding replaces invalid fragments
	// with U+FFFD, so a rune split across two PTY reads must be reunited
	// before it is marshalled or the replay diverges from what the live
	// emulator rendered.
	pending []byte
}

// NewWriter creates the log file at path and writes the header line.
func NewWriter(path string, hdr Header, clock clockwork.Clock) (*Writer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	if hdr.Version == 0 {
		hdr.Version = 2
	}
	if hdr.Timestamp == 0 {
		hdr.Timestamp = clock.Now().Unix()
	}
	w := &Writer{
		f:     f,
		buf:   bufio.NewWriterSize(f, 32*1024),
		start: clock.Now(),
		clock: clock,
		done:  make(chan struct{}),
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("marshaling recording header: %w", err)
	}
	if err := w.writeLine(line); err != nil {
		f.Close()
		return nil, err
	}
	go w.flushLoop()
	return w, nil
}

func (w *Writer) flushLoop() {
	ticker := w.clock.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			w.Flush()
		case <-w.done:
			return
		}
	}
}

// elapsed returns seconds since session start.
func (w *Writer) elapsed() float64 {
	return w.clock.Since(w.start).Seconds()
}

// writeLine appends one newline-terminated line. Callers hold w.mu or are
// the constructor.
func (w *Writer) writeLine(line []byte) error {
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("appending recording event: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("appending recording event: %w", err)
	}
	w.offset += int64(len(line)) + 1
	return nil
}

func (w *Writer) appendEvent(event []any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendEventLocked(event)
}

func (w *Writer) appendEventLocked(event []any) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling recording event: %w", err)
	}
	if w.closed {
		return fmt.Errorf("recording writer is closed")
	}
	return w.writeLine(line)
}

// WriteOutput appends an output event. A trailing incomplete UTF-8
// sequence is held back and prepended to the next chunk so multi-byte
// runes split across PTY reads survive JSON encoding intact.
func (w *Writer) WriteOutput(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		data = append(w.pending, data...)
		w.pending = nil
	}
	complete, rest := splitIncompleteRune(data)
	if len(rest) > 0 {
		w.pending = append([]byte(nil), rest...)
	}
	if len(complete) == 0 {
		return nil
	}
	return w.appendEventLocked([]any{"o", w.elapsed(), string(complete)})
}

// splitIncompleteRune splits data before a trailing incomplete UTF-8
// sequence. Bytes that cannot begin a valid rune pass through unchanged.
func splitIncompleteRune(data []byte) (complete, rest []byte) {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		b := data[i]
		if b < utf8.RuneSelf {
			return data, nil
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[i:]) {
				return data, nil
			}
			return data[:i], data[i:]
		}
	}
	return data, nil
}

// flushPendingLocked records any held-back bytes as-is. At end of
// session a partial sequence is genuinely partial; it is written rather
// than lost.
func (w *Writer) flushPendingLocked() {
	if len(w.pending) == 0 || w.closed {
		return
	}
	w.appendEventLocked([]any{"o", w.elapsed(), string(w.pending)})
	w.pending = nil
}

// WriteInput appends an input event (stdin audit log).
func (w *Writer) WriteInput(data []byte) error {
	return w.appendEvent([]any{"i", w.elapsed(), string(data)})
}

// WriteResize appends a resize event. Per the ordering contract it must
// be written before any output produced at the new dimensions.
func (w *Writer) WriteResize(cols, rows int) error {
	return w.appendEvent([]any{"r", w.elapsed(), cols, rows})
}

// WriteClear appends a screen-clear marker.
func (w *Writer) WriteClear() error {
	return w.appendEvent([]any{"x", w.elapsed()})
}

// WriteExit appends the terminal exit event, first draining any
// held-back output bytes.
func (w *Writer) WriteExit(code int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushPendingLocked()
	return w.appendEventLocked([]any{"e", w.elapsed(), code})
}

// Offset returns the number of bytes appended so far, including buffered
// bytes not yet flushed. It only increases.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Flush pushes buffered events to the OS.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes, syncs, and closes the log. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.flushPendingLocked()
	w.closed = true
	close(w.done)
	flushErr := w.buf.Flush()
	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	w.mu.Unlock()
	if flushErr != nil {
		return flushErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
