package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Event is one decoded line of an event log.
type Event struct {
	Kind string // "o", "i", "r", "x", "e"
	Time float64
	Data string // output/input chunk
	Cols int    // resize
	Rows int    // resize
	Code int    // exit
}

// ParseEvent decodes a single event line. The header line (a JSON
// object) yields ok=false, as does any malformed line; callers skip
// those.
func ParseEvent(line []byte) (Event, bool) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil || len(raw) < 2 {
		return Event{}, false
	}
	var ev Event
	if json.Unmarshal(raw[0], &ev.Kind) != nil || json.Unmarshal(raw[1], &ev.Time) != nil {
		return Event{}, false
	}
	switch ev.Kind {
	case "o", "i":
		if len(raw) < 3 || json.Unmarshal(raw[2], &ev.Data) != nil {
			return Event{}, false
		}
	case "r":
		if len(raw) < 4 ||
			json.Unmarshal(raw[2], &ev.Cols) != nil ||
			json.Unmarshal(raw[3], &ev.Rows) != nil {
			return Event{}, false
		}
	case "x":
	case "e":
		if len(raw) < 3 || json.Unmarshal(raw[2], &ev.Code) != nil {
			return Event{}, false
		}
	default:
		return Event{}, false
	}
	return ev, true
}

// ReadHeader decodes the header line of an event log.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading recording header: %w", err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("parsing recording header: %w", err)
	}
	return &hdr, nil
}

// StreamLines reads the log at path starting at byte offset from and
// invokes fn with each complete line and the offset of the byte after
// it. When from lands inside a line, bytes up to the next newline are
// skipped; a truncated trailing line without a newline is discarded.
// fn returning an error stops the stream.
func StreamLines(path string, from int64, fn func(line []byte, offset int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if from < 0 {
		from = 0
	}
	pos := from
	if from > 0 {
		// Peek at the previous byte: if it is not a newline the offset
		// landed mid-line and the remainder of that line is skipped.
		prev := make([]byte, 1)
		if _, err := f.ReadAt(prev, from-1); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("probing recording offset: %w", err)
		}
		if prev[0] != '\n' {
			if _, err := f.Seek(from, io.SeekStart); err != nil {
				return err
			}
			skipped, err := discardToNewline(f)
			if err != nil {
				return err
			}
			pos = from + skipped
		}
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// No trailing newline: a partially written final line. Drop it.
			return nil
		}
		if err != nil {
			return err
		}
		pos += int64(len(line))
		if err := fn(line[:len(line)-1], pos); err != nil {
			return err
		}
	}
}

// StreamEvents is StreamLines with event decoding; malformed lines and
// the header are skipped.
func StreamEvents(path string, from int64, fn func(ev Event, offset int64) error) error {
	return StreamLines(path, from, func(line []byte, offset int64) error {
		ev, ok := ParseEvent(line)
		if !ok {
			return nil
		}
		return fn(ev, offset)
	})
}

func discardToNewline(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	skipped, err := br.ReadBytes('\n')
	if err == io.EOF {
		return int64(len(skipped)), nil
	}
	if err != nil {
		return 0, err
	}
	return int64(len(skipped)), nil
}
