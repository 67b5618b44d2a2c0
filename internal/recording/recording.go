// Package recording implements the durable per-session event log and
// metadata files under the control directory.
//
// Each session directory holds session.json (metadata, rewritten
// atomically), stdout (an asciinema-v2-compatible event log that is the
// source of truth for replay), and optionally stdin (input audit log).
// The stdout log starts with a JSON header line followed by one JSON
// event array per line:
//
//	["o", t, "<utf8 chunk>"]   terminal output
//	["r", t, cols, rows]       resize
//	["x", t]                   screen clear marker
//	["e", t, code]             child exit
//	["i", t, "<utf8 chunk>"]   input (stdin log only)
//
// where t is seconds since session start. Bytes are append-only; a
// truncated trailing line (crash mid-write) is discarded on read.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names inside a session directory.
const (
	InfoFile   = "session.json"
	StdoutFile = "stdout"
	StdinFile  = "stdin"
)

// Session status values.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusExited   = "exited"
)

// Session source values.
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// SessionInfo is the canonical session metadata persisted as session.json
// and returned by the sessions API. Optional fields are pointers; nothing
// else is conditionally present.
type SessionInfo struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Command         []string  `json:"command"`
	WorkingDir      string    `json:"workingDir"`
	CreatedAt       time.Time `json:"createdAt"`
	LastModified    time.Time `json:"lastModified"`
	Status          string    `json:"status"`
	ExitCode        *int      `json:"exitCode,omitempty"`
	PID             *int      `json:"pid,omitempty"`
	InitialCols     int       `json:"initialCols"`
	InitialRows     int       `json:"initialRows"`
	Cols            int       `json:"cols"`
	Rows            int       `json:"rows"`
	Version         string    `json:"version"`
	Title           string    `json:"title,omitempty"`
	TitleMode       string    `json:"titleMode,omitempty"`
	LastClearOffset *int64    `json:"lastClearOffset,omitempty"`
	Source          string    `json:"source"`
	RemoteID        string    `json:"remoteId,omitempty"`
}

// SaveInfo atomically rewrites session.json in dir. Saving content that
// is byte-identical to what is already on disk is a no-op, so renames to
// the current name never touch the file.
func SaveInfo(dir string, info *SessionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session info: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, InfoFile)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return nil
	}

	tmp, err := os.CreateTemp(dir, InfoFile+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp session info: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session info: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session info: %w", err)
	}
	return nil
}

// LoadInfo reads session.json from dir.
func LoadInfo(dir string) (*SessionInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing session info: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("session info missing id")
	}
	return &info, nil
}
