package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/shlex"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/vibetunnel/internal/pty"
	"github.com/vibetunnel/vibetunnel/internal/recording"
)

// descriptorState serialises session.json updates between the resize
// goroutine and the exit path.
type descriptorState struct {
	mu   sync.Mutex
	dir  string
	info *recording.SessionInfo
}

func (d *descriptorState) update(mutate func(*recording.SessionInfo)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mutate(d.info)
	d.info.LastModified = nowUTC()
	return recording.SaveInfo(d.dir, d.info)
}

// runFwd attaches a command to the caller's terminal while writing a
// session descriptor and recording under the control directory. A
// running server discovers the directory through its watcher and serves
// the session like any other; no API call is made here.
func runFwd(cmd *cobra.Command, args []string) error {
	commandRan = true
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	id := args[0]
	argv := args[1:]
	if len(argv) == 1 {
		// A single argument may be a quoted command line.
		if split, err := shlex.Split(argv[0]); err == nil && len(split) > 0 {
			argv = split
		}
	}

	dir := filepath.Join(cfg.ControlDir, id)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("session %q already exists under %s", id, cfg.ControlDir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	cols, rows := 80, 24
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if c, r, err := term.GetSize(stdinFd); err == nil {
			cols, rows = c, r
		}
	}

	cwd, _ := os.Getwd()
	now := nowUTC()
	info := &recording.SessionInfo{
		ID:           id,
		Name:         argv[0],
		Command:      argv,
		WorkingDir:   cwd,
		CreatedAt:    now,
		LastModified: now,
		Status:       recording.StatusStarting,
		InitialCols:  cols,
		InitialRows:  rows,
		Cols:         cols,
		Rows:         rows,
		Version:      Version,
		Source:       recording.SourceLocal,
	}
	if err := recording.SaveInfo(dir, info); err != nil {
		return err
	}
	desc := &descriptorState{dir: dir, info: info}

	env := map[string]string{"TERM": "xterm-256color"}
	if shell := os.Getenv("SHELL"); shell != "" {
		env["SHELL"] = shell
	}
	rec, err := recording.NewWriter(filepath.Join(dir, recording.StdoutFile), recording.Header{
		Width:   cols,
		Height:  rows,
		Command: argv[0],
		Env:     env,
	}, nil)
	if err != nil {
		return err
	}
	defer rec.Close()

	var stdinRec *recording.Writer
	if record, _ := cmd.Flags().GetBool("record-input"); record {
		stdinRec, err = recording.NewWriter(filepath.Join(dir, recording.StdinFile), recording.Header{
			Width:  cols,
			Height: rows,
		}, nil)
		if err != nil {
			return err
		}
		defer stdinRec.Close()
	}

	exitCh := make(chan pty.ExitStatus, 1)
	sup := pty.New(nil, nil)
	sup.OnData = func(data []byte) {
		rec.WriteOutput(data)
		os.Stdout.Write(data)
	}
	sup.OnExit = func(status pty.ExitStatus, readErr error) {
		if readErr != nil {
			status.Code = -2
		}
		exitCh <- status
	}

	if err := sup.Start(pty.Config{
		Argv:      argv,
		Dir:       cwd,
		Cols:      cols,
		Rows:      rows,
		SessionID: id,
	}); err != nil {
		os.RemoveAll(dir)
		return err
	}

	pid := sup.PID()
	desc.update(func(info *recording.SessionInfo) {
		info.PID = &pid
		info.Status = recording.StatusRunning
	})

	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err == nil {
			defer term.Restore(stdinFd, oldState)
		}
	}

	// Propagate terminal resizes into the session.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			c, r, err := term.GetSize(stdinFd)
			if err != nil {
				continue
			}
			rec.WriteResize(c, r)
			sup.Resize(c, r)
			desc.update(func(info *recording.SessionInfo) {
				info.Cols, info.Rows = c, r
			})
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if stdinRec != nil {
					stdinRec.WriteInput(buf[:n])
				}
				sup.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	status := <-exitCh
	rec.WriteExit(status.Code)
	rec.Flush()

	desc.update(func(info *recording.SessionInfo) {
		info.Status = recording.StatusExited
		info.ExitCode = &status.Code
		info.PID = nil
	})
	return nil
}
