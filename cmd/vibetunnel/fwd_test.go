package main

import (
	"sync"
	"testing"

	"github.com/vibetunnel/vibetunnel/internal/recording"
)

func TestDescriptorUpdatesSerialised(t *testing.T) {
	dir := t.TempDir()
	info := &recording.SessionInfo{
		ID:     "fwd-test",
		Name:   "sh",
		Status: recording.StatusRunning,
		Cols:   80,
		Rows:   24,
	}
	if err := recording.SaveInfo(dir, info); err != nil {
		t.Fatal(err)
	}
	desc := &descriptorState{dir: dir, info: info}

	// Resize updates race the exit-path update without a guard; drive
	// both concurrently and check the descriptor lands consistent.
	code := 0
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			c, r := 100+i, 40+i
			desc.update(func(info *recording.SessionInfo) {
				info.Cols, info.Rows = c, r
			})
		}
	}()
	go func() {
		defer wg.Done()
		desc.update(func(info *recording.SessionInfo) {
			info.Status = recording.StatusExited
			info.ExitCode = &code
			info.PID = nil
		})
	}()
	wg.Wait()

	loaded, err := recording.LoadInfo(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != recording.StatusExited || loaded.ExitCode == nil {
		t.Errorf("descriptor = %+v, want exited with code", loaded)
	}
	if loaded.LastModified.IsZero() {
		t.Error("LastModified never stamped")
	}
}
