// Package activity classifies sessions as idle-at-prompt or actively
// producing output.
//
// The detector looks only at the rendered final row of the terminal, not
// the raw byte stream, so escape sequences never confuse it. Prompt
// classification is memoised in a bounded LRU because shells redraw the
// same prompt row on every keystroke.
package activity

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// activityWindow is how long after the last output a session still
// counts as active.
const activityWindow = 2 * time.Second

// cacheSize bounds the shared prompt-classification memo.
const cacheSize = 1024

// promptPatterns cover common shell prompt shapes: a bare sigil, a
// "user@host path$"-style line, and bracketed prompts like "[dir]$".
// Matching is against the final row with trailing whitespace trimmed.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$>#%❯➜]$`),
	regexp.MustCompile(`\][$>#%❯➜]$`),
}

// replContinuations are row endings that look like prompts but are
// Python REPL markers, excluded explicitly since RE2 has no lookbehind.
var replContinuations = []string{">>>", "..."}

var (
	promptCacheOnce sync.Once
	promptCache     *lru.Cache[string, bool]
)

// IsPromptRow reports whether row (rendered text of the terminal's final
// occupied row) looks like an idle shell prompt.
func IsPromptRow(row string) bool {
	promptCacheOnce.Do(func() {
		promptCache, _ = lru.New[string, bool](cacheSize)
	})
	row = strings.TrimRight(row, " \t")
	if row == "" {
		return false
	}
	if hit, ok := promptCache.Get(row); ok {
		return hit
	}
	match := classifyRow(row)
	promptCache.Add(row, match)
	return match
}

func classifyRow(row string) bool {
	for _, cont := range replContinuations {
		if strings.HasSuffix(row, cont) {
			return false
		}
	}
	for _, re := range promptPatterns {
		if re.MatchString(row) {
			return true
		}
	}
	return false
}

// appStatus maps command-name globs to a human-readable status shown
// while that application has the terminal.
var appStatus = []struct {
	pattern glob.Glob
	status  string
}{
	{glob.MustCompile("{vim,nvim,vi}"), "editing"},
	{glob.MustCompile("{top,htop,btop}"), "monitoring"},
	{glob.MustCompile("{less,more,man}"), "paging"},
}

// SpecificStatus returns the recognised-application status for a
// command line, or "" when the command is not one the detector knows.
func SpecificStatus(command []string) string {
	if len(command) == 0 {
		return ""
	}
	name := filepath.Base(command[0])
	for _, app := range appStatus {
		if app.pattern.Match(name) {
			return app.status
		}
	}
	return ""
}

// State is the published activity snapshot for one session.
type State struct {
	IsActive       bool   `json:"isActive"`
	SpecificStatus string `json:"specificStatus,omitempty"`
}

// Detector tracks one session's output recency and prompt state.
// Safe for concurrent use.
type Detector struct {
	clock clockwork.Clock

	mu         sync.Mutex
	lastOutput time.Time
	lastRow    string
	appStatus  string
}

// NewDetector builds a detector for a session running command.
func NewDetector(command []string, clock clockwork.Clock) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		clock:     clock,
		appStatus: SpecificStatus(command),
	}
}

// RecordOutput notes that output arrived and remembers the rendered
// final row for prompt classification.
func (d *Detector) RecordOutput(finalRow string) {
	d.mu.Lock()
	d.lastOutput = d.clock.Now()
	d.lastRow = finalRow
	d.mu.Unlock()
}

// State reports the current classification. A session is active when
// output arrived within the activity window and the final row does not
// look like an idle prompt.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	recent := !d.lastOutput.IsZero() && d.clock.Since(d.lastOutput) < activityWindow
	st := State{IsActive: recent && !IsPromptRow(d.lastRow)}
	if st.IsActive {
		st.SpecificStatus = d.appStatus
	}
	return st
}
