// Package termemu provides a headless VT100/xterm-compatible terminal
// emulator for screen state tracking.
//
// The emulator consumes raw PTY bytes and maintains an in-memory grid of
// cells (code point plus color/attribute state), cursor position, bounded
// scrollback, and a bell flag. It never renders anything; the snapshot
// codec in internal/protocol serialises the grid for clients. Feeding the
// same bytes at the same dimensions from a clean state always produces the
// same grid.
package termemu

import (
	"sync"
	"unicode/utf8"
)

// DefaultScrollback is the default number of history rows retained above
// the visible screen.
const DefaultScrollback = 1000

// ColorKind identifies how a cell color is expressed.
type ColorKind uint8

const (
	// ColorDefault is the terminal's default foreground or background.
	ColorDefault ColorKind = 0
	// ColorIndexed is a 16- or 256-color palette index.
	ColorIndexed ColorKind = 1
	// ColorRGB is a 24-bit true color.
	ColorRGB ColorKind = 2
)

// Color is a cell foreground or background color.
type Color struct {
	Kind    ColorKind
	Index   uint8
	R, G, B uint8
}

// Attr is a bitfield of cell text attributes.
type Attr uint8

const (
	AttrBold Attr = 1 << iota
	AttrItalic
	AttrUnderline
	AttrInverse
	AttrStrikethrough
	AttrDim
)

// Cell is a single character cell on the screen.
type Cell struct {
	Rune  rune
	FG    Color
	BG    Color
	Attrs Attr
}

// blank returns true if the cell carries no visible content or styling.
func (c Cell) blank() bool {
	return (c.Rune == 0 || c.Rune == ' ') && c.FG == Color{} && c.BG == Color{} && c.Attrs == 0
}

// Screen is an immutable snapshot of emulator state, suitable for encoding.
type Screen struct {
	Cols, Rows    int
	Cells         [][]Cell // Rows x Cols
	CursorX       int
	CursorY       int
	CursorVisible bool
	// ViewportY is the absolute row index of the top of the visible screen
	// within the full buffer (scrollback rows precede it).
	ViewportY int
	Bell      bool
	Title     string
}

// Equal reports whether two screens hold identical state.
func (s *Screen) Equal(o *Screen) bool {
	if s.Cols != o.Cols || s.Rows != o.Rows ||
		s.CursorX != o.CursorX || s.CursorY != o.CursorY ||
		s.CursorVisible != o.CursorVisible ||
		s.ViewportY != o.ViewportY || s.Bell != o.Bell {
		return false
	}
	for y := range s.Cells {
		for x := range s.Cells[y] {
			if s.Cells[y][x] != o.Cells[y][x] {
				return false
			}
		}
	}
	return true
}

// Emulator is a headless terminal. All methods are safe for concurrent use.
type Emulator struct {
	mu sync.Mutex

	cols, rows int

	// grid is the active screen; primary is saved while the alternate
	// screen (DECSET 1049) is in use.
	grid    [][]Cell
	primary [][]Cell
	inAlt   bool

	cursorX, cursorY int
	cursorVisible    bool
	savedX, savedY   int
	altSavedX        int
	altSavedY        int

	// pen is the current SGR state applied to printed cells.
	pen Cell

	// scrollTop and scrollBottom bound the scroll region (inclusive rows).
	scrollTop, scrollBottom int

	// wrapPending defers wrapping until the next printable rune, matching
	// xterm's last-column behavior.
	wrapPending bool

	scrollback    [][]Cell
	maxScrollback int

	bell  bool
	title string

	// parser state
	state    parseState
	params   []int
	private  bool
	oscBuf   []byte
	oscEsc   bool
	utf8Buf  []byte
	tabStops map[int]bool

	// onClear is invoked when the screen is cleared (ED 2/3), letting the
	// owner record a catch-up offset for replay.
	onClear func()
}

// New creates an emulator with the given dimensions and default scrollback.
func New(cols, rows int) *Emulator {
	return NewWithScrollback(cols, rows, DefaultScrollback)
}

// NewWithScrollback creates an emulator with a custom scrollback limit.
func NewWithScrollback(cols, rows, scrollback int) *Emulator {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	e := &Emulator{
		cols:          cols,
		rows:          rows,
		cursorVisible: true,
		scrollBottom:  rows - 1,
		maxScrollback: scrollback,
		tabStops:      make(map[int]bool),
	}
	e.grid = newGrid(cols, rows)
	return e
}

// OnClear registers a callback fired whenever the whole screen is cleared.
func (e *Emulator) OnClear(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClear = fn
}

func newGrid(cols, rows int) [][]Cell {
	g := make([][]Cell, rows)
	for y := range g {
		g[y] = make([]Cell, cols)
	}
	return g
}

// Write feeds raw terminal bytes into the emulator. Partial UTF-8
// sequences are buffered until complete. It never fails; unknown escape
// sequences are swallowed.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := p
	if len(e.utf8Buf) > 0 {
		data = append(e.utf8Buf, p...)
		e.utf8Buf = nil
	}

	for len(data) > 0 {
		b := data[0]
		if e.state == stateGround && b >= 0x80 {
			r, size := utf8.DecodeRune(data)
			if r == utf8.RuneError && size == 1 {
				if !utf8.FullRune(data) && len(data) < utf8.UTFMax {
					// Incomplete trailing sequence; wait for more bytes.
					e.utf8Buf = append(e.utf8Buf, data...)
					return len(p), nil
				}
				// Genuinely malformed byte; drop it.
				data = data[1:]
				continue
			}
			e.print(r)
			data = data[size:]
			continue
		}
		e.step(b)
		data = data[1:]
	}
	return len(p), nil
}

// Size returns the current dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Resize clips or pads the grid to the new dimensions and clamps the
// cursor. No text reflow is performed.
func (e *Emulator) Resize(cols, rows int) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.grid = resizeGrid(e.grid, cols, rows)
	if e.primary != nil {
		e.primary = resizeGrid(e.primary, cols, rows)
	}
	e.cols, e.rows = cols, rows
	e.scrollTop = 0
	e.scrollBottom = rows - 1
	e.cursorX = min(e.cursorX, cols-1)
	e.cursorY = min(e.cursorY, rows-1)
	e.wrapPending = false
}

func resizeGrid(g [][]Cell, cols, rows int) [][]Cell {
	out := newGrid(cols, rows)
	for y := 0; y < min(rows, len(g)); y++ {
		copy(out[y], g[y])
	}
	return out
}

// Snapshot returns a copy of the current screen state. The bell flag is
// cleared once it has been observed by a snapshot.
func (e *Emulator) Snapshot() *Screen {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &Screen{
		Cols:          e.cols,
		Rows:          e.rows,
		Cells:         make([][]Cell, e.rows),
		CursorX:       e.cursorX,
		CursorY:       e.cursorY,
		CursorVisible: e.cursorVisible,
		ViewportY:     len(e.scrollback),
		Bell:          e.bell,
		Title:         e.title,
	}
	for y := range e.grid {
		row := make([]Cell, e.cols)
		copy(row, e.grid[y])
		s.Cells[y] = row
	}
	e.bell = false
	return s
}

// Title returns the most recent OSC 0/2 title, if any.
func (e *Emulator) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title
}

// Row returns the plain-text contents of a visible row with trailing
// whitespace removed. Used by the activity detector.
func (e *Emulator) Row(y int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if y < 0 || y >= e.rows {
		return ""
	}
	return rowText(e.grid[y])
}

// CursorRow returns the text of the row the cursor is on.
func (e *Emulator) CursorRow() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rowText(e.grid[e.cursorY])
}

func rowText(row []Cell) string {
	end := len(row)
	for end > 0 {
		r := row[end-1].Rune
		if r != 0 && r != ' ' && r != '\t' {
			break
		}
		end--
	}
	runes := make([]rune, 0, end)
	for _, c := range row[:end] {
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		runes = append(runes, r)
	}
	return string(runes)
}

// ScrollbackLen returns the number of retained history rows.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.scrollback)
}

// --- cursor and grid mutation (callers hold e.mu) ---

func (e *Emulator) print(r rune) {
	if e.wrapPending {
		e.wrapPending = false
		e.cursorX = 0
		e.lineFeed()
	}
	cell := e.pen
	cell.Rune = r
	e.grid[e.cursorY][e.cursorX] = cell
	if e.cursorX == e.cols-1 {
		e.wrapPending = true
	} else {
		e.cursorX++
	}
}

func (e *Emulator) lineFeed() {
	if e.cursorY == e.scrollBottom {
		e.scrollUp(1)
	} else if e.cursorY < e.rows-1 {
		e.cursorY++
	}
}

func (e *Emulator) reverseLineFeed() {
	if e.cursorY == e.scrollTop {
		e.scrollDown(1)
	} else if e.cursorY > 0 {
		e.cursorY--
	}
}

// scrollUp moves rows within the scroll region up by n, pushing rows that
// fall off the top of a full-screen primary region into scrollback.
func (e *Emulator) scrollUp(n int) {
	for i := 0; i < n; i++ {
		top := e.grid[e.scrollTop]
		if !e.inAlt && e.scrollTop == 0 && e.maxScrollback > 0 {
			saved := make([]Cell, len(top))
			copy(saved, top)
			e.scrollback = append(e.scrollback, saved)
			if len(e.scrollback) > e.maxScrollback {
				e.scrollback = e.scrollback[1:]
			}
		}
		copy(e.grid[e.scrollTop:e.scrollBottom], e.grid[e.scrollTop+1:e.scrollBottom+1])
		e.grid[e.scrollBottom] = make([]Cell, e.cols)
	}
}

func (e *Emulator) scrollDown(n int) {
	for i := 0; i < n; i++ {
		copy(e.grid[e.scrollTop+1:e.scrollBottom+1], e.grid[e.scrollTop:e.scrollBottom])
		e.grid[e.scrollTop] = make([]Cell, e.cols)
	}
}

func (e *Emulator) moveCursor(x, y int) {
	e.cursorX = clamp(x, 0, e.cols-1)
	e.cursorY = clamp(y, 0, e.rows-1)
	e.wrapPending = false
}

func (e *Emulator) clearScreen(mode int) {
	switch mode {
	case 0: // cursor to end
		e.clearLine(0)
		for y := e.cursorY + 1; y < e.rows; y++ {
			e.grid[y] = make([]Cell, e.cols)
		}
	case 1: // start to cursor
		e.clearLine(1)
		for y := 0; y < e.cursorY; y++ {
			e.grid[y] = make([]Cell, e.cols)
		}
	case 2, 3:
		for y := 0; y < e.rows; y++ {
			e.grid[y] = make([]Cell, e.cols)
		}
		if mode == 3 {
			e.scrollback = nil
		}
		if e.onClear != nil {
			e.onClear()
		}
	}
}

func (e *Emulator) clearLine(mode int) {
	row := e.grid[e.cursorY]
	switch mode {
	case 0:
		for x := e.cursorX; x < e.cols; x++ {
			row[x] = Cell{}
		}
	case 1:
		for x := 0; x <= e.cursorX && x < e.cols; x++ {
			row[x] = Cell{}
		}
	case 2:
		e.grid[e.cursorY] = make([]Cell, e.cols)
	}
}

func (e *Emulator) insertLines(n int) {
	if e.cursorY < e.scrollTop || e.cursorY > e.scrollBottom {
		return
	}
	for i := 0; i < n; i++ {
		copy(e.grid[e.cursorY+1:e.scrollBottom+1], e.grid[e.cursorY:e.scrollBottom])
		e.grid[e.cursorY] = make([]Cell, e.cols)
	}
}

func (e *Emulator) deleteLines(n int) {
	if e.cursorY < e.scrollTop || e.cursorY > e.scrollBottom {
		return
	}
	for i := 0; i < n; i++ {
		copy(e.grid[e.cursorY:e.scrollBottom], e.grid[e.cursorY+1:e.scrollBottom+1])
		e.grid[e.scrollBottom] = make([]Cell, e.cols)
	}
}

func (e *Emulator) insertChars(n int) {
	row := e.grid[e.cursorY]
	for i := 0; i < n; i++ {
		copy(row[e.cursorX+1:], row[e.cursorX:e.cols-1])
		row[e.cursorX] = Cell{}
	}
}

func (e *Emulator) deleteChars(n int) {
	row := e.grid[e.cursorY]
	for i := 0; i < n; i++ {
		copy(row[e.cursorX:], row[e.cursorX+1:])
		row[e.cols-1] = Cell{}
	}
}

func (e *Emulator) eraseChars(n int) {
	row := e.grid[e.cursorY]
	for x := e.cursorX; x < min(e.cursorX+n, e.cols); x++ {
		row[x] = Cell{}
	}
}

func (e *Emulator) enterAltScreen() {
	if e.inAlt {
		return
	}
	e.primary = e.grid
	e.altSavedX, e.altSavedY = e.cursorX, e.cursorY
	e.grid = newGrid(e.cols, e.rows)
	e.inAlt = true
	e.cursorX, e.cursorY = 0, 0
	e.wrapPending = false
}

func (e *Emulator) exitAltScreen() {
	if !e.inAlt {
		return
	}
	e.grid = e.primary
	e.primary = nil
	e.inAlt = false
	e.cursorX, e.cursorY = e.altSavedX, e.altSavedY
	e.cursorX = min(e.cursorX, e.cols-1)
	e.cursorY = min(e.cursorY, e.rows-1)
	e.wrapPending = false
}

func (e *Emulator) reset() {
	e.grid = newGrid(e.cols, e.rows)
	e.primary = nil
	e.inAlt = false
	e.cursorX, e.cursorY = 0, 0
	e.cursorVisible = true
	e.pen = Cell{}
	e.scrollTop = 0
	e.scrollBottom = e.rows - 1
	e.wrapPending = false
	e.tabStops = make(map[int]bool)
}

func (e *Emulator) nextTabStop() int {
	for x := e.cursorX + 1; x < e.cols; x++ {
		if e.tabStops[x] || x%8 == 0 {
			return x
		}
	}
	return e.cols - 1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
