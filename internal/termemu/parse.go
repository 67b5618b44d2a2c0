package termemu

import "strings"

// parseState tracks the escape sequence parser.
type parseState int

const (
	stateGround parseState = iota
	stateEscape
	stateCSI
	stateOSC
	stateCharset
)

// step consumes one byte in the current parser state. Callers hold e.mu.
func (e *Emulator) step(b byte) {
	switch e.state {
	case stateGround:
		e.stepGround(b)
	case stateEscape:
		e.stepEscape(b)
	case stateCSI:
		e.stepCSI(b)
	case stateOSC:
		e.stepOSC(b)
	case stateCharset:
		// Charset designation takes exactly one more byte; ignore it.
		e.state = stateGround
	}
}

func (e *Emulator) stepGround(b byte) {
	switch {
	case b == 0x1b:
		e.state = stateEscape
	case b == '\n' || b == 0x0b || b == 0x0c:
		e.wrapPending = false
		e.lineFeed()
	case b == '\r':
		e.wrapPending = false
		e.cursorX = 0
	case b == 0x08: // backspace
		e.wrapPending = false
		if e.cursorX > 0 {
			e.cursorX--
		}
	case b == '\t':
		e.cursorX = e.nextTabStop()
	case b == 0x07: // bell
		e.bell = true
	case b >= 0x20 && b < 0x7f:
		e.print(rune(b))
	default:
		// Remaining C0 controls are ignored.
	}
}

func (e *Emulator) stepEscape(b byte) {
	e.state = stateGround
	switch b {
	case '[':
		e.state = stateCSI
		e.params = e.params[:0]
		e.private = false
	case ']':
		e.state = stateOSC
		e.oscBuf = e.oscBuf[:0]
		e.oscEsc = false
	case '(', ')', '*', '+':
		e.state = stateCharset
	case '7':
		e.savedX, e.savedY = e.cursorX, e.cursorY
	case '8':
		e.moveCursor(e.savedX, e.savedY)
	case 'D':
		e.lineFeed()
	case 'E':
		e.cursorX = 0
		e.lineFeed()
	case 'M':
		e.reverseLineFeed()
	case 'H':
		e.tabStops[e.cursorX] = true
	case 'c':
		e.reset()
	default:
		// Unknown escape; swallowed.
	}
}

func (e *Emulator) stepCSI(b byte) {
	switch {
	case b >= '0' && b <= '9':
		if len(e.params) == 0 {
			e.params = append(e.params, 0)
		}
		e.params[len(e.params)-1] = e.params[len(e.params)-1]*10 + int(b-'0')
	case b == ';':
		if len(e.params) == 0 {
			e.params = append(e.params, 0)
		}
		e.params = append(e.params, 0)
	case b == '?':
		e.private = true
	case b >= 0x20 && b <= 0x2f:
		// Intermediate bytes; ignored.
	case b >= 0x40 && b <= 0x7e:
		e.state = stateGround
		e.dispatchCSI(b)
	default:
		// Invalid byte aborts the sequence.
		e.state = stateGround
	}
}

// param returns the i-th CSI parameter, or def when absent or zero.
func (e *Emulator) param(i, def int) int {
	if i >= len(e.params) || e.params[i] == 0 {
		return def
	}
	return e.params[i]
}

func (e *Emulator) dispatchCSI(final byte) {
	switch final {
	case 'A':
		e.moveCursor(e.cursorX, e.cursorY-e.param(0, 1))
	case 'B':
		e.moveCursor(e.cursorX, e.cursorY+e.param(0, 1))
	case 'C':
		e.moveCursor(e.cursorX+e.param(0, 1), e.cursorY)
	case 'D':
		e.moveCursor(e.cursorX-e.param(0, 1), e.cursorY)
	case 'E':
		e.moveCursor(0, e.cursorY+e.param(0, 1))
	case 'F':
		e.moveCursor(0, e.cursorY-e.param(0, 1))
	case 'G':
		e.moveCursor(e.param(0, 1)-1, e.cursorY)
	case 'H', 'f':
		e.moveCursor(e.param(1, 1)-1, e.param(0, 1)-1)
	case 'd':
		e.moveCursor(e.cursorX, e.param(0, 1)-1)
	case 'J':
		e.clearScreen(e.param(0, 0))
	case 'K':
		e.clearLine(e.param(0, 0))
	case 'L':
		e.insertLines(e.param(0, 1))
	case 'M':
		e.deleteLines(e.param(0, 1))
	case 'P':
		e.deleteChars(e.param(0, 1))
	case '@':
		e.insertChars(e.param(0, 1))
	case 'X':
		e.eraseChars(e.param(0, 1))
	case 'S':
		e.scrollUp(e.param(0, 1))
	case 'T':
		e.scrollDown(e.param(0, 1))
	case 'r':
		top := e.param(0, 1) - 1
		bottom := e.param(1, e.rows) - 1
		if top < bottom && bottom < e.rows {
			e.scrollTop, e.scrollBottom = top, bottom
			e.moveCursor(0, top)
		}
	case 'h':
		e.setMode(true)
	case 'l':
		e.setMode(false)
	case 'm':
		e.dispatchSGR()
	case 's':
		e.savedX, e.savedY = e.cursorX, e.cursorY
	case 'u':
		e.moveCursor(e.savedX, e.savedY)
	case 'g':
		if e.param(0, 0) == 3 {
			e.tabStops = make(map[int]bool)
		} else {
			delete(e.tabStops, e.cursorX)
		}
	default:
		// Unsupported CSI final; swallowed.
	}
}

func (e *Emulator) setMode(on bool) {
	if !e.private {
		return
	}
	for i := range e.params {
		switch e.params[i] {
		case 25:
			e.cursorVisible = on
		case 47, 1047:
			if on {
				e.enterAltScreen()
			} else {
				e.exitAltScreen()
			}
		case 1049:
			if on {
				e.savedX, e.savedY = e.cursorX, e.cursorY
				e.enterAltScreen()
				e.clearScreenNoNotify()
			} else {
				e.exitAltScreen()
				e.moveCursor(e.savedX, e.savedY)
			}
		}
	}
}

// clearScreenNoNotify wipes the grid without firing the clear callback;
// alternate-screen entry is not a user-visible clear of the recording.
func (e *Emulator) clearScreenNoNotify() {
	for y := 0; y < e.rows; y++ {
		e.grid[y] = make([]Cell, e.cols)
	}
}

func (e *Emulator) dispatchSGR() {
	if len(e.params) == 0 {
		e.params = append(e.params, 0)
	}
	for i := 0; i < len(e.params); i++ {
		p := e.params[i]
		switch {
		case p == 0:
			e.pen = Cell{}
		case p == 1:
			e.pen.Attrs |= AttrBold
		case p == 2:
			e.pen.Attrs |= AttrDim
		case p == 3:
			e.pen.Attrs |= AttrItalic
		case p == 4:
			e.pen.Attrs |= AttrUnderline
		case p == 7:
			e.pen.Attrs |= AttrInverse
		case p == 9:
			e.pen.Attrs |= AttrStrikethrough
		case p == 22:
			e.pen.Attrs &^= AttrBold | AttrDim
		case p == 23:
			e.pen.Attrs &^= AttrItalic
		case p == 24:
			e.pen.Attrs &^= AttrUnderline
		case p == 27:
			e.pen.Attrs &^= AttrInverse
		case p == 29:
			e.pen.Attrs &^= AttrStrikethrough
		case p >= 30 && p <= 37:
			e.pen.FG = Color{Kind: ColorIndexed, Index: uint8(p - 30)}
		case p == 38:
			if c, skip, ok := e.extendedColor(i); ok {
				e.pen.FG = c
				i += skip
			} else {
				return
			}
		case p == 39:
			e.pen.FG = Color{}
		case p >= 40 && p <= 47:
			e.pen.BG = Color{Kind: ColorIndexed, Index: uint8(p - 40)}
		case p == 48:
			if c, skip, ok := e.extendedColor(i); ok {
				e.pen.BG = c
				i += skip
			} else {
				return
			}
		case p == 49:
			e.pen.BG = Color{}
		case p >= 90 && p <= 97:
			e.pen.FG = Color{Kind: ColorIndexed, Index: uint8(p - 90 + 8)}
		case p >= 100 && p <= 107:
			e.pen.BG = Color{Kind: ColorIndexed, Index: uint8(p - 100 + 8)}
		}
	}
}

// extendedColor parses 38;5;n / 48;5;n (indexed) and 38;2;r;g;b / 48;2;r;g;b
// (true color) starting at params[i]. Returns the color and how many extra
// parameters were consumed.
func (e *Emulator) extendedColor(i int) (Color, int, bool) {
	if i+1 >= len(e.params) {
		return Color{}, 0, false
	}
	switch e.params[i+1] {
	case 5:
		if i+2 >= len(e.params) {
			return Color{}, 0, false
		}
		return Color{Kind: ColorIndexed, Index: uint8(e.params[i+2])}, 2, true
	case 2:
		if i+4 >= len(e.params) {
			return Color{}, 0, false
		}
		return Color{
			Kind: ColorRGB,
			R:    uint8(e.params[i+2]),
			G:    uint8(e.params[i+3]),
			B:    uint8(e.params[i+4]),
		}, 4, true
	}
	return Color{}, 0, false
}

func (e *Emulator) stepOSC(b byte) {
	// OSC terminates on BEL or ST (ESC \).
	if e.oscEsc {
		e.oscEsc = false
		if b == '\\' {
			e.finishOSC()
			e.state = stateGround
			return
		}
		// Not a terminator; drop the pending escape and keep collecting.
	}
	switch b {
	case 0x07:
		e.finishOSC()
		e.state = stateGround
	case 0x1b:
		e.oscEsc = true
	default:
		if len(e.oscBuf) < 4096 {
			e.oscBuf = append(e.oscBuf, b)
		}
	}
}

func (e *Emulator) finishOSC() {
	s := string(e.oscBuf)
	e.oscBuf = e.oscBuf[:0]
	code, rest, found := strings.Cut(s, ";")
	if !found {
		return
	}
	switch code {
	case "0", "2":
		e.title = rest
	}
}
