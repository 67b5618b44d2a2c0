package termemu

import (
	"bytes"
	"testing"
)

func feed(t *testing.T, e *Emulator, s string) {
	t.Helper()
	if _, err := e.Write([]byte(s)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestPrintAndRowText(t *testing.T) {
	e := New(20, 5)
	feed(t, e, "hello")

	if got := e.Row(0); got != "hello" {
		t.Errorf("Row(0) = %q, want %q", got, "hello")
	}
	s := e.Snapshot()
	if s.CursorX != 5 || s.CursorY != 0 {
		t.Errorf("cursor = (%d,%d), want (5,0)", s.CursorX, s.CursorY)
	}
}

func TestCRLFAndBackspace(t *testing.T) {
	e := New(20, 5)
	feed(t, e, "ab\r\ncd\x08")

	if got := e.Row(0); got != "ab" {
		t.Errorf("Row(0) = %q, want %q", got, "ab")
	}
	if got := e.Row(1); got != "cd" {
		t.Errorf("Row(1) = %q, want %q", got, "cd")
	}
	s := e.Snapshot()
	if s.CursorX != 1 || s.CursorY != 1 {
		t.Errorf("cursor = (%d,%d), want (1,1)", s.CursorX, s.CursorY)
	}
}

func TestDeferredWrap(t *testing.T) {
	e := New(4, 3)
	feed(t, e, "abcd")

	// Cursor sits on the last column until the next printable arrives.
	s := e.Snapshot()
	if s.CursorY != 0 {
		t.Fatalf("cursor wrapped early: y = %d", s.CursorY)
	}
	feed(t, e, "e")
	s = e.Snapshot()
	if s.CursorY != 1 || s.CursorX != 1 {
		t.Errorf("cursor = (%d,%d), want (1,1)", s.CursorX, s.CursorY)
	}
	if got := e.Row(1); got != "e" {
		t.Errorf("Row(1) = %q, want %q", got, "e")
	}
}

func TestCursorMoves(t *testing.T) {
	e := New(20, 10)
	feed(t, e, "\x1b[5;7H")
	s := e.Snapshot()
	if s.CursorX != 6 || s.CursorY != 4 {
		t.Errorf("cursor = (%d,%d), want (6,4)", s.CursorX, s.CursorY)
	}

	feed(t, e, "\x1b[2A\x1b[3C\x1b[1B\x1b[4D")
	s = e.Snapshot()
	if s.CursorX != 5 || s.CursorY != 3 {
		t.Errorf("cursor = (%d,%d), want (5,3)", s.CursorX, s.CursorY)
	}
}

func TestSGRColors(t *testing.T) {
	e := New(20, 3)
	feed(t, e, "\x1b[1;31mR\x1b[38;5;200mX\x1b[38;2;1;2;3mT\x1b[0mn")

	s := e.Snapshot()
	r := s.Cells[0][0]
	if r.FG.Kind != ColorIndexed || r.FG.Index != 1 {
		t.Errorf("cell 0 fg = %+v, want indexed 1", r.FG)
	}
	if r.Attrs&AttrBold == 0 {
		t.Error("cell 0 missing bold")
	}
	x := s.Cells[0][1]
	if x.FG.Kind != ColorIndexed || x.FG.Index != 200 {
		t.Errorf("cell 1 fg = %+v, want indexed 200", x.FG)
	}
	tr := s.Cells[0][2]
	if tr.FG.Kind != ColorRGB || tr.FG.R != 1 || tr.FG.G != 2 || tr.FG.B != 3 {
		t.Errorf("cell 2 fg = %+v, want rgb 1,2,3", tr.FG)
	}
	n := s.Cells[0][3]
	if n.FG.Kind != ColorDefault || n.Attrs != 0 {
		t.Errorf("cell 3 = %+v, want reset pen", n)
	}
}

func TestClearScreenAndLine(t *testing.T) {
	e := New(10, 3)
	feed(t, e, "aaaa\r\nbbbb\r\ncccc")
	feed(t, e, "\x1b[H\x1b[2J")
	for y := 0; y < 3; y++ {
		if got := e.Row(y); got != "" {
			t.Errorf("Row(%d) = %q after ED 2, want empty", y, got)
		}
	}

	feed(t, e, "wipe")
	feed(t, e, "\x1b[2K")
	if got := e.Row(0); got != "" {
		t.Errorf("Row(0) = %q after EL 2, want empty", got)
	}
}

func TestAltScreenRoundTrip(t *testing.T) {
	e := New(10, 3)
	feed(t, e, "main")
	feed(t, e, "\x1b[?1049h")
	if got := e.Row(0); got != "" {
		t.Fatalf("alt screen not blank: %q", got)
	}
	feed(t, e, "alt!")
	feed(t, e, "\x1b[?1049l")
	if got := e.Row(0); got != "main" {
		t.Errorf("primary screen = %q after alt exit, want %q", got, "main")
	}
}

func TestScrollbackCapture(t *testing.T) {
	e := NewWithScrollback(10, 2, 100)
	feed(t, e, "one\r\ntwo\r\nthree")

	if n := e.ScrollbackLen(); n != 1 {
		t.Fatalf("scrollback = %d rows, want 1", n)
	}
	if got := e.Row(0); got != "two" {
		t.Errorf("Row(0) = %q, want %q", got, "two")
	}
	s := e.Snapshot()
	if s.ViewportY != 1 {
		t.Errorf("ViewportY = %d, want 1", s.ViewportY)
	}
}

func TestScrollbackBounded(t *testing.T) {
	e := NewWithScrollback(10, 2, 3)
	for i := 0; i < 10; i++ {
		feed(t, e, "x\r\n")
	}
	if n := e.ScrollbackLen(); n != 3 {
		t.Errorf("scrollback = %d rows, want cap 3", n)
	}
}

func TestResizeClipsAndClamps(t *testing.T) {
	e := New(10, 4)
	feed(t, e, "0123456789\x1b[4;10H")
	e.Resize(5, 2)

	s := e.Snapshot()
	if s.Cols != 5 || s.Rows != 2 {
		t.Fatalf("size = %dx%d, want 5x2", s.Cols, s.Rows)
	}
	if s.CursorX != 4 || s.CursorY != 1 {
		t.Errorf("cursor = (%d,%d), want clamped (4,1)", s.CursorX, s.CursorY)
	}
	if got := e.Row(0); got != "01234" {
		t.Errorf("Row(0) = %q, want %q", got, "01234")
	}
}

func TestStreamingUTF8(t *testing.T) {
	e := New(10, 2)
	seq := []byte("héllo")
	// Feed byte by byte so the two-byte é arrives split.
	for _, b := range seq {
		feed(t, e, string([]byte{b}))
	}
	if got := e.Row(0); got != "héllo" {
		t.Errorf("Row(0) = %q, want %q", got, "héllo")
	}
}

func TestTabStops(t *testing.T) {
	e := New(40, 2)
	feed(t, e, "a\tb")
	s := e.Snapshot()
	if s.Cells[0][8].Rune != 'b' {
		t.Errorf("expected 'b' at col 8, row = %q", e.Row(0))
	}
}

func TestBellFlag(t *testing.T) {
	e := New(10, 2)
	feed(t, e, "\a")
	s := e.Snapshot()
	if !s.Bell {
		t.Error("bell flag not set")
	}
	// Bell is edge-triggered: consumed by the snapshot.
	if s2 := e.Snapshot(); s2.Bell {
		t.Error("bell flag not cleared by snapshot")
	}
}

func TestOSCTitle(t *testing.T) {
	e := New(10, 2)
	feed(t, e, "\x1b]0;my title\a")
	if got := e.Title(); got != "my title" {
		t.Errorf("Title = %q, want %q", got, "my title")
	}
	feed(t, e, "\x1b]2;other\x1b\\")
	if got := e.Title(); got != "other" {
		t.Errorf("Title = %q, want %q", got, "other")
	}
}

func TestCursorVisibilityModes(t *testing.T) {
	e := New(10, 2)
	if !e.Snapshot().CursorVisible {
		t.Fatal("cursor should start visible")
	}
	feed(t, e, "\x1b[?25l")
	if e.Snapshot().CursorVisible {
		t.Error("DECSET 25 reset did not hide cursor")
	}
	feed(t, e, "\x1b[?25h")
	if !e.Snapshot().CursorVisible {
		t.Error("DECSET 25 set did not show cursor")
	}
}

func TestScrollRegion(t *testing.T) {
	e := New(10, 4)
	feed(t, e, "a\r\nb\r\nc\r\nd")
	// Restrict scrolling to rows 2..3, then scroll up once.
	feed(t, e, "\x1b[2;3r\x1b[2;1H\n\n")
	if got := e.Row(0); got != "a" {
		t.Errorf("Row(0) = %q, want untouched %q", got, "a")
	}
	if got := e.Row(3); got != "d" {
		t.Errorf("Row(3) = %q, want untouched %q", got, "d")
	}
}

func TestDeterministicReplay(t *testing.T) {
	input := []byte("\x1b[2J\x1b[Hhello\r\nworld\x1b[1;31m!\x1b[0m\tx\x1b]0;t\a\x1b[?25l")

	a := New(20, 5)
	b := New(20, 5)
	a.Write(input)
	// Feed b in awkward chunks.
	for i := 0; i < len(input); i += 3 {
		end := i + 3
		if end > len(input) {
			end = len(input)
		}
		b.Write(input[i:end])
	}
	sa, sb := a.Snapshot(), b.Snapshot()
	if !sa.Equal(sb) {
		t.Error("same bytes at same dimensions produced different screens")
	}
}

func TestUnknownSequencesSwallowed(t *testing.T) {
	e := New(10, 2)
	feed(t, e, "\x1b[999z\x1b[?2004hok")
	if got := e.Row(0); got != "ok" {
		t.Errorf("Row(0) = %q, want %q", got, "ok")
	}
}

func TestInsertDeleteChars(t *testing.T) {
	e := New(10, 2)
	feed(t, e, "abcdef\x1b[1;3H\x1b[2P")
	if got := e.Row(0); got != "abef" {
		t.Errorf("after DCH Row(0) = %q, want %q", got, "abef")
	}
	feed(t, e, "\x1b[2@")
	s := e.Snapshot()
	if s.Cells[0][4].Rune != 'e' || s.Cells[0][5].Rune != 'f' {
		t.Errorf("ICH did not shift: row = %q", e.Row(0))
	}
}

func TestWriteReturnsLength(t *testing.T) {
	e := New(10, 2)
	p := bytes.Repeat([]byte("x"), 100)
	n, err := e.Write(p)
	if err != nil || n != len(p) {
		t.Errorf("Write = (%d, %v), want (%d, nil)", n, err, len(p))
	}
}
