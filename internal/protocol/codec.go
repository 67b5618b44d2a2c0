// Package protocol defines the wire formats shared by the server and its
// clients: the binary terminal-buffer snapshot frame, the multiplexed
// WebSocket framing, the JSON control messages, and the special-key
// escape table.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

const (
	// Magic identifies a buffer snapshot frame ("VT").
	magicByte0 = 0x54
	magicByte1 = 0x56

	// Version is the current snapshot frame version.
	Version = 1

	// FlagBell marks a frame whose screen rang the bell.
	FlagBell = 0x01
	// FlagCursorVisible marks a frame whose cursor is shown.
	FlagCursorVisible = 0x02

	headerSize = 32

	// rowEmpty introduces a run of empty rows: 0xFE <u8 count>.
	rowEmpty = 0xFE
	// rowCells introduces a populated row: 0xFD <u16 cellCount> <cells...>.
	rowCells = 0xFD
)

// EncodeSnapshot serialises a screen into the compact binary frame.
//
// Layout: a fixed 32-byte header (magic, version, flags, dimensions,
// viewport offset, cursor) followed by row records. Runs of empty rows
// collapse into two bytes; populated rows carry cells up to the last
// non-empty one. All multi-byte integers are little-endian.
func EncodeSnapshot(s *termemu.Screen) []byte {
	buf := make([]byte, headerSize, headerSize+s.Rows*8)
	buf[0] = magicByte0
	buf[1] = magicByte1
	buf[2] = Version
	if s.Bell {
		buf[3] |= FlagBell
	}
	if s.CursorVisible {
		buf[3] |= FlagCursorVisible
	}
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.Cols))
	binary.LittleEndian.PutUint32(buf[8:], uint32(s.Rows))
	binary.LittleEndian.PutUint32(buf[12:], uint32(int32(s.ViewportY)))
	binary.LittleEndian.PutUint32(buf[16:], uint32(int32(s.CursorX)))
	binary.LittleEndian.PutUint32(buf[20:], uint32(int32(s.CursorY)))
	// buf[24:32] reserved.

	emptyRun := 0
	flushEmpty := func() {
		for emptyRun > 0 {
			n := min(emptyRun, 255)
			buf = append(buf, rowEmpty, byte(n))
			emptyRun -= n
		}
	}

	for y := 0; y < s.Rows; y++ {
		row := s.Cells[y]
		last := -1
		for x := len(row) - 1; x >= 0; x-- {
			if row[x] != (termemu.Cell{}) {
				last = x
				break
			}
		}
		if last < 0 {
			emptyRun++
			continue
		}
		flushEmpty()
		buf = append(buf, rowCells)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(last+1))
		for x := 0; x <= last; x++ {
			buf = appendCell(buf, row[x])
		}
	}
	flushEmpty()
	return buf
}

func appendCell(buf []byte, c termemu.Cell) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Rune))
	buf = appendColor(buf, c.FG)
	buf = appendColor(buf, c.BG)
	return append(buf, byte(c.Attrs))
}

func appendColor(buf []byte, c termemu.Color) []byte {
	switch c.Kind {
	case termemu.ColorIndexed:
		return append(buf, byte(termemu.ColorIndexed), c.Index)
	case termemu.ColorRGB:
		return append(buf, byte(termemu.ColorRGB), c.R, c.G, c.B)
	default:
		return append(buf, byte(termemu.ColorDefault))
	}
}

// DecodeSnapshot parses a binary frame back into a screen. It is the
// inverse of EncodeSnapshot: decode(encode(s)) reproduces s for every
// legal screen.
func DecodeSnapshot(data []byte) (*termemu.Screen, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("snapshot frame too short: %d bytes", len(data))
	}
	if data[0] != magicByte0 || data[1] != magicByte1 {
		return nil, fmt.Errorf("bad snapshot magic %#x %#x", data[0], data[1])
	}
	if data[2] != Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[2])
	}

	s := &termemu.Screen{
		Cols:          int(binary.LittleEndian.Uint32(data[4:])),
		Rows:          int(binary.LittleEndian.Uint32(data[8:])),
		ViewportY:     int(int32(binary.LittleEndian.Uint32(data[12:]))),
		CursorX:       int(int32(binary.LittleEndian.Uint32(data[16:]))),
		CursorY:       int(int32(binary.LittleEndian.Uint32(data[20:]))),
		CursorVisible: data[3]&FlagCursorVisible != 0,
		Bell:          data[3]&FlagBell != 0,
	}
	if s.Cols <= 0 || s.Rows <= 0 || s.Cols > 10000 || s.Rows > 10000 {
		return nil, fmt.Errorf("implausible snapshot dimensions %dx%d", s.Cols, s.Rows)
	}

	s.Cells = make([][]termemu.Cell, s.Rows)
	for y := range s.Cells {
		s.Cells[y] = make([]termemu.Cell, s.Cols)
	}

	p := headerSize
	y := 0
	for p < len(data) {
		if y >= s.Rows {
			return nil, fmt.Errorf("snapshot frame has more than %d rows", s.Rows)
		}
		switch data[p] {
		case rowEmpty:
			if p+1 >= len(data) {
				return nil, fmt.Errorf("truncated empty-row record")
			}
			y += int(data[p+1])
			p += 2
		case rowCells:
			if p+2 >= len(data) {
				return nil, fmt.Errorf("truncated row record")
			}
			count := int(binary.LittleEndian.Uint16(data[p+1:]))
			if count > s.Cols {
				return nil, fmt.Errorf("row cell count %d exceeds %d cols", count, s.Cols)
			}
			p += 3
			for x := 0; x < count; x++ {
				cell, n, err := decodeCell(data[p:])
				if err != nil {
					return nil, err
				}
				s.Cells[y][x] = cell
				p += n
			}
			y++
		default:
			return nil, fmt.Errorf("unknown row marker %#x at offset %d", data[p], p)
		}
	}
	if y > s.Rows {
		return nil, fmt.Errorf("snapshot row overflow: %d > %d", y, s.Rows)
	}
	return s, nil
}

func decodeCell(data []byte) (termemu.Cell, int, error) {
	if len(data) < 4 {
		return termemu.Cell{}, 0, fmt.Errorf("truncated cell")
	}
	c := termemu.Cell{Rune: rune(binary.LittleEndian.Uint32(data))}
	p := 4
	var n int
	var err error
	if c.FG, n, err = decodeColor(data[p:]); err != nil {
		return termemu.Cell{}, 0, err
	}
	p += n
	if c.BG, n, err = decodeColor(data[p:]); err != nil {
		return termemu.Cell{}, 0, err
	}
	p += n
	if p >= len(data) {
		return termemu.Cell{}, 0, fmt.Errorf("truncated cell attributes")
	}
	c.Attrs = termemu.Attr(data[p])
	return c, p + 1, nil
}

func decodeColor(data []byte) (termemu.Color, int, error) {
	if len(data) < 1 {
		return termemu.Color{}, 0, fmt.Errorf("truncated cell color")
	}
	switch termemu.ColorKind(data[0]) {
	case termemu.ColorDefault:
		return termemu.Color{}, 1, nil
	case termemu.ColorIndexed:
		if len(data) < 2 {
			return termemu.Color{}, 0, fmt.Errorf("truncated indexed color")
		}
		return termemu.Color{Kind: termemu.ColorIndexed, Index: data[1]}, 2, nil
	case termemu.ColorRGB:
		if len(data) < 4 {
			return termemu.Color{}, 0, fmt.Errorf("truncated rgb color")
		}
		return termemu.Color{Kind: termemu.ColorRGB, R: data[1], G: data[2], B: data[3]}, 4, nil
	}
	return termemu.Color{}, 0, fmt.Errorf("unknown color kind %d", data[0])
}
