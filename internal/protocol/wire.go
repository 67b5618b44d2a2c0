package protocol

import (
	"encoding/binary"
	"fmt"
)

// wireMagic prefixes every multiplexed buffer message on /ws/buffers.
const wireMagic = 0xBF

// WrapFrame prefixes a snapshot payload with the session id so a single
// socket can multiplex many sessions:
//
//	0xBF <u32 sidLen LE> <sid bytes> <payload>
func WrapFrame(sessionID string, payload []byte) []byte {
	sid := []byte(sessionID)
	buf := make([]byte, 0, 5+len(sid)+len(payload))
	buf = append(buf, wireMagic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sid)))
	buf = append(buf, sid...)
	return append(buf, payload...)
}

// UnwrapFrame splits a multiplexed message into session id and payload.
func UnwrapFrame(data []byte) (sessionID string, payload []byte, err error) {
	if len(data) < 5 {
		return "", nil, fmt.Errorf("wire frame too short: %d bytes", len(data))
	}
	if data[0] != wireMagic {
		return "", nil, fmt.Errorf("bad wire magic %#x", data[0])
	}
	n := int(binary.LittleEndian.Uint32(data[1:]))
	if 5+n > len(data) {
		return "", nil, fmt.Errorf("wire frame session id overruns message")
	}
	return string(data[5 : 5+n]), data[5+n:], nil
}
