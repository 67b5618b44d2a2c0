package protocol

import (
	"encoding/json"
	"fmt"
)

// InputMessage is the JSON body accepted by the input endpoints
// (POST /api/sessions/:id/input and /ws/input/:id). Exactly one of Text
// or Key must be set.
type InputMessage struct {
	Text string `json:"text,omitempty"`
	Key  string `json:"key,omitempty"`
}

// Payload resolves the message into the bytes to write to the PTY.
func (m *InputMessage) Payload() (string, error) {
	switch {
	case m.Text != "" && m.Key != "":
		return "", fmt.Errorf("input carries both text and key")
	case m.Key != "":
		return ResolveKey(m.Key)
	default:
		return m.Text, nil
	}
}

// ControlEvent is a client control message on /ws/buffers. The variant
// set is closed: exactly one field is populated per message; anything
// else is dropped by the caller.
type ControlEvent struct {
	Subscribe   string
	Unsubscribe string
}

// controlWire mirrors the JSON shape {"subscribe":"<id>"} /
// {"unsubscribe":"<id>"}.
type controlWire struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// MarshalJSON emits the wire shape, so an encoded event parses back
// through ParseControlEvent unchanged.
func (e ControlEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(controlWire(e))
}

// ParseControlEvent decodes a buffer-socket control message.
func ParseControlEvent(data []byte) (ControlEvent, error) {
	var w controlWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ControlEvent{}, fmt.Errorf("parsing control message: %w", err)
	}
	ev := ControlEvent(w)
	if (ev.Subscribe == "") == (ev.Unsubscribe == "") {
		return ControlEvent{}, fmt.Errorf("control message must carry exactly one of subscribe/unsubscribe")
	}
	return ev, nil
}
