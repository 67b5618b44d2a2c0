package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
)

// handleWSInput accepts {text}|{key} JSON messages and writes them to
// the session's PTY. The server never pushes anything on this socket.
func (s *Server) handleWSInput(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.mgr.Get(id); err != nil {
		if s.registry != nil {
			if rem, ok := s.registry.Lookup(id); ok {
				s.registry.BridgeWS(w, r, rem, &s.upgrader)
				return
			}
		}
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.trackConn(conn)
	defer func() {
		s.untrackConn(conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.InputMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Dropping malformed input message", "session", id)
			continue
		}
		payload, err := msg.Payload()
		if err != nil {
			continue
		}
		if err := s.mgr.Input(id, []byte(payload)); err != nil {
			// Session is gone; tell the client why before closing.
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session exited"),
				time.Now().Add(time.Second))
			return
		}
	}
}

// remoteRelay is one upstream buffer socket opened on behalf of a local
// viewer for sessions hosted on a federated remote. Frames arrive
// already 0xBF-wrapped with the session id, so they relay verbatim into
// the viewer's queue. Only the connection's read loop touches the map
// of relays; the pump goroutine only enqueues.
type remoteRelay struct {
	conn *websocket.Conn
	ids  map[string]bool
}

// handleWSBuffers serves the multiplexed screen-snapshot socket. Clients
// steer it with {"subscribe":"<id>"} / {"unsubscribe":"<id>"} messages;
// frames flow back using the 0xBF session framing.
func (s *Server) handleWSBuffers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.trackConn(conn)

	client := buffers.NewClient(conn)
	s.agg.Register(client)
	go client.WritePump()

	relays := make(map[string]*remoteRelay) // by remote name
	defer func() {
		for _, rl := range relays {
			rl.conn.Close()
		}
		s.agg.Unregister(client)
		s.untrackConn(conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.ParseControlEvent(data)
		if err != nil {
			s.logger.Debug("Dropping malformed control message", "error", err)
			continue
		}
		switch {
		case ev.Subscribe != "":
			s.subscribeBuffers(client, relays, ev.Subscribe)
		case ev.Unsubscribe != "":
			s.agg.Unsubscribe(client, ev.Unsubscribe)
			s.unsubscribeRemote(relays, ev.Unsubscribe)
		}
	}
}

// subscribeBuffers attaches the client to a local session, or bridges
// to the owning remote's buffer socket when HQ routing resolves the id
// elsewhere.
func (s *Server) subscribeBuffers(client *buffers.Client, relays map[string]*remoteRelay, id string) {
	if _, err := s.mgr.Get(id); err == nil {
		s.agg.Subscribe(client, id)
		return
	}
	if s.registry != nil {
		if rem, ok := s.registry.Lookup(id); ok {
			s.subscribeRemote(client, relays, rem, id)
			return
		}
	}
	s.logger.Debug("Subscribe to unknown session ignored", "session", id)
}

// subscribeRemote forwards a subscription over a bridged buffer socket,
// one per remote per viewer, and relays its frames back.
func (s *Server) subscribeRemote(client *buffers.Client, relays map[string]*remoteRelay, rem hq.Remote, id string) {
	rl := relays[rem.Name]
	if rl == nil {
		conn, err := s.registry.DialBuffers(rem)
		if err != nil {
			s.logger.Warn("Remote subscribe failed", "session", id, "remote", rem.Name, "error", err)
			return
		}
		rl = &remoteRelay{conn: conn, ids: make(map[string]bool)}
		relays[rem.Name] = rl
		go relayFrames(conn, client)
	}
	if rl.ids[id] {
		return
	}
	if err := rl.conn.WriteJSON(protocol.ControlEvent{Subscribe: id}); err != nil {
		s.logger.Warn("Remote subscribe failed", "session", id, "remote", rem.Name, "error", err)
		rl.conn.Close()
		delete(relays, rem.Name)
		return
	}
	rl.ids[id] = true
}

// unsubscribeRemote drops a bridged subscription, closing the upstream
// socket once it carries none.
func (s *Server) unsubscribeRemote(relays map[string]*remoteRelay, id string) {
	for name, rl := range relays {
		if !rl.ids[id] {
			continue
		}
		delete(rl.ids, id)
		rl.conn.WriteJSON(protocol.ControlEvent{Unsubscribe: id})
		if len(rl.ids) == 0 {
			rl.conn.Close()
			delete(relays, name)
		}
	}
}

// relayFrames shuttles upstream snapshot frames into the viewer's
// queue until either side closes.
func relayFrames(upstream *websocket.Conn, client *buffers.Client) {
	for {
		mt, data, err := upstream.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			client.Enqueue(data)
		}
	}
}
