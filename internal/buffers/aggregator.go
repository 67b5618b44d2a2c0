// Package buffers fans encoded screen snapshots out to WebSocket
// viewers.
//
// One process-wide aggregator tracks which sessions have subscribers.
// Sessions with none incur no encoding cost: output still updates the
// emulator, but no snapshot is produced. Output bursts are coalesced so
// at most one snapshot per session is encoded per 16 ms window.
package buffers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/termemu"
)

// coalesceWindow bounds snapshot encoding frequency per session.
const coalesceWindow = 16 * time.Millisecond

// sendQueueSize bounds each client's outbound frame queue. On overflow
// the oldest frames are dropped; since every frame is a full snapshot a
// late client still converges on the next delivery.
const sendQueueSize = 64

// SnapshotFunc resolves a session id to its current screen.
type SnapshotFunc func(id string) (*termemu.Screen, error)

type sessionState struct {
	refs    int
	pending bool
	seq     uint64
}

// Aggregator owns the session → subscribers table.
type Aggregator struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	snapshot SnapshotFunc

	// OnZero fires when a session loses its last subscriber.
	OnZero func(id string)

	mu       sync.Mutex
	sessions map[string]*sessionState
	clients  map[*Client]map[string]bool // client → subscribed ids
}

// New creates an aggregator resolving screens through snapshot.
func New(snapshot SnapshotFunc, logger *slog.Logger, clock clockwork.Clock) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{
		logger:   logger,
		clock:    clock,
		snapshot: snapshot,
		sessions: make(map[string]*sessionState),
		clients:  make(map[*Client]map[string]bool),
	}
}

// Register adds a connected client with no subscriptions yet.
func (a *Aggregator) Register(c *Client) {
	a.mu.Lock()
	a.clients[c] = make(map[string]bool)
	a.mu.Unlock()
}

// Unregister removes the client and releases all its subscriptions.
func (a *Aggregator) Unregister(c *Client) {
	a.mu.Lock()
	subs := a.clients[c]
	delete(a.clients, c)
	var zeroed []string
	for id := range subs {
		if a.release(id) {
			zeroed = append(zeroed, id)
		}
	}
	a.mu.Unlock()
	c.close()
	for _, id := range zeroed {
		a.notifyZero(id)
	}
}

// Subscribe attaches the client to a session and immediately queues the
// current snapshot, so the client's first frame reflects everything
// written before this call.
func (a *Aggregator) Subscribe(c *Client, id string) {
	a.mu.Lock()
	subs, ok := a.clients[c]
	if !ok || subs[id] {
		a.mu.Unlock()
		return
	}
	subs[id] = true
	st := a.sessions[id]
	if st == nil {
		st = &sessionState{}
		a.sessions[id] = st
	}
	st.refs++
	a.mu.Unlock()

	screen, err := a.snapshot(id)
	if err != nil {
		a.logger.Debug("Snapshot on subscribe failed", "session", id, "error", err)
		return
	}
	c.Enqueue(protocol.WrapFrame(id, protocol.EncodeSnapshot(screen)))
}

// Unsubscribe detaches the client from a session.
func (a *Aggregator) Unsubscribe(c *Client, id string) {
	a.mu.Lock()
	subs, ok := a.clients[c]
	if !ok || !subs[id] {
		a.mu.Unlock()
		return
	}
	delete(subs, id)
	zeroed := a.release(id)
	a.mu.Unlock()
	if zeroed {
		a.notifyZero(id)
	}
}

// release decrements a session's ref-count under a.mu and reports
// whether it reached zero.
func (a *Aggregator) release(id string) bool {
	st := a.sessions[id]
	if st == nil {
		return false
	}
	st.refs--
	if st.refs > 0 {
		return false
	}
	delete(a.sessions, id)
	return true
}

func (a *Aggregator) notifyZero(id string) {
	if a.OnZero != nil {
		a.OnZero(id)
	}
}

// Subscribers reports the live subscriber count for a session.
func (a *Aggregator) Subscribers(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st := a.sessions[id]; st != nil {
		return st.refs
	}
	return 0
}

// Notify is called after output (or a resize) has been applied to a
// session. With no subscribers it returns immediately; otherwise it
// schedules one encode for the current coalescing window.
func (a *Aggregator) Notify(id string) {
	a.mu.Lock()
	st := a.sessions[id]
	if st == nil || st.refs == 0 || st.pending {
		a.mu.Unlock()
		return
	}
	st.pending = true
	a.mu.Unlock()

	a.clock.AfterFunc(coalesceWindow, func() { a.broadcast(id) })
}

// broadcast encodes the latest screen once and fans it out.
func (a *Aggregator) broadcast(id string) {
	a.mu.Lock()
	st := a.sessions[id]
	if st == nil {
		a.mu.Unlock()
		return
	}
	st.pending = false
	st.seq++
	var targets []*Client
	for c, subs := range a.clients {
		if subs[id] {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	screen, err := a.snapshot(id)
	if err != nil {
		return
	}
	frame := protocol.WrapFrame(id, protocol.EncodeSnapshot(screen))
	for _, c := range targets {
		c.Enqueue(frame)
	}
}
