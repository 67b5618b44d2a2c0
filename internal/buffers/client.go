package buffers

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one /ws/buffers connection. Frames are queued, never sent
// inline, so a slow socket cannot stall the aggregator or its peers.
type Client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  [][]byte
	stale  bool
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewClient wraps an upgraded websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:  conn,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Enqueue appends a frame, dropping the oldest on overflow. Dropping
// sets the stale flag; every frame is a full snapshot, so the next
// delivery resynchronises the viewer. Exported so bridged frames from a
// federated remote share the queue with locally encoded ones.
func (c *Client) Enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, frame)
	for len(c.queue) > sendQueueSize {
		c.queue = c.queue[1:]
		c.stale = true
	}
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// WritePump drains the queue onto the socket until the client is closed
// or a write fails. Run on its own goroutine by the WS handler.
func (c *Client) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ready:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.stale = false
			c.mu.Unlock()

			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// Stale reports whether frames have been dropped since the last
// successful delivery.
func (c *Client) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// close releases the pump. The socket itself is closed by the handler.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}
