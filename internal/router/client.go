package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// client is the transport side of one connection. Outbound messages go
// through sendCh and are written by a single pump goroutine.
type client struct {
	id     string
	role   string
	userID string
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh chan outbound
	done   chan struct{}
	once   sync.Once

	// dropped counts engine events lost since the last one delivered.
	dropped atomic.Int64
}

type outbound struct {
	data   []byte
	stream bool
}

func newClient(id, role, userID string, conn *websocket.Conn, buffer int, logger *slog.Logger) *client {
	if buffer <= 0 {
		buffer = 256
	}
	return &client{
		id:     id,
		role:   role,
		userID: userID,
		conn:   conn,
		logger: logger,
		sendCh: make(chan outbound, buffer),
		done:   make(chan struct{}),
	}
}

// close marks the client gone. Safe to call more than once.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// open reports whether the transport is still usable.
func (c *client) open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *client) encode(v interface{}) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Router: failed to encode outbound message", "error", err)
		return nil, false
	}
	return data, true
}

// send queues a message. When the buffer is full the message is dropped;
// the client can recover state with reconnect.
func (c *client) send(v interface{}) bool {
	data, ok := c.encode(v)
	if !ok {
		return false
	}
	select {
	case c.sendCh <- outbound{data: data}:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Router: send buffer full, dropping message")
		return false
	}
}

// sendStream queues an engine event, waiting up to timeout for buffer
// space. The event carries the number of engine events dropped since the
// last one that got through, so the client can tell its stream has a gap.
func (c *client) sendStream(msg engineEventMsg, timeout time.Duration) bool {
	gap := c.dropped.Swap(0)
	msg.Dropped = gap
	data, ok := c.encode(msg)
	if !ok {
		c.dropped.Add(gap + 1)
		return false
	}
	item := outbound{data: data, stream: true}
	select {
	case c.sendCh <- item:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.sendCh <- item:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.dropped.Add(gap + 1)
		c.logger.Warn("Router: send timed out, dropping engine event", "timeout", timeout)
		return false
	}
}

// sendPriority queues a control message, evicting one queued message if the
// buffer is full so control and status updates are not silently dropped.
// An evicted engine event is counted toward the next event's gap.
func (c *client) sendPriority(v interface{}) bool {
	data, ok := c.encode(v)
	if !ok {
		return false
	}
	item := outbound{data: data}
	select {
	case c.sendCh <- item:
		return true
	case <-c.done:
		return false
	default:
	}

	select {
	case old := <-c.sendCh:
		if old.stream {
			c.dropped.Add(1)
		}
	default:
	}

	select {
	case c.sendCh <- item:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Router: priority message dropped (buffer saturated)")
		return false
	}
}

// writePump drains sendCh to the websocket and sends keepalive pings. On
// write failure it closes done so the read loop stops promptly.
func (c *client) writePump(ctx context.Context, pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer func() {
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case item := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
				c.logger.Debug("Router: write failed", "error", err)
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Router: ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
