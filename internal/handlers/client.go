// internal/handlers/client.go
package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/sirupsen/logrus"
)

const (
	outBufferSize = 32
	writeTimeout  = 5 * time.Second
	pingInterval  = 30 * time.Second
	pingTimeout   = 15 * time.Second
)

// Client is one WebSocket connection. It is bound to a player on its first identified
// message, or up front when the connection presented a player token.
type Client struct {
	ID string
	IP string

	// tokenPlayer is the verified player of the connection, if it authenticated.
	tokenPlayer string

	mu       sync.Mutex
	playerID string

	out    chan events.Event
	slow   atomic.Bool
	cancel context.CancelFunc
	log    logrus.FieldLogger
}

func newClient(id, ip string, cancel context.CancelFunc, log logrus.FieldLogger) *Client {
	return &Client{
		ID:     id,
		IP:     ip,
		out:    make(chan events.Event, outBufferSize),
		cancel: cancel,
		log:    log,
	}
}

// PlayerID returns the bound player, or "".
func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

func (c *Client) setPlayerID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = id
}

// Write queues ev without blocking. A client whose buffer is full is disconnected rather than
// allowed to stall delivery to everyone else.
func (c *Client) Write(ev events.Event) {
	select {
	case c.out <- ev:
	default:
		c.slow.Store(true)
		c.log.WithFields(logrus.Fields{"client_id": c.ID, "event": ev.Type}).Warn("Outgoing buffer full, dropping client")
		c.cancel()
	}
}

// WriteError is a convenience to send an error event.
func (c *Client) WriteError(msg string) {
	c.Write(events.Error(msg))
}

// writePump drains the client's buffer to the socket and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.out:
			data, err := json.Marshal(ev)
			if err != nil {
				c.log.WithError(err).WithField("event", ev.Type).Warn("Failed to marshal outgoing event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.WithError(err).WithField("client_id", c.ID).Debug("Write failed, closing connection")
				c.cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.WithError(err).WithField("client_id", c.ID).Debug("Ping failed, assuming disconnect")
				c.cancel()
				return
			}
		}
	}
}
