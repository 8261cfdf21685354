package websocket

import (
	"context"
	"net/url"
	"strings"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/acctbroker/internal/event"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Filter selects the events an operator connection receives. A zero Filter
// passes everything.
type Filter struct {
	// Entities limits frames to these entity kinds (license, device_binding,
	// account).
	Entities map[string]bool
	// License limits frames to events about one license code, either as the
	// event key or as the license an account event names.
	License string
}

// ParseFilter reads ?entity=account,license&license=CODE from a query string.
func ParseFilter(q url.Values) Filter {
	var f Filter
	for _, raw := range q["entity"] {
		for _, e := range strings.Split(raw, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if f.Entities == nil {
				f.Entities = make(map[string]bool)
			}
			f.Entities[e] = true
		}
	}
	f.License = strings.TrimSpace(q.Get("license"))
	return f
}

// Match reports whether e passes the filter.
func (f Filter) Match(e event.Event) bool {
	if len(f.Entities) > 0 && !f.Entities[e.Entity] {
		return false
	}
	if f.License == "" {
		return true
	}
	if e.Entity != event.EntityAccount {
		return e.Key == f.License
	}
	lic, _ := e.Extra["license"].(string)
	return lic == f.License
}

// Client is one operator connection. Incoming frames are ignored.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	filter Filter
}

// NewClient creates a Client that receives the events passing filter.
func NewClient(hub *Hub, conn *ws.Conn, filter Filter) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: filter,
	}
}

// Run registers the client and pumps frames until the connection closes or
// ctx is done, then unregisters.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump discards operator frames. Its error on close ends Run.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

// writePump writes queued event frames, each bounded by writeTimeout, and
// pings between events so dead peers are noticed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, ws.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
