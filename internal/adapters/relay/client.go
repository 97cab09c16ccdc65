package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// frame is the wire message exchanged with the relay. The relay fans every
// published envelope out to matching subscriptions.
type frame struct {
	Op     string           `json:"op"` // "publish", "subscribe", "unsubscribe", "event"
	SubID  string           `json:"sub_id,omitempty"`
	Filter *wireFilter      `json:"filter,omitempty"`
	Event  *domain.Envelope `json:"event,omitempty"`
}

type wireFilter struct {
	Kinds       []domain.EventKind `json:"kinds,omitempty"`
	AddressedTo domain.AgentID     `json:"addressed_to,omitempty"`
	Authors     []domain.AgentID   `json:"authors,omitempty"`
	Since       int64              `json:"since,omitempty"` // unix seconds
}

type subscription struct {
	id     string
	filter ports.Filter
	ch     chan domain.Envelope
}

// Client connects one process to the public event relay over a websocket.
// It reconnects with backoff and replays active subscriptions on reconnect,
// so consumers see the relay as an always-on stream with possible duplicates.
type Client struct {
	logger   *slog.Logger
	url      string
	lookback time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	nextID int
	closed bool
}

var _ ports.EventNetwork = (*Client)(nil)

// NewClient builds a relay client. lookback bounds the replay window asked of
// the relay on every (re)subscribe, so events published while disconnected
// are re-delivered; idempotent ingestion absorbs the duplicates.
func NewClient(logger *slog.Logger, url string, lookback time.Duration) *Client {
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	return &Client{
		logger:   logger,
		url:      url,
		lookback: lookback,
		subs:     make(map[string]*subscription),
	}
}

// Run dials the relay and keeps the connection alive until ctx ends.
// Subscriptions registered before or during Run are (re)sent after every
// successful dial.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("relay dial failed", "url", c.url, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		c.logger.Info("relay connected", "url", c.url)

		c.mu.Lock()
		c.conn = conn
		subs := make([]*subscription, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		for _, s := range subs {
			if err := c.sendSubscribe(s); err != nil {
				c.logger.Warn("resubscribe failed", "sub_id", s.id, "error", err)
			}
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("relay read failed, reconnecting", "error", err)
			}
			return
		}
		if f.Op != "event" || f.Event == nil {
			continue
		}

		c.mu.Lock()
		sub, ok := c.subs[f.SubID]
		c.mu.Unlock()
		if !ok || !matches(sub.filter, *f.Event) {
			continue
		}
		select {
		case sub.ch <- *f.Event:
		default:
			c.logger.Warn("subscriber lagging, dropping event", "sub_id", f.SubID, "event_id", f.Event.ID)
		}
	}
}

func (c *Client) Publish(ctx context.Context, env domain.Envelope) error {
	return c.write(frame{Op: "publish", Event: &env})
}

func (c *Client) Subscribe(ctx context.Context, f ports.Filter) (<-chan domain.Envelope, func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("relay client closed")
	}
	c.nextID++
	sub := &subscription{
		id:     fmt.Sprintf("sub-%d", c.nextID),
		filter: f,
		ch:     make(chan domain.Envelope, 64),
	}
	c.subs[sub.id] = sub
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.sendSubscribe(sub); err != nil {
			c.logger.Warn("subscribe send failed, will retry on reconnect", "sub_id", sub.id, "error", err)
		}
	}

	stop := func() {
		c.mu.Lock()
		if _, ok := c.subs[sub.id]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.subs, sub.id)
		close(sub.ch)
		c.mu.Unlock()
		_ = c.write(frame{Op: "unsubscribe", SubID: sub.id})
	}
	return sub.ch, stop, nil
}

func (c *Client) sendSubscribe(s *subscription) error {
	wf := &wireFilter{
		Kinds:       s.filter.Kinds,
		AddressedTo: s.filter.AddressedTo,
		Authors:     s.filter.Authors,
	}
	// Never ask for less than the look-back window: a gap between disconnect
	// and resubscribe must be replayed. A consumer filter reaching further
	// back keeps its own bound; anything replayed past the consumer's Since
	// is dropped by the local matches() re-check.
	since := time.Now().Add(-c.lookback)
	if !s.filter.Since.IsZero() && s.filter.Since.Before(since) {
		since = s.filter.Since
	}
	wf.Since = since.Unix()
	return c.write(frame{Op: "subscribe", SubID: s.id, Filter: wf})
}

// write serializes all outbound frames under the mutex; gorilla connections
// allow at most one concurrent writer.
func (c *Client) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, s := range c.subs {
		close(s.ch)
		delete(c.subs, id)
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// matches re-checks the filter locally. The relay is trusted for routing but
// not for correctness; a misrouted event must not leak into a consumer.
func matches(f ports.Filter, env domain.Envelope) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if env.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AddressedTo != "" && env.Recipient != f.AddressedTo {
		return false
	}
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if env.Author == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && env.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
