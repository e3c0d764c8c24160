// Package feedclient talks to the murmur feed service over its websocket protocol.
//
// A Client is both the chat Backend (store reads and writes as request envelopes) and
// the chat Feed (topic subscriptions). One connection carries everything. It is dialed
// lazily and redialed on the next use after a drop; a drop ends every live subscription
// with ErrDisconnected so subscribers resubscribe and resync.
package feedclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity/ids"
	v1 "murmur/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	defaultQueueSize      = 256
	maxReadBytes          = 1 << 20
)

// Options configure a Client.
type Options struct {
	// URL is the ws:// or wss:// address of the gateway endpoint.
	URL    string
	Token  string
	Origin string

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	// QueueSize bounds the changes buffered per subscription.
	QueueSize int

	Log *slog.Logger
}

func (o Options) normalized() (Options, error) {
	u, err := url.Parse(strings.TrimSpace(o.URL))
	if err != nil {
		return o, fmt.Errorf("feedclient: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return o, fmt.Errorf("feedclient: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return o, errors.New("feedclient: missing host")
	}
	o.URL = u.String()
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o, nil
}

// Client is a feed service connection shared by every request and subscription.
type Client struct {
	opts Options
	log  *slog.Logger

	dialMu sync.Mutex
	subMu  sync.Mutex

	mu     sync.Mutex
	cur    *conn
	topics map[string]*topic
	userID string
	closed bool
}

// Dial connects and authenticates. The returned Client redials by itself after a drop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:   opts,
		log:    opts.Log,
		topics: make(map[string]*topic),
	}
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// UserID returns the user the gateway resolved at the last hello.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Close ends every subscription and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()

	if cur != nil {
		cur.fail(ErrClosed)
		_ = cur.ws.Close(websocket.StatusNormalClosure, "bye")
		c.dropConn(cur, ErrClosed)
	}
	return nil
}

// ---- connection ----

// conn is one websocket connection and its in-flight requests.
type conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan v1.Envelope
	err     error
	done    chan struct{}
}

func (cn *conn) register(id string) (chan v1.Envelope, error) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.err != nil {
		return nil, cn.err
	}
	ch := make(chan v1.Envelope, 1)
	cn.pending[id] = ch
	return ch, nil
}

func (cn *conn) forget(id string) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

func (cn *conn) resolve(env v1.Envelope) bool {
	cn.mu.Lock()
	ch, ok := cn.pending[env.ReplyTo]
	delete(cn.pending, env.ReplyTo)
	cn.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// fail marks the connection dead once. Waiters observe done and read err.
func (cn *conn) fail(err error) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.err != nil {
		return false
	}
	cn.err = err
	cn.pending = nil
	close(cn.done)
	return true
}

func (cn *conn) failure() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.err
}

// connection returns the live connection, dialing a new one when there is none.
func (c *Client) connection(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if cur := c.cur; cur != nil && cur.failure() == nil {
		c.mu.Unlock()
		return cur, nil
	}
	c.mu.Unlock()

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	// Another caller may have dialed while this one waited.
	c.mu.Lock()
	if cur := c.cur; cur != nil && cur.failure() == nil {
		c.mu.Unlock()
		return cur, nil
	}
	c.mu.Unlock()

	cn, userID, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.fail(ErrClosed)
		_ = cn.ws.Close(websocket.StatusNormalClosure, "bye")
		return nil, ErrClosed
	}
	c.cur = cn
	c.userID = userID
	c.mu.Unlock()
	return cn, nil
}

func (c *Client) dial(ctx context.Context) (*conn, string, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	h := http.Header{}
	if o := strings.TrimSpace(c.opts.Origin); o != "" {
		h.Set("Origin", o)
	}
	if t := strings.TrimSpace(c.opts.Token); t != "" {
		h.Set("Authorization", "Bearer "+t)
	}

	ws, resp, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, "", &RemoteError{Code: v1.CodeUnauthorized, Message: fmt.Sprintf("handshake rejected: %d", resp.StatusCode)}
		}
		return nil, "", fmt.Errorf("%w: dial: %v", ErrDisconnected, err)
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, "", fmt.Errorf("%w: subprotocol mismatch: %q", ErrDisconnected, sp)
	}
	ws.SetReadLimit(maxReadBytes)

	cn := &conn{
		ws:      ws,
		pending: make(map[string]chan v1.Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop(cn)

	var ack v1.HelloAckPayload
	if err := c.roundTrip(dctx, cn, v1.TypeHello, v1.HelloPayload{Token: c.opts.Token}, &ack); err != nil {
		cn.fail(err)
		_ = ws.Close(websocket.StatusNormalClosure, "hello failed")
		return nil, "", err
	}
	c.log.Info("feedclient.connected", "session_id", ack.SessionID, "user", ack.UserID)
	return cn, ack.UserID, nil
}

func (c *Client) readLoop(cn *conn) {
	for {
		mt, data, err := cn.ws.Read(context.Background())
		if err != nil {
			if cn.fail(fmt.Errorf("%w: %v", ErrDisconnected, err)) {
				c.log.Info("feedclient.disconnected", "close_status", websocket.CloseStatus(err), "err", err)
			}
			c.dropConn(cn, cn.failure())
			return
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("feedclient.read.bad_json", "err", err)
			continue
		}

		switch {
		case env.ReplyTo != "":
			if !cn.resolve(env) {
				c.log.Debug("feedclient.reply.orphan", "reply_to", env.ReplyTo, "type", env.Type)
			}
		case env.Type == v1.TypeChange:
			var ch v1.Change
			if err := json.Unmarshal(env.Payload, &ch); err != nil {
				c.log.Warn("feedclient.change.bad_payload", "err", err)
				continue
			}
			c.route(cn, ch)
		case env.Type == v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.Topic != "" {
				c.log.Warn("feedclient.subscription.lost", "topic", p.Topic, "code", p.Code, "msg", p.Message)
				c.dropTopic(cn, p.Topic, fmt.Errorf("%w: %s", ErrDisconnected, p.Message))
				continue
			}
			c.log.Warn("feedclient.error", "code", p.Code, "msg", p.Message)
		}
	}
}

// ---- requests ----

// roundTrip sends one request envelope and decodes its result into out.
func (c *Client) roundTrip(ctx context.Context, cn *conn, typ string, payload, out any) error {
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	replies, err := cn.register(id)
	if err != nil {
		return err
	}
	defer cn.forget(id)

	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := cn.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cn.done:
		return cn.failure()
	case reply := <-replies:
		if reply.Type == v1.TypeError {
			var p v1.ErrorPayload
			if err := json.Unmarshal(reply.Payload, &p); err != nil {
				return fmt.Errorf("feedclient: bad error payload: %w", err)
			}
			return &RemoteError{Code: p.Code, Message: p.Message}
		}
		if out == nil || len(reply.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("feedclient: decode %s: %w", reply.Type, err)
		}
		return nil
	}
}

// request runs one store request on the live connection, dialing if needed.
func (c *Client) request(ctx context.Context, typ string, payload any) (v1.ResultPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	cn, err := c.connection(ctx)
	if err != nil {
		return v1.ResultPayload{}, err
	}
	var res v1.ResultPayload
	if err := c.roundTrip(ctx, cn, typ, payload, &res); err != nil {
		return v1.ResultPayload{}, err
	}
	return res, nil
}
