package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/feed"
	"murmur/cmd/internal/store"
	"murmur/cmd/security/token"
	v1 "murmur/shared/contracts/feed/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig tunes the websocket gateway. Zero durations and sizes select defaults.
type GatewayConfig struct {
	// DevInsecure disables the websocket library's own origin verification. Dev only.
	DevInsecure bool

	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	c.SendQueueSize = max(c.SendQueueSize, wsMinSendQueueSize)
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint of the feed service.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits and
// heartbeats. Authenticated sessions subscribe to topics they participate in and issue
// store reads and writes, each authorized against the session user.
type WSGateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	store   store.Store
	feed    feed.Subscriber
	tokens  token.Verifier
	access  *Access
	metrics *Metrics
	limiter *RateLimiter

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway. With a nil tokens verifier the gateway runs in dev
// identity mode: the presented token is taken as the user id itself.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, st store.Store, sub feed.Subscriber, tokens token.Verifier, m *Metrics) (*WSGateway, error) {
	if st == nil || sub == nil {
		return nil, errors.New("realtime: store and feed are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	access, err := NewAccess(st)
	if err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	if tokens == nil {
		log.Warn("ws.auth.dev_identity", "note", "tokens are taken as user ids")
	}

	return &WSGateway{
		log:     log,
		cfg:     cfg,
		store:   st,
		feed:    sub,
		tokens:  tokens,
		access:  access,
		metrics: m,
		limiter: NewRateLimiter(cfg.RateEvents, cfg.RateWindow),

		// websocket.Accept enforces its own origin policy; derive its patterns from the
		// allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),

		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsSession is the per-connection state shared by the read loop and feed handlers.
type wsSession struct {
	client   *Client
	conn     *websocket.Conn
	log      *slog.Logger
	ctx      context.Context
	shutdown func(code websocket.StatusCode, reason string)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the feed loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var claims token.Claims
	if raw, ok := bearerToken(r); ok {
		c, err := g.authenticate(raw)
		if err != nil {
			g.metrics.reject("unauthorized")
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := claims.SessionID
	if sessionID == "" {
		if sessionID, err = ids.NewULID(g.now()); err != nil {
			g.log.Error("ws.session_id.fail", "err", err)
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	if claims.UserID != "" {
		client.authenticate(claims.UserID)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.connections.Inc()
	defer g.metrics.connections.Dec()

	sess := &wsSession{
		client: client,
		conn:   conn,
		log:    g.log.With("session_id", sessionID),
		ctx:    ctx,
	}
	sess.log.Info("ws.open", "user", claims.UserID, "remote", r.RemoteAddr)

	// shutdown is idempotent. It does NOT close client.Send: feed handlers may still hold the client.
	var closeOnce sync.Once
	sess.shutdown = func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			g.releaseAll(sess)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					sess.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					sess.shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					sess.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						sess.shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				sess.shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				sess.shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				sess.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.replyError(sess, "", newWSError(v1.CodeBadRequest, "invalid JSON"))
				continue readLoop
			default:
				sess.log.Info("ws.read.fail", "err", err)
				sess.shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !g.limiter.Allow(rateKey(client), g.now()) {
			g.metrics.request(env.Type, v1.CodeRateLimited)
			g.rejectAndClose(sess, env.ID, newWSError(v1.CodeRateLimited, "too many events"), "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.request("invalid", v1.CodeBadRequest)
			g.replyError(sess, env.ID, newWSError(v1.CodeBadRequest, err.Error()))
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			err = g.onHello(ctx, sess, env)
			if err != nil {
				code, _ := errorCode(err)
				g.metrics.request(env.Type, code)
				g.rejectAndClose(sess, env.ID, err, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			err = g.onSubscribe(ctx, sess, env)

		case v1.TypeUnsubscribe:
			err = g.onUnsubscribe(ctx, sess, env)

		case v1.TypeMessageInsert,
			v1.TypeMessageStatus,
			v1.TypeMessageEdit,
			v1.TypeReactionInsert,
			v1.TypeReactionDelete,
			v1.TypeHistoryFetch,
			v1.TypeReactionFetch:
			err = g.onRequest(ctx, sess, env)

		default:
			err = newWSError(v1.CodeBadRequest, fmt.Sprintf("unsupported type: %s", env.Type))
		}
		g.finish(sess, env, err)
	}

	sess.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	sess.log.Info("ws.close")
}

// finish records the outcome of one envelope and reports a failure to the client.
func (g *WSGateway) finish(sess *wsSession, env v1.Envelope, err error) {
	if err == nil {
		g.metrics.request(env.Type, "ok")
		return
	}
	code, _ := errorCode(err)
	g.metrics.request(env.Type, code)
	g.replyError(sess, env.ID, err)
}

// releaseAll ends every topic subscription of the session.
func (g *WSGateway) releaseAll(sess *wsSession) {
	for _, sub := range sess.client.drainSubscriptions() {
		g.metrics.subscriptions.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.WriteTimeout)
		if err := sub.Unsubscribe(ctx); err != nil {
			sess.log.Warn("ws.unsubscribe.fail", "topic", sub.Topic(), "err", err)
		}
		cancel()
	}
}

// authenticate resolves a presented token to claims.
func (g *WSGateway) authenticate(raw string) (token.Claims, error) {
	raw = strings.TrimSpace(raw)
	if g.tokens == nil {
		if !v1.ValidUserID(raw) {
			return token.Claims{}, token.ErrInvalidToken
		}
		return token.Claims{UserID: raw}, nil
	}
	return g.tokens.Verify(raw, g.now())
}

func rateKey(c *Client) string {
	if u := c.UserID(); u != "" {
		return "user:" + u
	}
	return "session:" + c.SessionID
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", false
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(tok), true
}

// ---- send helpers ----

func (g *WSGateway) newEnvelope(typ, replyTo string, payload json.RawMessage) v1.Envelope {
	now := g.now()
	id, _ := ids.NewULID(now)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		ReplyTo: replyTo,
		TS:      now,
		Payload: payload,
	}
}

func (g *WSGateway) reply(sess *wsSession, typ, replyTo string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if !g.enqueue(sess.ctx, sess.client, g.newEnvelope(typ, replyTo, b)) {
		return newWSError(v1.CodeUnavailable, "backpressure: "+typ)
	}
	return nil
}

func (g *WSGateway) replyError(sess *wsSession, replyTo string, err error) {
	code, msg := errorCode(err)
	if code == v1.CodeInternal {
		sess.log.Error("ws.request.fail", "reply_to", replyTo, "err", err)
	}
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(sess.ctx, sess.client, g.newEnvelope(v1.TypeError, replyTo, p))
}

// rejectAndClose writes the error directly, bypassing the send queue, then closes the session.
func (g *WSGateway) rejectAndClose(sess *wsSession, replyTo string, err error, reason string) {
	code, msg := errorCode(err)
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	if werr := writeEnvelope(sess.ctx, sess.conn, g.newEnvelope(v1.TypeError, replyTo, p), g.cfg.WriteTimeout); werr != nil {
		sess.log.Info("ws.write.fail", "err", werr)
	}
	sess.shutdown(websocket.StatusPolicyViolation, reason)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins returns the sorted, distinct hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
