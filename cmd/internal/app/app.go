// Package app wires the murmur feed service: config, logging, storage, the change feed
// broker, HTTP routes and the websocket gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"murmur/cmd/internal/feed"
	"murmur/cmd/internal/realtime"
	"murmur/cmd/internal/store"
	"murmur/cmd/internal/upload"
	"murmur/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const startupTimeout = 15 * time.Second

// App is the feed service runtime. It owns the pool, broker and store lifecycles.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	pool   *pgxpool.Pool
	broker feed.Broker
	store  store.Store

	ws      *realtime.WSGateway
	uploads *upload.Handler

	baseURL string
}

// New constructs a fully wired App from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	a := &App{
		cfg:     cfg,
		log:     log,
		reg:     prometheus.NewRegistry(),
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
	if a.baseURL == "" {
		a.baseURL = runtimeBaseURL(cfg.HTTPAddr)
	}
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	if a.cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.pool = pool
	}

	broker, err := a.newBroker(ctx)
	if err != nil {
		return err
	}
	a.broker = broker

	st, err := a.newStore(ctx)
	if err != nil {
		return err
	}
	a.store = st

	verifier, err := newVerifier(a.cfg.Token)
	if err != nil {
		return err
	}

	gw := realtime.DefaultGatewayConfig()
	gw.AllowedOrigins = a.cfg.WSAllowedOrigins
	gw.OriginRequired = a.cfg.WSOriginRequired
	gw.DevInsecure = a.cfg.WSDevInsecure

	a.ws, err = realtime.NewWSGateway(a.log, gw, a.store, a.broker, verifier, realtime.NewMetrics(a.reg))
	if err != nil {
		return err
	}

	if a.cfg.UploadDir != "" {
		files, err := upload.NewDirStore(a.cfg.UploadDir, a.baseURL+"/files", upload.WithMaxBytes(int64(a.cfg.UploadMaxBytes)))
		if err != nil {
			return err
		}
		a.uploads = upload.NewHandler(a.log, files, verifier)
	}
	return nil
}

func (a *App) newBroker(ctx context.Context) (feed.Broker, error) {
	switch a.cfg.Broker {
	case BrokerPostgres:
		if a.pool == nil {
			return nil, errors.New("broker postgres: no database pool")
		}
		a.log.Info("feed.broker", "kind", "postgres")
		return feed.NewPGNotify(ctx, a.pool, a.log)
	case BrokerNATS:
		a.log.Info("feed.broker", "kind", "nats", "url", a.cfg.NATSURL)
		return feed.NewJetStream(ctx, feed.JetStreamConfig{URL: a.cfg.NATSURL}, a.log)
	case BrokerRedis:
		a.log.Info("feed.broker", "kind", "redis", "addr", a.cfg.RedisAddr)
		return feed.NewRedis(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.log)
	default:
		dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Changes dropped for slow in-process subscribers.",
		}, []string{"kind"})
		a.reg.MustRegister(dropped)

		a.log.Info("feed.broker", "kind", "memory")
		return feed.NewHub(a.log,
			feed.WithQueueSize(a.cfg.FeedQueueSize),
			feed.WithDropHook(func(topic string) {
				dropped.WithLabelValues(topicKind(topic)).Inc()
			}),
		), nil
	}
}

// newStore picks Postgres when a pool exists, else the in-memory dev store.
func (a *App) newStore(ctx context.Context) (store.Store, error) {
	opts := []store.Option{store.WithPublisher(a.broker), store.WithLogger(a.log)}

	if a.pool == nil {
		a.log.Info("db.disabled.inmemory_store")
		return store.NewInMemoryStore(opts...)
	}

	st, err := store.NewPostgresStore(a.pool, append(opts, store.WithSchema(a.cfg.DBSchema))...)
	if err != nil {
		return nil, err
	}
	if a.cfg.DBMigrate {
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return st, nil
}

// newVerifier returns nil, selecting dev identity mode, when no token key is configured.
func newVerifier(cfg token.Config) (token.Verifier, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	m, err := token.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// topicKind keeps metric labels bounded: "conversation" or "reactions".
func topicKind(topic string) string {
	kind, _, _ := strings.Cut(topic, ":")
	return kind
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", a.baseURL,
		"ws_url", wsBaseURL(a.baseURL)+"/ws",
		"db_enabled", a.pool != nil,
		"broker", a.cfg.Broker,
		"uploads", a.uploads != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.Close()
		return err
	}

	a.Close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases the broker, store and pool. Closing the broker ends every live
// subscription, which in turn ends hijacked websocket sessions.
func (a *App) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Error("feed.close.fail", "err", err)
		}
		a.broker = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
