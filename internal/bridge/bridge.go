// ABOUTME: Bridge orchestrator that wires store, forwarding engines, and the
// ABOUTME: gateway server together and manages the HTTP listener lifecycle.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quetel/bridge/internal/auth"
	"github.com/quetel/bridge/internal/config"
	"github.com/quetel/bridge/internal/dedupe"
	"github.com/quetel/bridge/internal/forward"
	"github.com/quetel/bridge/internal/gateway"
	"github.com/quetel/bridge/internal/message"
	"github.com/quetel/bridge/internal/protocol"
	"github.com/quetel/bridge/internal/store"
)

// Options assembles a Bridge beyond its file configuration. QQ and
// Telegram are the platform delivery implementations; nil means
// unconfigured, in which case sends fail until glue is wired in.
type Options struct {
	Config   *config.Config
	QQ       forward.QQSender
	Telegram forward.TelegramSender
	Version  string
	Logger   *slog.Logger
}

// Bridge owns the daemon's components: the persistent store, the shared
// dedup cache, per-instance forwarding engines, the gateway server, and
// the HTTP listener that serves the WebSocket upgrade and health
// endpoints.
type Bridge struct {
	config     *config.Config
	store      store.Store
	dedupe     *dedupe.Cache
	gateway    *gateway.Server
	httpServer *http.Server
	qq         forward.QQSender
	tg         forward.TelegramSender
	logger     *slog.Logger
	serverID   string

	mu      sync.Mutex
	engines map[int64]*forward.Engine
	addr    string
}

// New creates a bridge from options. It opens the store and constructs
// the gateway server but binds no ports; call Run.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	qq := opts.QQ
	if qq == nil {
		qq = unconfiguredQQ{}
	}
	tg := opts.Telegram
	if tg == nil {
		tg = unconfiguredTelegram{}
	}

	b := &Bridge{
		config:   cfg,
		store:    s,
		dedupe:   dedupe.New(5*time.Minute, 100_000),
		qq:       qq,
		tg:       tg,
		logger:   logger.With("component", "bridge"),
		serverID: uuid.New().String(),
		engines:  make(map[int64]*forward.Engine),
	}

	identity, err := b.resolveIdentity(context.Background())
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	b.gateway = gateway.New(gateway.Config{
		Verifier: auth.NewStaticVerifier(cfg.Auth.Tokens),
		Resolver: func(instanceID int64) (gateway.Executor, error) {
			return forward.NewExecutor(b.EngineFor(instanceID)), nil
		},
		Snapshot: func(ctx context.Context) ([]protocol.InstanceSnapshot, error) {
			return forward.Snapshot(ctx, b.store)
		},
		Identity:      identity,
		ServerName:    "quetel-gateway",
		ServerVersion: opts.Version,
		HeartbeatMs:   int(cfg.Gateway.HeartbeatInterval.Milliseconds()),
		Capabilities:  []string{"message.segments", "reply.mapping"},
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/gateway", b.gateway.Handler())
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)

	b.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return b, nil
}

// initStore opens the SQLite store, honoring the QUETEL_DB_PATH
// environment override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("QUETEL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// resolveIdentity picks the ready-frame identity: the first configured
// instance's bot, or a synthetic server identity for an empty database.
func (b *Bridge) resolveIdentity(ctx context.Context) (protocol.Identity, error) {
	instances, err := b.store.ListInstances(ctx)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("listing instances: %w", err)
	}
	if len(instances) > 0 {
		return protocol.Identity{UserID: instances[0].BotUserID, Name: instances[0].BotName}, nil
	}
	return protocol.Identity{UserID: b.serverID, Name: "quetel-gateway"}, nil
}

// EngineFor returns the forwarding engine for an instance, creating it
// on first reference. Engines share the store and dedup cache and
// publish through the gateway server.
func (b *Bridge) EngineFor(instanceID int64) *forward.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()

	if engine, ok := b.engines[instanceID]; ok {
		return engine
	}
	engine := forward.NewEngine(forward.Config{
		InstanceID: instanceID,
		Store:      b.store,
		QQ:         b.qq,
		Telegram:   b.tg,
		Publisher:  b.gateway,
		Dedupe:     b.dedupe,
		Logger:     b.logger,
	})
	b.engines[instanceID] = engine
	return engine
}

// Gateway exposes the gateway server, mainly so platform glue and tests
// can publish events directly.
func (b *Bridge) Gateway() *gateway.Server {
	return b.gateway
}

// Addr returns the bound HTTP address, "" before Run has listened.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Run starts the HTTP server and blocks until the context is canceled
// or the server fails. Returns nil on graceful shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	b.mu.Lock()
	b.addr = ln.Addr().String()
	b.mu.Unlock()

	b.logger.Info("bridge listening",
		"http_addr", b.Addr(),
		"db_path", b.config.Database.Path,
		"server_id", b.serverID,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := b.waitForShutdownSignal(ctx, errCh)
	shutdownErr := b.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (b *Bridge) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		b.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time it executes.
func (b *Bridge) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown stops the HTTP server, tears down gateway sessions, and
// closes the cache and store. Safe to call once after Run returns.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := b.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}

	b.gateway.Close()
	b.dedupe.Close()

	if err := b.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	b.logger.Info("bridge shut down")
	return firstErr
}

// unconfiguredQQ and unconfiguredTelegram stand in until platform glue
// is wired; every send fails loudly.
type unconfiguredQQ struct{}

func (unconfiguredQQ) SendMessage(ctx context.Context, roomID int64, replyTo string, segments []message.Segment) (string, error) {
	return "", errors.New("qq sender not configured")
}

type unconfiguredTelegram struct{}

func (unconfiguredTelegram) SendMessage(ctx context.Context, chatID, threadID int64, replyTo string, segments []message.Segment) (string, error) {
	return "", errors.New("telegram sender not configured")
}
