// Package chittybroker is the public API for embedding the ChittyBroker
// context and credential broker.
//
// Consumers import this package to construct and run the server:
//
//	app, err := chittybroker.New(
//	    chittybroker.WithVersion(version),
//	    chittybroker.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chittybroker (root)
// imports internal/*, but internal/* never imports the root.
package chittybroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/chittyos/chittybroker/internal/auth"
	"github.com/chittyos/chittybroker/internal/chittyid"
	"github.com/chittyos/chittybroker/internal/config"
	"github.com/chittyos/chittybroker/internal/credentials"
	"github.com/chittyos/chittybroker/internal/gateway"
	"github.com/chittyos/chittybroker/internal/integrity"
	"github.com/chittyos/chittybroker/internal/kv"
	"github.com/chittyos/chittybroker/internal/mcp"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/internal/objectstore"
	"github.com/chittyos/chittybroker/internal/queue"
	"github.com/chittyos/chittybroker/internal/ratelimit"
	"github.com/chittyos/chittybroker/internal/resolver"
	"github.com/chittyos/chittybroker/internal/server"
	"github.com/chittyos/chittybroker/internal/storage"
	"github.com/chittyos/chittybroker/internal/telemetry"
	"github.com/chittyos/chittybroker/internal/vault"
	"github.com/chittyos/chittybroker/migrations"
)

// remintInterval is the cadence of the unsigned-context re-mint loop.
const remintInterval = 10 * time.Minute

// auditRetention bounds how long credential audit rows are kept.
const auditRetention = 90 * 24 * time.Hour

// App is the ChittyBroker server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	kvStore      kv.Store
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	consumer     *queue.Consumer // nil when Redis is unavailable
	contexts     *resolver.Resolver
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	consumerDone chan struct{}
}

// New initialises the ChittyBroker server. It connects to the backends, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chittybroker starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// KV: Redis in production; on failure fall back to the in-process store
	// so the API stays up. The queue consumer needs real Redis and stays off.
	var kvStore kv.Store
	var redisKV *kv.Redis
	redisKV, err = kv.NewRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory KV; queue consumer disabled", "error", err)
		kvStore = kv.NewMemory()
	} else {
		kvStore = redisKV
	}

	// Object store (optional).
	var objects *objectstore.Store
	if cfg.ObjectStoreBucket != "" && cfg.ObjectStoreEndpoint != "" {
		objects, err = objectstore.New(context.Background(), objectstore.Config{
			Bucket:    cfg.ObjectStoreBucket,
			Region:    cfg.ObjectStoreRegion,
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreKeyID,
			SecretKey: cfg.ObjectStoreSecret,
		}, logger)
		if err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("object store: %w", err)
		}
	} else {
		logger.Info("object store: disabled (no endpoint configured)")
	}

	// Outbound gateway. The identity services get the tighter breaker.
	gw := gateway.New(logger, gateway.Options{
		Timeout:     cfg.OutboundTimeout,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
	}, chittyid.ServiceName, "chittyauth")

	vaultClient := vault.New(cfg.VaultURL, cfg.VaultToken, gw)
	if !vaultClient.Configured() {
		logger.Warn("vault: not configured, relying on environment token fallbacks")
	}
	minter := chittyid.NewClient(cfg.MintURL, cfg.MintToken, gw)
	if !minter.Configured() {
		logger.Warn("minting service: not configured, new contexts will be unsigned")
	}

	credBroker := credentials.New(vaultClient, db, logger)
	contexts := resolver.New(db, minter, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	authn := auth.NewAuthenticator(db, logger)

	// Rate limiter: KV-backed fixed window so the bound holds across instances.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewWindowLimiter(kvStore, cfg.RateLimitPerMin, time.Minute)
		logger.Info("rate limiting: kv fixed window", "per_minute", cfg.RateLimitPerMin)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// SSE broker.
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// MCP server with session tracking.
	tracker := mcp.NewSessionTracker(cfg.MCPSessionIdleTTL, cfg.MCPMaxSessions)
	mcpSrv := mcp.New(contexts, credBroker, db, tracker, logger)

	// Queue consumer (Redis Streams).
	var consumer *queue.Consumer
	if redisKV != nil {
		consumer = queue.NewConsumer(redisKV.Client(), kvStore, queue.Options{
			Stream:         cfg.QueueStream,
			Group:          cfg.QueueGroup,
			DLQStream:      cfg.QueueDLQStream,
			Workers:        cfg.QueueWorkers,
			MaxAttempts:    cfg.QueueMaxRetry,
			IdempotencyTTL: cfg.IdempotencyTTL,
		}, logger)
		registerQueueHandlers(consumer, contexts, logger)
	}

	srv := server.New(server.Config{
		Handlers: server.HandlersDeps{
			Store:       db,
			Contexts:    contexts,
			Credentials: credBroker,
			Gateway:     gw,
			Objects:     objects,
			KV:          kvStore,
			JWTMgr:      jwtMgr,
			Authn:       authn,
			Broker:      broker,
			Logger:      logger,
			Version:     version,
			ServiceURL: func(service string) string {
				return os.Getenv(config.ServiceURLEnvVar(service))
			},
		},
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Tracker:             tracker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		RequestTimeout:      cfg.RequestTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		kvStore:      kvStore,
		srv:          srv,
		broker:       broker,
		consumer:     consumer,
		contexts:     contexts,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		consumerDone: make(chan struct{}),
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	if a.consumer != nil {
		go func() {
			defer close(a.consumerDone)
			if err := a.consumer.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("queue consumer stopped", "error", err)
			}
		}()
	} else {
		close(a.consumerDone)
	}

	go a.bindingReaperLoop(ctx)
	go a.checkpointLoop(ctx)
	go a.remintLoop(ctx)
	go a.auditCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// CurrentSession reports the context a session is bound to, in the public
// types. For embedders that want a read without going through HTTP.
func (a *App) CurrentSession(ctx context.Context, sessionID string) (*Context, *Session, error) {
	entity, binding, err := a.contexts.CurrentContext(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return toPublicContext(entity), toPublicSession(binding), nil
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) wait for the queue consumer to finish in-flight deliveries,
// (3) close the KV connection, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chittybroker shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	select {
	case <-a.consumerDone:
	case <-time.After(15 * time.Second):
		a.logger.Warn("queue consumer drain timed out")
	}

	if err := a.kvStore.Close(); err != nil {
		a.logger.Warn("kv close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("chittybroker stopped")
	return nil
}

// bindingReaperLoop force-unbinds bindings idle past the configured TTL with
// reason timeout, so abandoned sessions still roll their counters up.
func (a *App) bindingReaperLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BindingReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.BindingIdleTTL).Unix()
			n, err := a.contexts.ReapIdleBindings(ctx, cutoff, 100)
			if err != nil {
				a.logger.Warn("binding reap failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("idle bindings reaped", "count", n)
			}
		}
	}
}

// checkpointLoop periodically anchors the ledger: a Merkle root over every
// context's current head hash, persisted as a checkpoint row.
func (a *App) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			heads, err := a.db.LedgerHeadHashes(ctx)
			if err != nil {
				a.logger.Warn("ledger checkpoint: list heads", "error", err)
				continue
			}
			if len(heads) == 0 {
				continue
			}
			root := integrity.BuildMerkleRoot(heads)
			if err := a.db.InsertLedgerCheckpoint(ctx, root, len(heads)); err != nil {
				a.logger.Warn("ledger checkpoint: insert", "error", err)
				continue
			}
			a.logger.Info("ledger checkpoint recorded", "contexts", len(heads))
		}
	}
}

// remintLoop retries canonical minting for contexts created with a fallback
// identifier while the minting service was down.
func (a *App) remintLoop(ctx context.Context) {
	ticker := time.NewTicker(remintInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.contexts.RemintUnsigned(ctx, 50)
			if err != nil {
				a.logger.Warn("remint pass failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("unsigned contexts re-minted", "count", n)
			}
		}
	}
}

// auditCleanupLoop prunes credential audit rows past the retention window.
func (a *App) auditCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-auditRetention).Unix()
			n, err := a.db.CleanupCredentialAudit(ctx, cutoff)
			if err != nil {
				a.logger.Warn("credential audit cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("credential audit rows pruned", "count", n)
			}
		}
	}
}

// registerQueueHandlers wires the webhook/sync event types onto the consumer.
func registerQueueHandlers(c *queue.Consumer, contexts *resolver.Resolver, logger *slog.Logger) {
	// session.complete: an upstream platform reports a finished session with
	// its rolled-up metrics.
	c.Handle("session.complete", func(ctx context.Context, evt queue.Event) error {
		sessionID, _ := evt.Payload["sessionId"].(string)
		if sessionID == "" {
			return fmt.Errorf("session.complete: missing sessionId")
		}
		metrics := metricsFromPayload(evt.Payload)
		if _, err := contexts.UnbindSession(ctx, sessionID, metrics, model.UnbindSessionComplete); err != nil {
			if errors.Is(err, resolver.ErrNotFound) {
				// Already unbound; the delivery is satisfied.
				logger.Info("session.complete for unknown binding", "sessionId", sessionID)
				return nil
			}
			return err
		}
		return nil
	})

	// session.touch: keep-alive from a platform without a full request.
	c.Handle("session.touch", func(ctx context.Context, evt queue.Event) error {
		sessionID, _ := evt.Payload["sessionId"].(string)
		if sessionID == "" {
			return fmt.Errorf("session.touch: missing sessionId")
		}
		if err := contexts.TouchSession(ctx, sessionID); err != nil {
			if errors.Is(err, resolver.ErrNotFound) {
				return nil
			}
			return err
		}
		return nil
	})

	// context.expand: asynchronous DNA expansion, e.g. from a sync pipeline.
	c.Handle("context.expand", func(ctx context.Context, evt queue.Event) error {
		chittyID, _ := evt.Payload["chittyId"].(string)
		if chittyID == "" {
			return fmt.Errorf("context.expand: missing chittyId")
		}
		exp := resolver.DNAExpansion{
			Patterns:         stringsFromPayload(evt.Payload, "patterns"),
			Traits:           stringsFromPayload(evt.Payload, "traits"),
			Competencies:     stringsFromPayload(evt.Payload, "competencies"),
			ExpertiseDomains: stringsFromPayload(evt.Payload, "expertiseDomains"),
		}
		_, err := contexts.ExpandDNA(ctx, chittyID, exp)
		return err
	})
}

// metricsFromPayload decodes session metrics from a loosely-typed payload.
func metricsFromPayload(payload map[string]any) model.SessionMetrics {
	m := model.SessionMetrics{
		Interactions: intFromPayload(payload, "interactions"),
		Decisions:    intFromPayload(payload, "decisions"),
		Competencies: stringsFromPayload(payload, "competencies"),
	}
	if v, ok := payload["successRate"].(float64); ok {
		m.SuccessRate = v
	}
	if v, ok := payload["anomalyDelta"].(float64); ok {
		m.AnomalyDelta = v
	}
	return m
}

func intFromPayload(payload map[string]any, key string) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return 0
}

func stringsFromPayload(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
