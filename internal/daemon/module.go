package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/api"
	"github.com/matheus3301/wpweb/internal/backend"
	"github.com/matheus3301/wpweb/internal/bus"
	"github.com/matheus3301/wpweb/internal/chatsync"
	"github.com/matheus3301/wpweb/internal/config"
	"github.com/matheus3301/wpweb/internal/gateway"
	"github.com/matheus3301/wpweb/internal/lock"
	"github.com/matheus3301/wpweb/internal/logging"
	"github.com/matheus3301/wpweb/internal/outbox"
	"github.com/matheus3301/wpweb/internal/profile"
	"github.com/matheus3301/wpweb/internal/session"
	"github.com/matheus3301/wpweb/internal/status"
	"github.com/matheus3301/wpweb/internal/store"
)

// openTimeout bounds opening the local database.
const openTimeout = 10 * time.Second

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideGateway,
			provideSessionManager,
			provideTracker,
			provideChatStore,
			provideService,
			NewServer,
			NewHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Load(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so that only the owning daemon opens the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	db, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideBackend returns nil when no backend is configured; the daemon then
// runs degraded instead of failing.
func provideBackend(cfg *config.Config, db *store.DB, logger *zap.Logger) (*backend.Client, error) {
	if !cfg.Backend.Configured() {
		logger.Warn("backend is not configured; running without remote data")
		return nil, nil
	}
	c, err := backend.New(backend.Options{
		URL:               cfg.Backend.URL,
		APIKey:            cfg.Backend.APIKey,
		Timeout:           cfg.Backend.RequestTimeout.Duration,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Storage:           db.Sessions(),
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}
	logger.Info("backend client ready", zap.String("url", cfg.Backend.URL))
	return c, nil
}

func provideGateway(cfg *config.Config, c *backend.Client, logger *zap.Logger) *gateway.Gateway {
	if c == nil {
		return gateway.New(nil, cfg.Backend.Bucket, logger)
	}
	return gateway.New(c, cfg.Backend.Bucket, logger)
}

func provideSessionManager(c *backend.Client, gw *gateway.Gateway, m *status.Machine, b *bus.Bus, logger *zap.Logger) *session.Manager {
	if c == nil {
		return session.NewManager(nil, gw, m, b, logger)
	}
	return session.NewManager(c.Auth(), gw, m, b, logger)
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Tracker {
	return outbox.NewTracker(db, b, logger)
}

func provideChatStore(gw *gateway.Gateway, tracker *outbox.Tracker, b *bus.Bus, logger *zap.Logger) *chatsync.Store {
	return chatsync.New(gw, tracker, b, logger)
}

func provideService(p Params, gw *gateway.Gateway, m *status.Machine, sessions *session.Manager, chats *chatsync.Store, tracker *outbox.Tracker, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Profile, gw.Configured(), m, sessions, chats, tracker, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Server   *Server
	HTTP     *HTTPServer
	Lock     *lock.Lock
	DB       *store.DB
	Backend  *backend.Client
	Sessions *session.Manager
	Tracker  *outbox.Tracker
	Chats    *chatsync.Store
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			d.Tracker.Recover(ctx)

			// The chat store must follow the bus before the session can
			// announce a restored sign-in.
			d.Chats.Start(runCtx)
			if d.Backend != nil {
				d.Backend.Auth().StartAutoRefresh(runCtx)
			}
			if err := d.Sessions.Start(ctx); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			d.HTTP.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.HTTP.Stop(ctx)
			d.Sessions.Stop()
			d.Chats.Stop()
			if cancel != nil {
				cancel()
			}
			if d.Backend != nil {
				d.Backend.Auth().StopAutoRefresh()
				if err := d.Backend.Close(); err != nil {
					d.Logger.Warn("error closing backend client", zap.Error(err))
				}
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
