package daemon

import (
	"context"
	"fmt"
	"net"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/env"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/redistransport"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// lockOwner is recorded in the session lock file.
const lockOwner = "chatsyncd"

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.chatsync/config.toml
	LogLevel    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTransport,
			provideEngine,
			provideService,
			provideGateway,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Resolve(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), lockOwner)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so that the database is only opened by the
// process owning the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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

// provideTransport builds the configured transport and ties its connection
// to the app lifecycle. Its hook is appended before registerLifecycle's, so it
// comes up first and goes down last.
func provideTransport(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	switch tc.Kind {
	case config.TransportRedis:
		rdb, err := redistransport.NewClient(tc.RedisAddr, tc.RedisPassword, tc.RedisDB)
		if err != nil {
			return nil, err
		}
		t := redistransport.New(rdb, redistransport.Options{
			Prefix:        tc.Prefix,
			Heartbeat:     tc.Heartbeat,
			SweepInterval: tc.SweepInterval,
		}, logger.Named("redis"))
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("connecting redis transport",
					zap.String("addr", tc.RedisAddr),
					zap.String("client_session", t.Session()))
				// The loops outlive the start context.
				return t.Start(context.Background())
			},
			OnStop: func(context.Context) error {
				return multierr.Append(t.Close(), rdb.Close())
			},
		})
		return t, nil
	case config.TransportMemory:
		m := transport.NewMemory()
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("using in-process memory transport")
				m.SetConnected(true)
				return nil
			},
			OnStop: func(context.Context) error {
				m.SetConnected(false)
				return nil
			},
		})
		return m, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

func provideEngine(p Params, t transport.Transport, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(t, env.NewSystem(p.SessionName), db, b, logger.Named("sync"), intsync.Options{
		TypingTimeout: cfg.Typing.Timeout,
		Outbox: outbox.Options{
			MaxRetries:  cfg.Outbox.MaxRetries,
			BaseBackoff: cfg.Outbox.BaseBackoff,
			MaxBackoff:  cfg.Outbox.MaxBackoff,
		},
	})
}

func provideService(p Params, eng *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(eng, b, p.SessionName, logger.Named("api"))
}

// provideGateway returns nil when no gateway address is configured.
func provideGateway(cfg *config.Config, eng *intsync.Engine, logger *zap.Logger) *gateway.Gateway {
	if cfg.Gateway.Addr == "" {
		return nil
	}
	return gateway.New(eng, []byte(cfg.Gateway.JWTSecret), logger.Named("gateway"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, gw *gateway.Gateway, lk *lock.Lock, db *store.DB, engine *intsync.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			engine.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if gw != nil {
				l, err := net.Listen("tcp", cfg.Gateway.Addr)
				if err != nil {
					return fmt.Errorf("listen gateway %s: %w", cfg.Gateway.Addr, err)
				}
				go func() {
					if err := gw.Serve(l); err != nil {
						logger.Error("gateway error", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			if gw != nil {
				err = multierr.Append(err, gw.Shutdown(ctx))
			}
			srv.Stop(ctx)
			engine.Flush(ctx)
			engine.Stop()
			err = multierr.Append(err, db.Close())
			if relErr := lk.Release(); relErr != nil {
				logger.Warn("error releasing lock", zap.Error(relErr))
				err = multierr.Append(err, relErr)
			}
			logger.Info("daemon stopped", zap.Error(err))
			return err
		},
	})
}
