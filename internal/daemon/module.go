// Package daemon composes the sync core into an fx application: storage,
// the offline queue, the thread store, the event reconciler, the sender and
// the control server, started and stopped in dependency order.
package daemon

import (
	"context"

	"github.com/CoteTommy/Weft-App-sub000/internal/api"
	"github.com/CoteTommy/Weft-App-sub000/internal/bus"
	"github.com/CoteTommy/Weft-App-sub000/internal/config"
	"github.com/CoteTommy/Weft-App-sub000/internal/lock"
	"github.com/CoteTommy/Weft-App-sub000/internal/logging"
	"github.com/CoteTommy/Weft-App-sub000/internal/mesh"
	"github.com/CoteTommy/Weft-App-sub000/internal/outbox"
	"github.com/CoteTommy/Weft-App-sub000/internal/queue"
	"github.com/CoteTommy/Weft-App-sub000/internal/session"
	"github.com/CoteTommy/Weft-App-sub000/internal/status"
	"github.com/CoteTommy/Weft-App-sub000/internal/store"
	intsync "github.com/CoteTommy/Weft-App-sub000/internal/sync"
	"github.com/CoteTommy/Weft-App-sub000/internal/threadstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = session.ConfigPath()
	Debug      bool
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return session.ConfigPath()
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
			provideQueue,
			provideMeshClient,
			provideThreadStore,
			provideReconciler,
			provideSender,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath, cfg.Queue.StorageQuotaBytes)
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

func provideQueue(db *store.DB, cfg *config.Config, logger *zap.Logger) (*queue.Manager, error) {
	p, err := queue.NewPersister(db, db, cfg.Queue.InlineAttachmentCapBytes, logger)
	if err != nil {
		return nil, err
	}
	m := queue.NewManager(p, logger)
	if err := m.Load(); err != nil {
		return nil, err
	}
	logger.Info("offline queue loaded", zap.Int("entries", len(m.Entries())))
	return m, nil
}

func provideMeshClient(cfg *config.Config, logger *zap.Logger) *mesh.Client {
	return mesh.NewClient(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout.Duration, logger)
}

func provideThreadStore(mc *mesh.Client, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) (*threadstore.Store, error) {
	return threadstore.New(mc, db, b, threadstore.Options{
		PageSize:      cfg.Backend.PageSize,
		MaxThreadSets: cfg.Cache.MaxThreadSets,
		MaxMessages:   cfg.Cache.MaxMessages,
		DisplayName:   cfg.DisplayName,
	}, logger)
}

func provideReconciler(mc *mesh.Client, ts *threadstore.Store, m *status.Machine, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	rc := cfg.Reconciler
	return intsync.NewReconciler(mc, ts, m, intsync.Options{
		FlushInterval:      rc.FlushInterval.Duration,
		StaleAfter:         rc.StaleAfter.Duration,
		WatchdogInterval:   rc.WatchdogInterval.Duration,
		RefreshDebounce:    rc.RefreshDebounce.Duration,
		MinRefreshInterval: rc.MinRefreshInterval.Duration,
		ResubscribeDelay:   rc.ResubscribeDelay.Duration,
	}, logger)
}

func provideSender(q *queue.Manager, mc *mesh.Client, ts *threadstore.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(q, mc, ts, b, cfg.Queue.PollMin.Duration, cfg.Queue.PollMax.Duration, logger)
}

func provideControl(p Params, ts *threadstore.Store, q *queue.Manager, sender *outbox.Sender, rec *intsync.Reconciler, mc *mesh.Client, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.Profile, ts, q, sender, rec, mc, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Threads *threadstore.Store
	Feed    *intsync.Reconciler
	Sender  *outbox.Sender
	Control *api.Control
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	watchDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Nobody watches until a control client attaches.
			d.Sender.SetHidden(true)
			d.Sender.Start(ctx)
			d.Feed.Start(ctx)

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				defer close(watchDone)
				err := config.Watch(ctx, d.Params.configPath(), d.Logger, func(cfg *config.Config) {
					if cfg.DisplayName != "" {
						d.Threads.SetDisplayName(cfg.DisplayName)
					}
				})
				if err != nil {
					d.Logger.Warn("config watch unavailable", zap.Error(err))
				}
			}()

			d.Logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-watchDone
			d.Control.Close()
			d.Server.Stop(ctx)
			d.Feed.Stop()
			d.Sender.Stop()
			d.Threads.Close()
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
