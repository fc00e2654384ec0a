// Package service assembles the daemon: storage, the cloud client,
// the sync engine, the MQTT listener, and the local IPC surface. It
// owns startup order, config reload application, and shutdown order.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/shadowd/internal/cloud"
	"github.com/edgefleet/shadowd/internal/config"
	"github.com/edgefleet/shadowd/internal/ipc"
	"github.com/edgefleet/shadowd/internal/ipcserver"
	"github.com/edgefleet/shadowd/internal/mqtt"
	"github.com/edgefleet/shadowd/internal/ratelimit"
	"github.com/edgefleet/shadowd/internal/store"
	"github.com/edgefleet/shadowd/internal/sync"
)

const (
	// queueCapacity bounds the sync request queue. Producers block
	// when the engine falls this far behind.
	queueCapacity = 1024

	// shutdownTimeout bounds the IPC server drain on exit.
	shutdownTimeout = 5 * time.Second
)

// Service is the assembled daemon.
type Service struct {
	holder *config.Holder
	logger *slog.Logger

	store      *store.Store
	sc         *sync.SyncContext
	handler    *sync.Handler
	mqttClient *mqtt.PahoClient
	mqttMgr    *mqtt.Manager
	ipcService *ipc.Service
	ipcServer  *ipcserver.Server
	watcher    *config.Watcher

	// strategy settings currently in effect, compared on reload so an
	// unchanged strategy is not churned.
	strategyType    string
	strategyDelay   time.Duration
	strategyWorkers int
}

// New creates an unstarted Service around a config holder.
func New(holder *config.Holder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{holder: holder, logger: logger}
}

// IPCAddr returns the bound IPC listen address, valid once Run has
// started the server. Useful when configured with port 0.
func (s *Service) IPCAddr() string {
	if s.ipcServer == nil {
		return ""
	}

	return s.ipcServer.Addr()
}

// Run starts every component, blocks until the context is canceled,
// then shuts them down in reverse order.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.holder.Config()

	if err := s.start(ctx, cfg); err != nil {
		s.shutdown()
		return err
	}

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.shutdown()

	return nil
}

func (s *Service) start(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.Database.Path, s.logger)
	if err != nil {
		return err
	}

	s.store = st

	limiter := ratelimit.New(ratelimit.Config{
		OutboundPerSecond:        cfg.RateLimits.MaxOutboundSyncUpdatesPerSecond,
		InboundTotalPerSecond:    cfg.RateLimits.MaxTotalLocalRequestsRate,
		InboundPerThingPerSecond: cfg.RateLimits.MaxLocalRequestsPerSecondPerThing,
	}, s.logger)

	httpClient := cloud.NewAuthenticatedHTTPClient(ctx, cloud.AuthConfig{
		TokenURL:     cfg.Cloud.TokenURL,
		ClientID:     cfg.Cloud.ClientID,
		ClientSecret: cfg.Cloud.ClientSecret,
	})
	cloudClient := cloud.NewClient(cfg.Cloud.Endpoint, httpClient, s.logger)

	sc := sync.NewSyncContext(st, cloudClient, limiter, s.logger)
	s.sc = sc
	s.handler = sync.NewHandler(sc, queueCapacity, s.logger)

	if err := s.handler.SetSyncedShadows(ctx, cfg.SyncedKeys()); err != nil {
		return fmt.Errorf("service: registering synced shadows: %w", err)
	}

	if err := s.handler.SetDirection(ctx, sync.Direction(cfg.Synchronize.Direction)); err != nil {
		return fmt.Errorf("service: setting sync direction: %w", err)
	}

	if err := s.applyStrategy(ctx, cfg); err != nil {
		return err
	}

	if err := s.startMQTT(ctx, cfg, limiter); err != nil {
		return err
	}

	s.ipcService = ipc.NewService(st, sc.Local, sc.Locks, s.handler, limiter,
		cfg.Synchronize.ShadowDocumentSizeLimitBytes, s.logger)
	s.ipcServer = ipcserver.NewServer(s.ipcService, s.logger)

	if err := s.ipcServer.Start(cfg.IPC.ListenAddr); err != nil {
		return err
	}

	s.watcher = config.NewWatcher(s.holder, func(next *config.Config) {
		s.applyReload(ctx, next)
	}, s.logger)

	if err := s.watcher.Start(ctx); err != nil {
		// A broken watcher only disables hot reload; keep running.
		s.logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
		s.watcher = nil
	}

	if err := s.handler.FullSyncOnStartup(ctx); err != nil {
		s.logger.Warn("startup full sync enqueue failed", slog.String("error", err.Error()))
	}

	s.logger.Info("shadowd started",
		slog.String("ipc_addr", s.ipcServer.Addr()),
		slog.Int("synced_shadows", len(cfg.SyncedKeys())),
	)

	return nil
}

// applyStrategy builds and installs the configured strategy when its
// settings differ from what is already running.
func (s *Service) applyStrategy(ctx context.Context, cfg *config.Config) error {
	delay := cfg.StrategyDelay()
	workers := cfg.Synchronize.Strategy.Workers

	if s.strategyType == cfg.Synchronize.Strategy.Type &&
		s.strategyDelay == delay && s.strategyWorkers == workers {
		return nil
	}

	var strategy sync.Strategy
	if cfg.Synchronize.Strategy.Type == config.StrategyPeriodic {
		strategy = sync.NewPeriodicStrategy(s.handler.Queue(), s.sc, delay, s.logger)
	} else {
		strategy = sync.NewRealTimeStrategy(s.handler.Queue(), s.sc, workers, s.logger)
	}

	if err := s.handler.SetStrategy(ctx, strategy); err != nil {
		return fmt.Errorf("service: installing %s strategy: %w", cfg.Synchronize.Strategy.Type, err)
	}

	s.strategyType = cfg.Synchronize.Strategy.Type
	s.strategyDelay = delay
	s.strategyWorkers = workers

	return nil
}

// startMQTT connects the cloud event listener. An empty broker URL
// disables it; periodic reconciliation then carries cloud changes.
func (s *Service) startMQTT(ctx context.Context, cfg *config.Config, limiter *ratelimit.Limiter) error {
	if cfg.MQTT.BrokerURL == "" {
		s.logger.Info("mqtt listener disabled, no broker configured")
		return nil
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "shadowd-" + uuid.NewString()
	}

	// The listener reads svc.mqttMgr at event time, so the manager can
	// be wired after the client exists but before Connect.
	s.mqttClient = mqtt.NewPahoClient(mqtt.Options{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  clientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, &connectionEvents{svc: s}, s.logger)

	s.mqttMgr = mqtt.NewManager(s.mqttClient, s.handler, limiter, s.logger)
	s.mqttMgr.SetShadows(cfg.SyncedKeys())
	s.mqttMgr.Start(ctx)

	if err := s.mqttClient.Connect(ctx); err != nil {
		// The paho client keeps retrying in the background; starting
		// degraded is better than refusing to start offline.
		s.logger.Warn("initial mqtt connect failed, retrying in background",
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// applyReload pushes a new config snapshot into the running
// components. Endpoints and the database path require a restart and
// are intentionally not reapplied.
func (s *Service) applyReload(ctx context.Context, cfg *config.Config) {
	if err := s.handler.SetSyncedShadows(ctx, cfg.SyncedKeys()); err != nil {
		s.logger.Error("applying synced shadows failed", slog.String("error", err.Error()))
	}

	if err := s.handler.SetDirection(ctx, sync.Direction(cfg.Synchronize.Direction)); err != nil {
		s.logger.Error("applying sync direction failed", slog.String("error", err.Error()))
	}

	if err := s.applyStrategy(ctx, cfg); err != nil {
		s.logger.Error("applying strategy failed", slog.String("error", err.Error()))
	}

	s.ipcService.SetSizeLimit(cfg.Synchronize.ShadowDocumentSizeLimitBytes)

	if s.mqttMgr != nil {
		s.mqttMgr.SetShadows(cfg.SyncedKeys())
	}
}

// shutdown tears components down in reverse startup order so nothing
// observes a collaborator that is already gone.
func (s *Service) shutdown() {
	if s.watcher != nil {
		s.watcher.Stop()
	}

	if s.ipcServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.ipcServer.Shutdown(ctx); err != nil {
			s.logger.Warn("ipc server shutdown", slog.String("error", err.Error()))
		}

		cancel()
	}

	if s.mqttMgr != nil {
		s.mqttMgr.Stop()
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.handler != nil {
		s.handler.Stop()
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing store", slog.String("error", err.Error()))
		}
	}
}

// connectionEvents reacts to broker connectivity changes: every
// (re)connect re-establishes subscriptions and schedules a full sync
// to cover events missed while offline.
type connectionEvents struct {
	svc *Service
}

func (c *connectionEvents) OnConnect() {
	c.svc.logger.Info("mqtt connected")

	if c.svc.mqttMgr != nil {
		c.svc.mqttMgr.Wake()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := c.svc.handler.FullSyncOnStartup(ctx); err != nil {
		c.svc.logger.Warn("post-reconnect full sync enqueue failed",
			slog.String("error", err.Error()),
		)
	}
}

func (c *connectionEvents) OnConnectionLost(err error) {
	c.svc.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
}
