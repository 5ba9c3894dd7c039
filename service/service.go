package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-cache/cache"
	"github.com/saiset-co/sai-cache/config"
	"github.com/saiset-co/sai-cache/health"
	"github.com/saiset-co/sai-cache/invalidator"
	"github.com/saiset-co/sai-cache/kv"
	"github.com/saiset-co/sai-cache/logger"
	"github.com/saiset-co/sai-cache/metrics"
	"github.com/saiset-co/sai-cache/middleware"
	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/warmer"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service wires the cache layer together: config, logger, metrics,
// health, KV store, cache service, warmer and invalidator. Dependencies
// are held explicitly and passed down at construction; nothing reaches
// for globals.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configManager   types.ConfigManager
	logger          types.Logger
	metricsManager  types.MetricsManager
	healthManager   types.HealthManager
	store           types.KVStore
	cacheService    types.CacheService
	warmerManager   types.WarmerManager
	invalidator     types.InvalidatorManager
	rateLimiter     *middleware.RateLimiter
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

// NewService loads configuration from configPath and assembles all
// components. Nothing is started yet.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	configManager, err := config.NewManager(configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to load config")
	}

	return build(ctx, configManager)
}

// NewServiceFromConfig assembles the service from an in-memory config.
// Intended for embedding the cache layer into a host application that
// manages its own configuration.
func NewServiceFromConfig(ctx context.Context, cfg *types.ServiceConfig) (*Service, error) {
	configManager, err := config.NewManagerFromConfig(cfg)
	if err != nil {
		return nil, types.WrapError(err, "invalid config")
	}

	return build(ctx, configManager)
}

func build(ctx context.Context, configManager types.ConfigManager) (*Service, error) {
	cfg := configManager.GetConfig()

	serviceCtx, cancel := context.WithCancel(ctx)

	log, err := logger.NewDefaultLogger(cfg.Logger)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build logger")
	}

	metricsManager, err := metrics.NewMetrics(serviceCtx, log, cfg.Metrics)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build metrics")
	}

	store, err := kv.NewStore(serviceCtx, log, cfg.Store)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build KV store")
	}

	cacheService, err := cache.NewService(serviceCtx, log, store, cfg.Cache, metricsManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build cache service")
	}

	warmerManager, err := warmer.NewManager(serviceCtx, log, cacheService, cfg.Warmer, metricsManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build warmer")
	}

	invalidatorManager, err := invalidator.NewManager(serviceCtx, log, cacheService, cfg.Invalidator, metricsManager)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to build invalidator")
	}

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configManager:   configManager,
		logger:          log,
		metricsManager:  metricsManager,
		store:           store,
		cacheService:    cacheService,
		warmerManager:   warmerManager,
		invalidator:     invalidatorManager,
		rateLimiter:     middleware.NewRateLimiter(log, cacheService, cfg.RateLimit),
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		healthManager, err := health.NewManager(serviceCtx, log)
		if err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to build health manager")
		}
		service.healthManager = healthManager
		service.registerHealthCheckers()
	}

	service.state.Store(StateStopped)

	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	if err := s.startComponents(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Cache service started",
		zap.String("name", s.configManager.GetConfig().Name))

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer s.setState(StateStopped)

	s.logger.Info("Stopping cache service...")

	err := s.stopComponents()
	s.cancel()
	s.wg.Wait()

	if err != nil {
		return err
	}

	s.logger.Info("Cache service stopped gracefully")
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Done closes when the service context ends, either through Stop or a
// shutdown signal.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context     { return s.ctx }
func (s *Service) Config() *types.ServiceConfig { return s.configManager.GetConfig() }
func (s *Service) Logger() types.Logger         { return s.logger }
func (s *Service) Cache() types.CacheService    { return s.cacheService }
func (s *Service) Store() types.KVStore         { return s.store }
func (s *Service) Warmer() types.WarmerManager  { return s.warmerManager }

func (s *Service) Invalidator() types.InvalidatorManager { return s.invalidator }
func (s *Service) Metrics() types.MetricsManager         { return s.metricsManager }
func (s *Service) Health() types.HealthManager           { return s.healthManager }
func (s *Service) RateLimiter() *middleware.RateLimiter  { return s.rateLimiter }

// startComponents brings dependencies up before their dependents: the
// store before the cache service, the cache service before the warmer
// and invalidator.
func (s *Service) startComponents() error {
	ordered := []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"metrics", s.metricsManager},
		{"kv store", s.store},
		{"cache service", s.cacheService},
		{"warmer", s.warmerManager},
		{"invalidator", s.invalidator},
	}

	if s.healthManager != nil {
		ordered = append(ordered, struct {
			name    string
			manager types.LifecycleManager
		}{"health", s.healthManager})
	}

	for i, component := range ordered {
		if err := component.manager.Start(); err != nil {
			s.logger.Error("Component failed to start",
				zap.String("component", component.name), zap.Error(err))
			s.rollback(ordered[:i])
			return types.WrapError(err, component.name)
		}
		s.logger.Debug("Component started", zap.String("component", component.name))
	}

	return nil
}

func (s *Service) rollback(started []struct {
	name    string
	manager types.LifecycleManager
}) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].manager.Stop(); err != nil {
			s.logger.Warn("Failed to stop component during rollback",
				zap.String("component", started[i].name), zap.Error(err))
		}
	}
}

// stopComponents shuts down in reverse dependency order. The warmer and
// invalidator stop in parallel since neither depends on the other.
func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return s.invalidator.Stop() })
	g.Go(func() error { return s.warmerManager.Stop() })
	if err := g.Wait(); err != nil {
		s.logger.Error("Error stopping workers", zap.Error(err))
		errs = append(errs, err)
	}

	if s.healthManager != nil {
		if err := s.healthManager.Stop(); err != nil {
			s.logger.Error("Failed to stop health manager", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := s.cacheService.Stop(); err != nil {
		s.logger.Error("Failed to stop cache service", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.store.Stop(); err != nil {
		s.logger.Error("Failed to stop KV store", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.metricsManager.Stop(); err != nil {
		s.logger.Error("Failed to stop metrics manager", zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	return nil
}

func (s *Service) registerHealthCheckers() {
	s.healthManager.RegisterChecker("store", func(ctx context.Context) types.HealthCheck {
		if err := s.store.Ping(ctx); err != nil {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	s.healthManager.RegisterChecker("warmer", func(ctx context.Context) types.HealthCheck {
		if !s.warmerManager.IsRunning() {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: "warmer not running",
			}
		}

		check := types.HealthCheck{Status: types.StatusHealthy}
		if report := s.warmerManager.LastReport(); report != nil && report.FailedTasks > 0 {
			check.Status = types.StatusUnknown
			check.Message = "last warming run had failures"
		}
		return check
	})

	s.healthManager.RegisterChecker("invalidator", func(ctx context.Context) types.HealthCheck {
		if !s.invalidator.IsRunning() {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: "invalidator not running",
			}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	})
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			s.cancel()

		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
