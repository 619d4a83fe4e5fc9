package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/controller"
	"github.com/dokzlo13/shaded/internal/db"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/solar"
	"github.com/dokzlo13/shaded/internal/state"
	"github.com/dokzlo13/shaded/internal/transport"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger // nil when history is disabled
	Store  *state.Store
	Bus    *eventbus.Bus

	// Solar times
	SolarCache *solar.Cache
	Solar      *solar.Refresher

	Hardware *Hardware
	Metrics  *metrics.Metrics

	// High-level services
	Controller *ControllerService
	Transport  *TransportService
	Health     *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	loc, err := cfg.Geo.Location()
	if err != nil {
		return nil, err
	}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	if cfg.Ledger.IsEnabled() {
		s.Ledger = ledger.New(database.DB)
	}

	// Initialize generic state store
	s.Store = state.NewStore(database.DB)

	// Initialize solar refresher (service, cache, local fallback)
	s.SolarCache = solar.NewCache(database.DB)
	s.Solar = solar.NewRefresher(
		solar.NewProvider(cfg.Geo.Endpoint, cfg.Geo.HTTPTimeout.Duration()),
		s.SolarCache,
		solar.Location{Lat: cfg.Geo.Lat, Lon: cfg.Geo.Lon, TZ: loc},
		solar.RetryConfig{
			MinBackoff:  cfg.Solar.MinRetryBackoff.Duration(),
			MaxBackoff:  cfg.Solar.MaxRetryBackoff.Duration(),
			Multiplier:  cfg.Solar.RetryMultiplier,
			MaxAttempts: cfg.Solar.MaxAttempts,
		},
		cfg.Geo.FallbackEnabled(),
	)
	if cfg.Geo.Lat == 0 && cfg.Geo.Lon == 0 {
		log.Warn().Msg("No lat/lon configured, sunrise and sunset will be computed for 0,0")
	}

	// Initialize motor, limit switch and LED
	s.Hardware, err = OpenHardware(cfg.Motor)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// The controller service exists before its controller; metrics read
	// through it at scrape time.
	s.Controller = NewControllerService(cfg, loc, controller.Deps{
		Motor:     s.Hardware.Motor,
		Switch:    s.Hardware.Switch,
		Solar:     s.Solar,
		Store:     s.Store,
		Ledger:    s.Ledger,
		Publisher: eventbus.NewPublisher(s.Bus),
	}, s.Hardware.LED, s.Ledger, s.SolarCache)
	s.Metrics = metrics.New(s.Controller.MetricsState)
	s.Controller.deps.Metrics = s.Metrics

	// Initialize health service
	s.Health = NewHealthService(cfg, s.Controller.Running, s.Controller.Ready, s.Metrics)

	return s, nil
}

// Start loads the controller state and starts all services in order.
// The onFatalError callback is called when a service cannot continue.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	if err := s.Controller.Init(); err != nil {
		return err
	}

	var history transport.History
	if s.Ledger != nil {
		history = s.Ledger
	}
	s.Transport = NewTransportService(s.cfg, s.Controller.Controller, history, s.Metrics, s.Bus)

	s.Controller.Start(ctx)
	s.Transport.Start(ctx, onFatalError)
	s.Health.Start(ctx)

	return nil
}

// ClearState deletes the persisted shade and schedule documents.
func (s *Services) ClearState() error {
	if err := s.Store.Clear(controller.KindShade); err != nil {
		return err
	}
	return s.Store.Clear(controller.KindSchedule)
}

// Stop waits for the control loop to stop the motor, then releases all
// resources. The context passed to Start must already be cancelled.
func (s *Services) Stop() error {
	timeout := s.cfg.ShutdownTimeout.Duration()
	if s.Controller != nil {
		s.Controller.Wait(timeout)
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		s.Bus.Close(ctx)
		cancel()
	}
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Hardware != nil {
		if err := s.Hardware.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release GPIO lines")
		}
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
