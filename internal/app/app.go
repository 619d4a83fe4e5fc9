package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/config"
)

// App owns the shade services and runs them under one cancellable context.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New opens the database and hardware and wires the services. Nothing runs
// until Start.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start builds the controller from persisted state and runs the control
// loop, the client server and the health server. A fatal server error
// cancels the app context.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	err := a.services.Start(a.ctx, func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	})
	if err != nil {
		a.cancel()
		return err
	}

	log.Info().
		Str("driver", a.cfg.Motor.Driver).
		Str("addr", a.cfg.Server.Addr()).
		Str("timezone", a.cfg.Geo.Timezone).
		Msg("shaded started")
	return nil
}

// Stop cancels the app context and waits for the control loop to halt the
// motor and save the position before hardware and database are released.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.services == nil {
		return nil
	}
	return a.services.Stop()
}

// Wait blocks until shutdown is requested.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// ClearState forgets calibration, position and schedule. Call it before
// Start so the controller boots uncalibrated.
func (a *App) ClearState() error {
	if a.services == nil {
		return nil
	}
	return a.services.ClearState()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
