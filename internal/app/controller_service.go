package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/clock"
	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/controller"
	"github.com/dokzlo13/shaded/internal/hardware"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/solar"
)

// ControllerService runs the control loop, the clock tick source, the
// status LED, and periodic history cleanup.
type ControllerService struct {
	cfg        *config.Config
	loc        *time.Location
	deps       controller.Deps
	ticks      *clock.TickSource
	led        hardware.LED
	ledger     *ledger.Ledger
	solarCache *solar.Cache

	Controller *controller.Controller
	done       chan struct{}
}

// NewControllerService creates the service. The controller itself is built
// by Init so that stored state can be cleared first.
func NewControllerService(
	cfg *config.Config,
	loc *time.Location,
	deps controller.Deps,
	led hardware.LED,
	l *ledger.Ledger,
	cache *solar.Cache,
) *ControllerService {
	ticks := clock.NewTickSource(time.Second, 1)
	deps.Ticks = ticks.C()
	return &ControllerService{
		cfg:        cfg,
		loc:        loc,
		deps:       deps,
		ticks:      ticks,
		led:        led,
		ledger:     l,
		solarCache: cache,
	}
}

// Init loads the persisted shade and schedule.
func (s *ControllerService) Init() error {
	ctrl, err := controller.New(controller.Options{
		StepInterval:  s.cfg.Motor.StepInterval.Duration(),
		QueueSize:     s.cfg.Server.QueueSize,
		SwitchSamples: s.cfg.Motor.SwitchSamples,
		SolarRetry:    s.cfg.Solar.RetryInterval.Duration(),
		Location:      s.loc,
	}, s.deps)
	if err != nil {
		return err
	}
	s.Controller = ctrl
	return nil
}

// Start runs the control loop and its helpers until ctx is cancelled.
func (s *ControllerService) Start(ctx context.Context) {
	s.done = make(chan struct{})

	go s.ticks.Run(ctx)
	go func() {
		defer close(s.done)
		s.Controller.Run(ctx)
	}()
	go hardware.NewIndicator(s.led, s.Controller.Initialized).Run(ctx)
	go s.runCleanup(ctx)
}

// Wait blocks until the control loop has stopped the motor, or the timeout
// expires.
func (s *ControllerService) Wait(timeout time.Duration) {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Control loop did not stop in time")
	}
}

// Running reports whether the control loop is running.
func (s *ControllerService) Running() bool {
	return s.Controller != nil && s.Controller.Running()
}

// Ready reports whether the shade is being driven with a synced clock and
// known solar times.
func (s *ControllerService) Ready() bool {
	return s.Running() && s.Controller.Initialized()
}

// MetricsState implements metrics.StateFunc.
func (s *ControllerService) MetricsState() metrics.State {
	if s.Controller == nil {
		return metrics.State{}
	}
	st := s.Controller.MetricsState()
	st.DroppedTicks = s.ticks.Dropped()
	return st
}

// runCleanup periodically trims history and stale solar cache entries.
func (s *ControllerService) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *ControllerService) cleanup() {
	if s.ledger != nil {
		retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
		deleted, err := s.ledger.DeleteOlderThan(retention)
		if err != nil {
			log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
		} else if deleted > 0 {
			log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
		}
	}

	if s.solarCache != nil {
		today := time.Now().In(s.loc).Format(time.DateOnly)
		deleted, err := s.solarCache.DeleteBefore(today)
		if err != nil {
			log.Error().Err(err).Msg("Failed to cleanup solar cache")
		} else if deleted > 0 {
			log.Debug().Int64("deleted", deleted).Msg("Cleaned up solar cache")
		}
	}
}
