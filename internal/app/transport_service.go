package app

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shaded/internal/config"
	"github.com/dokzlo13/shaded/internal/eventbus"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/transport"
)

// TransportService wraps the client server and routes outbound messages
// from the bus to it.
type TransportService struct {
	cfg    *config.Config
	Server *transport.Server
}

// NewTransportService creates the server and subscribes it to outbound
// events. history may be nil.
func NewTransportService(
	cfg *config.Config,
	ctrl transport.Controller,
	history transport.History,
	m *metrics.Metrics,
	bus *eventbus.Bus,
) *TransportService {
	server := transport.NewServer(transport.Options{
		Addr:       cfg.Server.Addr(),
		RateLimit:  rate.Limit(cfg.Server.RateLimitRPS),
		RateBurst:  cfg.Server.RateBurst,
		SendBuffer: cfg.Server.SendBuffer,
	}, ctrl, history, m)
	bus.Subscribe(eventbus.EventTypeOutbound, server.HandleEvent)

	return &TransportService{
		cfg:    cfg,
		Server: server,
	}
}

// Start begins the client server.
func (s *TransportService) Start(ctx context.Context, onFatalError func(error)) {
	go func() {
		if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Client server error")
			onFatalError(err)
		}
	}()
}
