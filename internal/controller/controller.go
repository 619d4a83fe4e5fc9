// Package controller runs the control loop: the single goroutine that owns
// the shade, the schedule, and the software clock. Everything else talks to
// it through bounded channels.
package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/clock"
	"github.com/dokzlo13/shaded/internal/hardware"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/metrics"
	"github.com/dokzlo13/shaded/internal/protocol"
	"github.com/dokzlo13/shaded/internal/schedule"
	"github.com/dokzlo13/shaded/internal/shade"
	"github.com/dokzlo13/shaded/internal/solar"
	"github.com/dokzlo13/shaded/internal/state"
)

// Persisted document kinds and ids.
const (
	KindShade    = "shade"
	KindSchedule = "schedule"
	docID        = "default"
)

// ErrBusy is returned by Submit when the command queue is full.
var ErrBusy = errors.New("controller busy")

// Defaults
const (
	DefaultQueueSize     = 64
	DefaultStepInterval  = 2 * time.Millisecond
	DefaultSolarRetry    = 30 * time.Minute
	DefaultSwitchSamples = 3
)

// A host time later than this at midnight is taken to be the previous day.
const maxResyncAhead = 12 * 3600

// SolarSource produces today's sunrise and sunset. It may block.
type SolarSource interface {
	Refresh(ctx context.Context) (solar.Times, error)
}

// Inbound is one message from a client.
type Inbound struct {
	ClientID string
	Data     []byte

	// Connect announces a new client; Data is ignored and both snapshots
	// are broadcast.
	Connect bool

	// Reply, when set, receives the reply instead of the publisher. It
	// must be buffered.
	Reply chan<- protocol.Reply
}

// Options configures a controller.
type Options struct {
	StepInterval  time.Duration
	QueueSize     int
	SwitchSamples int
	SolarRetry    time.Duration  // Delay before retrying a failed refresh
	Location      *time.Location // Local timezone of the clock
	Now           func() time.Time
}

// Deps are the collaborators of a controller. Ledger and Metrics may be nil.
type Deps struct {
	Motor     shade.Motor
	Switch    hardware.LimitSwitch
	Ticks     <-chan struct{}
	Solar     SolarSource
	Store     *state.Store
	Ledger    *ledger.Ledger
	Publisher protocol.Publisher
	Metrics   *metrics.Metrics
}

// View is an immutable copy of the controller state for readers outside
// the loop.
type View struct {
	Config   protocol.ConfigSnapshot
	Schedule protocol.ScheduleSnapshot
	Status   shade.Status
	Solar    solar.Times
}

type solarResult struct {
	times solar.Times
	err   error
}

// Controller owns all mutable shade state.
type Controller struct {
	opts Options
	deps Deps

	machine  *shade.Machine
	rules    *schedule.Evaluator
	clock    *clock.Clock
	sun      solar.Times
	debounce *hardware.Debouncer

	shadeStore    *state.TypedStore[shade.Config]
	scheduleStore *state.TypedStore[schedule.Document]

	inbox        chan Inbound
	solarReq     chan struct{}
	solarResults chan solarResult

	switchErr string

	view        atomic.Pointer[View]
	running     atomic.Bool
	initialized atomic.Bool
}

// New loads the persisted documents and builds the controller. The shade
// starts stopped at its persisted target.
func New(opts Options, deps Deps) (*Controller, error) {
	if opts.StepInterval <= 0 {
		opts.StepInterval = DefaultStepInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SwitchSamples <= 0 {
		opts.SwitchSamples = DefaultSwitchSamples
	}
	if opts.SolarRetry <= 0 {
		opts.SolarRetry = DefaultSolarRetry
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		opts:          opts,
		deps:          deps,
		debounce:      hardware.NewDebouncer(opts.SwitchSamples),
		shadeStore:    state.NewTypedStore[shade.Config](deps.Store, KindShade),
		scheduleStore: state.NewTypedStore[schedule.Document](deps.Store, KindSchedule),
		inbox:         make(chan Inbound, opts.QueueSize),
		solarReq:      make(chan struct{}, 1),
		solarResults:  make(chan solarResult, 1),
	}

	cfg, found, err := c.shadeStore.Get(docID)
	if err != nil {
		return nil, err
	}
	c.machine = shade.New(cfg, deps.Motor)
	if found && c.machine.Config() != cfg {
		c.persistShade()
	}

	doc, _, err := c.scheduleStore.Get(docID)
	if err != nil {
		return nil, err
	}
	c.rules = schedule.New(doc)

	c.clock = clock.New(clock.FromTime(opts.Now().In(opts.Location)))

	loaded := c.machine.Config()
	log.Info().
		Str("calibration", loaded.Calibration.String()).
		Int("travel_length", loaded.TravelLength).
		Int("target", loaded.TargetPosition).
		Int("percent", loaded.ShadePercent).
		Int("timers", len(c.rules.Timers())).
		Str("clock", c.clock.Snapshot().String()).
		Msg("Controller state loaded")

	c.updateView()
	return c, nil
}

// Submit queues a client message. It never blocks; a full queue returns
// ErrBusy.
func (c *Controller) Submit(in Inbound) error {
	select {
	case c.inbox <- in:
		return nil
	default:
		return ErrBusy
	}
}

// Connect announces a new client so it receives both snapshots.
func (c *Controller) Connect(clientID string) error {
	return c.Submit(Inbound{ClientID: clientID, Connect: true})
}

// View returns the latest state copy.
func (c *Controller) View() View {
	return *c.view.Load()
}

// Running reports whether the control loop is running.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Initialized reports whether the clock is synced and today's solar times
// are known.
func (c *Controller) Initialized() bool {
	return c.initialized.Load()
}

// MetricsState returns the state exported to Prometheus.
func (c *Controller) MetricsState() metrics.State {
	v := c.view.Load()
	return metrics.State{
		Status:     v.Status,
		SolarReady: v.Solar.Ready,
		QueueDepth: len(c.inbox),
	}
}

// Run executes the control loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	go c.solarWorker(ctx)
	c.requestSolar()

	stepTicker := time.NewTicker(c.opts.StepInterval)
	defer stepTicker.Stop()

	log.Info().Dur("step_interval", c.opts.StepInterval).Msg("Control loop started")
	c.publishConfig()
	c.publishSchedule()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case <-stepTicker.C:
			c.stepTick()

		case <-c.deps.Ticks:
			c.clockTick()

		case in := <-c.inbox:
			c.handleInbound(in)

		case res := <-c.solarResults:
			c.applySolar(res)
		}
	}
}

// stepTick services the motor and the limit switch once.
func (c *Controller) stepTick() {
	active := c.readSwitch()
	if c.debounce.Push(active) {
		out := c.machine.LimitSwitchTripped()
		if out != (shade.Outcome{}) {
			log.Info().
				Int("travel_length", c.machine.Config().TravelLength).
				Str("calibration", c.machine.Config().Calibration.String()).
				Msg("Limit switch tripped during calibration")
		}
		c.handleOutcome(out, "limit_switch")
	}

	// While calibrating, a closed switch holds the motor so the step count
	// stays exact until the trip is confirmed.
	if active && c.machine.Status().Motion == shade.Calibrating {
		return
	}
	c.handleOutcome(c.machine.Step(), "motor")
}

func (c *Controller) readSwitch() bool {
	if c.deps.Switch == nil {
		return false
	}
	active, err := c.deps.Switch.Active()
	switch {
	case err != nil && err.Error() != c.switchErr:
		c.switchErr = err.Error()
		log.Error().Err(err).Msg("Limit switch read failed")
	case err == nil && c.switchErr != "":
		c.switchErr = ""
		log.Info().Msg("Limit switch read recovered")
	}
	return err == nil && active
}

// clockTick advances the clock one second and evaluates the schedule.
func (c *Controller) clockTick() {
	rolled := c.clock.Tick()
	if rolled {
		c.sun.Ready = false
	}

	fired := c.evaluate()
	if rolled {
		fired = c.resync() || fired
	}
	if fired {
		return
	}

	// Progress updates for clients while the motor runs.
	if c.machine.Status().Motion != shade.Stopped {
		c.publishConfig()
		return
	}
	c.updateView()
}

// evaluate applies the rules firing at the current clock second. It reports
// whether any fired.
func (c *Controller) evaluate() bool {
	now := c.clock.Snapshot()
	fires := c.rules.Evaluate(now, c.clock.Day(), c.sun)
	for _, f := range fires {
		log.Info().
			Str("kind", string(f.Kind)).
			Str("rule", f.RuleID).
			Int("percent", f.Percent).
			Str("at", now.String()).
			Msg("Schedule rule fired")
		c.record(ledger.EventScheduleFired, "schedule", map[string]any{
			"kind":    f.Kind,
			"rule":    f.RuleID,
			"percent": f.Percent,
			"at":      now.String(),
		})
		if c.deps.Metrics != nil {
			c.deps.Metrics.ScheduleFires.WithLabelValues(string(f.Kind)).Inc()
		}
	}
	if len(fires) == 0 {
		return false
	}
	c.handleOutcome(c.machine.SetPercent(fires[len(fires)-1].Percent), "schedule")
	return true
}

// resync runs right after midnight has been evaluated. A host clock that is
// ahead is caught up one second at a time so no rule second is skipped. A
// host clock still before midnight is ignored; setting it back would roll
// the day over twice.
func (c *Controller) resync() bool {
	host := clock.FromTime(c.opts.Now().In(c.opts.Location)).Seconds()
	before := c.clock.Snapshot()

	fired := false
	if host > maxResyncAhead {
		log.Warn().
			Str("clock", before.String()).
			Str("host", clock.FromSeconds(host).String()).
			Msg("Host clock behind midnight, keeping software time")
	} else {
		for c.clock.Snapshot().Seconds() < host {
			c.clock.Tick()
			fired = c.evaluate() || fired
		}
	}

	log.Info().
		Str("clock", before.String()).
		Str("synced", c.clock.Snapshot().String()).
		Uint64("day", c.clock.Day()).
		Msg("Daily clock resync")
	c.requestSolar()
	return fired
}

func (c *Controller) handleInbound(in Inbound) {
	if in.Connect {
		log.Debug().Str("client_id", in.ClientID).Msg("Client connected, sending state")
		c.publishConfig()
		c.publishSchedule()
		return
	}

	cmd, err := protocol.Parse(in.Data)
	var res protocol.Result
	if err == nil {
		if cmd.Kind == protocol.CmdCalibrate {
			c.debounce.Reset()
		}
		res, err = protocol.Apply(cmd, c.machine, c.rules)
	}

	c.recordCommand(in, cmd, res, err)
	c.reply(in, protocol.NewReply(cmd, res, err))
	if err != nil {
		return
	}

	if res.Shade.Persist {
		c.persistShade()
		c.recordShadeReason(res.Shade.Reason, "command")
	}
	if res.ScheduleChanged {
		c.persistSchedule()
	}
	if res.PublishConfig {
		c.publishConfig()
	}
	if res.PublishSchedule {
		c.publishSchedule()
	}
	c.updateView()
}

func (c *Controller) recordCommand(in Inbound, cmd protocol.Command, res protocol.Result, err error) {
	name := string(cmd.Kind)
	if name == "" {
		name = "invalid"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	if c.deps.Metrics != nil {
		label := name
		if errors.Is(err, protocol.ErrUnknownCommand) {
			label = "unknown"
		}
		c.deps.Metrics.Commands.WithLabelValues(label, result).Inc()
	}

	if err != nil {
		log.Warn().Err(err).Str("client_id", in.ClientID).Str("cmd", name).Msg("Command rejected")
		c.record(ledger.EventCommandRejected, in.ClientID, map[string]any{"cmd": name, "error": err.Error()})
		return
	}

	log.Info().Str("client_id", in.ClientID).Str("cmd", name).Str("note", res.Note).Msg("Command applied")
	// Read-only commands are not history.
	if cmd.Kind == protocol.CmdGetTimers || cmd.Kind == protocol.CmdGetState {
		return
	}
	payload := map[string]any{"cmd": name}
	switch cmd.Kind {
	case protocol.CmdSetShade:
		payload["shade"] = cmd.Shade
	case protocol.CmdAddTimer:
		payload["timer"] = cmd.Timer
	case protocol.CmdDeleteTimer:
		payload["id"] = cmd.TimerID
		payload["time"] = cmd.Time
	case protocol.CmdAddSunrise, protocol.CmdAddSunset:
		payload["percent"] = cmd.Percent
	}
	if res.Note != "" {
		payload["note"] = res.Note
	}
	c.record(ledger.EventCommandApplied, in.ClientID, payload)
}

func (c *Controller) reply(in Inbound, r protocol.Reply) {
	if in.Reply != nil {
		select {
		case in.Reply <- r:
		default:
			log.Warn().Str("client_id", in.ClientID).Msg("Reply channel full, dropping reply")
		}
		return
	}
	if in.ClientID != "" && c.deps.Publisher != nil {
		c.deps.Publisher.Publish(protocol.Outbound{ClientID: in.ClientID, Payload: r})
	}
}

// handleOutcome persists and publishes after a state machine transition
// that was not caused by a command.
func (c *Controller) handleOutcome(out shade.Outcome, source string) {
	if out.Persist {
		c.persistShade()
		c.recordShadeReason(out.Reason, source)
	}
	if out.Notify {
		c.publishConfig()
	}
}

func (c *Controller) recordShadeReason(reason shade.Reason, source string) {
	cfg := c.machine.Config()
	payload := map[string]any{
		"reason":        reason.String(),
		"travel_length": cfg.TravelLength,
		"target":        cfg.TargetPosition,
		"percent":       cfg.ShadePercent,
	}

	switch reason {
	case shade.ReasonCalibrated:
		c.record(ledger.EventCalibrationDone, source, payload)
	case shade.ReasonCalibrationAborted, shade.ReasonCalibrationFailed:
		c.record(ledger.EventCalibrationAbort, source, payload)
	case shade.ReasonTargetReached:
		log.Info().Int("position", cfg.TargetPosition).Int("percent", cfg.ShadePercent).Msg("Target reached")
		c.record(ledger.EventTargetReached, source, payload)
	}
}

func (c *Controller) persistShade() {
	err := c.shadeStore.Set(docID, c.machine.Config())
	c.persisted(KindShade, err)
}

func (c *Controller) persistSchedule() {
	err := c.scheduleStore.Set(docID, c.rules.List())
	c.persisted(KindSchedule, err)
}

func (c *Controller) persisted(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		log.Error().Err(err).Str("document", kind).Msg("Failed to persist state")
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.Persists.WithLabelValues(kind, result).Inc()
	}
}

func (c *Controller) record(eventType ledger.EventType, source string, payload map[string]any) {
	if c.deps.Ledger == nil {
		return
	}
	if err := c.deps.Ledger.Append(eventType, source, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record ledger entry")
	}
}

func (c *Controller) publishConfig() {
	v := c.updateView()
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(protocol.Outbound{Payload: v.Config})
	}
}

func (c *Controller) publishSchedule() {
	v := c.updateView()
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(protocol.Outbound{Payload: v.Schedule})
	}
}

func (c *Controller) updateView() *View {
	st := c.machine.Status()
	v := &View{
		Config:   protocol.NewConfigSnapshot(st, c.sun, c.clock.Snapshot()),
		Schedule: protocol.NewScheduleSnapshot(c.rules.List()),
		Status:   st,
		Solar:    c.sun,
	}
	c.view.Store(v)
	return v
}

// requestSolar asks the solar worker for a refresh. Safe from any
// goroutine; a pending request absorbs duplicates.
func (c *Controller) requestSolar() {
	select {
	case c.solarReq <- struct{}{}:
	default:
	}
}

func (c *Controller) solarWorker(ctx context.Context) {
	if c.deps.Solar == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.solarReq:
		}

		times, err := c.deps.Solar.Refresh(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case c.solarResults <- solarResult{times: times, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) applySolar(res solarResult) {
	if res.err != nil {
		log.Warn().Err(res.err).Dur("retry_in", c.opts.SolarRetry).Msg("Solar refresh failed, solar rules paused")
		c.record(ledger.EventSolarFailed, "solar", map[string]any{"error": res.err.Error()})
		if c.deps.Metrics != nil {
			c.deps.Metrics.SolarFetches.WithLabelValues("error").Inc()
		}
		time.AfterFunc(c.opts.SolarRetry, c.requestSolar)
		return
	}

	if today := c.opts.Now().In(c.opts.Location).Format("2006-01-02"); res.times.Date != today {
		log.Warn().Str("date", res.times.Date).Str("today", today).Msg("Discarding solar times for another day")
		return
	}

	c.sun = res.times
	c.sun.Ready = true
	log.Info().
		Str("date", c.sun.Date).
		Str("sunrise", c.sun.Sunrise.String()).
		Str("sunset", c.sun.Sunset.String()).
		Str("source", string(c.sun.Source)).
		Msg("Solar times updated")
	c.record(ledger.EventSolarRefreshed, "solar", map[string]any{
		"date":    c.sun.Date,
		"sunrise": c.sun.Sunrise.String(),
		"sunset":  c.sun.Sunset.String(),
		"source":  string(c.sun.Source),
	})
	if c.deps.Metrics != nil {
		c.deps.Metrics.SolarFetches.WithLabelValues(string(c.sun.Source)).Inc()
	}

	if !c.initialized.Swap(true) {
		log.Info().Msg("Controller initialized")
	}
	c.publishConfig()
}

// shutdown stops the motor. A shade stopped mid-travel keeps its position
// as the new target.
func (c *Controller) shutdown() {
	if c.machine.Status().Motion != shade.Stopped {
		log.Info().Msg("Stopping motor for shutdown")
		c.handleOutcome(c.machine.Stop(), "shutdown")
	}
	if c.deps.Motor != nil {
		if err := c.deps.Motor.Drive(shade.Stopped); err != nil {
			log.Warn().Err(err).Msg("Failed to disable motor")
		}
	}
	log.Info().Msg("Control loop stopped")
}
