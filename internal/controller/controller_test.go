package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/shaded/internal/clock"
	"github.com/dokzlo13/shaded/internal/db"
	"github.com/dokzlo13/shaded/internal/hardware"
	"github.com/dokzlo13/shaded/internal/ledger"
	"github.com/dokzlo13/shaded/internal/protocol"
	"github.com/dokzlo13/shaded/internal/schedule"
	"github.com/dokzlo13/shaded/internal/shade"
	"github.com/dokzlo13/shaded/internal/solar"
	"github.com/dokzlo13/shaded/internal/state"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []protocol.Outbound
}

func (p *recordingPublisher) Publish(msg protocol.Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) lastConfig() (protocol.ConfigSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if s, ok := p.msgs[i].Payload.(protocol.ConfigSnapshot); ok {
			return s, true
		}
	}
	return protocol.ConfigSnapshot{}, false
}

func (p *recordingPublisher) replies(clientID string) []protocol.Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Reply
	for _, m := range p.msgs {
		if r, ok := m.Payload.(protocol.Reply); ok && m.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type fixedSolar struct {
	times solar.Times
	err   error
}

func (f fixedSolar) Refresh(ctx context.Context) (solar.Times, error) {
	return f.times, f.err
}

type harness struct {
	ctrl   *Controller
	sim    *hardware.Simulator
	pub    *recordingPublisher
	store  *state.Store
	ledger *ledger.Ledger
	now    time.Time
}

func newHarness(t *testing.T, persisted *shade.Config, simStart int) *harness {
	t.Helper()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	h := &harness{
		sim:    hardware.NewSimulator(simStart, 1000),
		pub:    &recordingPublisher{},
		store:  state.NewStore(database.DB),
		ledger: ledger.New(database.DB),
		now:    time.Date(2026, 10, 19, 10, 29, 59, 0, time.UTC),
	}
	if persisted != nil {
		if err := state.NewTypedStore[shade.Config](h.store, KindShade).Set(docID, *persisted); err != nil {
			t.Fatal(err)
		}
	}

	h.ctrl, err = New(Options{
		SwitchSamples: 3,
		Now:           func() time.Time { return h.now },
	}, Deps{
		Motor:     h.sim,
		Switch:    h.sim,
		Store:     h.store,
		Ledger:    h.ledger,
		Publisher: h.pub,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) send(clientID, data string) {
	h.ctrl.handleInbound(Inbound{ClientID: clientID, Data: []byte(data)})
}

func (h *harness) persistedShade(t *testing.T) shade.Config {
	t.Helper()
	cfg, found, err := state.NewTypedStore[shade.Config](h.store, KindShade).Get(docID)
	if err != nil || !found {
		t.Fatalf("persisted shade: found=%v err=%v", found, err)
	}
	return cfg
}

func TestCalibrationEndToEnd(t *testing.T) {
	h := newHarness(t, nil, 500)

	h.send("c1", `{"cmd":"calibrate"}`)
	if r := h.pub.replies("c1"); len(r) != 1 || !r[0].OK {
		t.Fatalf("replies = %+v", r)
	}

	for i := 0; i < 500; i++ {
		h.ctrl.stepTick()
	}
	if st := h.ctrl.machine.Status(); st.CalibrationSteps != 500 || st.Motion != shade.Calibrating {
		t.Fatalf("after 500 ticks: %+v", st)
	}

	// The switch is now closed; the debouncer confirms it without stepping.
	for i := 0; i < 3; i++ {
		h.ctrl.stepTick()
	}

	cfg := h.persistedShade(t)
	if cfg.TravelLength != 500 || cfg.Calibration != shade.Calibrated || cfg.ShadePercent != 0 || cfg.TargetPosition != 0 {
		t.Errorf("persisted = %+v", cfg)
	}

	snap, ok := h.pub.lastConfig()
	if !ok {
		t.Fatal("no config broadcast")
	}
	if snap.Shade != 0 || snap.CalibrateStatus != shade.Calibrated || snap.ShadeLength != 500 {
		t.Errorf("broadcast = %+v", snap)
	}

	entries, err := h.ledger.GetByType(ledger.EventCalibrationDone, 10)
	if err != nil || len(entries) != 1 {
		t.Errorf("calibration ledger entries = %d, %v", len(entries), err)
	}
}

func TestSetShadeEndToEnd(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 200, Calibration: shade.Calibrated}, 0)

	h.send("c1", `{"cmd":"setShade","shade":50}`)

	for i := 1; i <= 100; i++ {
		h.ctrl.stepTick()
		if i < 100 && h.ctrl.machine.Status().Motion != shade.MovingDown {
			t.Fatalf("tick %d: motion %v", i, h.ctrl.machine.Status().Motion)
		}
	}

	st := h.ctrl.machine.Status()
	if st.CurrentPosition != 100 || st.Motion != shade.Stopped {
		t.Fatalf("after 100 ticks: %+v", st)
	}
	if h.sim.Position() != 100 {
		t.Errorf("physical position = %d", h.sim.Position())
	}

	cfg := h.persistedShade(t)
	if cfg.TargetPosition != 100 || cfg.ShadePercent != 50 {
		t.Errorf("persisted = %+v", cfg)
	}

	snap, _ := h.pub.lastConfig()
	if snap.CurrentPos != 100 || snap.Motion != shade.Stopped {
		t.Errorf("last broadcast = %+v", snap)
	}
}

func TestStopMidTravelPersistsPosition(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 200, Calibration: shade.Calibrated}, 0)

	h.send("c1", `{"cmd":"close"}`)
	for i := 0; i < 37; i++ {
		h.ctrl.stepTick()
	}
	h.send("c1", `{"cmd":"stop"}`)

	if cfg := h.persistedShade(t); cfg.TargetPosition != 37 {
		t.Fatalf("persisted target = %d, want 37", cfg.TargetPosition)
	}
	for i := 0; i < 10; i++ {
		h.ctrl.stepTick()
	}
	if h.sim.Position() != 37 {
		t.Errorf("drifted to %d after stop", h.sim.Position())
	}
}

func TestScheduleFiresOnClockTick(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 100, Calibration: shade.Calibrated}, 0)

	h.send("c1", `{"cmd":"addTimer","timer":["t1","10","30","45"]}`)
	doc, found, err := state.NewTypedStore[schedule.Document](h.store, KindSchedule).Get(docID)
	if err != nil || !found || len(doc.Timers) != 1 {
		t.Fatalf("persisted schedule = %+v, %v, %v", doc, found, err)
	}

	h.ctrl.clockTick() // 10:30:00
	if got := h.ctrl.machine.Config().ShadePercent; got != 45 {
		t.Fatalf("ShadePercent = %d, want 45", got)
	}

	// The user moves the shade in the same minute; the timer must not refire.
	h.send("c1", `{"cmd":"setShade","shade":10}`)
	for i := 0; i < 59; i++ {
		h.ctrl.clockTick()
	}
	if got := h.ctrl.machine.Config().ShadePercent; got != 10 {
		t.Errorf("ShadePercent = %d, timer refired", got)
	}

	entries, _ := h.ledger.GetByType(ledger.EventScheduleFired, 10)
	if len(entries) != 1 {
		t.Errorf("schedule_fired entries = %d, want 1", len(entries))
	}
}

func TestRejectedCommandsReply(t *testing.T) {
	h := newHarness(t, nil, 0)
	before := h.pub.count()

	h.send("c1", `{"cmd":"setShade","shade":"lots"}`)
	h.send("c1", `{"cmd":"fly"}`)
	for i := 0; i < 11; i++ {
		h.send("c2", `{"cmd":"addTimer","timer":["`+string(rune('a'+i))+`",8,0,0]}`)
	}

	r1 := h.pub.replies("c1")
	if len(r1) != 2 || r1[0].OK || r1[1].OK {
		t.Fatalf("c1 replies = %+v", r1)
	}

	r2 := h.pub.replies("c2")
	if len(r2) != 11 || !r2[9].OK || r2[10].OK {
		t.Fatalf("c2 replies = %+v", r2)
	}
	if len(h.ctrl.rules.Timers()) != schedule.MaxTimers {
		t.Errorf("timers = %d", len(h.ctrl.rules.Timers()))
	}

	// 13 replies plus 10 schedule broadcasts.
	if got := h.pub.count() - before; got != 23 {
		t.Errorf("published %d messages, want 23", got)
	}

	rejected, _ := h.ledger.GetByType(ledger.EventCommandRejected, 20)
	if len(rejected) != 3 {
		t.Errorf("rejected entries = %d, want 3", len(rejected))
	}
}

func TestConnectBroadcastsBothSnapshots(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.ctrl.handleInbound(Inbound{ClientID: "new", Connect: true})

	h.pub.mu.Lock()
	defer h.pub.mu.Unlock()
	if len(h.pub.msgs) != 2 {
		t.Fatalf("messages = %d", len(h.pub.msgs))
	}
	if _, ok := h.pub.msgs[0].Payload.(protocol.ConfigSnapshot); !ok || h.pub.msgs[0].ClientID != "" {
		t.Errorf("first message = %+v", h.pub.msgs[0])
	}
	if _, ok := h.pub.msgs[1].Payload.(protocol.ScheduleSnapshot); !ok || h.pub.msgs[1].ClientID != "" {
		t.Errorf("second message = %+v", h.pub.msgs[1])
	}
}

func TestSubmitBusy(t *testing.T) {
	h := newHarness(t, nil, 0)
	for i := 0; i < DefaultQueueSize; i++ {
		if err := h.ctrl.Submit(Inbound{ClientID: "c", Data: []byte(`{"cmd":"stop"}`)}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := h.ctrl.Submit(Inbound{}); !errors.Is(err, ErrBusy) {
		t.Errorf("Submit on full queue = %v, want ErrBusy", err)
	}
}

func TestRolloverResyncs(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.now = time.Date(2026, 10, 19, 23, 59, 59, 0, time.UTC)
	h.ctrl.clock.Set(23, 59, 59)
	h.ctrl.sun = solar.Times{Ready: true}

	h.now = time.Date(2026, 10, 20, 0, 0, 3, 0, time.UTC)
	h.ctrl.clockTick()

	if got := h.ctrl.clock.Snapshot(); got != (clock.TimeOfDay{Hour: 0, Minute: 0, Second: 3}) {
		t.Errorf("clock = %v, want 00:00:03", got)
	}
	if h.ctrl.sun.Ready {
		t.Error("solar times still ready after rollover")
	}
	if len(h.ctrl.solarReq) != 1 {
		t.Error("no solar refresh requested")
	}
}

func TestMidnightCatchUpWhenHostAhead(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 100, Calibration: shade.Calibrated}, 0)
	h.send("c1", `{"cmd":"addTimer","timer":["midnight",0,0,80]}`)
	h.send("c1", `{"cmd":"addTimer","timer":["early",0,1,30]}`)

	h.ctrl.clock.Set(23, 59, 59)
	h.now = time.Date(2026, 10, 20, 0, 1, 5, 0, time.UTC)
	h.ctrl.clockTick()

	if got := h.ctrl.clock.Snapshot(); got != (clock.TimeOfDay{Hour: 0, Minute: 1, Second: 5}) {
		t.Errorf("clock = %v, want 00:01:05", got)
	}
	if got := h.ctrl.machine.Config().ShadePercent; got != 30 {
		t.Errorf("ShadePercent = %d, want 30", got)
	}
	entries, _ := h.ledger.GetByType(ledger.EventScheduleFired, 10)
	if len(entries) != 2 {
		t.Errorf("schedule_fired entries = %d, want 2", len(entries))
	}
}

func TestMidnightHostBehindDoesNotRollTwice(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 100, Calibration: shade.Calibrated}, 0)
	h.send("c1", `{"cmd":"addTimer","timer":["midnight",0,0,80]}`)

	h.ctrl.clock.Set(23, 59, 59)
	h.now = time.Date(2026, 10, 19, 23, 59, 58, 0, time.UTC)
	h.ctrl.clockTick()

	if got := h.ctrl.clock.Snapshot(); got != (clock.TimeOfDay{}) {
		t.Errorf("clock = %v, want 00:00:00", got)
	}
	if got := h.ctrl.machine.Config().ShadePercent; got != 80 {
		t.Errorf("ShadePercent = %d, midnight timer did not fire", got)
	}

	h.now = h.now.Add(time.Second)
	h.ctrl.clockTick()
	if day := h.ctrl.clock.Day(); day != 1 {
		t.Errorf("Day() = %d, want 1", day)
	}
	if len(h.ctrl.solarReq) != 1 {
		t.Errorf("solar requests = %d, want 1", len(h.ctrl.solarReq))
	}
}

func TestSolarResultForAnotherDayIsDropped(t *testing.T) {
	h := newHarness(t, nil, 0)
	times := solar.Times{
		Date:    "2026-10-18",
		Sunrise: clock.TimeOfDay{Hour: 7},
		Sunset:  clock.TimeOfDay{Hour: 18},
		Source:  solar.SourceService,
	}

	h.ctrl.applySolar(solarResult{times: times})
	if h.ctrl.sun.Ready || h.ctrl.Initialized() {
		t.Fatal("yesterday's solar times applied")
	}

	times.Date = "2026-10-19"
	h.ctrl.applySolar(solarResult{times: times})
	if !h.ctrl.sun.Ready || h.ctrl.sun.Sunrise.Hour != 7 {
		t.Errorf("today's solar times not applied: %+v", h.ctrl.sun)
	}
}

func TestPersistedCalibrationInProgressIsReset(t *testing.T) {
	h := newHarness(t, &shade.Config{TravelLength: 300, Calibration: shade.InProgress}, 0)
	if cfg := h.persistedShade(t); cfg.Calibration != shade.Uncalibrated {
		t.Errorf("persisted calibration = %v", cfg.Calibration)
	}
}

func TestRunLoop(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()

	store := state.NewStore(database.DB)
	state.NewTypedStore[shade.Config](store, KindShade).Set(docID, shade.Config{TravelLength: 20, Calibration: shade.Calibrated})

	sim := hardware.NewSimulator(0, 100)
	pub := &recordingPublisher{}
	sun := solar.Times{
		Date:    time.Now().UTC().Format("2006-01-02"),
		Sunrise: clock.TimeOfDay{Hour: 6},
		Sunset:  clock.TimeOfDay{Hour: 18},
		Source:  solar.SourceComputed,
	}
	ctrl, err := New(Options{StepInterval: 200 * time.Microsecond}, Deps{
		Motor:     sim,
		Switch:    sim,
		Solar:     fixedSolar{times: sun},
		Store:     store,
		Publisher: pub,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	replies := make(chan protocol.Reply, 1)
	if err := ctrl.Submit(Inbound{Data: []byte(`{"cmd":"close"}`), Reply: replies}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-replies:
		if !r.OK {
			t.Fatalf("reply = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v := ctrl.View()
		if v.Status.CurrentPosition == 20 && v.Status.Motion == shade.Stopped && ctrl.Initialized() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	v := ctrl.View()
	if v.Status.CurrentPosition != 20 || sim.Position() != 20 {
		t.Errorf("position = %d (physical %d), want 20", v.Status.CurrentPosition, sim.Position())
	}
	if !ctrl.Initialized() || !v.Solar.Ready || v.Config.Sunrise != "06:00:00" {
		t.Errorf("solar not applied: initialized=%v view=%+v", ctrl.Initialized(), v.Config)
	}

	cancel()
	<-done
	if ctrl.Running() {
		t.Error("Running() after shutdown")
	}
}
