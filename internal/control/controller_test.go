package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/curve"
	"github.com/lct-cooler/watercooler-controller/internal/device"
	"github.com/lct-cooler/watercooler-controller/internal/logger"
	"github.com/lct-cooler/watercooler-controller/internal/protocol"
	"github.com/lct-cooler/watercooler-controller/internal/sensor"
	"github.com/lct-cooler/watercooler-controller/internal/types"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLink struct {
	mu           sync.Mutex
	state        types.ConnectionState
	frames       [][]byte
	sendErr      error
	reconnects   int
	disconnects  int
	listener     func(device.StateChange)
	frameHandler func([]byte)
}

func (l *fakeLink) State() types.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Send(_ context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != types.StateConnected {
		return device.ErrNotConnected
	}
	if l.sendErr != nil {
		return &device.TransportError{Err: l.sendErr}
	}
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

func (l *fakeLink) Reconnect() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects++
	return true
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	l.state = types.StateDisconnected
	return nil
}

func (l *fakeLink) OnStateChange(fn func(device.StateChange)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.listener = nil
	}
}

func (l *fakeLink) SetFrameHandler(fn func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frameHandler = fn
}

func (l *fakeLink) setState(s types.ConnectionState, err error) {
	l.mu.Lock()
	from := l.state
	l.state = s
	fn := l.listener
	l.mu.Unlock()
	if fn != nil {
		fn(device.StateChange{From: from, To: s, Err: err})
	}
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// takeFrames 返回并清空已发送的帧
func (l *fakeLink) takeFrames(t *testing.T) []protocol.Command {
	t.Helper()
	l.mu.Lock()
	frames := l.frames
	l.frames = nil
	l.mu.Unlock()

	cmds := make([]protocol.Command, 0, len(frames))
	for _, f := range frames {
		cmd, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode %x: %v", f, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

type tempSource struct {
	mu    sync.Mutex
	cpu   float64
	gpu   float64
	cpuOK bool
}

func (s *tempSource) set(cpu float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpu, s.cpuOK = cpu, ok
}

func (s *tempSource) backend() sensor.Backend {
	return sensor.BackendFunc(func(_ context.Context, src types.TemperatureSource) (float64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if src == types.SourceGPU {
			return s.gpu, nil
		}
		if !s.cpuOK {
			return 0, errors.New("sensor offline")
		}
		return s.cpu, nil
	})
}

var testCurve = []types.CurvePoint{
	{TemperatureC: 20, FanPercent: 20},
	{TemperatureC: 40, FanPercent: 40},
	{TemperatureC: 60, FanPercent: 80},
	{TemperatureC: 80, FanPercent: 100},
}

func testManual() types.ManualTargets {
	return types.ManualTargets{
		FanPercent:  58,
		PumpVoltage: types.Pump8V,
		Lighting:    types.LightingConfig{Mode: types.LightingStatic, Color: types.RGBColor{R: 255}},
	}
}

type harness struct {
	ctrl *Controller
	link *fakeLink
	temp *tempSource
}

func newHarness(t *testing.T, mode types.Mode, points []types.CurvePoint, lg types.Logger) *harness {
	t.Helper()
	link := &fakeLink{state: types.StateConnected}
	temp := &tempSource{cpu: 50, gpu: 45, cpuOK: true}
	feed := sensor.NewFeed(temp.backend(), nil, sensor.Options{StaleAfter: time.Minute})
	if lg == nil {
		lg = logger.NewNop()
	}
	ctrl, err := New(link, feed, lg, mode, points, testManual(), Options{
		Interval:       500 * time.Millisecond,
		SafeFanPercent: 100,
		AutoReconnect:  true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{ctrl: ctrl, link: link, temp: temp}
}

func fanOf(t *testing.T, cmds []protocol.Command) int {
	t.Helper()
	for _, cmd := range cmds {
		if fan, ok := cmd.(protocol.SetFanPercent); ok {
			return fan.Percent
		}
	}
	t.Fatalf("no fan command in %v", cmds)
	return -1
}

func TestManualModeFullSyncThenFanOnly(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	ctx := context.Background()

	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	cmds := h.link.takeFrames(t)
	if len(cmds) != 3 {
		t.Fatalf("first tick sent %v, want fan + pump + lighting", cmds)
	}
	if fanOf(t, cmds) != 58 {
		t.Errorf("fan = %d, want 58", fanOf(t, cmds))
	}
	if pump, ok := cmds[1].(protocol.SetPumpVoltage); !ok || pump.Voltage != types.Pump8V {
		t.Errorf("cmds[1] = %v", cmds[1])
	}
	if light, ok := cmds[2].(protocol.SetLighting); !ok || light.Mode != types.LightingStatic || light.Color.R != 255 {
		t.Errorf("cmds[2] = %v", cmds[2])
	}

	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if cmds := h.link.takeFrames(t); len(cmds) != 1 {
		t.Errorf("second tick sent %v, want fan only", cmds)
	}
}

func TestCurveModeTargets(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	ctx := context.Background()

	tests := []struct {
		cpu  float64
		want int
	}{
		{60, 80},
		{30, 30},
		{95, 100},
		{10, 20},
	}
	for _, tt := range tests {
		h.temp.set(tt.cpu, true)
		if err := h.ctrl.Tick(ctx); err != nil {
			t.Fatalf("Tick(%v): %v", tt.cpu, err)
		}
		if got := fanOf(t, h.link.takeFrames(t)); got != tt.want {
			t.Errorf("cpu %v: fan = %d, want %d", tt.cpu, got, tt.want)
		}
	}
}

func TestCurveModeSafeFanWithoutSensorData(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	h.temp.set(0, false)

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fanOf(t, h.link.takeFrames(t)); got != 100 {
		t.Errorf("fan = %d, want safe 100", got)
	}
	if !h.ctrl.Status().SafeMode {
		t.Error("status should report safe mode")
	}

	// 传感器恢复后回到曲线
	h.temp.set(40, true)
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fanOf(t, h.link.takeFrames(t)); got != 40 {
		t.Errorf("fan after recovery = %d, want 40", got)
	}
}

func TestCurveModeSafeFanWithEmptyCurve(t *testing.T) {
	h := newHarness(t, types.ModeCurve, nil, nil)

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fanOf(t, h.link.takeFrames(t)); got != 100 {
		t.Errorf("fan = %d, want safe 100", got)
	}
}

func TestModeSwitchResubmitsOnNextTick(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	ctx := context.Background()
	var modes []types.Mode
	h.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventModeChanged {
			modes = append(modes, ev.Mode)
		}
	})

	_ = h.ctrl.Tick(ctx)
	h.link.takeFrames(t)

	h.temp.set(60, true)
	if err := h.ctrl.SetMode(types.ModeCurve); err != nil {
		t.Fatal(err)
	}
	if len(h.link.takeFrames(t)) != 0 {
		t.Error("mode switch must not send mid-tick")
	}

	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	cmds := h.link.takeFrames(t)
	if len(cmds) != 3 {
		t.Fatalf("after switch sent %v, want full sync", cmds)
	}
	if fanOf(t, cmds) != 80 {
		t.Errorf("fan = %d, want 80", fanOf(t, cmds))
	}
	if len(modes) != 1 || modes[0] != types.ModeCurve {
		t.Errorf("mode events = %v", modes)
	}
	if err := h.ctrl.SetMode("turbo"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestManualTargetsLastWriterWins(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	ctx := context.Background()

	first := testManual()
	first.FanPercent = 30
	second := testManual()
	second.FanPercent = 70
	second.PumpVoltage = types.Pump12V
	if err := h.ctrl.SetManualTargets(first); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SetManualTargets(second); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	cmds := h.link.takeFrames(t)
	if fanOf(t, cmds) != 70 {
		t.Errorf("fan = %d, want 70", fanOf(t, cmds))
	}
	if pump := cmds[1].(protocol.SetPumpVoltage); pump.Voltage != types.Pump12V {
		t.Errorf("pump = %v", pump)
	}

	bad := testManual()
	bad.PumpVoltage = 9
	if err := h.ctrl.SetManualTargets(bad); !errors.Is(err, protocol.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
	if h.ctrl.ManualTargets().FanPercent != 70 {
		t.Error("rejected targets must not replace current ones")
	}
}

func TestManualPumpAppliesInCurveMode(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	ctx := context.Background()
	h.temp.set(40, true)
	_ = h.ctrl.Tick(ctx)
	h.link.takeFrames(t)

	targets := testManual()
	targets.FanPercent = 5
	targets.PumpVoltage = types.Pump11V
	if err := h.ctrl.SetManualTargets(targets); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	cmds := h.link.takeFrames(t)
	if fanOf(t, cmds) != 40 {
		t.Errorf("curve mode fan = %d, want curve value 40", fanOf(t, cmds))
	}
	if len(cmds) != 3 || cmds[1].(protocol.SetPumpVoltage).Voltage != types.Pump11V {
		t.Errorf("cmds = %v, want pump 11V resent", cmds)
	}
}

func TestLinkLostKeepsTargetAndResumes(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	ctx := context.Background()
	var states []types.ConnectionState
	h.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventConnectionChanged {
			states = append(states, ev.State)
		}
	})

	h.temp.set(60, true)
	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	h.link.takeFrames(t)

	lost := &device.ConnectionError{Kind: device.LinkLost}
	h.link.setState(types.StateDisconnected, lost)

	for range 3 {
		if err := h.ctrl.Tick(ctx); !errors.Is(err, device.ErrNotConnected) {
			t.Fatalf("Tick while disconnected = %v", err)
		}
	}
	st := h.ctrl.Status()
	if !st.Degraded || st.FanTarget != 80 {
		t.Errorf("status = %+v, want degraded with target 80", st)
	}
	if !device.IsLinkLost(st.LastError) {
		t.Errorf("LastError = %v", st.LastError)
	}
	h.link.mu.Lock()
	reconnects := h.link.reconnects
	h.link.mu.Unlock()
	if reconnects != 3 {
		t.Errorf("reconnect requests = %d, want 3", reconnects)
	}

	h.link.setState(types.StateConnected, nil)
	if err := h.ctrl.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	cmds := h.link.takeFrames(t)
	if len(cmds) != 3 || fanOf(t, cmds) != 80 {
		t.Errorf("resume sent %v, want full sync at 80%%", cmds)
	}
	if h.ctrl.Status().Degraded {
		t.Error("still degraded after resume")
	}
	if len(states) != 2 || states[0] != types.StateDisconnected || states[1] != types.StateConnected {
		t.Errorf("connection events = %v", states)
	}
}

func TestTransportFailureEmitsCommandFailed(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	var failed []Event
	h.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventCommandFailed {
			failed = append(failed, ev)
		}
	})
	h.link.setSendErr(errors.New("gatt busy"))

	err := h.ctrl.Tick(context.Background())
	var terr *device.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if len(failed) != 1 {
		t.Fatalf("command failed events = %d", len(failed))
	}
	if _, ok := failed[0].Command.(protocol.SetFanPercent); !ok {
		t.Errorf("failed command = %v", failed[0].Command)
	}
	if !h.ctrl.Status().Degraded {
		t.Error("status should be degraded")
	}
}

func TestMalformedFrameIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, types.ModeManual, testCurve, logger.NewWithCore(core))

	h.link.mu.Lock()
	handler := h.link.frameHandler
	h.link.mu.Unlock()
	handler([]byte{0x01, 0x02, 0x03})

	entries := logs.FilterMessageSnippet("无法解析").All()
	if len(entries) != 1 {
		t.Fatalf("warn entries = %d, want 1", len(entries))
	}
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Errorf("Tick after malformed frame: %v", err)
	}
}

func TestEditCurve(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	settings := 0
	h.ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventSettingsChanged {
			settings++
		}
	})

	err := h.ctrl.EditCurve(curve.AddPoint{Point: types.CurvePoint{TemperatureC: 40, FanPercent: 50}})
	if !errors.Is(err, curve.ErrDuplicateTemperature) {
		t.Fatalf("err = %v, want ErrDuplicateTemperature", err)
	}
	if got := h.ctrl.CurvePoints(); len(got) != len(testCurve) || got[1].FanPercent != 40 {
		t.Errorf("curve changed after rejected edit: %v", got)
	}

	if err := h.ctrl.EditCurve(curve.MovePoint{Index: 1, Point: types.CurvePoint{TemperatureC: 40, FanPercent: 60}}); err != nil {
		t.Fatal(err)
	}
	h.temp.set(40, true)
	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := fanOf(t, h.link.takeFrames(t)); got != 60 {
		t.Errorf("fan = %d, want 60 after edit", got)
	}
	if settings != 1 {
		t.Errorf("settings events = %d, want 1", settings)
	}
}

func TestRampLimitInCurveMode(t *testing.T) {
	h := newHarness(t, types.ModeCurve, testCurve, nil)
	h.ctrl.opts.RampUpLimit = 10
	ctx := context.Background()

	h.temp.set(20, true)
	_ = h.ctrl.Tick(ctx)
	if got := fanOf(t, h.link.takeFrames(t)); got != 20 {
		t.Fatalf("fan = %d, want 20", got)
	}
	h.temp.set(80, true)
	_ = h.ctrl.Tick(ctx)
	if got := fanOf(t, h.link.takeFrames(t)); got != 30 {
		t.Errorf("fan = %d, want ramp-limited 30", got)
	}
}

func TestSetIntervalBounds(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)

	for _, d := range []time.Duration{100 * time.Millisecond, 11 * time.Second} {
		if err := h.ctrl.SetInterval(d); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("SetInterval(%v) = %v", d, err)
		}
	}
	if err := h.ctrl.SetInterval(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.SetInterval(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := h.ctrl.Status().Interval; got != 3*time.Second {
		t.Errorf("interval = %v", got)
	}

	cfg := types.GetDefaultConfig()
	h.ctrl.ApplyTo(&cfg)
	if cfg.PollIntervalMs != 3000 || cfg.Mode != types.ModeManual || len(cfg.FanCurve) != len(testCurve) {
		t.Errorf("ApplyTo = %+v", cfg)
	}
}

func TestLatestSampleKeepsLastKnownValue(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	ctx := context.Background()

	h.temp.set(55, true)
	_ = h.ctrl.Tick(ctx)
	h.temp.set(0, false)
	_ = h.ctrl.Tick(ctx)

	sample, ok := h.ctrl.LatestSample(types.SourceCPU)
	if !ok || sample.Celsius != 55 || sample.Valid {
		t.Errorf("LatestSample = %+v, %v; want {55 invalid}", sample, ok)
	}
}

func TestSubscriberPanicDoesNotEscape(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	h.ctrl.Subscribe(func(Event) { panic("boom") })

	if err := h.ctrl.Tick(context.Background()); err != nil {
		t.Errorf("Tick = %v", err)
	}
}

func TestShutdownSendsReset(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	cmds := h.link.takeFrames(t)
	if len(cmds) != 1 {
		t.Fatalf("sent %v, want reset", cmds)
	}
	if _, ok := cmds[0].(protocol.Reset); !ok {
		t.Errorf("sent %v, want reset", cmds[0])
	}
	if h.link.State() != types.StateDisconnected {
		t.Error("link should be disconnected")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, types.ModeManual, testCurve, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.ctrl.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.link.mu.Lock()
		n := len(h.link.frames)
		h.link.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestEventKindString(t *testing.T) {
	if !strings.Contains(EventCommandFailed.String(), "failed") {
		t.Errorf("String() = %q", EventCommandFailed.String())
	}
}
