package device

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lct-cooler/watercooler-controller/internal/logger"
	"github.com/lct-cooler/watercooler-controller/internal/types"
)

var errBlockOpen = errors.New("block until ctx done")

type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	delay    time.Duration
	closed   int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (c *fakeConn) Write(ctx context.Context, frame []byte) error {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		cur := c.maxInFlight.Load()
		if n <= cur || c.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

type fakeTransport struct {
	mu       sync.Mutex
	adverts  []types.DeviceHandle
	openErrs []error
	opens    int
	conns    []*fakeConn
	cbs      []Callbacks
	scans    int
}

func (f *fakeTransport) Scan(ctx context.Context, found func(types.DeviceHandle)) error {
	f.mu.Lock()
	f.scans++
	adverts := slices.Clone(f.adverts)
	f.mu.Unlock()
	for _, h := range adverts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		found(h)
	}
	return nil
}

func (f *fakeTransport) Open(ctx context.Context, address string, cb Callbacks) (Conn, error) {
	f.mu.Lock()
	f.opens++
	var err error
	if len(f.openErrs) > 0 {
		err = f.openErrs[0]
		f.openErrs = f.openErrs[1:]
	}
	f.mu.Unlock()

	if errors.Is(err, errBlockOpen) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.cbs = append(f.cbs, cb)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeTransport) queueOpenErrs(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

func (f *fakeTransport) lastConn() (*fakeConn, Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1], f.cbs[len(f.cbs)-1]
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) states() []types.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ConnectionState, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func testOptions() Options {
	return Options{
		ConnectTimeout:    50 * time.Millisecond,
		WriteTimeout:      50 * time.Millisecond,
		ReconnectAttempts: 3,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		NameFilters:       []string{"LCT21001", "LCT22002"},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *stateRecorder) {
	t.Helper()
	ft := &fakeTransport{}
	m := NewManager(ft, logger.NewNop(), testOptions())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(func() { _ = m.Disconnect() })
	return m, ft, rec
}

func waitForState(t *testing.T, m *Manager, want types.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

var cooler = types.DeviceHandle{Address: "AA:BB:CC:DD:EE:FF", Name: "LCT21001", RSSI: -50}

func TestConnectTransitions(t *testing.T) {
	m, _, rec := newTestManager(t)

	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != types.StateConnected {
		t.Fatalf("state = %s", m.State())
	}
	want := []types.ConnectionState{types.StateConnecting, types.StateConnected}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
	if dev, ok := m.Device(); !ok || dev.Address != cooler.Address {
		t.Errorf("Device() = %+v, %v", dev, ok)
	}
}

func TestConnectNotFound(t *testing.T) {
	m, ft, _ := newTestManager(t)
	ft.queueOpenErrs(ErrDeviceNotFound)

	err := m.Connect(context.Background(), cooler)
	if !errors.Is(err, &ConnectionError{Kind: NotFound}) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if m.State() != types.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestConnectTimeout(t *testing.T) {
	m, ft, _ := newTestManager(t)
	ft.queueOpenErrs(errBlockOpen)

	err := m.Connect(context.Background(), cooler)
	if !errors.Is(err, &ConnectionError{Kind: Timeout}) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if m.State() != types.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestSendNotConnected(t *testing.T) {
	m, ft, _ := newTestManager(t)

	if err := m.Send(context.Background(), []byte{0xFE}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if ft.openCount() != 0 {
		t.Error("Send must not open a connection")
	}
}

func TestSendWritesFrame(t *testing.T) {
	m, ft, _ := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}

	frame := []byte{0xFE, 0x1B, 0x01, 0x94, 0x00, 0x00, 0x00, 0xEF}
	if err := m.Send(context.Background(), frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn, _ := ft.lastConn()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.frames) != 1 || !slices.Equal(conn.frames[0], frame) {
		t.Errorf("frames = %x", conn.frames)
	}
}

func TestWriteFailureReconnects(t *testing.T) {
	m, ft, rec := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	conn, _ := ft.lastConn()
	conn.setWriteErr(errors.New("gatt write failed"))

	err := m.Send(context.Background(), []byte{0xFE})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}

	waitForState(t, m, types.StateConnected)
	if !slices.Contains(rec.states(), types.StateReconnecting) {
		t.Errorf("transitions = %v, want Reconnecting", rec.states())
	}
	if ft.openCount() != 2 {
		t.Errorf("opens = %d, want 2", ft.openCount())
	}
}

func TestReconnectExhaustedIsLinkLost(t *testing.T) {
	m, ft, rec := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("adapter busy")
	ft.queueOpenErrs(boom, boom, boom)

	conn, _ := ft.lastConn()
	conn.setWriteErr(errors.New("gatt write failed"))
	_ = m.Send(context.Background(), []byte{0xFE})

	waitForState(t, m, types.StateDisconnected)
	if got := ft.openCount(); got != 4 {
		t.Errorf("opens = %d, want 1 + 3 retries", got)
	}
	if !IsLinkLost(m.LastError()) {
		t.Errorf("LastError = %v, want LinkLost", m.LastError())
	}
	if last := rec.last(); !IsLinkLost(last.Err) {
		t.Errorf("last change err = %v", last.Err)
	}
	if err := m.Send(context.Background(), []byte{0xFE}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after LinkLost = %v", err)
	}

	// 记住的设备可以再次重连
	if !m.Reconnect() {
		t.Fatal("Reconnect should start for a remembered device")
	}
	waitForState(t, m, types.StateConnected)
}

func TestStackLinkLostCallback(t *testing.T) {
	m, ft, _ := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	_, cb := ft.lastConn()

	cb.OnLinkLost()
	waitForState(t, m, types.StateConnected)
	if ft.openCount() != 2 {
		t.Errorf("opens = %d, want 2", ft.openCount())
	}

	// 旧连接的回调不再生效
	cb.OnLinkLost()
	if m.State() != types.StateConnected {
		t.Errorf("stale callback changed state to %s", m.State())
	}
}

func TestZeroReconnectAttemptsIsLinkLost(t *testing.T) {
	ft := &fakeTransport{}
	opts := testOptions()
	opts.ReconnectAttempts = 0
	m := NewManager(ft, logger.NewNop(), opts)
	t.Cleanup(func() { _ = m.Disconnect() })

	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	_, cb := ft.lastConn()
	cb.OnLinkLost()

	waitForState(t, m, types.StateDisconnected)
	if ft.openCount() != 1 {
		t.Errorf("opens = %d, want no retries", ft.openCount())
	}
	if !IsLinkLost(m.LastError()) {
		t.Errorf("LastError = %v, want LinkLost", m.LastError())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m, ft, rec := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	conn, cb := ft.lastConn()

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if m.State() != types.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed != 1 {
		t.Errorf("closed %d times, want 1", closed)
	}
	if n := len(rec.states()); n != 3 {
		t.Errorf("transitions = %v", rec.states())
	}

	cb.OnLinkLost()
	if m.State() != types.StateDisconnected {
		t.Error("link loss after Disconnect must be ignored")
	}
	if m.Reconnect() {
		t.Error("Reconnect after explicit Disconnect should not start")
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	ft := &fakeTransport{}
	opts := testOptions()
	opts.BaseBackoff = 50 * time.Millisecond
	opts.MaxBackoff = 50 * time.Millisecond
	m := NewManager(ft, logger.NewNop(), opts)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	_, cb := ft.lastConn()
	cb.OnLinkLost()
	if m.State() != types.StateReconnecting {
		t.Fatalf("state = %s", m.State())
	}

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)
	if m.State() != types.StateDisconnected {
		t.Errorf("state = %s, reconnect should have stopped", m.State())
	}
	if ft.openCount() != 1 {
		t.Errorf("opens = %d, want 1", ft.openCount())
	}
}

func TestSendsAreSerialized(t *testing.T) {
	m, ft, _ := newTestManager(t)
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	conn, _ := ft.lastConn()
	conn.delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Send(context.Background(), []byte{byte(i)}); err != nil {
				t.Errorf("Send %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if got := conn.maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent writes = %d, want 1", got)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.frames) != 8 {
		t.Errorf("frames = %d, want 8", len(conn.frames))
	}
}

func TestFrameHandlerReceivesCopy(t *testing.T) {
	m, ft, _ := newTestManager(t)
	var got []byte
	m.SetFrameHandler(func(b []byte) { got = b })
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}
	_, cb := ft.lastConn()

	buf := []byte{0xFE, 0x1B, 0x01, 0x94, 0, 0, 0, 0xEF}
	cb.OnFrame(buf)
	buf[1] = 0x00
	if got == nil || got[1] != 0x1B {
		t.Errorf("handler got %x", got)
	}
}

func TestScanDeduplicatesAndFilters(t *testing.T) {
	m, ft, rec := newTestManager(t)
	ft.adverts = []types.DeviceHandle{
		cooler,
		{Address: "11:22:33:44:55:66", Name: "Headphones"},
		{Address: cooler.Address, Name: cooler.Name, RSSI: -40},
		{Address: "77:88:99:AA:BB:CC", Name: "lct22002-b"},
	}

	collect := func() []string {
		var out []string
		for h, err := range m.Scan(context.Background(), time.Second) {
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			out = append(out, h.Address)
		}
		return out
	}

	want := []string{cooler.Address, "77:88:99:AA:BB:CC"}
	if got := collect(); !slices.Equal(got, want) {
		t.Errorf("first scan = %v, want %v", got, want)
	}
	if got := collect(); !slices.Equal(got, want) {
		t.Errorf("second scan = %v, want %v", got, want)
	}
	if m.State() != types.StateDisconnected {
		t.Errorf("state after scan = %s", m.State())
	}
	if !slices.Contains(rec.states(), types.StateScanning) {
		t.Errorf("transitions = %v, want Scanning", rec.states())
	}
}

func TestScanEarlyBreak(t *testing.T) {
	m, ft, _ := newTestManager(t)
	ft.adverts = []types.DeviceHandle{
		cooler,
		{Address: "77:88:99:AA:BB:CC", Name: "LCT22002"},
	}

	dev, err := m.FindFirst(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if dev.Address != cooler.Address {
		t.Errorf("FindFirst = %+v", dev)
	}
	if m.State() != types.StateDisconnected {
		t.Errorf("state = %s", m.State())
	}
}

func TestScanNothingFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.FindFirst(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, &ConnectionError{Kind: NotFound}) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestScanWhileConnectedKeepsState(t *testing.T) {
	m, ft, _ := newTestManager(t)
	ft.adverts = []types.DeviceHandle{{Address: "77:88:99:AA:BB:CC", Name: "LCT22002"}}
	if err := m.Connect(context.Background(), cooler); err != nil {
		t.Fatal(err)
	}

	n := 0
	for _, err := range m.Scan(context.Background(), time.Second) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("found %d devices, want 1", n)
	}
	if m.State() != types.StateConnected {
		t.Errorf("state = %s, want Connected", m.State())
	}
}

func TestBackoffSchedule(t *testing.T) {
	m := NewManager(&fakeTransport{}, nil, DefaultOptions())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := m.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := types.GetDefaultDeviceConfig()
	cfg.ReconnectAttempts = 5
	cfg.MaxBackoffSec = 4
	opts := OptionsFromConfig(cfg)
	if opts.ReconnectAttempts != 5 || opts.MaxBackoff != 4*time.Second {
		t.Errorf("opts = %+v", opts)
	}
	if opts.ConnectTimeout != time.Duration(cfg.ConnectTimeoutSec)*time.Second {
		t.Errorf("ConnectTimeout = %v", opts.ConnectTimeout)
	}

	cfg.ReconnectAttempts = 0
	if opts := OptionsFromConfig(cfg); opts.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", opts.ReconnectAttempts)
	}
}
