package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/framer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type fakeBridge struct {
	mu       sync.Mutex
	calls    []string
	failStep string
	power    string
	powerErr error
	shells   [][]string
}

func (b *fakeBridge) record(call string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	if call == b.failStep {
		return errors.New(call + " failed")
	}
	return nil
}

func (b *fakeBridge) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBridge) Devices(context.Context) ([]bridge.Device, error) { return nil, nil }

func (b *fakeBridge) Push(_ context.Context, _, _, _ string) error { return b.record("push") }

func (b *fakeBridge) Reverse(_ context.Context, _, _ string, _ int) error {
	return b.record("reverse")
}

func (b *fakeBridge) ReverseRemoveAll(context.Context, string) error {
	return b.record("reverse_remove_all")
}

func (b *fakeBridge) Shell(_ context.Context, _ string, args ...string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shells = append(b.shells, args)
	if args[0] == "dumpsys" {
		if b.powerErr != nil {
			return "", &bridge.QueryError{Cmd: "dumpsys power", Err: b.powerErr}
		}
		return b.power, nil
	}
	return "", nil
}

func (b *fakeBridge) AgentCommand(serial string, args []string) []string {
	return append([]string{"adb", "-s", serial, "shell"}, args...)
}

// fakeAgent plays the device side: it dials the session listener and runs script.
type fakeAgent struct {
	port    int
	script  func(video, ctrl net.Conn)
	control bool
	argv    []string

	done     chan struct{}
	stopOnce sync.Once
	stops    atomic.Int32
}

func (a *fakeAgent) Start() error {
	go func() {
		if a.script == nil {
			return
		}
		video, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(a.port))
		if err != nil {
			return
		}
		var ctrl net.Conn
		if a.control {
			ctrl, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(a.port))
			if err != nil {
				return
			}
		}
		a.script(video, ctrl)
	}()
	return nil
}

func (a *fakeAgent) Done() <-chan struct{} { return a.done }

func (a *fakeAgent) Stop() error {
	a.stops.Add(1)
	a.exit()
	return nil
}

func (a *fakeAgent) exit() {
	a.stopOnce.Do(func() { close(a.done) })
}

type stateChange struct {
	from, to State
	cause    error
}

type recordingHandler struct {
	mu      sync.Mutex
	states  []stateChange
	running chan struct{}
	stopped chan struct{}
	info    chan framer.DeviceInfo
	packets chan framer.VideoPacket
	power   chan bridge.PowerState
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		running: make(chan struct{}, 1),
		stopped: make(chan struct{}, 1),
		info:    make(chan framer.DeviceInfo, 1),
		packets: make(chan framer.VideoPacket, 64),
		power:   make(chan bridge.PowerState, 8),
	}
}

func (h *recordingHandler) OnStateChange(_ string, from, to State, cause error) {
	h.mu.Lock()
	h.states = append(h.states, stateChange{from, to, cause})
	h.mu.Unlock()
	switch to {
	case Running:
		h.running <- struct{}{}
	case Stopped:
		h.stopped <- struct{}{}
	}
}

func (h *recordingHandler) OnDeviceInfo(_ string, info framer.DeviceInfo) { h.info <- info }

func (h *recordingHandler) OnVideoPacket(_ string, pkt framer.VideoPacket) { h.packets <- pkt }

func (h *recordingHandler) OnPowerState(_ string, state bridge.PowerState) { h.power <- state }

func (h *recordingHandler) States() []stateChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]stateChange(nil), h.states...)
}

type countingReleaser struct {
	mu       sync.Mutex
	released []int
}

func (r *countingReleaser) Release(port int) {
	r.mu.Lock()
	r.released = append(r.released, port)
	r.mu.Unlock()
}

func (r *countingReleaser) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.released)
}

type harness struct {
	session  *Session
	bridge   *fakeBridge
	handler  *recordingHandler
	ports    *countingReleaser
	agent    *fakeAgent
	port     int
	launched atomic.Int32
	stopped  chan error
}

func newHarness(t *testing.T, script func(video, ctrl net.Conn), mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		bridge:  &fakeBridge{power: "mWakefulness=Awake"},
		handler: newRecordingHandler(),
		ports:   &countingReleaser{},
		port:    freePort(t),
		stopped: make(chan error, 1),
	}
	h.agent = &fakeAgent{port: h.port, script: script, done: make(chan struct{})}

	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.ConnectTimeout = 2 * time.Second
	cfg.PowerPollInterval = -1
	cfg.Agent = bridge.AgentOptions{Version: "2.7", Control: true}
	if mutate != nil {
		mutate(&cfg)
	}

	h.session = New(Params{
		Device:  bridge.Device{Serial: "SERIAL1", Model: "Pixel 7"},
		Port:    h.port,
		Ports:   h.ports,
		Bridge:  h.bridge,
		Handler: h.handler,
		Logger:  testLogger(),
		Config:  cfg,
		Launch: func(_ string, argv []string) Agent {
			h.launched.Add(1)
			h.agent.argv = argv
			return h.agent
		},
		OnStopped: func(cause error) { h.stopped <- cause },
	})
	t.Cleanup(func() { _ = h.session.Stop(nil) })
	return h
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

func streamScript(packets ...[]byte) func(video, ctrl net.Conn) {
	return func(video, _ net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "Pixel 7", Width: 1080, Height: 2400}))
		for i, p := range packets {
			_, _ = video.Write(framer.EncodePacket(uint64(i), p))
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, streamScript([]byte{1}, []byte{2, 2}), nil)

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(t, h.handler.running, "running")

	info := wait(t, h.handler.info, "device info")
	if info.Name != "Pixel 7" || info.Width != 1080 || info.Height != 2400 {
		t.Errorf("info = %+v", info)
	}
	for _, want := range [][]byte{{1}, {2, 2}} {
		pkt := wait(t, h.handler.packets, "packet")
		if !reflect.DeepEqual(pkt.Payload, want) {
			t.Errorf("payload = %v, want %v", pkt.Payload, want)
		}
	}
	if snap := h.session.Info(); !snap.Ready || snap.Width != 1080 || snap.State != Running {
		t.Errorf("Info = %+v", snap)
	}

	wantCalls := []string{"reverse_remove_all", "push", "reverse"}
	if got := h.bridge.Calls(); !reflect.DeepEqual(got, wantCalls) {
		t.Errorf("bridge calls = %v, want %v", got, wantCalls)
	}
	if argv := strings.Join(h.agent.argv, " "); !strings.Contains(argv, "com.genymobile.scrcpy.Server 2.7") {
		t.Errorf("agent argv = %q", argv)
	}

	if err := h.session.Stop(nil); err != nil {
		t.Errorf("Stop: %v", err)
	}
	wait(t, h.stopped, "onStopped")

	if h.session.State() != Stopped {
		t.Errorf("state = %v, want stopped", h.session.State())
	}
	if h.ports.Count() != 1 {
		t.Errorf("port released %d times, want 1", h.ports.Count())
	}
	if h.agent.stops.Load() != 1 {
		t.Errorf("agent stopped %d times, want 1", h.agent.stops.Load())
	}

	var seq []State
	for _, sc := range h.handler.States() {
		seq = append(seq, sc.to)
	}
	if want := []State{Starting, Running, Stopping, Stopped}; !reflect.DeepEqual(seq, want) {
		t.Errorf("state sequence = %v, want %v", seq, want)
	}

	// the listener is gone, so the port can be bound again
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(h.port))
	if err != nil {
		t.Fatalf("port still bound after stop: %v", err)
	}
	ln.Close()
}

func TestStartFailureCleansUp(t *testing.T) {
	tests := []struct {
		failCall string
		wantStep string
	}{
		{"reverse_remove_all", "clear_tunnels"},
		{"push", "push"},
		{"reverse", "reverse"},
	}
	for _, tt := range tests {
		t.Run(tt.failCall, func(t *testing.T) {
			h := newHarness(t, streamScript(), nil)
			h.bridge.failStep = tt.failCall

			err := h.session.Start(context.Background())
			var startErr *StartError
			if !errors.As(err, &startErr) {
				t.Fatalf("err = %v, want *StartError", err)
			}
			if startErr.Step != tt.wantStep {
				t.Errorf("Step = %q, want %q", startErr.Step, tt.wantStep)
			}
			if h.session.State() != Stopped {
				t.Errorf("state = %v, want stopped", h.session.State())
			}
			if h.launched.Load() != 0 {
				t.Error("agent launched despite failed start")
			}
			if h.ports.Count() != 1 {
				t.Errorf("port released %d times, want 1", h.ports.Count())
			}
			cause := wait(t, h.stopped, "onStopped")
			if !errors.As(cause, &startErr) {
				t.Errorf("stop cause = %v", cause)
			}
		})
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, streamScript(), nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("second Start = %v", err)
	}
}

func TestStartCancelledDuringSettle(t *testing.T) {
	h := newHarness(t, streamScript(), func(c *Config) { c.SettleDelay = time.Minute })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := h.session.Start(ctx)
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Step != "settle" {
		t.Fatalf("err = %v, want settle StartError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err does not wrap context.Canceled: %v", err)
	}
}

func TestAgentExitStopsSession(t *testing.T) {
	h := newHarness(t, streamScript(), nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	wait(t, h.handler.running, "running")

	h.agent.exit()
	cause := wait(t, h.stopped, "onStopped")
	if !errors.Is(cause, ErrAgentExited) && !errors.Is(cause, ErrTransport) {
		t.Errorf("cause = %v, want ErrAgentExited", cause)
	}
}

func TestDeviceDisconnectStopsSession(t *testing.T) {
	h := newHarness(t, func(video, _ net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "x"}))
		video.Close()
	}, nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	cause := wait(t, h.stopped, "onStopped")
	if !errors.Is(cause, ErrTransport) {
		t.Errorf("cause = %v, want ErrTransport", cause)
	}
	if !errors.Is(cause, io.EOF) {
		t.Errorf("cause = %v, want wrapped io.EOF", cause)
	}
}

func TestFramingErrorStopsSession(t *testing.T) {
	h := newHarness(t, func(video, _ net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "x"}))
		meta := framer.EncodePacket(0, nil)
		meta[8] = 0x7f
		_, _ = video.Write(meta)
		time.Sleep(time.Second)
	}, func(c *Config) { c.MaxPacketSize = 1024 })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	cause := wait(t, h.stopped, "onStopped")
	var fe *framer.FramingError
	if !errors.As(cause, &fe) {
		t.Errorf("cause = %v, want *framer.FramingError", cause)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.ConnectTimeout = 100 * time.Millisecond })
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	cause := wait(t, h.stopped, "onStopped")
	var startErr *StartError
	if !errors.As(cause, &startErr) || startErr.Step != "connect" {
		t.Errorf("cause = %v, want connect StartError", cause)
	}
	if h.agent.stops.Load() != 1 {
		t.Error("agent not stopped after connect timeout")
	}
}

func TestConcurrentStopIsSingleBarrier(t *testing.T) {
	h := newHarness(t, streamScript(), nil)
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	wait(t, h.handler.running, "running")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.session.Stop(nil)
		}()
	}
	wg.Wait()

	if h.ports.Count() != 1 {
		t.Errorf("port released %d times", h.ports.Count())
	}
	if h.agent.stops.Load() != 1 {
		t.Errorf("agent stopped %d times", h.agent.stops.Load())
	}
	wait(t, h.stopped, "onStopped")
	select {
	case <-h.stopped:
		t.Error("onStopped called twice")
	default:
	}
}

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.session.Stop(nil); err != nil {
		t.Fatal(err)
	}
	if len(h.bridge.Calls()) != 0 {
		t.Errorf("bridge used by unstarted session: %v", h.bridge.Calls())
	}
	if err := h.session.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v", err)
	}
}

func TestTouchUsesControlSocket(t *testing.T) {
	got := make(chan []byte, 1)
	h := newHarness(t, func(video, ctrl net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "x", Width: 1000, Height: 2000}))
		buf := make([]byte, control.TouchSize)
		if _, err := io.ReadFull(ctrl, buf); err == nil {
			got <- buf
		}
	}, nil)
	h.agent.control = true

	if err := h.session.Touch(control.ActionDown, 0.5, 0.5); !errors.Is(err, ErrNoDeviceInfo) {
		t.Errorf("Touch before start = %v", err)
	}
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	wait(t, h.handler.info, "device info")

	// the control connection is accepted right after the video one
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.session.mu.Lock()
		ready := h.session.control != nil
		h.session.mu.Unlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := h.session.Touch(control.ActionDown, 0.25, 0.5); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	msg := wait(t, got, "control message")
	want := control.EncodeTouch(control.ActionDown, 0.25, 0.5, 1000, 2000)
	if !reflect.DeepEqual(msg, want[:]) {
		t.Errorf("control message = %v, want %v", msg, want)
	}
}

func TestSendControlWhenNotRunning(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.session.SendControl([]byte{1}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SendControl = %v, want ErrNotRunning", err)
	}
}

func TestInjectKeyUsesShell(t *testing.T) {
	h := newHarness(t, streamScript(), nil)
	if err := h.session.InjectKey(context.Background(), control.KeycodeHome); err != nil {
		t.Fatal(err)
	}
	h.bridge.mu.Lock()
	defer h.bridge.mu.Unlock()
	if len(h.bridge.shells) != 1 || !reflect.DeepEqual(h.bridge.shells[0], []string{"input", "keyevent", "3"}) {
		t.Errorf("shell calls = %v", h.bridge.shells)
	}
}

func TestPowerPolling(t *testing.T) {
	h := newHarness(t, func(video, _ net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "x"}))
		time.Sleep(2 * time.Second)
	}, func(c *Config) { c.PowerPollInterval = 20 * time.Millisecond })
	h.bridge.power = "mWakefulness=Asleep"

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := wait(t, h.handler.power, "power state"); got != bridge.PowerAsleep {
		t.Errorf("power = %q, want asleep", got)
	}
	if h.session.Info().Power != bridge.PowerAsleep {
		t.Error("Info does not carry power state")
	}
}

func TestPowerQueryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, func(video, _ net.Conn) {
		_, _ = video.Write(framer.EncodeHeader(framer.DeviceInfo{Name: "x"}))
		time.Sleep(2 * time.Second)
	}, func(c *Config) { c.PowerPollInterval = 10 * time.Millisecond })
	h.bridge.powerErr = errors.New("device offline")

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	wait(t, h.handler.running, "running")
	time.Sleep(100 * time.Millisecond)
	if h.session.State() != Running {
		t.Errorf("state = %v after failed power queries", h.session.State())
	}
	select {
	case p := <-h.handler.power:
		t.Errorf("unexpected power event %q", p)
	default:
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Created, Starting, true},
		{Created, Running, false},
		{Starting, Running, true},
		{Running, Starting, false},
		{Running, Stopping, true},
		{Stopping, Stopped, true},
		{Stopped, Starting, false},
		{Stopped, Stopping, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateTextRoundTrip(t *testing.T) {
	for st := Created; st <= Stopped; st++ {
		text, _ := st.MarshalText()
		var got State
		if err := got.UnmarshalText(text); err != nil || got != st {
			t.Errorf("UnmarshalText(%q) = %v, %v", text, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("paused")); err == nil {
		t.Error("expected error for unknown state")
	}
}
