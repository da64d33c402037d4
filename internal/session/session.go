// Package session owns one device's tunnel, listener, agent process and
// stream parser, and drives them through a fixed lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/framer"
)

// Handler receives session events. Calls for one session are sequential
// per event kind; video packets arrive in stream order.
type Handler interface {
	OnStateChange(id string, from, to State, cause error)
	OnDeviceInfo(id string, info framer.DeviceInfo)
	OnVideoPacket(id string, pkt framer.VideoPacket)
	OnPowerState(id string, state bridge.PowerState)
}

// Agent is a running on-device agent process.
type Agent interface {
	Start() error
	Done() <-chan struct{}
	Stop() error
}

// AgentLauncher builds an agent for argv without starting it.
type AgentLauncher func(id string, argv []string) Agent

// PortReleaser takes back the session's leased port.
type PortReleaser interface {
	Release(port int)
}

// Config holds per-session tunables shared by all devices.
type Config struct {
	AgentLocalPath    string
	Agent             bridge.AgentOptions
	SocketName        string
	SettleDelay       time.Duration
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	MaxPacketSize     int
	PowerPollInterval time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		SocketName:        bridge.AgentSocketName,
		SettleDelay:       500 * time.Millisecond,
		ConnectTimeout:    10 * time.Second,
		CommandTimeout:    15 * time.Second,
		MaxPacketSize:     framer.DefaultMaxPacketSize,
		PowerPollInterval: 15 * time.Second,
		WriteTimeout:      2 * time.Second,
	}
}

// withDefaults fills zero timings from DefaultConfig. A negative
// PowerPollInterval disables polling.
func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.SocketName == "" {
		cfg.SocketName = def.SocketName
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = def.MaxPacketSize
	}
	if cfg.PowerPollInterval == 0 {
		cfg.PowerPollInterval = def.PowerPollInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return cfg
}

// Params are the collaborators of one session.
type Params struct {
	Device    bridge.Device
	Port      int
	Ports     PortReleaser
	Bridge    bridge.Bridge
	Launch    AgentLauncher
	Handler   Handler
	Logger    *slog.Logger
	Config    Config
	OnStopped func(cause error)
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string            `json:"id"`
	Model     string            `json:"model,omitempty"`
	Name      string            `json:"name,omitempty"`
	Width     uint32            `json:"width,omitempty"`
	Height    uint32            `json:"height,omitempty"`
	CodecTag  uint32            `json:"-"`
	State     State             `json:"state"`
	Port      int               `json:"port"`
	Power     bridge.PowerState `json:"power,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Ready     bool              `json:"ready"`
}

// Session is safe for concurrent use.
type Session struct {
	id        string
	model     string
	port      int
	cfg       Config
	ports     PortReleaser
	bridge    bridge.Bridge
	launch    AgentLauncher
	handler   Handler
	logger    *slog.Logger
	onStopped func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	info      framer.DeviceInfo
	hasInfo   bool
	power     bridge.PowerState
	startedAt time.Time
	listener  *net.TCPListener
	video     net.Conn
	control   net.Conn
	agent     Agent

	writeMu  sync.Mutex
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// New creates a session in the Created state.
func New(p Params) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := withDefaults(p.Config)
	return &Session{
		id:        p.Device.Serial,
		model:     p.Device.Model,
		port:      p.Port,
		cfg:       cfg,
		ports:     p.Ports,
		bridge:    p.Bridge,
		launch:    p.Launch,
		handler:   p.Handler,
		logger:    p.Logger.With("device_id", p.Device.Serial, "port", p.Port),
		onStopped: p.OnStopped,
		ctx:       ctx,
		cancel:    cancel,
		state:     Created,
		power:     bridge.PowerUnknown,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Port() int { return s.port }

// Done is closed once the session reached Stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Model:     s.model,
		State:     s.state,
		Port:      s.port,
		Power:     s.power,
		StartedAt: s.startedAt,
		Ready:     s.hasInfo,
	}
	if s.hasInfo {
		info.Name = s.info.Name
		info.Width = s.info.Width
		info.Height = s.info.Height
		info.CodecTag = s.info.CodecTag
	}
	return info
}

// transitionLocked moves to next if legal. It must be called with mu held.
func (s *Session) transitionLocked(next State) (State, bool) {
	prev := s.state
	if !prev.CanTransitionTo(next) {
		return prev, false
	}
	s.state = next
	return prev, true
}

func (s *Session) notify(from, to State, cause error) {
	s.logger.Info("Session state changed", "from", from.String(), "state", to.String(), "cause", cause)
	s.handler.OnStateChange(s.id, from, to, cause)
}

// Start runs the startup sequence and returns once the agent is launched.
// The device connecting back moves the session to Running asynchronously.
// On failure the session is stopped and a *StartError returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	prev, ok := s.transitionLocked(Starting)
	if ok {
		s.startedAt = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("start from %s: %w", prev, ErrStopped)
	}
	s.notify(prev, Starting, nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(s.ctx, cancel)
	defer unwatch()

	if err := s.start(ctx); err != nil {
		var startErr *StartError
		if !errors.As(err, &startErr) {
			err = &StartError{Step: "start", Err: err}
		}
		s.logger.Warn("Session start failed", "error", err)
		_ = s.Stop(err)
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context) error {
	serial := s.id

	if err := s.bridgeStep(ctx, "clear_tunnels", func(ctx context.Context) error {
		return s.bridge.ReverseRemoveAll(ctx, serial)
	}); err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.port})
	if err != nil {
		return &StartError{Step: "listen", Err: err}
	}
	if err := s.own(func() { s.listener = ln }); err != nil {
		ln.Close()
		return err
	}

	if err := s.bridgeStep(ctx, "push", func(ctx context.Context) error {
		return s.bridge.Push(ctx, serial, s.cfg.AgentLocalPath, bridge.AgentRemotePath)
	}); err != nil {
		return err
	}

	if err := s.bridgeStep(ctx, "reverse", func(ctx context.Context) error {
		return s.bridge.Reverse(ctx, serial, s.cfg.SocketName, s.port)
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return &StartError{Step: "settle", Err: ctx.Err()}
	case <-time.After(s.cfg.SettleDelay):
	}

	argv := s.bridge.AgentCommand(serial, s.cfg.Agent.Args())
	agent := s.launch(serial, argv)
	if err := agent.Start(); err != nil {
		return &StartError{Step: "launch", Err: err}
	}
	if err := s.own(func() { s.agent = agent }); err != nil {
		_ = agent.Stop()
		return err
	}

	go s.watchAgent(agent)
	go s.accept(ln)
	return nil
}

// own stores a resource if the session is still starting, so that a
// concurrent Stop either sees it or the caller releases it.
func (s *Session) own(store func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Starting {
		return &StartError{Step: "start", Err: ErrStopped}
	}
	store()
	return nil
}

func (s *Session) bridgeStep(ctx context.Context, step string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StartError{Step: step, Err: err}
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if err := fn(stepCtx); err != nil {
		return &StartError{Step: step, Err: err}
	}
	return nil
}

func (s *Session) watchAgent(agent Agent) {
	select {
	case <-agent.Done():
		s.logger.Info("Agent process ended")
		_ = s.Stop(ErrAgentExited)
	case <-s.ctx.Done():
	}
}

// accept waits for the video connection and, if the agent opens one, the
// control connection.
func (s *Session) accept(ln *net.TCPListener) {
	_ = ln.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	conn, err := ln.AcceptTCP()
	if err != nil {
		if s.State() == Starting {
			_ = s.Stop(&StartError{Step: "connect", Err: err})
		}
		return
	}
	_ = conn.SetNoDelay(true)

	s.mu.Lock()
	prev, ok := s.transitionLocked(Running)
	if ok {
		s.video = conn
	}
	s.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}
	s.notify(prev, Running, nil)

	go s.readLoop(conn)
	go s.pollPower()

	_ = ln.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	ctrl, err := ln.AcceptTCP()
	if err != nil {
		s.logger.Debug("No control connection, using video socket for control", "error", err)
		return
	}
	_ = ctrl.SetNoDelay(true)
	if ownErr := s.ownRunning(func() { s.control = ctrl }); ownErr != nil {
		ctrl.Close()
		return
	}
	go s.drainControl(ctrl)
}

func (s *Session) ownRunning(store func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return ErrNotRunning
	}
	store()
	return nil
}

func (s *Session) readLoop(conn net.Conn) {
	f := framer.New(s.cfg.MaxPacketSize)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			events, feedErr := f.Feed(buf[:n])
			if !s.deliver(events) {
				return
			}
			if feedErr != nil {
				s.logger.Error("Stream framing error", "error", feedErr)
				_ = s.Stop(feedErr)
				return
			}
		}
		if err != nil {
			if s.State() == Running {
				if errors.Is(err, io.EOF) {
					s.logger.Info("Device closed video socket")
				}
				_ = s.Stop(fmt.Errorf("%w: video read: %w", ErrTransport, err))
			}
			return
		}
	}
}

// deliver forwards events unless the session has left Running.
func (s *Session) deliver(events []framer.Event) bool {
	for _, ev := range events {
		if s.State() != Running {
			return false
		}
		switch e := ev.(type) {
		case framer.DeviceInfo:
			s.mu.Lock()
			s.info = e
			s.hasInfo = true
			s.mu.Unlock()
			s.logger.Info("Device info received", "name", e.Name, "width", e.Width, "height", e.Height)
			s.handler.OnDeviceInfo(s.id, e)
		case framer.VideoPacket:
			s.handler.OnVideoPacket(s.id, e)
		}
	}
	return true
}

// drainControl discards device-to-host control messages such as clipboard
// updates and stops the session if the socket fails.
func (s *Session) drainControl(conn net.Conn) {
	_, err := io.Copy(io.Discard, conn)
	if s.State() == Running {
		if err == nil {
			err = io.EOF
		}
		_ = s.Stop(fmt.Errorf("%w: control read: %w", ErrTransport, err))
	}
}

func (s *Session) pollPower() {
	if s.cfg.PowerPollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PowerPollInterval)
	defer ticker.Stop()

	for {
		s.queryPower()
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) queryPower() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CommandTimeout)
	defer cancel()

	state, err := bridge.QueryPowerState(ctx, s.bridge, s.id)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("Power state query failed", "error", err)
		}
		return
	}

	s.mu.Lock()
	changed := s.power != state
	s.power = state
	s.mu.Unlock()
	if changed {
		s.logger.Debug("Power state changed", "power", string(state))
		s.handler.OnPowerState(s.id, state)
	}
}

// SendControl writes one control message to the agent.
func (s *Session) SendControl(msg []byte) error {
	s.mu.Lock()
	conn := s.control
	if conn == nil {
		conn = s.video
	}
	running := s.state == Running
	s.mu.Unlock()
	if !running || conn == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if _, err := conn.Write(msg); err != nil {
		if s.State() != Running {
			return ErrNotRunning
		}
		err = fmt.Errorf("%w: control write: %w", ErrTransport, err)
		go s.Stop(err)
		return err
	}
	return nil
}

// Touch scales a fractional touch to device pixels and sends it.
func (s *Session) Touch(action control.Action, x, y float64) error {
	s.mu.Lock()
	w, h, ok := s.info.Width, s.info.Height, s.hasInfo
	s.mu.Unlock()
	if !ok {
		return ErrNoDeviceInfo
	}
	msg := control.EncodeTouch(action, x, y, int(w), int(h))
	return s.SendControl(msg[:])
}

// InjectKey sends keycode over the bridge shell.
func (s *Session) InjectKey(ctx context.Context, keycode int) error {
	if st := s.State(); st == Stopping || st == Stopped {
		return ErrNotRunning
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if _, err := s.bridge.Shell(ctx, s.id, control.EncodeKey(keycode)...); err != nil {
		return fmt.Errorf("inject key %d: %w", keycode, err)
	}
	return nil
}

// Stop tears the session down. Every release is attempted once regardless
// of earlier failures, and the joined error is returned to every caller.
func (s *Session) Stop(cause error) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(cause)
	})
	<-s.done
	return s.stopErr
}

func (s *Session) stop(cause error) error {
	s.mu.Lock()
	prev, _ := s.transitionLocked(Stopping)
	ln, video, ctrl, agent := s.listener, s.video, s.control, s.agent
	s.listener, s.video, s.control, s.agent = nil, nil, nil, nil
	s.mu.Unlock()

	s.notify(prev, Stopping, cause)
	s.cancel()

	var errs []error
	if video != nil {
		if err := video.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close video socket: %w", err))
		}
	}
	if ctrl != nil {
		if err := ctrl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close control socket: %w", err))
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	// the port goes back only once nothing listens on it
	s.ports.Release(s.port)
	if agent != nil {
		if err := agent.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop agent: %w", err))
		}
	}
	if prev != Created {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
		if err := s.bridge.ReverseRemoveAll(ctx, s.id); err != nil {
			s.logger.Debug("Reverse tunnel cleanup failed", "error", err)
		}
		cancel()
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("Session cleanup incomplete", "error", err)
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.notify(Stopping, Stopped, cause)

	if s.onStopped != nil {
		s.onStopped(cause)
	}
	close(s.done)
	return err
}

func (s *Session) String() string {
	return s.id + "@" + strconv.Itoa(s.port)
}
