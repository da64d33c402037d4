// Package gateway joins device sessions to viewers. It receives session
// events, feeds the broadcast hub, applies the power policy and routes viewer
// input back to the right device.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/codec"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/framer"
	"github.com/smazurov/mirrornode/internal/metrics"
	"github.com/smazurov/mirrornode/internal/registry"
	"github.com/smazurov/mirrornode/internal/session"
)

var (
	// ErrDeviceNotFound is returned for device ids without a session.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNotReady is returned for input sent before the device streams.
	ErrNotReady = errors.New("device not ready")
)

// PowerPolicy decides when a detaching viewer puts the device to sleep.
type PowerPolicy string

const (
	PowerNever PowerPolicy = "never"
	PowerLast  PowerPolicy = "last"
	PowerAny   PowerPolicy = "any"
)

// ParsePowerPolicy validates a configured policy. Empty means never.
func ParsePowerPolicy(s string) (PowerPolicy, error) {
	switch p := PowerPolicy(s); p {
	case "":
		return PowerNever, nil
	case PowerNever, PowerLast, PowerAny:
		return p, nil
	default:
		return "", fmt.Errorf("unknown power-off policy %q (want never, last or any)", s)
	}
}

// Sessions looks up running device sessions.
type Sessions interface {
	Get(id string) (registry.Session, bool)
	List() []registry.Session
}

// NameLookup resolves operator-chosen display names.
type NameLookup interface {
	Get(serial string) (string, bool)
}

// Device is the API view of one device.
type Device struct {
	session.Info
	DisplayName string `json:"display_name,omitempty"`
	Codec       string `json:"codec,omitempty"`
	Viewers     int    `json:"viewers"`
	Keyframe    bool   `json:"keyframe_cached"`
}

// Options configure a Gateway.
type Options struct {
	Hub         *broadcast.Hub
	Bus         *events.Bus
	Names       NameLookup
	Fallback    codec.Classifier
	PowerPolicy PowerPolicy
	// KeyTimeout bounds the sleep key sent by the power policy.
	KeyTimeout time.Duration
	Logger     *slog.Logger
}

// Gateway is safe for concurrent use. Sessions must be set before the
// first device connects.
type Gateway struct {
	sessions   Sessions
	hub        *broadcast.Hub
	bus        *events.Bus
	names      NameLookup
	fallback   codec.Classifier
	policy     PowerPolicy
	keyTimeout time.Duration
	logger     *slog.Logger
}

// New returns a gateway over the given hub and bus.
func New(opts Options) *Gateway {
	if opts.Fallback == nil {
		opts.Fallback = codec.H264{}
	}
	if opts.PowerPolicy == "" {
		opts.PowerPolicy = PowerNever
	}
	if opts.KeyTimeout <= 0 {
		opts.KeyTimeout = 5 * time.Second
	}
	g := &Gateway{
		hub:        opts.Hub,
		bus:        opts.Bus,
		names:      opts.Names,
		fallback:   opts.Fallback,
		policy:     opts.PowerPolicy,
		keyTimeout: opts.KeyTimeout,
		logger:     opts.Logger,
	}
	g.hub.SetOnDrop(g.onDrop)
	return g
}

// SetSessions wires the session directory. The registry needs the gateway
// as its sessions' handler, so it is built after the gateway.
func (g *Gateway) SetSessions(s Sessions) {
	g.sessions = s
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// OnStateChange implements session.Handler.
func (g *Gateway) OnStateChange(id string, from, to session.State, cause error) {
	if from == session.Starting {
		switch to {
		case session.Running:
			metrics.IncrementSessionStarts("ok")
		case session.Stopping:
			var startErr *session.StartError
			if errors.As(cause, &startErr) {
				metrics.IncrementSessionStarts(startErr.Step)
			} else {
				metrics.IncrementSessionStarts("failed")
			}
		}
	}

	switch to {
	case session.Stopping:
		var framingErr *framer.FramingError
		if errors.As(cause, &framingErr) {
			metrics.IncrementFramingErrors()
		}
		if n := g.hub.CloseDevice(id); n > 0 {
			g.logger.Info("Disconnected viewers of stopping session", "device_id", id, "viewers", n)
		}
	case session.Stopped:
		metrics.DeleteDevice(id)
	}

	ev := events.SessionStateChangedEvent{
		DeviceID:  id,
		From:      from.String(),
		To:        to.String(),
		Timestamp: timestamp(),
	}
	if cause != nil {
		ev.Cause = cause.Error()
	}
	g.bus.Publish(ev)
}

// OnDeviceInfo implements session.Handler.
func (g *Gateway) OnDeviceInfo(id string, info framer.DeviceInfo) {
	classifier := codec.ForTag(info.CodecTag, g.fallback)
	g.hub.SetCodec(id, classifier)
	g.bus.Publish(events.DeviceInfoEvent{
		DeviceID:  id,
		Name:      info.Name,
		Codec:     classifier.Name(),
		Width:     info.Width,
		Height:    info.Height,
		Timestamp: timestamp(),
	})
}

// OnVideoPacket implements session.Handler.
func (g *Gateway) OnVideoPacket(id string, pkt framer.VideoPacket) {
	class, _ := g.hub.Publish(id, pkt.Payload)
	metrics.RecordVideoPacket(id, len(pkt.Payload), class == codec.Keyframe)
}

// OnPowerState implements session.Handler.
func (g *Gateway) OnPowerState(id string, state bridge.PowerState) {
	g.bus.Publish(events.PowerStateEvent{
		DeviceID:  id,
		State:     string(state),
		Timestamp: timestamp(),
	})
}

func (g *Gateway) lookup(id string) (registry.Session, error) {
	if g.sessions == nil {
		return nil, ErrDeviceNotFound
	}
	s, ok := g.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return s, nil
}

// Attach subscribes sink to a device. Cached parameter sets and the last
// keyframe are queued on sink before any live packet. Sessions that are
// stopping refuse new viewers with ErrNotReady.
func (g *Gateway) Attach(deviceID string, sink broadcast.Sink) error {
	s, err := g.lookup(deviceID)
	if err != nil {
		return err
	}
	if err := shuttingDown(s); err != nil {
		return err
	}
	if err := g.hub.Subscribe(deviceID, sink); err != nil {
		return fmt.Errorf("attach viewer %s: %w", sink.ID(), err)
	}
	// The session may have started stopping after the first check, in which
	// case its viewers were already closed without this one.
	if err := shuttingDown(s); err != nil {
		g.hub.Unsubscribe(deviceID, sink)
		return err
	}
	g.viewerChanged(deviceID, sink.ID(), "attached")
	return nil
}

func shuttingDown(s registry.Session) error {
	switch state := s.Info().State; state {
	case session.Stopping, session.Stopped:
		return fmt.Errorf("%w: session %s", ErrNotReady, state)
	}
	return nil
}

// Detach removes sink from a device and applies the power policy.
func (g *Gateway) Detach(deviceID string, sink broadcast.Sink) {
	if !g.hub.Unsubscribe(deviceID, sink) {
		return
	}
	remaining := g.viewerChanged(deviceID, sink.ID(), "detached")

	if g.policy == PowerAny || (g.policy == PowerLast && remaining == 0) {
		go g.sleep(deviceID)
	}
}

// onDrop handles viewers the hub disconnected for falling behind. They are
// expected to reconnect, so the power policy is not applied.
func (g *Gateway) onDrop(deviceID string, sink broadcast.Sink, _ error) {
	metrics.IncrementViewersDropped()
	g.viewerChanged(deviceID, sink.ID(), "dropped")
}

func (g *Gateway) viewerChanged(deviceID, viewerID, action string) int {
	n := g.hub.Subscribers(deviceID)
	metrics.SetViewers(deviceID, n)
	g.logger.Info("Viewer "+action, "device_id", deviceID, "viewer_id", viewerID, "viewers", n)
	g.bus.Publish(events.ViewerEvent{
		DeviceID:  deviceID,
		ViewerID:  viewerID,
		Action:    action,
		Viewers:   n,
		Timestamp: timestamp(),
	})
	return n
}

func (g *Gateway) sleep(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.keyTimeout)
	defer cancel()
	if err := g.Key(ctx, deviceID, control.KeycodeSleep); err != nil {
		g.logger.Warn("Power-off after detach failed", "device_id", deviceID, "error", err)
		return
	}
	g.logger.Info("Device put to sleep", "device_id", deviceID, "policy", string(g.policy))
}

// Replay resends cached units to an attached sink.
func (g *Gateway) Replay(deviceID string, sink broadcast.Sink) error {
	return g.hub.Replay(deviceID, sink)
}

// HandleInput routes one viewer message to its device.
func (g *Gateway) HandleInput(ctx context.Context, deviceID string, in control.Input) error {
	switch in.Type {
	case control.InputTouch:
		s, err := g.lookup(deviceID)
		if err != nil {
			return err
		}
		return notReady(s.Touch(in.Action, in.X, in.Y))
	case control.InputKey:
		return g.Key(ctx, deviceID, in.Keycode)
	case control.InputWake:
		return g.Wake(ctx, deviceID)
	default:
		return fmt.Errorf("%w: %q", control.ErrUnknownInput, in.Type)
	}
}

// Key injects keycode on a device.
func (g *Gateway) Key(ctx context.Context, deviceID string, keycode int) error {
	s, err := g.lookup(deviceID)
	if err != nil {
		return err
	}
	return notReady(s.InjectKey(ctx, keycode))
}

// Wake turns the device screen on.
func (g *Gateway) Wake(ctx context.Context, deviceID string) error {
	return g.Key(ctx, deviceID, control.KeycodeWakeup)
}

func notReady(err error) error {
	if errors.Is(err, session.ErrNotRunning) || errors.Is(err, session.ErrNoDeviceInfo) {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return err
}

// Devices returns every registered device ordered by id.
func (g *Gateway) Devices() []Device {
	if g.sessions == nil {
		return nil
	}
	list := g.sessions.List()
	out := make([]Device, 0, len(list))
	for _, s := range list {
		out = append(out, g.view(s))
	}
	return out
}

// Device returns one device.
func (g *Gateway) Device(id string) (Device, error) {
	s, err := g.lookup(id)
	if err != nil {
		return Device{}, err
	}
	return g.view(s), nil
}

func (g *Gateway) view(s registry.Session) Device {
	info := s.Info()
	d := Device{
		Info:     info,
		Codec:    codec.TagName(info.CodecTag),
		Viewers:  g.hub.Subscribers(info.ID),
		Keyframe: g.hub.HasKeyframe(info.ID),
	}
	if g.names != nil {
		d.DisplayName, _ = g.names.Get(info.ID)
	}
	if d.DisplayName == "" {
		d.DisplayName = info.Model
	}
	return d
}
