package viewer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/codec"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/gateway"
	"github.com/smazurov/mirrornode/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGateway struct {
	hub      *broadcast.Hub
	bus      *events.Bus
	devices  map[string]gateway.Device
	inputs   chan control.Input
	attached chan string
	detached chan string
}

func newFakeGateway(devices ...gateway.Device) *fakeGateway {
	g := &fakeGateway{
		hub:      broadcast.NewHub(codec.H264{}, testLogger()),
		bus:      events.New(),
		devices:  make(map[string]gateway.Device),
		inputs:   make(chan control.Input, 8),
		attached: make(chan string, 8),
		detached: make(chan string, 8),
	}
	for _, d := range devices {
		g.devices[d.ID] = d
	}
	return g
}

func device(id, codecName string) gateway.Device {
	return gateway.Device{
		Info:  session.Info{ID: id, Name: "Pixel 7", Width: 1080, Height: 2400, State: session.Running, Ready: true},
		Codec: codecName,
	}
}

func (g *fakeGateway) Device(id string) (gateway.Device, error) {
	d, ok := g.devices[id]
	if !ok {
		return gateway.Device{}, fmt.Errorf("%w: %s", gateway.ErrDeviceNotFound, id)
	}
	return d, nil
}

func (g *fakeGateway) Attach(deviceID string, sink broadcast.Sink) error {
	if err := g.hub.Subscribe(deviceID, sink); err != nil {
		return err
	}
	g.attached <- sink.ID()
	return nil
}

func (g *fakeGateway) Detach(deviceID string, sink broadcast.Sink) {
	if g.hub.Unsubscribe(deviceID, sink) {
		g.detached <- sink.ID()
	}
}

func (g *fakeGateway) Replay(deviceID string, sink broadcast.Sink) error {
	return g.hub.Replay(deviceID, sink)
}

func (g *fakeGateway) HandleInput(_ context.Context, _ string, in control.Input) error {
	g.inputs <- in
	return nil
}
