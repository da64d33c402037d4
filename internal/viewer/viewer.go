// Package viewer implements the transports that carry a device's video to
// browsers and carry input back: a WebSocket stream of raw packets and a
// WebRTC peer per viewer.
package viewer

import (
	"context"

	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/gateway"
)

// Gateway is the part of the gateway viewers use.
type Gateway interface {
	Device(id string) (gateway.Device, error)
	Attach(deviceID string, sink broadcast.Sink) error
	Detach(deviceID string, sink broadcast.Sink)
	Replay(deviceID string, sink broadcast.Sink) error
	HandleInput(ctx context.Context, deviceID string, in control.Input) error
}
