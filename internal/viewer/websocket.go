package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/gorilla/websocket"

	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/gateway"
)

// WebSocketConfig tunes the WebSocket transport.
type WebSocketConfig struct {
	// QueueSize is the number of packets buffered per viewer before it is
	// disconnected for falling behind.
	QueueSize    int
	WriteTimeout time.Duration
	PongWait     time.Duration
	InputTimeout time.Duration
}

// DefaultWebSocketConfig returns the stock settings.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		PongWait:     60 * time.Second,
		InputTimeout: 5 * time.Second,
	}
}

const maxInputMessage = 4096

// infoMessage is the first text frame a viewer receives. Width and height
// are 0 until the device announces them, at which point the frame is sent
// again with the real values.
type infoMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	Width    uint32 `json:"width"`
	Height   uint32 `json:"height"`
	Codec    string `json:"codec,omitempty"`
}

// WebSocketHandler serves GET /ws/{device_id}.
type WebSocketHandler struct {
	gw       Gateway
	bus      *events.Bus
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler returns a handler streaming through gw. Device info
// updates published on bus are forwarded to viewers; bus may be nil. Origin
// checks are left to the CORS layer.
func NewWebSocketHandler(gw Gateway, bus *events.Bus, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	def := DefaultWebSocketConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = def.InputTimeout
	}
	return &WebSocketHandler{
		gw:  gw,
		bus: bus,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")

	// Subscribe before reading the device so an announcement racing the
	// first info frame is not lost.
	updates := make(chan infoMessage, 1)
	if h.bus != nil {
		unsub := h.bus.Subscribe(func(e events.DeviceInfoEvent) {
			if e.DeviceID != deviceID {
				return
			}
			latest(updates, infoMessage{
				Type:     "info",
				DeviceID: deviceID,
				Name:     e.Name,
				Width:    e.Width,
				Height:   e.Height,
				Codec:    e.Codec,
			})
		})
		defer unsub()
	}

	dev, err := h.gw.Device(deviceID)
	if err != nil {
		if errors.Is(err, gateway.ErrDeviceNotFound) {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	defer conn.Close()

	sink := broadcast.NewQueueSink("ws-"+core.RandString(8, 10), h.cfg.QueueSize)
	logger := h.logger.With("device_id", deviceID, "viewer_id", sink.ID())

	info := infoMessage{
		Type:     "info",
		DeviceID: deviceID,
		Name:     dev.Name,
		Width:    dev.Width,
		Height:   dev.Height,
		Codec:    dev.Codec,
	}
	if err := h.writeInfo(conn, info); err != nil {
		return
	}

	if err := h.gw.Attach(deviceID, sink); err != nil {
		logger.Warn("Viewer attach failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "device unavailable"),
			time.Now().Add(h.cfg.WriteTimeout))
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, sink, updates, logger)
	}()

	h.readPump(r.Context(), conn, deviceID, logger)

	h.gw.Detach(deviceID, sink)
	sink.Close()
	<-writerDone
}

func (h *WebSocketHandler) writeInfo(conn *websocket.Conn, info infoMessage) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// latest replaces any pending message in ch with m without blocking.
func latest(ch chan infoMessage, m infoMessage) {
	for {
		select {
		case ch <- m:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// writePump is the only writer after the info frame. It ends when the sink
// is closed by the hub or a write fails, and closes conn so readPump ends too.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, sink *broadcast.QueueSink, updates <-chan infoMessage, logger *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-sink.Queue():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case info := <-updates:
			if err := h.writeInfo(conn, info); err != nil {
				logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-sink.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, deviceID string, logger *slog.Logger) {
	conn.SetReadLimit(maxInputMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if kind != websocket.TextMessage {
			continue
		}

		in, err := control.ParseInput(data)
		if err != nil {
			logger.Debug("Ignoring viewer message", "error", err)
			continue
		}
		inputCtx, cancel := context.WithTimeout(ctx, h.cfg.InputTimeout)
		if err := h.gw.HandleInput(inputCtx, deviceID, in); err != nil {
			logger.Debug("Viewer input rejected", "type", string(in.Type), "error", err)
		}
		cancel()
	}
}
