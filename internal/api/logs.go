package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/mirrornode/internal/events"
	"github.com/smazurov/mirrornode/internal/logging"
)

// LogStreamInput narrows the log stream.
type LogStreamInput struct {
	DeviceID string `query:"device_id" example:"R58M42ABCDE" doc:"Only lines logged for this device, including its agent output"`
	Module   string `query:"module" example:"agent" doc:"Only lines from this module"`
}

func (in *LogStreamInput) matches(deviceID, module string) bool {
	if in.DeviceID != "" && deviceID != in.DeviceID {
		return false
	}
	return in.Module == "" || module == in.Module
}

// LogEvent converts a tail entry to its bus event.
func LogEvent(e logging.Entry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		Level:      e.Level,
		Module:     e.Module,
		DeviceID:   e.DeviceID,
		Message:    e.Message,
		Line:       logging.FormatLine(e),
		Attributes: e.Attributes,
	}
}

// registerLogRoutes registers the log streaming SSE endpoint.
func (s *Server) registerLogRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Recent log lines followed by new ones as they are written. Filter by device_id to follow one device's session and agent output.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, input *LogStreamInput, send sse.Sender) {
		// Subscribe first so nothing written while the history is sent is
		// lost; Seq drops the overlap.
		eventCh := make(chan any, 256)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		var last uint64
		if tail := logging.Tail(); tail != nil {
			history := tail.Filter(func(e logging.Entry) bool {
				return input.matches(e.DeviceID, e.Module)
			})
			for _, e := range history {
				if err := send.Data(LogEvent(e)); err != nil {
					return
				}
				last = e.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-eventCh:
				ev, ok := raw.(events.LogEntryEvent)
				if !ok || ev.Seq <= last || !input.matches(ev.DeviceID, ev.Module) {
					continue
				}
				if err := send.Data(ev); err != nil {
					return
				}
			}
		}
	})
}
