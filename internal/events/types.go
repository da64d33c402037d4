package events

// Event type constants for kelindar/event.
const (
	TypeSessionStateChanged uint32 = iota + 1
	TypeDeviceInfo
	TypeViewer
	TypePowerState
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionStateChangedEvent is published on every device session transition.
type SessionStateChangedEvent struct {
	DeviceID  string `json:"device_id" example:"R58M42ABCDE" doc:"Device serial"`
	From      string `json:"from" example:"starting" doc:"Previous state"`
	To        string `json:"to" example:"running" doc:"New state"`
	Cause     string `json:"cause,omitempty" example:"device stream closed: EOF" doc:"Reason for stopping"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStateChangedEvent.
func (e SessionStateChangedEvent) Type() uint32 { return TypeSessionStateChanged }

// DeviceInfoEvent is published once per session when the stream header arrives.
type DeviceInfoEvent struct {
	DeviceID  string `json:"device_id" example:"R58M42ABCDE" doc:"Device serial"`
	Name      string `json:"name" example:"SM-G991B" doc:"Device name reported by the agent"`
	Codec     string `json:"codec" example:"h264" doc:"Video codec"`
	Width     uint32 `json:"width" example:"1080" doc:"Frame width in pixels"`
	Height    uint32 `json:"height" example:"2400" doc:"Frame height in pixels"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceInfoEvent.
func (e DeviceInfoEvent) Type() uint32 { return TypeDeviceInfo }

// ViewerEvent is published when a viewer attaches to or detaches from a device.
type ViewerEvent struct {
	DeviceID  string `json:"device_id" example:"R58M42ABCDE" doc:"Device serial"`
	ViewerID  string `json:"viewer_id" example:"ws-3fa9c2" doc:"Viewer identifier"`
	Action    string `json:"action" example:"attached" doc:"attached or detached"`
	Viewers   int    `json:"viewers" example:"2" doc:"Viewers remaining on the device"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ViewerEvent.
func (e ViewerEvent) Type() uint32 { return TypeViewer }

// PowerStateEvent is published when a polled device changes power state.
type PowerStateEvent struct {
	DeviceID  string `json:"device_id" example:"R58M42ABCDE" doc:"Device serial"`
	State     string `json:"state" example:"asleep" doc:"Power state"`
	Timestamp string `json:"timestamp" example:"2026-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PowerStateEvent.
func (e PowerStateEvent) Type() uint32 { return TypePowerState }

// LogEntryEvent carries one log line to log stream clients.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2026-01-27T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"agent" doc:"Source module"`
	DeviceID   string         `json:"device_id,omitempty" example:"R58M42ABCDE" doc:"Device the line belongs to"`
	Message    string         `json:"message" doc:"Log message"`
	Line       string         `json:"line" doc:"Preformatted display line"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
