package models

import (
	"github.com/smazurov/mirrornode/internal/gateway"
	"github.com/smazurov/mirrornode/internal/metrics"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Devices int    `json:"devices" example:"3" doc:"Registered device sessions"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Device models
type DeviceData struct {
	gateway.Device
	Stats *metrics.DeviceMetrics `json:"stats,omitempty" doc:"Stream counters since the session started"`
}

type DeviceListData struct {
	Devices []DeviceData `json:"devices" doc:"Registered devices ordered by serial"`
	Count   int          `json:"count" example:"2" doc:"Number of devices"`
}

type DeviceListResponse struct {
	Body DeviceListData
}

type DeviceResponse struct {
	Body DeviceData
}

// DevicePathInput selects a device by serial.
type DevicePathInput struct {
	DeviceID string `path:"device_id" example:"R58M42ABCDE" doc:"Device serial"`
}

// KeyBody names the key to inject. Key takes precedence over Keycode.
type KeyBody struct {
	Key     string `json:"key,omitempty" enum:"home,back,menu,app_switch,power,sleep,wakeup" doc:"Named key"`
	Keycode int    `json:"keycode,omitempty" minimum:"0" example:"3" doc:"Raw Android keycode"`
}

type KeyRequest struct {
	DevicePathInput
	Body KeyBody
}

type ActionData struct {
	Status  string `json:"status" example:"ok" doc:"Result"`
	Message string `json:"message" example:"Key 3 sent" doc:"Human-readable result"`
}

type ActionResponse struct {
	Body ActionData
}
