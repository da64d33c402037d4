// Package metrics provides Prometheus metrics for sessions, scanning,
// streaming and viewers, plus a per-device cache for the API.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirrornode",
		Name:      "sessions_active",
		Help:      "Device sessions currently registered",
	})

	sessionStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "session_starts_total",
		Help:      "Session start attempts by result",
	}, []string{"result"})

	framingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "framing_errors_total",
		Help:      "Sessions torn down because of a malformed stream",
	})

	videoPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "video_packets_total",
		Help:      "Video packets received per device",
	}, []string{"device_id"})

	videoBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "video_bytes_total",
		Help:      "Video payload bytes received per device",
	}, []string{"device_id"})

	viewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirrornode",
		Name:      "viewers",
		Help:      "Viewers attached per device",
	}, []string{"device_id"})

	viewersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "viewers_dropped_total",
		Help:      "Viewers disconnected because their queue overflowed",
	})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mirrornode",
		Name:      "scan_duration_seconds",
		Help:      "Duration of device reconciliation scans",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	scansSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirrornode",
		Name:      "scans_skipped_total",
		Help:      "Scan ticks skipped because the previous scan was still running",
	})

	portsLeased = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirrornode",
		Name:      "port_pool_leased",
		Help:      "Tunnel ports currently leased",
	})

	// Local cache for API access.
	deviceCache   = make(map[string]*DeviceMetrics)
	deviceCacheMu sync.RWMutex
)

// DeviceMetrics holds current values for one device.
type DeviceMetrics struct {
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	Keyframes    uint64    `json:"keyframes"`
	Viewers      int       `json:"viewers"`
	LastPacketAt time.Time `json:"last_packet_at,omitzero"`
}

// SetSessionsActive sets the number of registered sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// IncrementSessionStarts records a start attempt; result is "ok" or the failed step.
func IncrementSessionStarts(result string) {
	sessionStarts.WithLabelValues(result).Inc()
}

// IncrementFramingErrors records a framing failure.
func IncrementFramingErrors() {
	framingErrors.Inc()
}

// RecordVideoPacket counts one packet of size bytes for a device.
func RecordVideoPacket(deviceID string, size int, keyframe bool) {
	videoPackets.WithLabelValues(deviceID).Inc()
	videoBytes.WithLabelValues(deviceID).Add(float64(size))
	updateCache(deviceID, func(m *DeviceMetrics) {
		m.Packets++
		m.Bytes += uint64(size)
		if keyframe {
			m.Keyframes++
		}
		m.LastPacketAt = time.Now()
	})
}

// SetViewers sets the viewer count for a device.
func SetViewers(deviceID string, n int) {
	viewers.WithLabelValues(deviceID).Set(float64(n))
	updateCache(deviceID, func(m *DeviceMetrics) { m.Viewers = n })
}

// IncrementViewersDropped records a viewer disconnected for falling behind.
func IncrementViewersDropped() {
	viewersDropped.Inc()
}

// ObserveScan records one completed scan.
func ObserveScan(d time.Duration) {
	scanDuration.Observe(d.Seconds())
}

// IncrementScansSkipped records a skipped overlapping scan.
func IncrementScansSkipped() {
	scansSkipped.Inc()
}

// SetPortsLeased sets the number of leased tunnel ports.
func SetPortsLeased(n int) {
	portsLeased.Set(float64(n))
}

// DeleteDevice removes every per-device series and cached value.
func DeleteDevice(deviceID string) {
	videoPackets.DeleteLabelValues(deviceID)
	videoBytes.DeleteLabelValues(deviceID)
	viewers.DeleteLabelValues(deviceID)
	DeleteWebRTCDevice(deviceID)

	deviceCacheMu.Lock()
	delete(deviceCache, deviceID)
	deviceCacheMu.Unlock()
}

// GetDeviceMetrics returns a copy of the cached values for a device, or nil.
func GetDeviceMetrics(deviceID string) *DeviceMetrics {
	deviceCacheMu.RLock()
	defer deviceCacheMu.RUnlock()
	if m, ok := deviceCache[deviceID]; ok {
		dup := *m
		return &dup
	}
	return nil
}

func updateCache(deviceID string, update func(*DeviceMetrics)) {
	deviceCacheMu.Lock()
	defer deviceCacheMu.Unlock()
	m, ok := deviceCache[deviceID]
	if !ok {
		m = &DeviceMetrics{}
		deviceCache[deviceID] = m
	}
	update(m)
}
