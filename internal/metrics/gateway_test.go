package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatal(err)
	}
	switch {
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	}
	t.Fatal("unsupported metric type")
	return 0
}

func TestDeviceMetricsCache(t *testing.T) {
	const deviceID = "test-device-1"
	DeleteDevice(deviceID)

	if m := GetDeviceMetrics(deviceID); m != nil {
		t.Error("expected nil for unknown device")
	}

	RecordVideoPacket(deviceID, 100, true)
	RecordVideoPacket(deviceID, 50, false)
	SetViewers(deviceID, 2)

	m := GetDeviceMetrics(deviceID)
	if m == nil {
		t.Fatal("expected cached metrics")
	}
	if m.Packets != 2 || m.Bytes != 150 || m.Keyframes != 1 || m.Viewers != 2 {
		t.Errorf("got %+v", m)
	}
	if m.LastPacketAt.IsZero() {
		t.Error("LastPacketAt not set")
	}

	// returned value is a copy
	m.Packets = 999
	if GetDeviceMetrics(deviceID).Packets != 2 {
		t.Error("cache modified through returned copy")
	}

	if got := value(t, videoBytes.WithLabelValues(deviceID)); got != 150 {
		t.Errorf("video_bytes_total = %v, want 150", got)
	}

	DeleteDevice(deviceID)
	if GetDeviceMetrics(deviceID) != nil {
		t.Error("expected nil after delete")
	}
}

func TestGaugesAndCounters(t *testing.T) {
	SetSessionsActive(3)
	if got := value(t, sessionsActive); got != 3 {
		t.Errorf("sessions_active = %v", got)
	}

	SetPortsLeased(4)
	if got := value(t, portsLeased); got != 4 {
		t.Errorf("port_pool_leased = %v", got)
	}

	before := value(t, sessionStarts.WithLabelValues("push"))
	IncrementSessionStarts("push")
	if got := value(t, sessionStarts.WithLabelValues("push")); got != before+1 {
		t.Errorf("session_starts_total{result=push} = %v, want %v", got, before+1)
	}

	skipped := value(t, scansSkipped)
	IncrementScansSkipped()
	if got := value(t, scansSkipped); got != skipped+1 {
		t.Errorf("scans_skipped_total = %v", got)
	}
}
