package viewer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/mirrornode/internal/gateway"
)

// browserOffer builds a receive-only video offer with an input data channel.
func browserOffer(t *testing.T) (*pion.PeerConnection, string) {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo,
		pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatal(err)
	}
	if _, err := pc.CreateDataChannel("input", nil); err != nil {
		t.Fatal(err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("offer gathering timed out")
	}
	return pc, pc.LocalDescription().SDP
}

func TestCreateConsumerAnswersH264(t *testing.T) {
	gw := newFakeGateway(device("a", "h264"))
	m := NewWebRTCManager(gw, WebRTCConfig{}, testLogger())
	t.Cleanup(m.Stop)

	_, offer := browserOffer(t)
	answer, err := m.CreateConsumer(context.Background(), "a", offer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(answer, "m=video") || !strings.Contains(answer, "H264") {
		t.Errorf("answer lacks an H264 video section:\n%s", answer)
	}
	if !strings.Contains(answer, "sendonly") {
		t.Errorf("answer is not send-only:\n%s", answer)
	}
	if m.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", m.PeerCount())
	}

	m.Stop()
	if m.PeerCount() != 0 {
		t.Errorf("PeerCount after Stop = %d", m.PeerCount())
	}
}

func TestCreateConsumerErrors(t *testing.T) {
	gw := newFakeGateway(device("hevc", "h265"))
	m := NewWebRTCManager(gw, WebRTCConfig{}, testLogger())
	t.Cleanup(m.Stop)

	tests := []struct {
		name     string
		deviceID string
		offer    string
		want     error
	}{
		{"unknown device", "missing", "v=0", gateway.ErrDeviceNotFound},
		{"h265 device", "hevc", "v=0", ErrUnsupportedCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateConsumer(context.Background(), tt.deviceID, tt.offer)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateConsumerBadOffer(t *testing.T) {
	gw := newFakeGateway(device("a", ""))
	m := NewWebRTCManager(gw, WebRTCConfig{}, testLogger())
	t.Cleanup(m.Stop)

	if _, err := m.CreateConsumer(context.Background(), "a", "not sdp"); err == nil {
		t.Fatal("expected error for malformed offer")
	}
	if m.PeerCount() != 0 {
		t.Errorf("PeerCount = %d after failed negotiation", m.PeerCount())
	}
}

func TestCountRTCP(t *testing.T) {
	countRTCP("rtcp-test", []rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: 1},
		&rtcp.TransportLayerNack{MediaSSRC: 1, Nacks: []rtcp.NackPair{{PacketID: 10, LostPackets: 0b11}}},
		&rtcp.FullIntraRequest{MediaSSRC: 1},
	})
	// PacketList covers the base id plus each set bit.
	if n := len((&rtcp.NackPair{PacketID: 10, LostPackets: 0b11}).PacketList()); n != 3 {
		t.Errorf("PacketList len = %d, want 3", n)
	}
}
