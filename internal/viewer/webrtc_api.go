package viewer

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/interceptor/pkg/twcc"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/mirrornode/internal/metrics"
)

// NACKBufferSize is the number of packets kept for retransmission. Phone
// encoders at 8 Mbit/s emit roughly 700 packets a second, so this holds
// several seconds.
const NACKBufferSize = 4096

// SRTPReplayProtectionWindow must be at least as large as NACKBufferSize.
const SRTPReplayProtectionWindow = 8192

// NewWebRTCAPI creates a WebRTC API offering H.264 with RTCP feedback and
// per-device RTCP metrics.
func NewWebRTCAPI(deviceID string) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := configureInterceptors(m, i); err != nil {
		return nil, err
	}
	i.Add(&rtcpMonitorInterceptorFactory{deviceID: deviceID})

	s := pion.SettingEngine{}
	s.SetSRTPReplayProtectionWindow(SRTPReplayProtectionWindow)

	return pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	), nil
}

var videoRTCPFeedback = []pion.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// h264Profiles are the profile-level-ids offered to browsers, baseline first.
var h264Profiles = []struct {
	payloadType uint8
	profile     string
}{
	{96, "42001f"},
	{97, "42e01f"},
	{98, "4d001f"},
	{99, "64001f"},
	{100, "640028"},
	{101, "640032"},
}

func h264Capability(profile string) pion.RTPCodecCapability {
	return pion.RTPCodecCapability{
		MimeType:     pion.MimeTypeH264,
		ClockRate:    90000,
		SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profile,
		RTCPFeedback: videoRTCPFeedback,
	}
}

func registerCodecs(m *pion.MediaEngine) error {
	for _, p := range h264Profiles {
		codec := pion.RTPCodecParameters{
			RTPCodecCapability: h264Capability(p.profile),
			PayloadType:        pion.PayloadType(p.payloadType),
		}
		if err := m.RegisterCodec(codec, pion.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	return nil
}

// configureInterceptors sets up NACK, RTCP reports, stats and TWCC.
func configureInterceptors(m *pion.MediaEngine, i *interceptor.Registry) error {
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return err
	}
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(NACKBufferSize))
	if err != nil {
		return err
	}
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	i.Add(responder)
	i.Add(generator)

	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return err
	}
	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return err
	}
	i.Add(receiver)
	i.Add(sender)

	statsInterceptor, err := stats.NewInterceptor()
	if err != nil {
		return err
	}
	i.Add(statsInterceptor)

	m.RegisterFeedback(pion.RTCPFeedback{Type: pion.TypeRTCPFBTransportCC}, pion.RTPCodecTypeVideo)
	twccGenerator, err := twcc.NewSenderInterceptor()
	if err != nil {
		return err
	}
	i.Add(twccGenerator)

	return nil
}

type rtcpMonitorInterceptorFactory struct {
	deviceID string
}

func (f *rtcpMonitorInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &rtcpMonitorInterceptor{deviceID: f.deviceID}, nil
}

// rtcpMonitorInterceptor counts inbound RTCP feedback per device.
type rtcpMonitorInterceptor struct {
	interceptor.NoOp
	deviceID string
}

func (r *rtcpMonitorInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return &rtcpMonitorReader{reader: reader, deviceID: r.deviceID}
}

type rtcpMonitorReader struct {
	reader   interceptor.RTCPReader
	deviceID string
}

func (r *rtcpMonitorReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	n, attr, err := r.reader.Read(b, a)
	if err != nil {
		return n, attr, err
	}

	packets, parseErr := rtcp.Unmarshal(b[:n])
	if parseErr != nil {
		return n, attr, err
	}
	countRTCP(r.deviceID, packets)
	return n, attr, err
}

func countRTCP(deviceID string, packets []rtcp.Packet) {
	for _, pkt := range packets {
		metrics.IncrementRTCPPackets(deviceID)
		switch p := pkt.(type) {
		case *rtcp.TransportLayerNack:
			count := 0
			for _, pair := range p.Nacks {
				count += len(pair.PacketList())
			}
			metrics.IncrementNACKs(deviceID, count)
		case *rtcp.PictureLossIndication:
			metrics.IncrementPLIs(deviceID)
		case *rtcp.FullIntraRequest:
			metrics.IncrementFIRs()
		}
	}
}
