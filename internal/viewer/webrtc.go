package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	pion "github.com/pion/webrtc/v4"

	"github.com/smazurov/mirrornode/internal/broadcast"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/metrics"
)

// ErrUnsupportedCodec is returned for WebRTC offers on non-H.264 devices.
var ErrUnsupportedCodec = errors.New("device codec not supported over WebRTC")

const (
	rtpMTU        = 1200
	rtpClockRate  = 90000
	peerQueueSize = 256
)

// WebRTCConfig holds configuration for WebRTC connections.
type WebRTCConfig struct {
	// ICEServers for STUN/TURN (empty for LAN-only)
	ICEServers []pion.ICEServer
	// GatherTimeout bounds ICE candidate gathering for the answer.
	GatherTimeout time.Duration
	InputTimeout  time.Duration
}

// WebRTCManager creates one send-only peer per viewer.
type WebRTCManager struct {
	gw     Gateway
	config WebRTCConfig
	peers  map[string]*peer
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewWebRTCManager returns a manager streaming through gw.
func NewWebRTCManager(gw Gateway, config WebRTCConfig, logger *slog.Logger) *WebRTCManager {
	if config.GatherTimeout <= 0 {
		config.GatherTimeout = 5 * time.Second
	}
	if config.InputTimeout <= 0 {
		config.InputTimeout = 5 * time.Second
	}
	return &WebRTCManager{
		gw:     gw,
		config: config,
		peers:  make(map[string]*peer),
		logger: logger,
	}
}

// peer is a viewer sink that packetizes into an RTP track.
type peer struct {
	*broadcast.QueueSink
	deviceID   string
	pc         *pion.PeerConnection
	track      *pion.TrackLocalStaticRTP
	packetizer rtp.Packetizer
	last       time.Time
	attachOnce sync.Once
	closeOnce  sync.Once
}

// CreateConsumer answers a browser's SDP offer for deviceID. The viewer is
// attached once the connection is up, so the keyframe replay is not lost.
func (m *WebRTCManager) CreateConsumer(ctx context.Context, deviceID, offer string) (string, error) {
	dev, err := m.gw.Device(deviceID)
	if err != nil {
		return "", err
	}
	if dev.Codec != "" && dev.Codec != "h264" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, dev.Codec)
	}

	api, err := NewWebRTCAPI(deviceID)
	if err != nil {
		return "", err
	}
	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: m.config.ICEServers})
	if err != nil {
		return "", err
	}

	p, err := m.newPeer(deviceID, pc)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	answer, err := m.negotiate(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		return "", err
	}

	m.mu.Lock()
	m.peers[p.ID()] = p
	peerCount := len(m.peers)
	m.mu.Unlock()
	metrics.SetActivePeers(peerCount)
	m.logger.Debug("WebRTC viewer created", "device_id", deviceID, "peer_id", p.ID(), "total_peers", peerCount)

	go m.writeLoop(p)
	return answer, nil
}

func (m *WebRTCManager) newPeer(deviceID string, pc *pion.PeerConnection) (*peer, error) {
	track, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: rtpClockRate},
		"video", "mirrornode-"+deviceID,
	)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	p := &peer{
		QueueSink: broadcast.NewQueueSink("rtc-"+core.RandString(8, 10), peerQueueSize),
		deviceID:  deviceID,
		pc:        pc,
		track:     track,
		packetizer: rtp.NewPacketizer(rtpMTU, 0, 0, &codecs.H264Payloader{},
			rtp.NewRandomSequencer(), rtpClockRate),
	}

	go m.readRTCP(p, sender)

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		switch state {
		case pion.PeerConnectionStateConnected:
			p.attachOnce.Do(func() {
				if err := m.gw.Attach(deviceID, p); err != nil {
					m.logger.Warn("WebRTC viewer attach failed", "device_id", deviceID, "peer_id", p.ID(), "error", err)
					m.closePeer(p)
				}
			})
		case pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateClosed:
			m.logger.Debug("WebRTC viewer disconnected", "device_id", deviceID, "peer_id", p.ID(), "state", state.String())
			m.closePeer(p)
		}
	})

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			m.handleInput(p, msg.Data)
		})
	})
	return p, nil
}

func (m *WebRTCManager) negotiate(ctx context.Context, pc *pion.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set answer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.GatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

// readRTCP drains feedback so interceptors see it, and answers keyframe
// requests with the cached parameter sets and keyframe.
func (m *WebRTCManager) readRTCP(p *peer, sender *pion.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := m.gw.Replay(p.deviceID, p); err != nil && !errors.Is(err, broadcast.ErrSinkClosed) {
					m.logger.Debug("Keyframe replay failed", "peer_id", p.ID(), "error", err)
				}
			}
		}
	}
}

func (m *WebRTCManager) writeLoop(p *peer) {
	for {
		select {
		case payload := <-p.Queue():
			if err := p.write(payload); err != nil {
				m.logger.Debug("WebRTC write failed", "peer_id", p.ID(), "error", err)
				m.closePeer(p)
				return
			}
		case <-p.Done():
			m.closePeer(p)
			return
		}
	}
}

// write packetizes one access unit. The timestamp advances by wall-clock
// time since the previous unit.
func (p *peer) write(payload []byte) error {
	now := time.Now()
	var samples uint32
	if !p.last.IsZero() {
		samples = uint32(now.Sub(p.last).Seconds() * rtpClockRate)
	}
	p.last = now

	for _, pkt := range p.packetizer.Packetize(payload, samples) {
		if err := p.track.WriteRTP(pkt); err != nil {
			return err
		}
		metrics.IncrementPacketsSent(p.deviceID, len(pkt.Payload))
	}
	return nil
}

func (m *WebRTCManager) handleInput(p *peer, data []byte) {
	in, err := control.ParseInput(data)
	if err != nil {
		m.logger.Debug("Ignoring data channel message", "peer_id", p.ID(), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.InputTimeout)
	defer cancel()
	if err := m.gw.HandleInput(ctx, p.deviceID, in); err != nil {
		m.logger.Debug("Viewer input rejected", "peer_id", p.ID(), "type", string(in.Type), "error", err)
	}
}

// closePeer detaches and closes p exactly once.
func (m *WebRTCManager) closePeer(p *peer) {
	p.closeOnce.Do(func() {
		m.gw.Detach(p.deviceID, p)
		p.Close()

		m.mu.Lock()
		delete(m.peers, p.ID())
		remaining := len(m.peers)
		m.mu.Unlock()
		metrics.SetActivePeers(remaining)

		// pion must not be closed from inside its own callbacks
		go func() { _ = p.pc.Close() }()
	})
}

// Stop closes all peer connections.
func (m *WebRTCManager) Stop() {
	m.mu.RLock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	for _, p := range peers {
		m.closePeer(p)
	}
}

// PeerCount returns the number of active WebRTC peers.
func (m *WebRTCManager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}
