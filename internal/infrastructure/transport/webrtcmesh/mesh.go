// Package webrtcmesh implements the mesh flavor of the presence
// transport: participants exchange envelopes directly over WebRTC data
// channels, with the relay only carrying the SDP/ICE signaling. The
// data channels are opened unordered and without retransmits, which is
// exactly the delivery model the reconciler is built for.
package webrtcmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"presencenet/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	dataChannelLabel = "presence"
	inboundBuffer    = 64
)

// Signal is one signaling message ferried between two participants by
// an out-of-band channel (typically the relay).
type Signal struct {
	From      domain.UserID `json:"from"`
	To        domain.UserID `json:"to"`
	Type      string        `json:"type"` // "offer", "answer" or "candidate"
	SDP       string        `json:"sdp,omitempty"`
	Candidate string        `json:"candidate,omitempty"`
}

// Signaler carries Signals between participants.
type Signaler interface {
	SendSignal(ctx context.Context, sig *Signal) error
	Signals() <-chan *Signal
}

type link struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit
	remote  bool // true once the remote description is set
}

// Mesh is a data-channel transport for one participant.
type Mesh struct {
	self      domain.UserID
	rtcConfig webrtc.Configuration
	signaler  Signaler

	mu    sync.Mutex
	links map[domain.UserID]*link

	inbound    chan *domain.Envelope
	departures chan domain.UserID

	closeOnce sync.Once
	closed    chan struct{}
	stopped   bool // guarded by mu; excludes route racing Close

	logger *zap.SugaredLogger
}

// New builds a mesh endpoint and starts consuming signaling messages.
func New(self domain.UserID, iceServers []webrtc.ICEServer, signaler Signaler, logger *zap.SugaredLogger) *Mesh {
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	m := &Mesh{
		self:       self,
		rtcConfig:  webrtc.Configuration{ICEServers: iceServers},
		signaler:   signaler,
		links:      make(map[domain.UserID]*link),
		inbound:    make(chan *domain.Envelope, inboundBuffer),
		departures: make(chan domain.UserID, inboundBuffer),
		closed:     make(chan struct{}),
		logger:     logger,
	}
	go m.signalLoop()
	return m
}

// Connect opens a data channel towards a remote participant. To avoid
// offer glare, only the side with the smaller user id initiates; the
// other side answers when the offer arrives.
func (m *Mesh) Connect(ctx context.Context, remote domain.UserID) error {
	if remote == m.self || m.self > remote {
		return nil
	}

	m.mu.Lock()
	if _, exists := m.links[remote]; exists {
		m.mu.Unlock()
		return nil
	}
	l, err := m.newLinkLocked(remote)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	ordered := false
	var maxRetransmits uint16
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		l.pc.Close()
		delete(m.links, remote)
		m.mu.Unlock()
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	m.attachDataChannel(l, remote, dc)
	m.mu.Unlock()

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return m.signaler.SendSignal(ctx, &Signal{
		From: m.self,
		To:   remote,
		Type: "offer",
		SDP:  offer.SDP,
	})
}

func (m *Mesh) Send(ctx context.Context, env *domain.Envelope) error {
	select {
	case <-m.closed:
		return domain.ErrTransportClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	m.mu.Lock()
	channels := make([]*webrtc.DataChannel, 0, len(m.links))
	for _, l := range m.links {
		if l.dc != nil && l.dc.ReadyState() == webrtc.DataChannelStateOpen {
			channels = append(channels, l.dc)
		}
	}
	m.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Send(data); err != nil {
			m.logger.Debugw("data channel send failed", "error", err)
		}
	}
	return nil
}

func (m *Mesh) Inbound() <-chan *domain.Envelope {
	return m.inbound
}

func (m *Mesh) Departures() <-chan domain.UserID {
	return m.departures
}

func (m *Mesh) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		for id, l := range m.links {
			l.pc.Close()
			delete(m.links, id)
		}
		m.stopped = true
		close(m.inbound)
		m.mu.Unlock()
	})
	return nil
}

func (m *Mesh) signalLoop() {
	for {
		select {
		case <-m.closed:
			return
		case sig, ok := <-m.signaler.Signals():
			if !ok {
				return
			}
			if sig.To != m.self {
				continue
			}
			if err := m.handleSignal(sig); err != nil {
				m.logger.Warnw("signaling failed",
					"from", sig.From,
					"type", sig.Type,
					"error", err,
				)
			}
		}
	}
}

func (m *Mesh) handleSignal(sig *Signal) error {
	switch sig.Type {
	case "offer":
		return m.handleOffer(sig)
	case "answer":
		return m.handleAnswer(sig)
	case "candidate":
		return m.handleCandidate(sig)
	default:
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
}

func (m *Mesh) handleOffer(sig *Signal) error {
	m.mu.Lock()
	l, exists := m.links[sig.From]
	if !exists {
		var err error
		l, err = m.newLinkLocked(sig.From)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		from := sig.From
		l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.mu.Lock()
			if cur, ok := m.links[from]; ok {
				m.attachDataChannel(cur, from, dc)
			}
			m.mu.Unlock()
		})
	}
	m.mu.Unlock()

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sig.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	m.flushCandidates(sig.From, l)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return m.signaler.SendSignal(context.Background(), &Signal{
		From: m.self,
		To:   sig.From,
		Type: "answer",
		SDP:  answer.SDP,
	})
}

func (m *Mesh) handleAnswer(sig *Signal) error {
	m.mu.Lock()
	l, exists := m.links[sig.From]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("answer from unknown peer %s", sig.From)
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sig.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	m.flushCandidates(sig.From, l)
	return nil
}

func (m *Mesh) handleCandidate(sig *Signal) error {
	candidate := webrtc.ICECandidateInit{Candidate: sig.Candidate}

	m.mu.Lock()
	l, exists := m.links[sig.From]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("candidate from unknown peer %s", sig.From)
	}
	if !l.remote {
		// Trickled candidates can beat the SDP; hold them until the
		// remote description lands.
		l.pending = append(l.pending, candidate)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return l.pc.AddICECandidate(candidate)
}

func (m *Mesh) flushCandidates(remote domain.UserID, l *link) {
	m.mu.Lock()
	l.remote = true
	pending := l.pending
	l.pending = nil
	m.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			m.logger.Debugw("failed to add buffered candidate", "peer", remote, "error", err)
		}
	}
}

// newLinkLocked builds the peer connection plumbing for one remote.
// Caller holds m.mu.
func (m *Mesh) newLinkLocked(remote domain.UserID) (*link, error) {
	pc, err := webrtc.NewPeerConnection(m.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	l := &link{pc: pc}
	m.links[remote] = l

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.signaler.SendSignal(context.Background(), &Signal{
			From:      m.self,
			To:        remote,
			Type:      "candidate",
			Candidate: c.ToJSON().Candidate,
		}); err != nil {
			m.logger.Debugw("failed to send candidate", "peer", remote, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			m.dropLink(remote)
		}
	})

	return l, nil
}

// attachDataChannel wires message delivery for a channel, whichever
// side created it. Caller holds m.mu.
func (m *Mesh) attachDataChannel(l *link, remote domain.UserID, dc *webrtc.DataChannel) {
	l.dc = dc

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			m.logger.Debugw("malformed envelope on data channel", "peer", remote, "error", err)
			return
		}
		m.route(&env)
	})

	dc.OnOpen(func() {
		m.logger.Infow("data channel open", "peer", remote)
	})
}

func (m *Mesh) route(env *domain.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if env.Kind == domain.KindDeparture {
		select {
		case m.departures <- env.UserID:
		default:
		}
		return
	}
	select {
	case m.inbound <- env:
	default:
	}
}

func (m *Mesh) dropLink(remote domain.UserID) {
	m.mu.Lock()
	l, exists := m.links[remote]
	if exists {
		delete(m.links, remote)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	l.pc.Close()
	select {
	case m.departures <- remote:
	default:
	}
}
