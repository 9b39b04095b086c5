package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	dataChannelLabel      = "elm"
	signalingPollInterval = 500 * time.Millisecond
	answerPollInterval    = 250 * time.Millisecond
	iceGatherTimeout      = 15 * time.Second
)

type WebRTCOptions struct {
	Options
	Signaler Signaler
	// HostID is the signaling id a follower dials.
	HostID       string
	ICE          ICEConfig
	PollInterval time.Duration
}

// WebRTCTransport carries frames over one ordered, reliable data channel
// per peer. The follower offers, the host answers.
type WebRTCTransport struct {
	*core
	wopts WebRTCOptions

	pmu    sync.Mutex
	pcs    map[string]*webrtc.PeerConnection
	cancel context.CancelFunc
}

func NewWebRTCHost(opts WebRTCOptions) *WebRTCTransport {
	return newWebRTC(RoleHost, opts)
}

func NewWebRTCFollower(opts WebRTCOptions) *WebRTCTransport {
	return newWebRTC(RoleFollower, opts)
}

func newWebRTC(role Role, opts WebRTCOptions) *WebRTCTransport {
	if opts.PollInterval <= 0 {
		opts.PollInterval = signalingPollInterval
	}
	return &WebRTCTransport{
		core:  newCore(role, opts.Options),
		wopts: opts,
		pcs:   make(map[string]*webrtc.PeerConnection),
	}
}

func (t *WebRTCTransport) Connect(ctx context.Context) error {
	return t.connect(ctx, func(ctx context.Context) error {
		if t.wopts.Signaler == nil {
			return fmt.Errorf("webrtc: no signaler configured")
		}
		if t.role == RoleHost {
			pctx, cancel := context.WithCancel(context.Background())
			t.pmu.Lock()
			t.cancel = cancel
			t.pmu.Unlock()
			go t.signalingPoller(pctx)
			return nil
		}
		return t.dial(ctx)
	})
}

func (t *WebRTCTransport) Disconnect() error {
	err := t.core.Disconnect()
	t.pmu.Lock()
	cancel := t.cancel
	t.cancel = nil
	pcs := t.pcs
	t.pcs = make(map[string]*webrtc.PeerConnection)
	t.pmu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, pc := range pcs {
		_ = pc.Close()
	}
	return err
}

func (t *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: t.wopts.ICE.Servers})
}

func (t *WebRTCTransport) trackPC(peer string, pc *webrtc.PeerConnection) {
	t.pmu.Lock()
	old := t.pcs[peer]
	t.pcs[peer] = pc
	t.pmu.Unlock()
	if old != nil && old != pc {
		_ = old.Close()
	}
}

func (t *WebRTCTransport) untrackPC(peer string, pc *webrtc.PeerConnection) {
	t.pmu.Lock()
	if cur, ok := t.pcs[peer]; ok && cur == pc {
		delete(t.pcs, peer)
	}
	t.pmu.Unlock()
}

// -----------------------------------------------------------------------------
// Host side
// -----------------------------------------------------------------------------

func (t *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(t.wopts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offers, err := t.wopts.Signaler.PollOffers(ctx, t.LocalID())
			if err != nil {
				t.logger.Warn("polling for offers failed", zap.Error(err))
				continue
			}
			for _, offer := range offers {
				if err := t.answerOffer(ctx, offer); err != nil {
					t.logger.Error("answering offer failed", zap.String("peer", offer.Peer), zap.Error(err))
				}
			}
		}
	}
}

func (t *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	peer := offer.Peer
	var current atomic.Pointer[rtcLink]

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			return
		}
		l := &rtcLink{dc: dc, pc: pc}
		var ready atomic.Bool
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if ready.Load() {
				t.receive(peer, l, msg.Data)
				return
			}
			announced, err := parseHello(msg.Data)
			if err != nil || announced != peer {
				t.logger.Warn("bad hello on data channel", zap.String("peer", peer), zap.String("announced", announced), zap.Error(err))
				_ = pc.Close()
				return
			}
			if err := dc.Send(controlFrame(ctlHello, t.LocalID())); err != nil {
				t.logger.Warn("hello reply failed", zap.String("peer", peer), zap.Error(err))
				return
			}
			ready.Store(true)
			current.Store(l)
			t.attach(peer, l)
		})
		dc.OnClose(func() {
			if ready.Load() {
				t.detach(peer, l, PeerLost)
			}
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", zap.String("peer", peer), zap.String("state", s.String()))
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if l := current.Load(); l != nil {
				t.detach(peer, l, PeerLost)
			}
			t.untrackPC(peer, pc)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := t.gather(ctx, pc, answer); err != nil {
		_ = pc.Close()
		return err
	}
	if err := t.wopts.Signaler.PublishAnswer(ctx, peer, t.LocalID(), pc.LocalDescription().SDP); err != nil {
		_ = pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}
	t.trackPC(peer, pc)
	t.logger.Info("webrtc offer answered", zap.String("peer", peer))
	return nil
}

// -----------------------------------------------------------------------------
// Follower side
// -----------------------------------------------------------------------------

func (t *WebRTCTransport) dial(ctx context.Context) error {
	dctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	hostID := t.wopts.HostID
	if hostID == "" {
		return fmt.Errorf("webrtc: host id required")
	}
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("creating data channel: %w", err)
	}

	l := &rtcLink{dc: dc, pc: pc}
	opened := make(chan struct{})
	attached := make(chan struct{})
	var ready atomic.Bool
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if ready.Load() {
			t.receive(hostID, l, msg.Data)
			return
		}
		announced, err := parseHello(msg.Data)
		if err != nil || announced != hostID {
			t.logger.Warn("bad hello from host", zap.String("announced", announced), zap.Error(err))
			return
		}
		ready.Store(true)
		t.attach(hostID, l)
		close(attached)
	})
	dc.OnClose(func() {
		if ready.Load() {
			t.detach(hostID, l, PeerLost)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if ready.Load() {
				t.detach(hostID, l, PeerLost)
			}
			t.untrackPC(hostID, pc)
		}
	})

	fail := func(err error) error {
		_ = pc.Close()
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	if err := t.gather(dctx, pc, offer); err != nil {
		return fail(err)
	}
	if err := t.wopts.Signaler.PublishOffer(dctx, t.LocalID(), hostID, pc.LocalDescription().SDP); err != nil {
		return fail(fmt.Errorf("publishing SDP offer: %w", err))
	}
	answerSDP, err := t.waitForAnswer(dctx, hostID)
	if err != nil {
		return fail(fmt.Errorf("waiting for answer from %s: %w", hostID, err))
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}
	select {
	case <-opened:
	case <-dctx.Done():
		return fail(fmt.Errorf("data channel did not open: %w", dctx.Err()))
	}
	if err := dc.Send(controlFrame(ctlHello, t.LocalID())); err != nil {
		return fail(fmt.Errorf("sending hello: %w", err))
	}
	select {
	case <-attached:
	case <-dctx.Done():
		return fail(fmt.Errorf("no hello from host: %w", dctx.Err()))
	}
	t.trackPC(hostID, pc)
	t.logger.Info("webrtc connected", zap.String("host", hostID))
	return nil
}

func (t *WebRTCTransport) waitForAnswer(ctx context.Context, hostID string) (string, error) {
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			answers, err := t.wopts.Signaler.PollAnswers(ctx, t.LocalID())
			if err != nil {
				t.logger.Warn("polling for answer failed", zap.Error(err))
				continue
			}
			for _, a := range answers {
				if a.Peer == hostID {
					return a.SDP, nil
				}
			}
		}
	}
}

// gather sets the local description and waits for ICE gathering to finish.
func (t *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rtcLink struct {
	dc     *webrtc.DataChannel
	pc     *webrtc.PeerConnection
	closed atomic.Bool
}

func (l *rtcLink) write(_ context.Context, data []byte) error {
	if l.closed.Load() {
		return errNotOpen
	}
	return l.dc.Send(data)
}

func (l *rtcLink) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	time.AfterFunc(closeLinger, func() {
		_ = l.dc.Close()
		_ = l.pc.Close()
	})
	return nil
}
