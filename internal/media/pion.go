package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"chatcall/internal/calls"
)

type FactoryConfig struct {
	// STUNURLs are handed to every peer connection as a single ICE server.
	STUNURLs []string

	// ICE timeouts. Zero values fall back to the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

const (
	DefaultDisconnectedTimeout = 10 * time.Second
	DefaultFailedTimeout       = 30 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

// Factory builds pion peer connections sharing one configured API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log *slog.Logger
}

func NewFactory(cfg FactoryConfig, log *slog.Logger) (*Factory, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = DefaultDisconnectedTimeout
	}
	if failed <= 0 {
		failed = DefaultFailedTimeout
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	var pcCfg webrtc.Configuration
	if len(cfg.STUNURLs) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
	}
	return &Factory{api: api, cfg: pcCfg, log: log}, nil
}

func (f *Factory) NewPeerConnection(ctx context.Context, mode calls.MediaMode) (calls.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: media mode %q", calls.ErrInvalidArgument, mode)
	}
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPeerConn(pc, f.log.With("media_mode", string(mode))), nil
}

// PeerConn adapts *webrtc.PeerConnection. pion handlers are installed once and
// forward to the handlers registered here, which Close drops before closing
// the underlying connection.
type PeerConn struct {
	pc  *webrtc.PeerConnection
	log *slog.Logger

	mu      sync.Mutex
	closed  bool
	onCand  func(*calls.Candidate)
	onTrack func(calls.RemoteTrack)
	onState func(calls.ConnectionState)
}

func newPeerConn(pc *webrtc.PeerConnection, log *slog.Logger) *PeerConn {
	p := &PeerConn{pc: pc, log: log}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		fn := p.candidateHandler()
		if fn == nil {
			return
		}
		if c == nil {
			fn(nil)
			return
		}
		cand := fromICECandidateInit(c.ToJSON())
		fn(&cand)
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug("inbound track", "kind", remote.Kind().String(), "track_id", remote.ID())
		fn := p.trackHandler()
		if fn == nil {
			return
		}
		fn(calls.RemoteTrack{ID: remote.ID(), StreamID: remote.StreamID(), Kind: fromCodecType(remote.Kind())})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", s.String())
		fn := p.stateHandler()
		if fn == nil {
			return
		}
		fn(fromConnectionState(s))
	})

	return p
}

// localTrack is implemented by tracks that can be sent over a pion connection.
type localTrack interface {
	TrackLocal() webrtc.TrackLocal
}

func (p *PeerConn) AddLocalTrack(t calls.Track) error {
	lt, ok := t.(localTrack)
	if !ok {
		return fmt.Errorf("%w: track %s is not a pion track", calls.ErrInvalidArgument, t.ID())
	}
	if _, err := p.pc.AddTrack(lt.TrackLocal()); err != nil {
		return fmt.Errorf("add track %s: %w", t.ID(), err)
	}
	return nil
}

func (p *PeerConn) CreateOffer(ctx context.Context) (calls.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return calls.SessionDescription{}, err
	}
	d, err := p.pc.CreateOffer(nil)
	if err != nil {
		return calls.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return calls.SessionDescription{Type: calls.SDPTypeOffer, SDP: d.SDP}, nil
}

func (p *PeerConn) CreateAnswer(ctx context.Context) (calls.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return calls.SessionDescription{}, err
	}
	d, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return calls.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return calls.SessionDescription{Type: calls.SDPTypeAnswer, SDP: d.SDP}, nil
}

func (p *PeerConn) SetLocalDescription(ctx context.Context, d calls.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wd, err := toWebRTCDescription(d)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(wd); err != nil {
		return fmt.Errorf("set local %s: %w", d.Type, err)
	}
	return nil
}

func (p *PeerConn) SetRemoteDescription(ctx context.Context, d calls.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wd, err := toWebRTCDescription(d)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(wd); err != nil {
		return fmt.Errorf("set remote %s: %w", d.Type, err)
	}
	return nil
}

func (p *PeerConn) AddRemoteCandidate(ctx context.Context, c calls.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.pc.RemoteDescription() == nil {
		return calls.ErrRemoteDescriptionUnset
	}
	if err := p.pc.AddICECandidate(toICECandidateInit(c)); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *PeerConn) LocalDescription() *calls.SessionDescription {
	return fromWebRTCDescription(p.pc.LocalDescription())
}

func (p *PeerConn) RemoteDescription() *calls.SessionDescription {
	return fromWebRTCDescription(p.pc.RemoteDescription())
}

func (p *PeerConn) OnLocalCandidate(fn func(*calls.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.onCand = fn
	}
}

func (p *PeerConn) OnInboundTrack(fn func(calls.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.onTrack = fn
	}
}

func (p *PeerConn) OnConnectionStateChange(fn func(calls.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.onState = fn
	}
}

func (p *PeerConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.onCand, p.onTrack, p.onState = nil, nil, nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// SignalingState exposes pion's own view, mostly for diagnostics.
func (p *PeerConn) SignalingState() string { return p.pc.SignalingState().String() }

func (p *PeerConn) candidateHandler() func(*calls.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCand
}

func (p *PeerConn) trackHandler() func(calls.RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

func (p *PeerConn) stateHandler() func(calls.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState
}
