package calls

import "context"

// ConnectionState mirrors the aggregate peer connection state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is a local media track.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteTrack describes an inbound track.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
}

// PeerConnection is the subset of a WebRTC peer connection the engine drives.
// Handlers registered with On* may be invoked from any goroutine.
type PeerConnection interface {
	AddLocalTrack(t Track) error

	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, d SessionDescription) error
	SetRemoteDescription(ctx context.Context, d SessionDescription) error
	AddRemoteCandidate(ctx context.Context, c Candidate) error

	LocalDescription() *SessionDescription
	RemoteDescription() *SessionDescription

	// OnLocalCandidate receives gathered candidates. A nil candidate marks the
	// end of gathering.
	OnLocalCandidate(fn func(c *Candidate))
	OnInboundTrack(fn func(t RemoteTrack))
	OnConnectionStateChange(fn func(s ConnectionState))

	// Close clears every registered handler and releases the connection.
	Close() error
}

// PeerFactory builds peer connections for one call attempt.
type PeerFactory interface {
	NewPeerConnection(ctx context.Context, mode MediaMode) (PeerConnection, error)
}

// MediaSource acquires local tracks. Implementations report ErrMediaDenied or
// ErrMediaUnavailable when capture is refused or impossible.
type MediaSource interface {
	Acquire(ctx context.Context, mode MediaMode) ([]Track, error)
}
