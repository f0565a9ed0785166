package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"chatcall/internal/calls"
)

func toWebRTCDescription(d calls.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case calls.SDPTypeOffer:
		t = webrtc.SDPTypeOffer
	case calls.SDPTypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unsupported sdp type %q", calls.ErrInvalidArgument, d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

// fromWebRTCDescription returns nil for anything that is not a final offer or
// answer (pranswer, rollback, unset).
func fromWebRTCDescription(d *webrtc.SessionDescription) *calls.SessionDescription {
	if d == nil {
		return nil
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		return &calls.SessionDescription{Type: calls.SDPTypeOffer, SDP: d.SDP}
	case webrtc.SDPTypeAnswer:
		return &calls.SessionDescription{Type: calls.SDPTypeAnswer, SDP: d.SDP}
	default:
		return nil
	}
}

func toICECandidateInit(c calls.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICECandidateInit(c webrtc.ICECandidateInit) calls.Candidate {
	return calls.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromConnectionState(s webrtc.PeerConnectionState) calls.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return calls.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return calls.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return calls.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return calls.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return calls.ConnectionClosed
	default:
		return calls.ConnectionNew
	}
}

func fromCodecType(t webrtc.RTPCodecType) calls.TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return calls.TrackVideo
	}
	return calls.TrackAudio
}
