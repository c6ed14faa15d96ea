package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

// The rendezvous package speaks plain JSON shapes so the server never links
// pion. These converters are the only bridge between the two vocabularies.

func descriptionFromPion(desc webrtc.SessionDescription) rendezvous.SessionDescription {
	return rendezvous.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func descriptionToPion(desc rendezvous.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func candidateFromPion(init webrtc.ICECandidateInit) rendezvous.Candidate {
	return rendezvous.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateToPion(cand rendezvous.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}
}
