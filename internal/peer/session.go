package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

// Session owns one PeerConnection for a single transfer attempt. Local ICE
// candidates and connection-state changes surface as buffered channels so
// the signaling loop can select over them; pushes never block pion's
// callback goroutines.
type Session struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	candidates chan rendezvous.Candidate
	states     chan State
	fileOpen   chan *webrtc.DataChannel
	done       chan struct{}

	mu        sync.Mutex
	fileDC    *webrtc.DataChannel
	onMessage func(webrtc.DataChannelMessage)

	close sync.Once
}

func NewSession(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) (*Session, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if log == nil {
		log = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	s := &Session{
		log:        log,
		pc:         pc,
		candidates: make(chan rendezvous.Candidate, 64),
		states:     make(chan State, 8),
		fileOpen:   make(chan *webrtc.DataChannel, 1),
		done:       make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering. Nothing to publish; absence of further
			// candidates needs no marker under trickle ICE.
			return
		}
		select {
		case s.candidates <- candidateFromPion(cand.ToJSON()):
		default:
			s.log.Warn("dropping local ice candidate, consumer not keeping up")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			s.pushState(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			s.pushState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			s.pushState(StateDisconnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.pushState(StateDisconnected)
			_ = s.Close()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != FileChannelLabel {
			return
		}
		if err := validateFileChannel(dc); err != nil {
			s.log.Warn("rejecting inbound datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		if err := s.register(dc); err != nil {
			s.log.Warn("rejecting inbound datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
	})

	return s, nil
}

// CreateFileChannel declares the file DataChannel on the local side. The
// initiator calls this before CreateOffer so the channel rides the initial
// offer instead of a renegotiation.
func (s *Session) CreateFileChannel() error {
	ordered := true
	dc, err := s.pc.CreateDataChannel(FileChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	if err := s.register(dc); err != nil {
		_ = dc.Close()
		return err
	}
	return nil
}

// OnFileMessage installs the handler for messages arriving on the file
// channel. Call it before the channel exists: the handler is attached at
// registration time, ahead of the open event, so no early frame can slip
// past an unset handler.
func (s *Session) OnFileMessage(h func(msg webrtc.DataChannelMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

// register installs dc as the session's file channel. Only one file channel
// may exist per session; a second one is an error and the caller closes it.
func (s *Session) register(dc *webrtc.DataChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileDC != nil {
		return errors.New("file datachannel already established")
	}
	s.fileDC = dc
	if s.onMessage != nil {
		dc.OnMessage(s.onMessage)
	}
	dc.OnOpen(func() {
		select {
		case s.fileOpen <- dc:
		default:
		}
	})
	return nil
}

// FileChannel blocks until the file DataChannel is open and returns it.
func (s *Session) FileChannel(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case dc := <-s.fileOpen:
		return dc, nil
	case <-s.done:
		return nil, ErrConnectionFailed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateOffer produces the local offer and applies it as the local
// description.
func (s *Session) CreateOffer(ctx context.Context) (rendezvous.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return rendezvous.SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return rendezvous.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return rendezvous.SessionDescription{}, err
	}
	return descriptionFromPion(offer), nil
}

// AcceptOffer applies the remote offer and produces the local answer.
func (s *Session) AcceptOffer(ctx context.Context, offer rendezvous.SessionDescription) (rendezvous.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return rendezvous.SessionDescription{}, err
	}
	remote, err := descriptionToPion(offer)
	if err != nil {
		return rendezvous.SessionDescription{}, err
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return rendezvous.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return rendezvous.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return rendezvous.SessionDescription{}, err
	}
	return descriptionFromPion(answer), nil
}

// AcceptAnswer applies the remote answer.
func (s *Session) AcceptAnswer(ctx context.Context, answer rendezvous.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remote, err := descriptionToPion(answer)
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(remote)
}

// AddRemoteCandidate feeds one remote trickle candidate to ICE.
func (s *Session) AddRemoteCandidate(cand rendezvous.Candidate) error {
	return s.pc.AddICECandidate(candidateToPion(cand))
}

// Candidates yields local trickle candidates as gathering produces them.
func (s *Session) Candidates() <-chan rendezvous.Candidate {
	return s.candidates
}

// States yields connection-state transitions.
func (s *Session) States() <-chan State {
	return s.states
}

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down. Safe to call from any goroutine, any number
// of times.
func (s *Session) Close() error {
	var err error
	s.close.Do(func() {
		close(s.done)
		s.mu.Lock()
		dc := s.fileDC
		s.mu.Unlock()
		if dc != nil {
			_ = dc.Close()
		}
		err = s.pc.Close()
	})
	return err
}

func (s *Session) pushState(state State) {
	select {
	case s.states <- state:
	default:
		s.log.Warn("dropping connection state event", "state", state)
	}
}
