// Package signaling drives the offer/answer/candidate exchange for one
// transfer attempt over a rendezvous store. The exchange runs as an explicit
// event loop: store snapshots, locally gathered candidates and connection
// state changes arrive on channels and are handled strictly one at a time.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

// ErrBadDescription reports an offer or answer the local peer could not
// produce or apply. The attempt aborts; the same descriptions would fail
// identically on a retry.
var ErrBadDescription = errors.New("bad session description")

// State tracks one attempt's progress. States only move forward.
type State string

const (
	StateIdle              State = "idle"
	StateOfferSent         State = "offer_sent"
	StateOfferReceived     State = "offer_received"
	StateAnswerExchanged   State = "answer_exchanged"
	StateCandidatesFlowing State = "candidates_flowing"
	StateSettled           State = "settled"
	StateAbandoned         State = "abandoned"
)

// PeerControl is the slice of the session controller the machine drives.
// *peer.Session satisfies it.
type PeerControl interface {
	CreateOffer(ctx context.Context) (rendezvous.SessionDescription, error)
	AcceptOffer(ctx context.Context, offer rendezvous.SessionDescription) (rendezvous.SessionDescription, error)
	AcceptAnswer(ctx context.Context, answer rendezvous.SessionDescription) error
	AddRemoteCandidate(cand rendezvous.Candidate) error
}

// Options configures a Machine. Everything except Logger is required.
type Options struct {
	// Role selects the flow. The initiator writes the offer into the
	// responder's session document; the responder answers on its own
	// document.
	Role      rendezvous.Role
	SessionID string

	Store rendezvous.Store
	Peer  PeerControl

	// LocalCandidates carries candidates gathered by the local controller.
	// The machine publishes each one under Role.
	LocalCandidates <-chan rendezvous.Candidate

	// ConnStates carries controller connection-state changes: connected
	// settles the attempt, disconnected abandons it.
	ConnStates <-chan peer.State

	Logger *slog.Logger
}

// Machine runs the signaling event loop for one attempt. Run owns all
// mutable state; nothing else touches it while Run is in flight.
type Machine struct {
	role  rendezvous.Role
	id    string
	store rendezvous.Store
	peer  PeerControl
	local <-chan rendezvous.Candidate
	conn  <-chan peer.State
	log   *slog.Logger

	state State

	// remoteApplied records that the remote description (answer for the
	// initiator, offer for the responder) has been accepted. Candidates
	// are useless before that point.
	remoteApplied bool

	// applied holds Candidate.Key() for every remote candidate already
	// handed to the controller. Snapshots carry full accumulated arrays,
	// so replays are the norm, not the exception.
	applied map[string]struct{}
}

func New(opts Options) (*Machine, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if err := ValidateSessionID(opts.SessionID); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Peer == nil {
		return nil, errors.New("store and peer are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		role:    opts.Role,
		id:      opts.SessionID,
		store:   opts.Store,
		peer:    opts.Peer,
		local:   opts.LocalCandidates,
		conn:    opts.ConnStates,
		log:     log.With("role", opts.Role, "session_id", opts.SessionID),
		state:   StateIdle,
		applied: make(map[string]struct{}),
	}, nil
}

// State reports the machine's current state. Only meaningful before Run
// starts or after it returns.
func (m *Machine) State() State {
	return m.state
}

// Run drives the attempt until it settles or is abandoned. It returns nil
// once the controller reports connected, peer.ErrConnectionFailed when the
// connection is given up on, ctx.Err() on cancellation, and a store or
// description error when a required step fails.
func (m *Machine) Run(ctx context.Context) error {
	err := m.run(ctx)
	if err != nil {
		m.setState(StateAbandoned)
	}
	return err
}

func (m *Machine) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var snaps <-chan rendezvous.Snapshot
	switch m.role {
	case rendezvous.RoleInitiator:
		offer, err := m.peer.CreateOffer(ctx)
		if err != nil {
			return fmt.Errorf("%w: create offer: %v", ErrBadDescription, err)
		}
		if err := m.store.CreateSession(ctx, m.id, offer); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		m.setState(StateOfferSent)
		if snaps, err = m.store.Subscribe(ctx, m.id); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	case rendezvous.RoleResponder:
		var err error
		if snaps, err = m.store.Subscribe(ctx, m.id); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	local := m.local
	conn := m.conn
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case state, ok := <-conn:
			if !ok {
				conn = nil
				continue
			}
			switch state {
			case peer.StateConnected:
				m.settle(ctx)
				return nil
			case peer.StateDisconnected:
				return peer.ErrConnectionFailed
			}

		case cand, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			m.publishLocal(ctx, cand)

		case snap, ok := <-snaps:
			if !ok {
				if !m.remoteApplied {
					return fmt.Errorf("%w: subscription closed before the answer exchange completed", rendezvous.ErrUnavailable)
				}
				// Exchange already complete; ICE finishes without the
				// store.
				snaps = nil
				continue
			}
			if err := m.applySnapshot(ctx, snap); err != nil {
				return err
			}
		}
	}
}

func (m *Machine) applySnapshot(ctx context.Context, snap rendezvous.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !snap.Exists {
		// Benign: not created yet, or the other side settled first and
		// deleted the document.
		return nil
	}

	switch m.role {
	case rendezvous.RoleInitiator:
		if !m.remoteApplied && snap.Answer != nil {
			if err := m.peer.AcceptAnswer(ctx, *snap.Answer); err != nil {
				return fmt.Errorf("%w: accept answer: %v", ErrBadDescription, err)
			}
			m.remoteApplied = true
			m.setState(StateAnswerExchanged)
		}
	case rendezvous.RoleResponder:
		if !m.remoteApplied && snap.Offer != nil {
			m.setState(StateOfferReceived)
			answer, err := m.peer.AcceptOffer(ctx, *snap.Offer)
			if err != nil {
				return fmt.Errorf("%w: accept offer: %v", ErrBadDescription, err)
			}
			if err := m.store.SetAnswer(ctx, m.id, answer); err != nil {
				return fmt.Errorf("set answer: %w", err)
			}
			m.remoteApplied = true
			m.setState(StateAnswerExchanged)
		}
	}

	if !m.remoteApplied {
		// Candidates are left unmarked so a later snapshot, seen after the
		// remote description lands, still applies them.
		return nil
	}

	for _, cand := range snap.CandidatesFor(m.role.Other()) {
		key := cand.Key()
		if _, ok := m.applied[key]; ok {
			continue
		}
		// Marked on attempt: a candidate the controller rejects would be
		// rejected again on every replay.
		m.applied[key] = struct{}{}
		if err := m.peer.AddRemoteCandidate(cand); err != nil {
			m.log.Warn("failed to apply remote candidate", "err", err)
			continue
		}
		m.markFlowing()
	}
	return nil
}

// publishLocal appends one locally gathered candidate to the session
// document. Failures are warnings: a missing candidate degrades ICE, it
// does not invalidate the attempt.
func (m *Machine) publishLocal(ctx context.Context, cand rendezvous.Candidate) {
	if err := m.store.AppendCandidate(ctx, m.id, m.role, cand); err != nil {
		m.log.Warn("failed to publish local candidate", "err", err)
		return
	}
	m.markFlowing()
}

// settle finishes a connected attempt: the session document is deleted
// best-effort, then the machine parks in Settled.
func (m *Machine) settle(ctx context.Context) {
	if err := m.store.DeleteSession(ctx, m.id); err != nil {
		m.log.Warn("failed to delete session document", "err", err)
	}
	m.setState(StateSettled)
}

func (m *Machine) markFlowing() {
	if m.state == StateAnswerExchanged {
		m.setState(StateCandidatesFlowing)
	}
}

func (m *Machine) setState(next State) {
	if m.state == next {
		return
	}
	m.log.Debug("signaling state change", "from", m.state, "to", next)
	m.state = next
}
