// Package beam orchestrates one complete transfer attempt per role:
// signaling through the rendezvous store, the peer connection lifecycle,
// and the file transfer over the opened channel. Send drives the initiator
// side, Receive the responder side; both end in the same idempotent
// teardown.
package beam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/signaling"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

// The pion DataChannel is the one production SendChannel implementation.
// The contract is checked here so the transfer package stays free of pion
// imports.
var _ transfer.SendChannel = (*webrtc.DataChannel)(nil)

// ErrNoFile reports a send attempt without a usable file.
var ErrNoFile = errors.New("no file selected")

// teardownTimeout bounds the best-effort session document delete during
// teardown, which must finish even when the caller's context is gone.
const teardownTimeout = 5 * time.Second

// completionTimeout bounds how long a sender waits, after writing eof, for
// the receiver to tear down its side of the connection.
const completionTimeout = 30 * time.Second

// Events are optional observer callbacks, the caller's window into a
// running attempt. They fire from the attempt's internal goroutines and
// must return quickly without blocking.
type Events struct {
	OnConnectionState func(peer.State)
	OnTransfer        func(transfer.Status)
	OnWarning         func(msg string, err error)
}

// Deps carries an attempt's collaborators. Store is required; a nil API
// falls back to pion defaults and a nil Logger to slog.Default. The
// transfer knobs fall back to the transfer package defaults when zero.
type Deps struct {
	Store rendezvous.Store
	API   *webrtc.API

	ICEServers []webrtc.ICEServer

	// ConnectTimeout bounds signaling, ICE and the channel open as a
	// whole. Zero or negative means no bound beyond the caller's context.
	ConnectTimeout time.Duration

	ChunkSize int
	HighWater uint64
	LowWater  uint64

	Logger *slog.Logger

	Events Events
}

// attempt is the state shared by one Send or Receive invocation.
type attempt struct {
	deps Deps
	log  *slog.Logger
	role rendezvous.Role
	id   string
	sess *peer.Session
}

func newAttempt(deps Deps, role rendezvous.Role, id string) (*attempt, error) {
	if deps.Store == nil {
		return nil, errors.New("rendezvous store is required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("role", role, "session_id", id)

	sess, err := peer.NewSession(deps.API, deps.ICEServers, log)
	if err != nil {
		return nil, fmt.Errorf("create peer session: %w", err)
	}
	return &attempt{deps: deps, log: log, role: role, id: id, sess: sess}, nil
}

// connect runs the signaling machine to completion: a nil return means the
// connection is established and the session document settled.
func (a *attempt) connect(ctx context.Context) error {
	m, err := signaling.New(signaling.Options{
		Role:            a.role,
		SessionID:       a.id,
		Store:           a.deps.Store,
		Peer:            a.sess,
		LocalCandidates: a.sess.Candidates(),
		ConnStates:      a.bridgeStates(),
		Logger:          a.log,
	})
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// bridgeStates fans controller state changes out to the caller's events and
// into the signaling machine. The forwarder lives until the session is done
// so the caller keeps seeing state changes after signaling settles; once
// the session closes it synthesizes a final disconnect, covering events
// dropped on the session's buffered channel.
func (a *attempt) bridgeStates() <-chan peer.State {
	states := make(chan peer.State, 8)
	go func() {
		defer close(states)
		var last peer.State
		forward := func(st peer.State) {
			if st == last {
				return
			}
			last = st
			if a.deps.Events.OnConnectionState != nil {
				a.deps.Events.OnConnectionState(st)
			}
			select {
			case states <- st:
			default:
			}
		}
		for {
			select {
			case st := <-a.sess.States():
				forward(st)
			case <-a.sess.Done():
				forward(peer.StateDisconnected)
				return
			}
		}
	}()
	return states
}

func (a *attempt) connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.deps.ConnectTimeout > 0 {
		return context.WithTimeout(ctx, a.deps.ConnectTimeout)
	}
	return context.WithCancel(ctx)
}

// mapConnectErr folds a connect-phase failure into the error taxonomy: a
// blown connect deadline is a connection failure, a caller cancellation
// stays a cancellation.
func (a *attempt) mapConnectErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: not connected within %v", peer.ErrConnectionFailed, a.deps.ConnectTimeout)
	}
	return err
}

// teardown releases everything an attempt holds. It runs on every exit
// path and is idempotent: the session close is once-guarded and deleting
// an already-gone session document is not an error.
func (a *attempt) teardown() {
	_ = a.sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := a.deps.Store.DeleteSession(ctx, a.id); err != nil {
		a.warn("failed to delete session document", err)
	}
}

func (a *attempt) warn(msg string, err error) {
	a.log.Warn(msg, "err", err)
	if a.deps.Events.OnWarning != nil {
		a.deps.Events.OnWarning(msg, err)
	}
}
