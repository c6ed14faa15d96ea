package beam

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/signaling"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

// ReceiveRequest describes one inbound transfer attempt. SessionID is this
// side's own six-digit id, the one the sender was told.
type ReceiveRequest struct {
	SessionID string
	Sink      transfer.Sink
}

// Receive waits as the responder on req.SessionID, accepts the initiator's
// file channel and receives one file into req.Sink. It returns the committed
// artifact's handle and tears the attempt down on every exit path.
func Receive(ctx context.Context, deps Deps, req ReceiveRequest) (string, error) {
	if err := signaling.ValidateSessionID(req.SessionID); err != nil {
		return "", err
	}
	if req.Sink == nil {
		return "", errors.New("artifact sink is required")
	}

	a, err := newAttempt(deps, rendezvous.RoleResponder, req.SessionID)
	if err != nil {
		return "", err
	}
	defer a.teardown()

	recv := transfer.NewReceiver(req.Sink, transfer.ReceiverOptions{
		OnProgress: deps.Events.OnTransfer,
		Logger:     a.log,
	})
	defer recv.Abort()

	// The handler must be in place before the channel registers: the
	// initiator starts streaming the moment its side opens, so attaching
	// after FileChannel returns could miss the first frames.
	violations := make(chan error, 1)
	a.sess.OnFileMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		m, err := transfer.DecodeFrame(msg.IsString, data)
		if err != nil {
			a.warn("ignoring malformed control frame", err)
			return
		}
		if err := recv.Apply(m); err != nil {
			select {
			case violations <- err:
			default:
			}
		}
	})

	connectCtx, cancelConnect := a.connectContext(ctx)
	defer cancelConnect()
	if err := a.connect(connectCtx); err != nil {
		return "", a.mapConnectErr(ctx, err)
	}
	dc, err := a.sess.FileChannel(connectCtx)
	if err != nil {
		return "", a.mapConnectErr(ctx, err)
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	markLost := func() { lostOnce.Do(func() { close(lost) }) }
	dc.OnClose(markLost)
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-a.sess.Done():
			markLost()
		case <-watchDone:
		}
	}()

	select {
	case <-recv.Done():
		return recv.Status().Artifact, nil
	case err := <-violations:
		return "", err
	case <-lost:
		// A commit can race the sender's teardown; a committed artifact
		// still wins.
		select {
		case <-recv.Done():
			return recv.Status().Artifact, nil
		default:
		}
		return "", fmt.Errorf("%w: connection lost before the transfer completed", peer.ErrConnectionFailed)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
