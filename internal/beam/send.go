package beam

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/signaling"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

// SendRequest describes one outbound file. SessionID is the responder's
// six-digit id; FileSize is authoritative and File must yield exactly that
// many bytes.
type SendRequest struct {
	SessionID string
	FileName  string
	FileSize  int64
	File      io.Reader
}

// Send connects to the responder identified by req.SessionID as the
// initiator and streams the file to it. It returns once the receiver has
// confirmed the transfer by closing its side, and tears the attempt down
// on every exit path.
func Send(ctx context.Context, deps Deps, req SendRequest) error {
	if err := signaling.ValidateSessionID(req.SessionID); err != nil {
		return err
	}
	if req.File == nil {
		return ErrNoFile
	}
	if req.FileName == "" {
		return fmt.Errorf("%w: file name is empty", ErrNoFile)
	}
	if req.FileSize < 0 {
		return fmt.Errorf("negative file size %d", req.FileSize)
	}

	a, err := newAttempt(deps, rendezvous.RoleInitiator, req.SessionID)
	if err != nil {
		return err
	}
	defer a.teardown()

	// The channel has to exist before the offer so it rides the initial
	// SDP instead of a renegotiation.
	if err := a.sess.CreateFileChannel(); err != nil {
		return fmt.Errorf("create file channel: %w", err)
	}

	connectCtx, cancelConnect := a.connectContext(ctx)
	defer cancelConnect()
	if err := a.connect(connectCtx); err != nil {
		return a.mapConnectErr(ctx, err)
	}
	dc, err := a.sess.FileChannel(connectCtx)
	if err != nil {
		return a.mapConnectErr(ctx, err)
	}

	// lost closes when the channel or the whole session goes away, which
	// cancels an in-flight send and doubles as the completion signal once
	// eof is out.
	lost := make(chan struct{})
	var lostOnce sync.Once
	markLost := func() { lostOnce.Do(func() { close(lost) }) }
	dc.OnClose(markLost)

	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()
	go func() {
		select {
		case <-a.sess.Done():
			markLost()
			cancelSend()
		case <-lost:
			cancelSend()
		case <-sendCtx.Done():
		}
	}()

	sender := transfer.NewSender(dc, transfer.SenderOptions{
		ChunkSize:  deps.ChunkSize,
		HighWater:  deps.HighWater,
		LowWater:   deps.LowWater,
		OnProgress: deps.Events.OnTransfer,
	})
	if err := sender.Send(sendCtx, req.FileName, req.FileSize, req.File); err != nil {
		if ctx.Err() != nil {
			return err
		}
		select {
		case <-lost:
			return fmt.Errorf("%w: transfer interrupted: %v", peer.ErrConnectionFailed, err)
		default:
			return err
		}
	}

	// The eof frame may still sit in the channel's outbound buffer. The
	// receiver tears its side down once the artifact is committed; seeing
	// the channel or session close is the confirmation.
	select {
	case <-lost:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(completionTimeout):
		a.log.Warn("receiver did not close the channel after eof, tearing down anyway")
	}
	return nil
}
