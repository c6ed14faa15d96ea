// Package peer wraps a single WebRTC peer connection: offer/answer exchange,
// trickle ICE candidates and the one ordered reliable DataChannel a file
// transfer runs over.
package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// FileChannelLabel is the DataChannel label both sides use for the file
// stream.
const FileChannelLabel = "file"

// ErrConnectionFailed reports that the peer connection never reached, or
// fell out of, the connected state.
var ErrConnectionFailed = errors.New("peer connection failed")

// State is the connection state surfaced to callers. Pion's richer state
// set collapses to these three; everything after a failure is disconnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// validateFileChannel enforces the transport the transfer engine assumes:
// ordered and fully reliable. Anything else can reorder or drop chunks.
func validateFileChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != FileChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", FileChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("file datachannel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("file datachannel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("file datachannel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
