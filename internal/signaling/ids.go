package signaling

import "github.com/peerbeam/peerbeam/internal/rendezvous"

// ErrInvalidSessionID is the rendezvous sentinel re-exported under the name
// callers of this package match against.
var ErrInvalidSessionID = rendezvous.ErrInvalidSessionID

// GenerateSessionID returns a uniformly random six-digit id for a receive
// attempt.
func GenerateSessionID() (string, error) {
	return rendezvous.GenerateSessionID()
}

// ValidateSessionID rejects anything but exactly six ASCII digits.
func ValidateSessionID(id string) error {
	return rendezvous.ValidateSessionID(id)
}
