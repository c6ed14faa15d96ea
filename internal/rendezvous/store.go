package rendezvous

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Role identifies which side of an attempt wrote a candidate. The session
// document keeps one candidate array per role so each side can watch the
// other's writes.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// SessionDescription is an SDP blob plus its type, the wire shape of an
// RTCSessionDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the JSON shape of an RTCIceCandidateInit. Pointer fields
// distinguish absent from empty, matching what browsers emit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key returns a stable serialization of the candidate. Append uses it for
// set-union semantics and consumers use it to skip candidates they have
// already applied; snapshots carry full arrays, so replays are the norm.
func (c Candidate) Key() string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	b.WriteByte(0)
	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}
	b.WriteByte(0)
	if c.SDPMLineIndex != nil {
		b.WriteString(strconv.FormatUint(uint64(*c.SDPMLineIndex), 10))
	}
	b.WriteByte(0)
	if c.UsernameFragment != nil {
		b.WriteString(*c.UsernameFragment)
	}
	return b.String()
}

// Snapshot is the full state of one session document. Exists is false when
// the document is absent (never created, deleted or expired); the other
// fields are zero in that case.
type Snapshot struct {
	Exists              bool
	Offer               *SessionDescription
	Answer              *SessionDescription
	InitiatorCandidates []Candidate
	ResponderCandidates []Candidate
	CreatedAt           time.Time
}

// CandidatesFor returns the candidate array written by the given role.
func (s Snapshot) CandidatesFor(role Role) []Candidate {
	if role == RoleInitiator {
		return s.InitiatorCandidates
	}
	return s.ResponderCandidates
}

var (
	// ErrUnavailable wraps transport failures talking to the store. Callers
	// treat it as retryable: signaling survives store flaps as long as a
	// snapshot eventually arrives.
	ErrUnavailable = errors.New("rendezvous store unavailable")

	// ErrNotFound reports a write against a session document that does not
	// exist.
	ErrNotFound = errors.New("session not found")

	// ErrTooManySessions reports that the store refused to create another
	// session document.
	ErrTooManySessions = errors.New("too many sessions")
)

// Store is the session-document API. Implementations must apply each write
// atomically and deliver full snapshots, never deltas, to subscribers.
type Store interface {
	// CreateSession writes a fresh document holding only the offer.
	// Creating over an existing id replaces the previous document.
	CreateSession(ctx context.Context, id string, offer SessionDescription) error

	// SetAnswer records the responder's answer on an existing document.
	SetAnswer(ctx context.Context, id string, answer SessionDescription) error

	// AppendCandidate adds one candidate to the role's array. Appends are
	// atomic; re-appending an equal candidate is a no-op.
	AppendCandidate(ctx context.Context, id string, role Role, cand Candidate) error

	// Subscribe delivers the document's current state (when it exists) and
	// every subsequent change as full snapshots until ctx is done, at which
	// point the channel is closed. A slow consumer observes the latest
	// state rather than every intermediate one.
	Subscribe(ctx context.Context, id string) (<-chan Snapshot, error)

	// DeleteSession removes the document. Deleting an absent document is
	// not an error: both peers race to clean up after establishing.
	DeleteSession(ctx context.Context, id string) error
}
