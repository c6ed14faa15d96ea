package rendezvous

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Wire protocol between Client and Server. Requests carry a client-chosen
// seq; the server echoes it on the matching ack or error. Snapshot frames are
// server-push and carry no seq.

type clientMessageType string

const (
	clientMessageCreate      clientMessageType = "create"
	clientMessageAnswer      clientMessageType = "answer"
	clientMessageCandidate   clientMessageType = "candidate"
	clientMessageSubscribe   clientMessageType = "subscribe"
	clientMessageUnsubscribe clientMessageType = "unsubscribe"
	clientMessageDelete      clientMessageType = "delete"
)

type serverMessageType string

const (
	serverMessageAck      serverMessageType = "ack"
	serverMessageError    serverMessageType = "error"
	serverMessageSnapshot serverMessageType = "snapshot"
)

// Error codes carried on error frames.
const (
	errorCodeInvalidSessionID = "invalid_session_id"
	errorCodeNotFound         = "not_found"
	errorCodeTooManySessions  = "too_many_sessions"
	errorCodeBadRequest       = "bad_request"
	errorCodeInternal         = "internal"
)

type clientMessage struct {
	Type      clientMessageType   `json:"type"`
	Seq       uint64              `json:"seq"`
	SessionID string              `json:"sessionId"`
	Role      Role                `json:"role,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

type serverMessage struct {
	Type      serverMessageType `json:"type"`
	Seq       uint64            `json:"seq,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Snapshot  *snapshotMessage  `json:"snapshot,omitempty"`
}

// snapshotMessage is the wire form of Snapshot.
type snapshotMessage struct {
	Exists              bool                `json:"exists"`
	Offer               *SessionDescription `json:"offer,omitempty"`
	Answer              *SessionDescription `json:"answer,omitempty"`
	InitiatorCandidates []Candidate         `json:"initiatorCandidates,omitempty"`
	ResponderCandidates []Candidate         `json:"responderCandidates,omitempty"`
	CreatedAt           *time.Time          `json:"createdAt,omitempty"`
}

func snapshotToWire(s Snapshot) *snapshotMessage {
	m := &snapshotMessage{
		Exists:              s.Exists,
		Offer:               s.Offer,
		Answer:              s.Answer,
		InitiatorCandidates: s.InitiatorCandidates,
		ResponderCandidates: s.ResponderCandidates,
	}
	if !s.CreatedAt.IsZero() {
		createdAt := s.CreatedAt
		m.CreatedAt = &createdAt
	}
	return m
}

func snapshotFromWire(m *snapshotMessage) Snapshot {
	if m == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Exists:              m.Exists,
		Offer:               m.Offer,
		Answer:              m.Answer,
		InitiatorCandidates: m.InitiatorCandidates,
		ResponderCandidates: m.ResponderCandidates,
	}
	if m.CreatedAt != nil {
		s.CreatedAt = *m.CreatedAt
	}
	return s
}

func marshalMessage(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	if m.Seq == 0 {
		return fmt.Errorf("%s message missing seq", m.Type)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%s message missing sessionId", m.Type)
	}

	switch m.Type {
	case clientMessageCreate:
		if m.Offer == nil {
			return fmt.Errorf("create message missing offer")
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("create message has offer.type=%q", m.Offer.Type)
		}
		if m.Answer != nil || m.Candidate != nil || m.Role != "" {
			return fmt.Errorf("create message has unexpected fields")
		}
	case clientMessageAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("answer message has answer.type=%q", m.Answer.Type)
		}
		if m.Offer != nil || m.Candidate != nil || m.Role != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case clientMessageCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("candidate message missing candidate")
		}
		if !m.Role.Valid() {
			return fmt.Errorf("candidate message has role=%q", m.Role)
		}
		if m.Offer != nil || m.Answer != nil {
			return fmt.Errorf("candidate message has unexpected fields")
		}
	case clientMessageSubscribe, clientMessageUnsubscribe, clientMessageDelete:
		if m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.Role != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func parseServerMessage(data []byte) (serverMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg serverMessage
	if err := dec.Decode(&msg); err != nil {
		return serverMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return serverMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return serverMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m serverMessage) validate() error {
	switch m.Type {
	case serverMessageAck:
		if m.Seq == 0 {
			return fmt.Errorf("ack message missing seq")
		}
		if m.Code != "" || m.Message != "" || m.Snapshot != nil {
			return fmt.Errorf("ack message has unexpected fields")
		}
	case serverMessageError:
		if m.Code == "" {
			return fmt.Errorf("error message missing code")
		}
		if m.Snapshot != nil {
			return fmt.Errorf("error message has unexpected fields")
		}
	case serverMessageSnapshot:
		if m.SessionID == "" {
			return fmt.Errorf("snapshot message missing sessionId")
		}
		if m.Snapshot == nil {
			return fmt.Errorf("snapshot message missing snapshot")
		}
		if m.Seq != 0 || m.Code != "" || m.Message != "" {
			return fmt.Errorf("snapshot message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
