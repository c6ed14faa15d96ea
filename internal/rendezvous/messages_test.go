package rendezvous

import (
	"strings"
	"testing"
)

func TestParseClientMessage_AcceptsEachType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"create", `{"type":"create","seq":1,"sessionId":"123456","offer":{"type":"offer","sdp":"v=0"}}`},
		{"answer", `{"type":"answer","seq":2,"sessionId":"123456","answer":{"type":"answer","sdp":"v=0"}}`},
		{"candidate", `{"type":"candidate","seq":3,"sessionId":"123456","role":"initiator","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 1 typ host","sdpMid":"0","sdpMLineIndex":0}}`},
		{"subscribe", `{"type":"subscribe","seq":4,"sessionId":"123456"}`},
		{"unsubscribe", `{"type":"unsubscribe","seq":5,"sessionId":"123456"}`},
		{"delete", `{"type":"delete","seq":6,"sessionId":"123456"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseClientMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parseClientMessage: %v", err)
			}
			if string(msg.Type) != tc.name {
				t.Fatalf("type = %q, want %q", msg.Type, tc.name)
			}
		})
	}
}

func TestParseClientMessage_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"empty", ``, ""},
		{"not json", `hello`, ""},
		{"unknown field", `{"type":"subscribe","seq":1,"sessionId":"123456","extra":true}`, "extra"},
		{"trailing data", `{"type":"subscribe","seq":1,"sessionId":"123456"}{}`, "trailing"},
		{"missing seq", `{"type":"subscribe","sessionId":"123456"}`, "missing seq"},
		{"missing session id", `{"type":"subscribe","seq":1}`, "missing sessionId"},
		{"unsupported type", `{"type":"ping","seq":1,"sessionId":"123456"}`, "unsupported message type"},
		{"create without offer", `{"type":"create","seq":1,"sessionId":"123456"}`, "missing offer"},
		{"create with wrong sdp type", `{"type":"create","seq":1,"sessionId":"123456","offer":{"type":"answer","sdp":"v=0"}}`, "offer.type"},
		{"create with answer", `{"type":"create","seq":1,"sessionId":"123456","offer":{"type":"offer","sdp":"v=0"},"answer":{"type":"answer","sdp":"v=0"}}`, "unexpected fields"},
		{"answer without answer", `{"type":"answer","seq":1,"sessionId":"123456"}`, "missing answer"},
		{"answer with wrong sdp type", `{"type":"answer","seq":1,"sessionId":"123456","answer":{"type":"offer","sdp":"v=0"}}`, "answer.type"},
		{"candidate without candidate", `{"type":"candidate","seq":1,"sessionId":"123456","role":"initiator"}`, "missing candidate"},
		{"candidate without role", `{"type":"candidate","seq":1,"sessionId":"123456","candidate":{"candidate":"candidate:1"}}`, "role"},
		{"candidate with bad role", `{"type":"candidate","seq":1,"sessionId":"123456","role":"observer","candidate":{"candidate":"candidate:1"}}`, "role"},
		{"subscribe with offer", `{"type":"subscribe","seq":1,"sessionId":"123456","offer":{"type":"offer","sdp":"v=0"}}`, "unexpected fields"},
		{"delete with candidate", `{"type":"delete","seq":1,"sessionId":"123456","candidate":{"candidate":"candidate:1"}}`, "unexpected fields"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("parseClientMessage(%q) succeeded, want error", tc.raw)
			}
			if tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("parseClientMessage(%q) = %v, want error containing %q", tc.raw, err, tc.wantErr)
			}
		})
	}
}

func TestParseServerMessage_AcceptsEachType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"ack", `{"type":"ack","seq":1}`},
		{"error", `{"type":"error","seq":1,"sessionId":"123456","code":"not_found","message":"session not found"}`},
		{"error without seq", `{"type":"error","code":"bad_request","message":"malformed"}`},
		{"snapshot", `{"type":"snapshot","sessionId":"123456","snapshot":{"exists":true,"offer":{"type":"offer","sdp":"v=0"}}}`},
		{"snapshot gone", `{"type":"snapshot","sessionId":"123456","snapshot":{"exists":false}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseServerMessage([]byte(tc.raw)); err != nil {
				t.Fatalf("parseServerMessage: %v", err)
			}
		})
	}
}

func TestParseServerMessage_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"ack without seq", `{"type":"ack"}`, "missing seq"},
		{"ack with code", `{"type":"ack","seq":1,"code":"internal"}`, "unexpected fields"},
		{"error without code", `{"type":"error","seq":1,"message":"boom"}`, "missing code"},
		{"error with snapshot", `{"type":"error","code":"internal","snapshot":{"exists":false}}`, "unexpected fields"},
		{"snapshot without session id", `{"type":"snapshot","snapshot":{"exists":true}}`, "missing sessionId"},
		{"snapshot without snapshot", `{"type":"snapshot","sessionId":"123456"}`, "missing snapshot"},
		{"snapshot with seq", `{"type":"snapshot","seq":9,"sessionId":"123456","snapshot":{"exists":true}}`, "unexpected fields"},
		{"unknown type", `{"type":"hello"}`, "unsupported message type"},
		{"unknown field", `{"type":"ack","seq":1,"extra":1}`, "extra"},
		{"trailing data", `{"type":"ack","seq":1} null`, "trailing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseServerMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("parseServerMessage(%q) succeeded, want error", tc.raw)
			}
			if tc.wantErr != "" && !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("parseServerMessage(%q) = %v, want error containing %q", tc.raw, err, tc.wantErr)
			}
		})
	}
}

func TestSnapshotWireRoundTrip(t *testing.T) {
	t.Parallel()

	snap := Snapshot{
		Exists: true,
		Offer:  &SessionDescription{Type: "offer", SDP: "v=0"},
		InitiatorCandidates: []Candidate{
			{Candidate: "candidate:1", SDPMid: strPtr("0"), SDPMLineIndex: uint16Ptr(0)},
		},
	}
	got := snapshotFromWire(snapshotToWire(snap))
	if !got.Exists || got.Offer == nil || got.Offer.SDP != "v=0" {
		t.Fatalf("round trip lost offer: %+v", got)
	}
	if len(got.InitiatorCandidates) != 1 || got.InitiatorCandidates[0].SDPMid == nil {
		t.Fatalf("round trip lost candidates: %+v", got)
	}

	// A nil wire snapshot is an absent document.
	if got := snapshotFromWire(nil); got.Exists {
		t.Fatalf("nil wire snapshot should not exist")
	}
}
