// Package rendezvous implements the session-document store two peers use to
// exchange SDP descriptions and ICE candidates before a direct connection
// exists.
//
// A session document is keyed by the responder's six-digit id and holds at
// most one offer, one answer and one append-only candidate array per role.
// Subscribers always receive full document snapshots, never deltas. Documents
// are short-lived: peers delete them once connected and the server expires
// leftovers.
package rendezvous
