package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func offerDesc() rendezvous.SessionDescription {
	return rendezvous.SessionDescription{Type: "offer", SDP: "v=0\r\ns=initiator\r\n"}
}

func answerDesc() rendezvous.SessionDescription {
	return rendezvous.SessionDescription{Type: "answer", SDP: "v=0\r\ns=responder\r\n"}
}

func cand(n int) rendezvous.Candidate {
	mid := "0"
	idx := uint16(0)
	return rendezvous.Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 54321 typ host", n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// fakePeer records every call the machine makes. All fields are guarded so
// tests can inspect them while Run is in flight.
type fakePeer struct {
	mu           sync.Mutex
	offersMade   int
	offersSeen   []rendezvous.SessionDescription
	answersSeen  []rendezvous.SessionDescription
	candidates   []rendezvous.Candidate
	candAttempts int

	createOfferErr  error
	acceptOfferErr  error
	acceptAnswerErr error
	addCandidateErr error
}

func (f *fakePeer) CreateOffer(context.Context) (rendezvous.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOfferErr != nil {
		return rendezvous.SessionDescription{}, f.createOfferErr
	}
	f.offersMade++
	return offerDesc(), nil
}

func (f *fakePeer) AcceptOffer(_ context.Context, offer rendezvous.SessionDescription) (rendezvous.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptOfferErr != nil {
		return rendezvous.SessionDescription{}, f.acceptOfferErr
	}
	f.offersSeen = append(f.offersSeen, offer)
	return answerDesc(), nil
}

func (f *fakePeer) AcceptAnswer(_ context.Context, answer rendezvous.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptAnswerErr != nil {
		return f.acceptAnswerErr
	}
	f.answersSeen = append(f.answersSeen, answer)
	return nil
}

func (f *fakePeer) AddRemoteCandidate(c rendezvous.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candAttempts++
	if f.addCandidateErr != nil {
		return f.addCandidateErr
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offersSeen)
}

func (f *fakePeer) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answersSeen)
}

func (f *fakePeer) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candAttempts
}

func (f *fakePeer) appliedCandidates() []rendezvous.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rendezvous.Candidate(nil), f.candidates...)
}

// hookStore lets tests fail individual store operations while everything
// else passes through to the embedded store.
type hookStore struct {
	rendezvous.Store
	createErr    error
	setAnswerErr error
	appendErr    error
	deleteErr    error
	subscribeFn  func(ctx context.Context, id string) (<-chan rendezvous.Snapshot, error)
}

func (s *hookStore) CreateSession(ctx context.Context, id string, offer rendezvous.SessionDescription) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateSession(ctx, id, offer)
}

func (s *hookStore) SetAnswer(ctx context.Context, id string, answer rendezvous.SessionDescription) error {
	if s.setAnswerErr != nil {
		return s.setAnswerErr
	}
	return s.Store.SetAnswer(ctx, id, answer)
}

func (s *hookStore) AppendCandidate(ctx context.Context, id string, role rendezvous.Role, c rendezvous.Candidate) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.AppendCandidate(ctx, id, role, c)
}

func (s *hookStore) DeleteSession(ctx context.Context, id string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.DeleteSession(ctx, id)
}

func (s *hookStore) Subscribe(ctx context.Context, id string) (<-chan rendezvous.Snapshot, error) {
	if s.subscribeFn != nil {
		return s.subscribeFn(ctx, id)
	}
	return s.Store.Subscribe(ctx, id)
}

func startMachine(ctx context.Context, m *Machine) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("machine did not finish")
		panic("unreachable")
	}
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// waitForSnapshot drains snapshots until one matches pred. Snapshots
// coalesce, so tests must never insist on seeing each intermediate state.
func waitForSnapshot(t *testing.T, ch <-chan rendezvous.Snapshot, pred func(rendezvous.Snapshot) bool) rendezvous.Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("snapshot channel closed while waiting")
			}
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			panic("unreachable")
		}
	}
}

func newMachine(t *testing.T, opts Options) *Machine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{}

	cases := []struct {
		name string
		opts Options
	}{
		{name: "invalid role", opts: Options{Role: "spectator", SessionID: "482913", Store: store, Peer: fp}},
		{name: "invalid session id", opts: Options{Role: rendezvous.RoleInitiator, SessionID: "12345", Store: store, Peer: fp}},
		{name: "missing store", opts: Options{Role: rendezvous.RoleInitiator, SessionID: "482913", Peer: fp}},
		{name: "missing peer", opts: Options{Role: rendezvous.RoleInitiator, SessionID: "482913", Store: store}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.opts); err == nil {
				t.Fatalf("New(%+v) succeeded, want error", tc.opts)
			}
		})
	}

	if _, err := New(Options{Role: rendezvous.RoleInitiator, SessionID: "12345", Store: store, Peer: fp}); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("err=%v, want ErrInvalidSessionID", err)
	}
}

func TestMachine_InitiatorSettles(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)

	watch, err := store.Subscribe(ctx, "482913")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       fp,
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	// The machine publishes its offer into the session document.
	got := waitForSnapshot(t, watch, func(s rendezvous.Snapshot) bool {
		return s.Exists && s.Offer != nil
	})
	if got.Offer.SDP != offerDesc().SDP {
		t.Fatalf("published offer %q, want %q", got.Offer.SDP, offerDesc().SDP)
	}

	// The responder side answers and trickles one candidate.
	if err := store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := store.AppendCandidate(ctx, "482913", rendezvous.RoleResponder, cand(1)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	waitUntil(t, "answer and candidate applied", func() bool {
		return fp.answerCount() == 1 && len(fp.appliedCandidates()) == 1
	})

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
	if store.Len() != 0 {
		t.Fatalf("session document should be deleted after settling")
	}
}

func TestMachine_ResponderAnswersAndSettles(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)
	local := make(chan rendezvous.Candidate, 4)

	watch, err := store.Subscribe(ctx, "000111")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m := newMachine(t, Options{
		Role:            rendezvous.RoleResponder,
		SessionID:       "000111",
		Store:           store,
		Peer:            fp,
		LocalCandidates: local,
		ConnStates:      conn,
	})
	errCh := startMachine(ctx, m)

	// The initiator shows up with an offer; the machine must answer.
	if err := store.CreateSession(ctx, "000111", offerDesc()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got := waitForSnapshot(t, watch, func(s rendezvous.Snapshot) bool {
		return s.Exists && s.Answer != nil
	})
	if got.Answer.SDP != answerDesc().SDP {
		t.Fatalf("published answer %q, want %q", got.Answer.SDP, answerDesc().SDP)
	}
	if fp.offerCount() != 1 {
		t.Fatalf("offer applied %d times, want 1", fp.offerCount())
	}

	// Initiator candidates flow in; local candidates flow out.
	if err := store.AppendCandidate(ctx, "000111", rendezvous.RoleInitiator, cand(1)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	if err := store.AppendCandidate(ctx, "000111", rendezvous.RoleInitiator, cand(2)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	waitUntil(t, "initiator candidates applied", func() bool {
		return len(fp.appliedCandidates()) == 2
	})

	local <- cand(9)
	waitForSnapshot(t, watch, func(s rendezvous.Snapshot) bool {
		return len(s.ResponderCandidates) == 1
	})

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
	if store.Len() != 0 {
		t.Fatalf("session document should be deleted after settling")
	}

	// Snapshots replayed the machine's own candidate; it must never feed
	// it back to the controller.
	for _, c := range fp.appliedCandidates() {
		if c.Key() == cand(9).Key() {
			t.Fatalf("machine applied its own candidate")
		}
	}
	if fp.attempts() != 2 {
		t.Fatalf("candidate attempts=%d, want 2", fp.attempts())
	}
}

func TestMachine_ReplayedSnapshotsApplyOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       fp,
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Len() == 1 })
	if err := store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	// Each append redelivers the full accumulated document: after the
	// third, the machine has seen cand(1) in three snapshots.
	for n := 1; n <= 3; n++ {
		if err := store.AppendCandidate(ctx, "482913", rendezvous.RoleResponder, cand(n)); err != nil {
			t.Fatalf("AppendCandidate(%d): %v", n, err)
		}
		waitUntil(t, "candidate applied", func() bool {
			return len(fp.appliedCandidates()) == n
		})
	}

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fp.attempts() != 3 {
		t.Fatalf("candidate attempts=%d, want 3", fp.attempts())
	}
	if fp.answerCount() != 1 {
		t.Fatalf("answer applied %d times, want 1", fp.answerCount())
	}
}

func TestMachine_BadAnswerAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{acceptAnswerErr: errors.New("unparseable sdp")}

	m := newMachine(t, Options{
		Role:      rendezvous.RoleInitiator,
		SessionID: "482913",
		Store:     store,
		Peer:      fp,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Len() == 1 })
	if err := store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	if err := waitErr(t, errCh); !errors.Is(err, ErrBadDescription) {
		t.Fatalf("Run err=%v, want ErrBadDescription", err)
	}
	if got := m.State(); got != StateAbandoned {
		t.Fatalf("state=%q, want %q", got, StateAbandoned)
	}
}

func TestMachine_BadOfferAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{acceptOfferErr: errors.New("unparseable sdp")}

	m := newMachine(t, Options{
		Role:      rendezvous.RoleResponder,
		SessionID: "000111",
		Store:     store,
		Peer:      fp,
	})
	errCh := startMachine(ctx, m)

	if err := store.CreateSession(ctx, "000111", offerDesc()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := waitErr(t, errCh); !errors.Is(err, ErrBadDescription) {
		t.Fatalf("Run err=%v, want ErrBadDescription", err)
	}
	if got := m.State(); got != StateAbandoned {
		t.Fatalf("state=%q, want %q", got, StateAbandoned)
	}
}

func TestMachine_DisconnectAbandons(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	conn := make(chan peer.State, 4)

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       &fakePeer{},
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	conn <- peer.StateConnecting
	conn <- peer.StateDisconnected

	if err := waitErr(t, errCh); !errors.Is(err, peer.ErrConnectionFailed) {
		t.Fatalf("Run err=%v, want ErrConnectionFailed", err)
	}
	if got := m.State(); got != StateAbandoned {
		t.Fatalf("state=%q, want %q", got, StateAbandoned)
	}
}

func TestMachine_ContextCancelAbandons(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	m := newMachine(t, Options{
		Role:      rendezvous.RoleInitiator,
		SessionID: "482913",
		Store:     store,
		Peer:      &fakePeer{},
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Len() == 1 })
	cancel()

	if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v, want context.Canceled", err)
	}
	if got := m.State(); got != StateAbandoned {
		t.Fatalf("state=%q, want %q", got, StateAbandoned)
	}
}

func TestMachine_CandidateApplyFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{addCandidateErr: errors.New("ice agent gone")}
	conn := make(chan peer.State, 4)

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       fp,
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Len() == 1 })
	if err := store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	if err := store.AppendCandidate(ctx, "482913", rendezvous.RoleResponder, cand(1)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	waitUntil(t, "first candidate attempted", func() bool { return fp.attempts() == 1 })

	// The replay carrying cand(1) again must not retry it.
	if err := store.AppendCandidate(ctx, "482913", rendezvous.RoleResponder, cand(2)); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	waitUntil(t, "second candidate attempted", func() bool { return fp.attempts() == 2 })

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
	if fp.attempts() != 2 {
		t.Fatalf("candidate attempts=%d, want 2", fp.attempts())
	}
}

func TestMachine_RequiredStoreFailuresAbort(t *testing.T) {
	t.Parallel()

	unavailable := fmt.Errorf("%w: dial: connection refused", rendezvous.ErrUnavailable)

	t.Run("create session", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := &hookStore{Store: rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}), createErr: unavailable}
		m := newMachine(t, Options{Role: rendezvous.RoleInitiator, SessionID: "482913", Store: store, Peer: &fakePeer{}})

		if err := waitErr(t, startMachine(ctx, m)); !errors.Is(err, rendezvous.ErrUnavailable) {
			t.Fatalf("Run err=%v, want ErrUnavailable", err)
		}
		if got := m.State(); got != StateAbandoned {
			t.Fatalf("state=%q, want %q", got, StateAbandoned)
		}
	})

	t.Run("subscribe", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := &hookStore{
			Store: rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}),
			subscribeFn: func(context.Context, string) (<-chan rendezvous.Snapshot, error) {
				return nil, unavailable
			},
		}
		m := newMachine(t, Options{Role: rendezvous.RoleResponder, SessionID: "000111", Store: store, Peer: &fakePeer{}})

		if err := waitErr(t, startMachine(ctx, m)); !errors.Is(err, rendezvous.ErrUnavailable) {
			t.Fatalf("Run err=%v, want ErrUnavailable", err)
		}
	})

	t.Run("set answer", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := &hookStore{Store: rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}), setAnswerErr: unavailable}
		m := newMachine(t, Options{Role: rendezvous.RoleResponder, SessionID: "000111", Store: store, Peer: &fakePeer{}})
		errCh := startMachine(ctx, m)

		if err := store.Store.CreateSession(ctx, "000111", offerDesc()); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := waitErr(t, errCh); !errors.Is(err, rendezvous.ErrUnavailable) {
			t.Fatalf("Run err=%v, want ErrUnavailable", err)
		}
	})
}

func TestMachine_AppendAndDeleteFailuresAreWarnOnly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unavailable := fmt.Errorf("%w: write: broken pipe", rendezvous.ErrUnavailable)
	store := &hookStore{
		Store:     rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}),
		appendErr: unavailable,
		deleteErr: unavailable,
	}
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)
	local := make(chan rendezvous.Candidate, 4)

	m := newMachine(t, Options{
		Role:            rendezvous.RoleInitiator,
		SessionID:       "482913",
		Store:           store,
		Peer:            fp,
		LocalCandidates: local,
		ConnStates:      conn,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Store.(*rendezvous.MemoryStore).Len() == 1 })
	local <- cand(7)
	if err := store.Store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	waitUntil(t, "answer applied", func() bool { return fp.answerCount() == 1 })

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
}

func TestMachine_MissingDocumentMidFlightIsBenign(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{})
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       fp,
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "session created", func() bool { return store.Len() == 1 })
	if err := store.SetAnswer(ctx, "482913", answerDesc()); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	waitUntil(t, "answer applied", func() bool { return fp.answerCount() == 1 })

	// The other side settled first and deleted the document.
	if err := store.DeleteSession(ctx, "482913"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
}

func TestMachine_SubscriptionClosedBeforeAnswerAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snaps := make(chan rendezvous.Snapshot)
	close(snaps)
	store := &hookStore{
		Store: rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}),
		subscribeFn: func(context.Context, string) (<-chan rendezvous.Snapshot, error) {
			return snaps, nil
		},
	}

	m := newMachine(t, Options{Role: rendezvous.RoleInitiator, SessionID: "482913", Store: store, Peer: &fakePeer{}})

	if err := waitErr(t, startMachine(ctx, m)); !errors.Is(err, rendezvous.ErrUnavailable) {
		t.Fatalf("Run err=%v, want ErrUnavailable", err)
	}
	if got := m.State(); got != StateAbandoned {
		t.Fatalf("state=%q, want %q", got, StateAbandoned)
	}
}

func TestMachine_SubscriptionClosedAfterAnswerContinues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer := answerDesc()
	snaps := make(chan rendezvous.Snapshot, 1)
	snaps <- rendezvous.Snapshot{Exists: true, Offer: ptr(offerDesc()), Answer: &answer}
	close(snaps)

	store := &hookStore{
		Store: rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{}),
		subscribeFn: func(context.Context, string) (<-chan rendezvous.Snapshot, error) {
			return snaps, nil
		},
	}
	fp := &fakePeer{}
	conn := make(chan peer.State, 4)

	m := newMachine(t, Options{
		Role:       rendezvous.RoleInitiator,
		SessionID:  "482913",
		Store:      store,
		Peer:       fp,
		ConnStates: conn,
	})
	errCh := startMachine(ctx, m)

	waitUntil(t, "answer applied", func() bool { return fp.answerCount() == 1 })
	// Give the loop a beat to observe the closed subscription.
	time.Sleep(50 * time.Millisecond)

	conn <- peer.StateConnected
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.State(); got != StateSettled {
		t.Fatalf("state=%q, want %q", got, StateSettled)
	}
}

func ptr[T any](v T) *T { return &v }
