package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store behind the rendezvous server. All
// methods are safe for concurrent use.
type MemoryStore struct {
	maxSessions int
	clock       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionDoc
	subs     map[string]map[string]*memSubscriber
}

type sessionDoc struct {
	offer               *SessionDescription
	answer              *SessionDescription
	initiatorCandidates []Candidate
	responderCandidates []Candidate
	createdAt           time.Time
}

type memSubscriber struct {
	ch chan Snapshot
}

type MemoryStoreOptions struct {
	// MaxSessions caps live documents. 0 means unlimited.
	MaxSessions int
	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		maxSessions: opts.MaxSessions,
		clock:       clock,
		sessions:    make(map[string]*sessionDoc),
		subs:        make(map[string]map[string]*memSubscriber),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateSession(_ context.Context, id string, offer SessionDescription) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok && s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return ErrTooManySessions
	}

	offerCopy := offer
	s.sessions[id] = &sessionDoc{
		offer:     &offerCopy,
		createdAt: s.clock(),
	}
	s.notifyLocked(id)
	return nil
}

func (s *MemoryStore) SetAnswer(_ context.Context, id string, answer SessionDescription) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	answerCopy := answer
	doc.answer = &answerCopy
	s.notifyLocked(id)
	return nil
}

func (s *MemoryStore) AppendCandidate(_ context.Context, id string, role Role, cand Candidate) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	arr := &doc.initiatorCandidates
	if role == RoleResponder {
		arr = &doc.responderCandidates
	}
	key := cand.Key()
	for _, existing := range *arr {
		if existing.Key() == key {
			return nil
		}
	}
	*arr = append(*arr, cand)
	s.notifyLocked(id)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, id string) (<-chan Snapshot, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	// Capacity 1 plus drain-on-full in notifyLocked gives latest-wins
	// coalescing: a slow consumer sees the newest snapshot, not a backlog.
	sub := &memSubscriber{ch: make(chan Snapshot, 1)}
	token := uuid.NewString()

	s.mu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[string]*memSubscriber)
	}
	s.subs[id][token] = sub
	if _, ok := s.sessions[id]; ok {
		sub.ch <- s.snapshotLocked(id)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if m, ok := s.subs[id]; ok {
			if cur, ok := m[token]; ok && cur == sub {
				delete(m, token)
				if len(m) == 0 {
					delete(s.subs, id)
				}
				close(sub.ch)
			}
		}
		s.mu.Unlock()
	}()

	return sub.ch, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	if err := ValidateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)
	s.notifyLocked(id)
	return nil
}

// PurgeExpired removes documents older than ttl and notifies their
// subscribers. It returns the number of documents removed.
func (s *MemoryStore) PurgeExpired(ttl time.Duration) int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, doc := range s.sessions {
		if now.Sub(doc.createdAt) >= ttl {
			delete(s.sessions, id)
			s.notifyLocked(id)
			purged++
		}
	}
	return purged
}

// Len reports the number of live documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) snapshotLocked(id string) Snapshot {
	doc, ok := s.sessions[id]
	if !ok {
		return Snapshot{}
	}

	snap := Snapshot{
		Exists:    true,
		CreatedAt: doc.createdAt,
	}
	if doc.offer != nil {
		offer := *doc.offer
		snap.Offer = &offer
	}
	if doc.answer != nil {
		answer := *doc.answer
		snap.Answer = &answer
	}
	snap.InitiatorCandidates = append([]Candidate(nil), doc.initiatorCandidates...)
	snap.ResponderCandidates = append([]Candidate(nil), doc.responderCandidates...)
	return snap
}

// notifyLocked pushes the current snapshot of id to each of its subscribers.
// A full buffer is drained first; only notifyLocked sends on sub channels and
// it always runs under s.mu, so the subsequent send cannot block.
func (s *MemoryStore) notifyLocked(id string) {
	subs := s.subs[id]
	if len(subs) == 0 {
		return
	}

	snap := s.snapshotLocked(id)
	for _, sub := range subs {
		select {
		case sub.ch <- snap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- snap
		}
	}
}
