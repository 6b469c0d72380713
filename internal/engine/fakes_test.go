package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/session"
	"github.com/whisper/pairchat/internal/settings"
	"github.com/whisper/pairchat/internal/watchdog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memQueue is an in-memory waiting queue. Scores are a counter so FIFO
// order is deterministic.
type memQueue struct {
	mu      sync.Mutex
	seq     float64
	entries map[int64]matching.Entry
}

func newMemQueue() *memQueue {
	return &memQueue{entries: make(map[int64]matching.Entry)}
}

func (q *memQueue) Enqueue(_ context.Context, userID int64, p profile.Preference) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.entries[userID] = matching.Entry{UserID: userID, Preference: p, EnqueuedAt: q.seq, Position: q.seq}
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, userID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, userID)
	return nil
}

func (q *memQueue) Entry(_ context.Context, userID int64) (*matching.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[userID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (q *memQueue) Entries(_ context.Context) ([]matching.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]matching.Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (q *memQueue) IsQueued(_ context.Context, userID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[userID]
	return ok, nil
}

func (q *memQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *memQueue) Claim(_ context.Context, a, b int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, okA := q.entries[a]
	_, okB := q.entries[b]
	if !okA || !okB {
		return false, nil
	}
	delete(q.entries, a)
	delete(q.entries, b)
	return true, nil
}

func (q *memQueue) Restore(_ context.Context, entries ...matching.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.entries[e.UserID] = e
	}
	return nil
}

// memStore is the session table plus recency ledger.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]*session.Session
	blocks    map[[2]int64]int
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[int64]*session.Session),
		blocks:   make(map[[2]int64]int),
	}
}

func (s *memStore) busyLocked(u int64) bool {
	for _, sess := range s.sessions {
		if sess.Active && sess.IsParticipant(u) {
			return true
		}
	}
	return false
}

func (s *memStore) decayLocked(u int64) {
	for k, v := range s.blocks {
		if k[0] != u {
			continue
		}
		if v <= 1 {
			delete(s.blocks, k)
		} else {
			s.blocks[k] = v - 1
		}
	}
}

func (s *memStore) Create(_ context.Context, a, b int64) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr; err != nil {
		s.createErr = nil
		return nil, err
	}
	if s.busyLocked(a) || s.busyLocked(b) {
		return nil, session.ErrUserBusy
	}
	s.decayLocked(a)
	s.decayLocked(b)
	s.nextID++
	sess := &session.Session{ID: s.nextID, UserA: a, UserB: b, Active: true, StartedAt: time.Now()}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *memStore) ActiveFor(_ context.Context, userID int64) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *session.Session
	for _, sess := range s.sessions {
		if sess.Active && sess.IsParticipant(userID) && (best == nil || sess.ID > best.ID) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) End(_ context.Context, id int64, _ string, blockRounds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return false, nil
	}
	sess.Active = false
	if blockRounds > 0 {
		s.blocks[[2]int64{sess.UserA, sess.UserB}] = blockRounds
		s.blocks[[2]int64{sess.UserB, sess.UserA}] = blockRounds
	}
	return true, nil
}

func (s *memStore) MarkReveal(_ context.Context, id, userID int64) (session.RevealState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.RevealState{}, session.ErrNotFound
	}
	mine, theirs := &sess.RevealA, &sess.RevealB
	switch userID {
	case sess.UserA:
	case sess.UserB:
		mine, theirs = theirs, mine
	default:
		return session.RevealState{}, session.ErrNotParticipant
	}
	state := session.RevealState{AlreadyRequested: *mine}
	*mine = true
	state.Requester, state.Peer = *mine, *theirs
	return state, nil
}

func (s *memStore) DeactivateStale(_ context.Context, olderThan time.Duration, keep func(int64) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for id, sess := range s.sessions {
		if sess.Active && sess.StartedAt.Before(cutoff) && !keep(id) {
			sess.Active = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) Blocked(_ context.Context, userID int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool)
	for k := range s.blocks {
		switch userID {
		case k[0]:
			out[k[1]] = true
		case k[1]:
			out[k[0]] = true
		}
	}
	return out, nil
}

func (s *memStore) activeCount(u int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Active && sess.IsParticipant(u) {
			n++
		}
	}
	return n
}

func (s *memStore) get(id int64) session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

func (s *memStore) age(id int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id].StartedAt = s.sessions[id].StartedAt.Add(-d)
}

func (s *memStore) rounds(a, b int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[[2]int64{a, b}]
}

type memProfiles struct {
	mu       sync.Mutex
	prefs    map[int64]profile.Preference
	complete map[int64]bool
	admins   map[int64]bool
}

func newMemProfiles() *memProfiles {
	return &memProfiles{
		prefs:    make(map[int64]profile.Preference),
		complete: make(map[int64]bool),
		admins:   make(map[int64]bool),
	}
}

func (p *memProfiles) set(userID int64, g profile.Gender, s profile.Seeking) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefs[userID] = profile.Preference{Gender: g, Seeking: s}
}

func (p *memProfiles) clear(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prefs, userID)
}

func (p *memProfiles) GetPreference(_ context.Context, userID int64) (*profile.Preference, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pref, ok := p.prefs[userID]
	if !ok {
		return nil, nil
	}
	return &pref, nil
}

func (p *memProfiles) IsProfileComplete(_ context.Context, userID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete[userID], nil
}

func (p *memProfiles) GetProfileSnapshot(_ context.Context, userID int64) (*profile.Snapshot, error) {
	return &profile.Snapshot{UserID: userID, FirstName: fmt.Sprintf("user%d", userID)}, nil
}

func (p *memProfiles) IsAdmin(_ context.Context, userID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admins[userID], nil
}

type memBans struct {
	mu         sync.Mutex
	banned     map[int64]time.Duration
	complaints map[int64]int
}

func newMemBans() *memBans {
	return &memBans{banned: make(map[int64]time.Duration), complaints: make(map[int64]int)}
}

func (b *memBans) IsBanned(_ context.Context, userID int64) (bool, time.Duration, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.banned[userID]
	return ok, d, "complaints", nil
}

func (b *memBans) RecordComplaint(_ context.Context, userID int64) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.complaints[userID]++
	return false, 0, nil
}

type complaint struct {
	session, from, about int64
	text                 string
	messages             []chat.BufferedMessage
}

type memFeedback struct {
	mu         sync.Mutex
	store      *memStore
	ratings    map[[2]int64]int
	complaints []complaint
}

func newMemFeedback(st *memStore) *memFeedback {
	return &memFeedback{store: st, ratings: make(map[[2]int64]int)}
}

func (f *memFeedback) peer(sessionID, userID int64) (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	sess, ok := f.store.sessions[sessionID]
	if !ok || !sess.IsParticipant(userID) {
		return 0, feedback.ErrNotParticipant
	}
	return sess.Peer(userID), nil
}

func (f *memFeedback) Rate(_ context.Context, sessionID, from int64, stars int) (bool, error) {
	if stars < 1 || stars > 5 {
		return false, feedback.ErrInvalidStars
	}
	if _, err := f.peer(sessionID, from); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := [2]int64{sessionID, from}
	if _, dup := f.ratings[k]; dup {
		return false, nil
	}
	f.ratings[k] = stars
	return true, nil
}

func (f *memFeedback) Complain(_ context.Context, sessionID, from int64, text string, messages []chat.BufferedMessage) (int64, error) {
	if text == "" {
		return 0, feedback.ErrEmptyComplaint
	}
	about, err := f.peer(sessionID, from)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complaints = append(f.complaints, complaint{sessionID, from, about, text, messages})
	return about, nil
}

func (f *memFeedback) AverageRating(_ context.Context, _ int64) (float64, int, error) {
	return 0, 0, nil
}

type memSettings struct {
	mu sync.Mutex
	v  settings.Values
}

func (s *memSettings) Current() settings.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *memSettings) set(inactivity, warning, rounds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = settings.Values{InactivitySeconds: inactivity, WarningSeconds: warning, BlockRounds: rounds}
}

type sent struct {
	op     string // notify, edit, retract
	user   int64
	handle string
	n      notify.Notice
}

type recNotifier struct {
	mu     sync.Mutex
	seq    int
	events []sent
}

func (r *recNotifier) Notify(_ context.Context, userID int64, n notify.Notice) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	h := fmt.Sprintf("n%d", r.seq)
	r.events = append(r.events, sent{op: "notify", user: userID, handle: h, n: n})
	return h
}

func (r *recNotifier) EditNotice(_ context.Context, userID int64, handle string, n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{op: "edit", user: userID, handle: handle, n: n})
}

func (r *recNotifier) RetractNotice(_ context.Context, userID int64, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{op: "retract", user: userID, handle: handle})
}

// count returns how many notices of kind userID was sent.
func (r *recNotifier) count(userID int64, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.op == "notify" && e.user == userID && e.n.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recNotifier) ops(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.op == op {
			n++
		}
	}
	return n
}

func (r *recNotifier) last(userID int64, kind string) (notify.Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.op == "notify" && e.user == userID && e.n.Kind == kind {
			return e.n, true
		}
	}
	return notify.Notice{}, false
}

type fixture struct {
	e     *Engine
	clock *fakeClock
	queue *memQueue
	store *memStore
	prof  *memProfiles
	bans  *memBans
	fb    *memFeedback
	set   *memSettings
	note  *recNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
		queue: newMemQueue(),
		store: newMemStore(),
		prof:  newMemProfiles(),
		bans:  newMemBans(),
		set:   &memSettings{},
		note:  &recNotifier{},
	}
	f.fb = newMemFeedback(f.store)
	f.set.set(180, 60, 2)

	f.e = New(Config{Watchdog: watchdog.Config{Tick: 5 * time.Millisecond}}, Deps{
		Queue:    f.queue,
		Blocks:   f.store,
		Sessions: f.store,
		Profiles: f.prof,
		Bans:     f.bans,
		Feedback: f.fb,
		Settings: f.set,
		Notifier: f.note,
	}, WithClock(f.clock.Now))
	t.Cleanup(f.e.Close)
	return f
}

// pair queues a then b, both seeking anyone, and returns their runtime.
func (f *fixture) pair(t *testing.T, a, b int64) *session.Runtime {
	t.Helper()
	ctx := context.Background()
	f.prof.set(a, profile.Male, profile.SeekAny)
	f.prof.set(b, profile.Female, profile.SeekAny)
	if err := f.e.StartSearch(ctx, a); err != nil {
		t.Fatalf("StartSearch(%d): %v", a, err)
	}
	if err := f.e.StartSearch(ctx, b); err != nil {
		t.Fatalf("StartSearch(%d): %v", b, err)
	}
	rt := f.e.Registry().Lookup(a)
	if rt == nil || rt.Peer(a) != b {
		t.Fatalf("expected %d and %d to be paired", a, b)
	}
	return rt
}
