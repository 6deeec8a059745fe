package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChangeKind names a session transition.
type ChangeKind uint8

const (
	// ChangeLogin is a new token/identity pair (including a token swap).
	ChangeLogin ChangeKind = iota + 1
	// ChangeLogout is the session becoming absent.
	ChangeLogout
	// ChangePatch is a local identity patch under the same token.
	ChangePatch
)

// String returns the transition name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeLogin:
		return "login"
	case ChangeLogout:
		return "logout"
	case ChangePatch:
		return "patch"
	default:
		return "unknown"
	}
}

// Change describes one transition. Seq increases by one per transition and
// lets listeners drop notifications that arrive out of order when Set and
// Clear race on different goroutines.
type Change struct {
	Seq      uint64
	Kind     ChangeKind
	Previous Session
	Current  Session
}

// Listener receives transitions synchronously.
type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store holds the current session. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	current   Session
	seq       uint64
	listeners []listenerEntry
	nextID    uint64

	persister Persister
	logger    *slog.Logger

	// persistMu orders persister calls; persistedSeq is the last
	// transition written.
	persistMu    sync.Mutex
	persistedSeq uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister saves the token on Set and deletes it on Clear.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session_store")
	return s
}

// Current returns a copy of the current session.
func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Token returns the current token, or "".
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Token
}

// Set replaces the session. It returns false and leaves the store untouched
// when the token is empty or the identity lacks an id or known role.
func (s *Store) Set(token string, identity Identity) bool {
	if token == "" || !identity.Valid() {
		s.logger.Warn("ignoring malformed session",
			"has_token", token != "",
			"user_id", identity.ID,
			"role", identity.Role)
		return false
	}

	id := identity
	s.mu.Lock()
	prev := s.current.clone()
	s.current = Session{Token: token, Identity: &id}
	kind := ChangeLogin
	if prev.Token == token && prev.Identity != nil && prev.Identity.ID == id.ID {
		kind = ChangePatch
	}
	change := s.commitLocked(kind, prev)
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.persist(change.Seq, token)
	s.notify(listeners, change)
	return true
}

// Clear removes the session. Clearing an empty store is a no-op and notifies
// nobody, so repeated 401s cause a single logout.
func (s *Store) Clear() {
	s.clear("")
}

// ClearIfToken clears the session only if its token is token. A late 401
// for an old token therefore cannot log out a newer session. It reports
// whether a clear happened.
func (s *Store) ClearIfToken(token string) bool {
	if token == "" {
		return false
	}
	return s.clear(token)
}

func (s *Store) clear(onlyToken string) bool {
	s.mu.Lock()
	if s.current.Token == "" {
		s.mu.Unlock()
		return false
	}
	if onlyToken != "" && s.current.Token != onlyToken {
		s.mu.Unlock()
		return false
	}
	prev := s.current.clone()
	s.current = Session{}
	change := s.commitLocked(ChangeLogout, prev)
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.persist(change.Seq, "")
	s.notify(listeners, change)
	return true
}

// Patch applies fn to a copy of the identity and stores the result. The id
// cannot change through a patch; a patch that leaves the identity invalid
// is rejected. It returns false when there is no session or the patch is
// rejected.
func (s *Store) Patch(fn func(*Identity)) bool {
	s.mu.Lock()
	if !s.current.Present() {
		s.mu.Unlock()
		return false
	}
	prev := s.current.clone()
	next := *prev.Identity
	fn(&next)
	if next.ID != prev.Identity.ID || !next.Valid() {
		s.mu.Unlock()
		s.logger.Warn("rejected identity patch", "user_id", prev.Identity.ID)
		return false
	}
	s.current = Session{Token: prev.Token, Identity: &next}
	change := s.commitLocked(ChangePatch, prev)
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.notify(listeners, change)
	return true
}

// Subscribe registers l and returns a func that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

func (s *Store) commitLocked(kind ChangeKind, prev Session) Change {
	s.seq++
	return Change{
		Seq:      s.seq,
		Kind:     kind,
		Previous: prev,
		Current:  s.current.clone(),
	}
}

func (s *Store) snapshotListenersLocked() []Listener {
	ls := make([]Listener, len(s.listeners))
	for i, e := range s.listeners {
		ls[i] = e.fn
	}
	return ls
}

func (s *Store) notify(listeners []Listener, change Change) {
	s.logger.Debug("session transition",
		"seq", change.Seq,
		"kind", change.Kind.String(),
		"user_id", change.Current.UserID())
	for _, l := range listeners {
		l(change)
	}
}

// persist saves token, or deletes the saved one when token is empty, for
// transition seq. A transition older than the last one written is skipped,
// so racing Set and Clear leave the outcome of the later one on disk.
func (s *Store) persist(seq uint64, token string) {
	if s.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistedSeq {
		return
	}
	s.persistedSeq = seq

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if token == "" {
		if err := s.persister.Delete(ctx); err != nil {
			s.logger.Error("delete persisted token failed", "error", err)
		}
		return
	}
	if err := s.persister.Save(ctx, token); err != nil {
		s.logger.Error("persist token failed", "error", err)
	}
}

// PersistedToken returns the token saved by the persister, or "" when there
// is no persister or nothing was saved.
func (s *Store) PersistedToken(ctx context.Context) (string, error) {
	if s.persister == nil {
		return "", nil
	}
	return s.persister.Load(ctx)
}
