package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultPersistTimeout = 2 * time.Second

// Store is the single source of truth for token material.
//
// Reads and writes are synchronous and served from memory. Every mutation bumps a
// generation counter and is written through to the persister in mutation order.
type Store struct {
	mu      sync.RWMutex
	session *Session
	notice  string
	gen     uint64

	// persistMu is taken before mu is released so writes reach the persister in
	// the same order as the in-memory mutations.
	persistMu      sync.Mutex
	persister      Persister
	persistTimeout time.Duration
}

// NewStore returns a Store backed by persister. A nil persister keeps state in
// memory only.
func NewStore(persister Persister, persistTimeout time.Duration) *Store {
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}
	return &Store{
		persister:      persister,
		persistTimeout: persistTimeout,
	}
}

// NewMemoryStore returns a Store without persistence.
func NewMemoryStore() *Store {
	return NewStore(nil, 0)
}

// Init loads the persisted record into memory, replacing the current state.
// A corrupt record is deleted and reported with ErrCorruptRecord; the store is
// left empty in that case.
func (s *Store) Init(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	rec, err := s.persister.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptRecord) {
			return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
		}
		_ = s.persister.Delete(ctx)
		s.mu.Lock()
		s.session = nil
		s.notice = ""
		s.gen++
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.session = nil
	s.notice = ""
	if rec != nil {
		if rec.Session != nil && rec.Session.AccessToken != "" {
			cp := *rec.Session
			s.session = &cp
		}
		s.notice = rec.Notice
	}
	s.gen++
	s.mu.Unlock()
	return nil
}

// Generation returns the session generation. It changes whenever the session is
// replaced or cleared; notice and stale-check updates leave it untouched.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// SnapshotWithGeneration returns the session together with the generation it
// was read at.
func (s *Store) SnapshotWithGeneration() (Session, bool, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false, s.gen
	}
	return *s.session, true, s.gen
}

// HasSession reports whether token material is present.
func (s *Store) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil
}

// AccessToken returns the access token, or ("", false) when absent.
func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return "", false
	}
	return s.session.AccessToken, true
}

// RefreshToken returns the refresh token, or ("", false) when absent.
func (s *Store) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || s.session.RefreshToken == "" {
		return "", false
	}
	return s.session.RefreshToken, true
}

// SetTokens replaces the session. It also resets the stale-check counter.
func (s *Store) SetTokens(access, refresh string, expiresAt time.Time) error {
	if access == "" {
		return ErrEmptyToken
	}
	s.mu.Lock()
	s.setLocked(access, refresh, expiresAt)
	return s.commitLocked()
}

// SetTokensIf applies SetTokens only when the store has not been mutated since gen.
func (s *Store) SetTokensIf(gen uint64, access, refresh string, expiresAt time.Time) (bool, error) {
	if access == "" {
		return false, ErrEmptyToken
	}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false, nil
	}
	s.setLocked(access, refresh, expiresAt)
	return true, s.commitLocked()
}

// Clear removes the session. A pending notice is kept.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.session = nil
	s.gen++
	return s.commitLocked()
}

// ClearIf clears the session only when the store has not been mutated since gen.
func (s *Store) ClearIf(gen uint64) (bool, error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false, nil
	}
	s.session = nil
	s.gen++
	return true, s.commitLocked()
}

// ClearWithNotice removes the session and records msg as the pending notice in
// one write. It reports whether a session was present.
func (s *Store) ClearWithNotice(msg string) (bool, error) {
	s.mu.Lock()
	had := s.session != nil
	s.session = nil
	s.notice = msg
	s.gen++
	return had, s.commitLocked()
}

// SetNotice records a user-visible message that survives Clear.
func (s *Store) SetNotice(msg string) error {
	s.mu.Lock()
	s.notice = msg
	return s.commitLocked()
}

// TakeNotice returns the pending notice and removes it. It returns "" when
// there is none.
func (s *Store) TakeNotice() (string, error) {
	s.mu.Lock()
	msg := s.notice
	if msg == "" {
		s.mu.Unlock()
		return "", nil
	}
	s.notice = ""
	return msg, s.commitLocked()
}

// MarkStale increments the stale-check counter of the current session and
// returns the new value. It returns 0 when there is no session.
func (s *Store) MarkStale() (uint8, error) {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return 0, nil
	}
	if s.session.StaleChecks < ^uint8(0) {
		s.session.StaleChecks++
	}
	n := s.session.StaleChecks
	return n, s.commitLocked()
}

// ResetStale zeroes the stale-check counter.
func (s *Store) ResetStale() error {
	s.mu.Lock()
	if s.session == nil || s.session.StaleChecks == 0 {
		s.mu.Unlock()
		return nil
	}
	s.session.StaleChecks = 0
	return s.commitLocked()
}

func (s *Store) setLocked(access, refresh string, expiresAt time.Time) {
	s.session = &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
	s.gen++
}

// commitLocked must be called with mu held. It releases mu and writes the
// current state through to the persister.
func (s *Store) commitLocked() error {
	if s.persister == nil {
		s.mu.Unlock()
		return nil
	}

	rec := &Record{Notice: s.notice}
	if s.session != nil {
		cp := *s.session
		rec.Session = &cp
	}

	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	var err error
	if rec.Empty() {
		err = s.persister.Delete(ctx)
	} else {
		err = s.persister.Save(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return nil
}
