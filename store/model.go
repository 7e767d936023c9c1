package store

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyToken is returned by SetTokens when the access token is empty.
var ErrEmptyToken = errors.New("store: empty access token")

// ErrPersistenceUnavailable wraps persister I/O failures. The in-memory state is
// authoritative and already updated when it is returned.
var ErrPersistenceUnavailable = errors.New("store: persistence unavailable")

// ErrCorruptRecord is returned when a persisted record cannot be decoded.
var ErrCorruptRecord = errors.New("store: corrupt persisted record")

// Session is the token material of one authenticated client.
//
// A zero ExpiresAt means the expiry is unknown and the client relies on 401s.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	StaleChecks  uint8
}

// Expired reports whether the access token expires within skew of now.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// Record is the persisted form of the store: an optional session plus the
// pending notice, which outlives the session.
type Record struct {
	Session *Session
	Notice  string
}

// Empty reports whether there is nothing to persist.
func (r *Record) Empty() bool {
	return r == nil || (r.Session == nil && r.Notice == "")
}

// Persister is the persistent client storage behind a Store.
//
// Load returns (nil, nil) when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context) error
}
