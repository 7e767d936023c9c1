package transport

import (
	"context"
	"time"

	"github.com/MrEthical07/goAuthClient/api"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	t   *Transport
}

// TokenSource exposes the session as an oauth2.TokenSource for libraries that
// take one. Stale tokens are refreshed through the same shared refresh as
// RoundTrip; ctx bounds each wait.
func (t *Transport) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, t: t}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	sess, ok, _ := s.t.store.SnapshotWithGeneration()
	if !ok {
		return nil, api.ErrNotAuthenticated
	}

	if sess.Expired(time.Now(), s.t.skew) {
		if _, err := s.t.refresh(s.ctx, sess.AccessToken); err != nil {
			return nil, err
		}
		sess, ok, _ = s.t.store.SnapshotWithGeneration()
		if !ok {
			return nil, api.ErrNotAuthenticated
		}
	}

	return &oauth2.Token{
		AccessToken: sess.AccessToken,
		TokenType:   "Bearer",
		Expiry:      sess.ExpiresAt,
	}, nil
}
