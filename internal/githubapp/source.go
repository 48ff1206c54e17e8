package githubapp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Minter issues installation tokens. *App implements it.
type Minter interface {
	InstallationToken(ctx context.Context, repos []string, perms map[string]string) (*Token, error)
}

// TokenSource caches one installation token and refreshes it shortly before
// expiry. Concurrent callers that find the token stale share a single refresh.
type TokenSource struct {
	minter Minter
	repos  []string
	perms  map[string]string
	buffer time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cur   *Token
	group singleflight.Group
}

// NewTokenSource scopes tokens to repos and perms when they are non-empty.
func NewTokenSource(m Minter, repos []string, perms map[string]string) *TokenSource {
	return &TokenSource{
		minter: m,
		repos:  repos,
		perms:  perms,
		buffer: DefaultRefreshBuffer,
		now:    time.Now,
	}
}

// Token returns a token with at least the refresh buffer left.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok := s.cached(); tok != nil {
		return tok.Token, nil
	}

	v, err, _ := s.group.Do("installation-token", func() (any, error) {
		if tok := s.cached(); tok != nil {
			return tok, nil
		}
		tok, err := s.minter.InstallationToken(ctx, s.repos, s.perms)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cur = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).Token, nil
}

// Current returns the cached token without refreshing; nil before the first mint.
func (s *TokenSource) Current() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *TokenSource) cached() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || shouldRefresh(s.cur.ExpiresAt, s.buffer, s.now()) {
		return nil
	}
	return s.cur
}

// StaticToken is a TokenSource stand-in for a pre-issued personal access token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}
