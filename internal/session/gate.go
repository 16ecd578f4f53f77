// Package session owns the authenticated-or-not question for the whole
// client. It is the only writer of the credential store besides the
// REST client's 401 path, and both funnel refreshes through one
// singleflight group so two expiring callers can never race each other
// into invalidating both refresh tokens.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mafianight/mafia-client/internal/api"
	"github.com/mafianight/mafia-client/internal/creds"
	"github.com/mafianight/mafia-client/internal/identity"
)

type State string

const (
	StateUnknown           State = "UNKNOWN"
	StateChecking          State = "CHECKING"
	StateAuthenticated     State = "AUTHENTICATED"
	StateUnauthenticated   State = "UNAUTHENTICATED"
	StateExpiredRefreshing State = "EXPIRED_REFRESHING"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// Session is the resolved local user.
type Session struct {
	identity.Identity
	TokenExpiry time.Time
}

type Gate struct {
	store creds.Store
	auth  *api.Client // public auth endpoints only, no token source
	log   *zap.Logger
	now   func() time.Time

	sf singleflight.Group

	mu    sync.Mutex
	state State
	sess  *Session

	revalOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

func NewGate(store creds.Store, auth *api.Client, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		store: store,
		auth:  auth,
		log:   log,
		now:   time.Now,
		state: StateUnknown,
		stop:  make(chan struct{}),
	}
}

// Current returns the last resolved state and session.
func (g *Gate) Current() (State, *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, g.sess
}

func (g *Gate) setState(st State, sess *Session) {
	g.mu.Lock()
	g.state = st
	g.sess = sess
	g.mu.Unlock()
}

// Resolve runs the mount-time check: no credential means
// unauthenticated, an unexpired one authenticates immediately, an
// expired one gets exactly one (deduplicated) refresh attempt before
// the stored credentials are cleared.
func (g *Gate) Resolve(ctx context.Context) (State, *Session, error) {
	g.setState(StateChecking, nil)

	c, err := g.store.Load()
	if err != nil {
		g.setState(StateUnauthenticated, nil)
		return StateUnauthenticated, nil, err
	}
	if c.Empty() {
		g.setState(StateUnauthenticated, nil)
		return StateUnauthenticated, nil, nil
	}

	if c.Expired(g.now()) {
		g.setState(StateExpiredRefreshing, nil)
		if _, err := g.refresh(ctx); err != nil {
			g.setState(StateUnauthenticated, nil)
			return StateUnauthenticated, nil, nil
		}
		if c, err = g.store.Load(); err != nil {
			g.setState(StateUnauthenticated, nil)
			return StateUnauthenticated, nil, err
		}
	}

	sess, err := g.sessionFrom(c)
	if err != nil {
		// Undecodable credential is unrecoverable locally: wipe it.
		g.log.Warn("stored credential does not decode, clearing", zap.Error(err))
		_ = g.store.Clear()
		g.setState(StateUnauthenticated, nil)
		return StateUnauthenticated, nil, err
	}
	g.setState(StateAuthenticated, sess)
	return StateAuthenticated, sess, nil
}

func (g *Gate) sessionFrom(c creds.Credentials) (*Session, error) {
	id, err := identity.Decode(c.Token)
	if err != nil {
		return nil, err
	}
	exp := c.ExpiresAt
	if exp.IsZero() {
		exp = id.Expiry
	}
	return &Session{Identity: id, TokenExpiry: exp}, nil
}

// Login authenticates and installs the returned credential.
func (g *Gate) Login(ctx context.Context, email, password string) (*Session, error) {
	tokens, err := g.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := g.saveTokens(tokens, ""); err != nil {
		return nil, err
	}
	c, _ := g.store.Load()
	sess, err := g.sessionFrom(c)
	if err != nil {
		_ = g.store.Clear()
		return nil, err
	}
	g.setState(StateAuthenticated, sess)
	return sess, nil
}

func (g *Gate) Register(ctx context.Context, username, email, password string) error {
	return g.auth.Register(ctx, username, email, password)
}

// Logout tells the server to drop the refresh token, best effort, then
// clears everything locally either way.
func (g *Gate) Logout(ctx context.Context) {
	if c, err := g.store.Load(); err == nil && c.RefreshToken != "" {
		if err := g.auth.Logout(ctx, c.RefreshToken); err != nil {
			g.log.Debug("server logout failed", zap.Error(err))
		}
	}
	_ = g.store.Clear()
	g.setState(StateUnauthenticated, nil)
}

// refresh performs the single-flight refresh. Concurrent callers all
// wait on the same attempt and share its outcome.
func (g *Gate) refresh(ctx context.Context) (string, error) {
	v, err, _ := g.sf.Do("refresh", func() (any, error) {
		c, err := g.store.Load()
		if err != nil {
			return "", err
		}
		if c.RefreshToken == "" {
			_ = g.store.Clear()
			return "", ErrNotAuthenticated
		}
		tokens, err := g.auth.Refresh(ctx, c.RefreshToken)
		if err != nil {
			// Irrecoverable: the refresh token is spent or rejected.
			g.log.Info("token refresh failed, clearing credentials", zap.Error(err))
			_ = g.store.Clear()
			return "", err
		}
		if err := g.saveTokens(tokens, c.RefreshToken); err != nil {
			return "", err
		}
		g.log.Debug("token refreshed")
		return tokens.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// saveTokens installs a token response. keepRefresh is the previous
// refresh token to retain when the server chose not to rotate it.
func (g *Gate) saveTokens(t api.AuthTokens, keepRefresh string) error {
	refresh := t.RefreshToken
	if refresh == "" {
		refresh = keepRefresh
	}
	c := creds.Credentials{
		Token:        t.Token,
		RefreshToken: refresh,
		TokenType:    t.TokenType,
	}
	if t.ExpiresIn > 0 {
		c.ExpiresAt = g.now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return g.store.Save(c)
}

// BearerToken implements api.TokenSource.
func (g *Gate) BearerToken(ctx context.Context) (string, error) {
	c, err := g.store.Load()
	if err != nil {
		return "", err
	}
	if c.Empty() {
		return "", ErrNotAuthenticated
	}
	if c.Expired(g.now()) {
		return g.refresh(ctx)
	}
	return c.Token, nil
}

// RetryAfterUnauthorized implements api.TokenSource: the one forced
// refresh a 401 is allowed to trigger.
func (g *Gate) RetryAfterUnauthorized(ctx context.Context) (string, error) {
	token, err := g.refresh(ctx)
	if err != nil {
		g.setState(StateUnauthenticated, nil)
		return "", err
	}
	return token, nil
}

// StartRevalidation re-runs the expiry check on a fixed interval while
// authenticated, so a token nearing expiry is renewed in the
// background instead of on the next user action. Only the first call
// starts the ticker; later calls (re-login) are no-ops.
func (g *Gate) StartRevalidation(interval time.Duration) {
	g.revalOnce.Do(func() { go g.revalidate(interval) })
}

func (g *Gate) revalidate(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			st, _ := g.Current()
			if st != StateAuthenticated {
				continue
			}
			c, err := g.store.Load()
			if err != nil || c.Empty() {
				continue
			}
			if c.Expired(g.now()) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := g.refresh(ctx); err != nil {
					g.setState(StateUnauthenticated, nil)
				}
				cancel()
			}
		}
	}
}

func (g *Gate) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}
