// Package token guards the process-wide API credential. Concurrent callers
// that find the credential expired collapse into a single in-flight refresh.
package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/draftsmith/draftsmith/internal/mailapi"
)

// DefaultExpiryBuffer is how much remaining lifetime a credential needs to be
// considered valid. Anything closer to expiry is refreshed eagerly.
const DefaultExpiryBuffer = 5 * time.Minute

// Refresher exchanges a refresh token for a fresh credential.
type Refresher interface {
	RefreshCredential(ctx context.Context, refreshToken string) (*mailapi.Credential, error)
}

// Guard owns the current credential. It never returns errors from
// EnsureValidToken: a false return means the caller must re-authenticate.
type Guard struct {
	refresher Refresher
	buffer    time.Duration
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group

	mu   sync.RWMutex
	cred *mailapi.Credential
}

func NewGuard(refresher Refresher, initial *mailapi.Credential, logger *zap.Logger) *Guard {
	return &Guard{
		refresher: refresher,
		buffer:    DefaultExpiryBuffer,
		logger:    logger,
		now:       time.Now,
		cred:      initial,
	}
}

// SetCredential replaces the held credential, e.g. after an interactive
// re-authentication outside this process.
func (g *Guard) SetCredential(cred *mailapi.Credential) {
	g.mu.Lock()
	g.cred = cred
	g.mu.Unlock()
}

// AccessToken returns the current access token, empty when none is held.
func (g *Guard) AccessToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cred == nil {
		return ""
	}
	return g.cred.AccessToken
}

// EnsureValidToken makes sure a usable credential is held, refreshing it when
// less than the expiry buffer remains. Concurrent callers share one refresh.
func (g *Guard) EnsureValidToken(ctx context.Context) bool {
	g.mu.RLock()
	cred := g.cred
	g.mu.RUnlock()

	if cred == nil {
		g.logger.Warn("no credential held, re-authentication required")
		return false
	}
	if g.valid(cred) {
		return true
	}

	_, err, _ := g.group.Do("refresh", func() (any, error) {
		// A caller that queued behind the winning flight sees the fresh
		// credential here and skips the remote call.
		g.mu.RLock()
		cur := g.cred
		g.mu.RUnlock()
		if cur == nil {
			return nil, mailapi.NewError(mailapi.KindAuth, "credential cleared during refresh")
		}
		if g.valid(cur) {
			return cur, nil
		}

		fresh, err := g.refresher.RefreshCredential(ctx, cur.RefreshToken)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.cred = fresh
		g.mu.Unlock()
		g.logger.Info("credential refreshed",
			zap.Time("expires_at", fresh.ExpiresAt),
		)
		return fresh, nil
	})
	if err != nil {
		g.logger.Error("credential refresh failed", zap.Error(err))
		return false
	}
	return true
}

func (g *Guard) valid(cred *mailapi.Credential) bool {
	return cred.AccessToken != "" && g.now().Add(g.buffer).Before(cred.ExpiresAt)
}
