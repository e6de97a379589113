// Package auth gates session establishment. Authorization happens once
// at the WebSocket handshake; a denied connection never reaches the
// orchestrator.
package auth

import (
	"context"
	"errors"
	"sync"
)

// Tier is the subscription level attached to a user.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

var (
	// ErrInvalidToken means the token is missing, expired, or unknown.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTierForbidden means the user is known but their tier does not
	// include live audio sessions.
	ErrTierForbidden = errors.New("tier does not allow audio sessions")
)

// UserContext identifies an authorized user for the session lifetime.
type UserContext struct {
	UserID string
	Tier   Tier
}

// Authorizer validates a handshake token.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (UserContext, error)
}

// StaticAuthorizer validates tokens against an in-memory table. Used
// for local runs and tests; production deployments plug in their own
// Authorizer.
type StaticAuthorizer struct {
	mu           sync.RWMutex
	users        map[string]UserContext
	allowedTiers map[Tier]bool
}

func NewStaticAuthorizer(allowedTiers ...Tier) *StaticAuthorizer {
	allowed := make(map[Tier]bool, len(allowedTiers))
	for _, t := range allowedTiers {
		allowed[t] = true
	}
	if len(allowed) == 0 {
		allowed[TierPremium] = true
	}
	return &StaticAuthorizer{
		users:        make(map[string]UserContext),
		allowedTiers: allowed,
	}
}

// Register adds a token for a user.
func (a *StaticAuthorizer) Register(token string, user UserContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[token] = user
}

func (a *StaticAuthorizer) Authorize(ctx context.Context, token string) (UserContext, error) {
	if token == "" {
		return UserContext{}, ErrInvalidToken
	}
	a.mu.RLock()
	user, ok := a.users[token]
	allowed := a.allowedTiers[user.Tier]
	a.mu.RUnlock()
	if !ok {
		return UserContext{}, ErrInvalidToken
	}
	if !allowed {
		return UserContext{}, ErrTierForbidden
	}
	return user, nil
}

var _ Authorizer = (*StaticAuthorizer)(nil)
