package server

import "errors"

var (
	// ErrOffline signals the receiver has no live channel. Not a failure:
	// callers fall back to mailbox persistence.
	ErrOffline = errors.New("server: identity offline")
	// ErrAckTimeout signals the receiver's channel did not acknowledge a
	// push within the timeout.
	ErrAckTimeout = errors.New("server: ack timeout")
	// ErrUnknownToken signals the identity resolver rejected a token.
	ErrUnknownToken = errors.New("server: unknown auth token")
)

// IdentityResolver maps an authenticated connection's opaque token to a
// stable user identifier. Account management lives outside the relay; this
// is the only view of it the delivery layer consumes.
type IdentityResolver interface {
	Resolve(token string) (string, error)
}

// Membership confirms an identity belongs to a chat before messages
// addressed to that chat are accepted. Chat CRUD lives outside the relay.
type Membership interface {
	IsMember(identity, chatID string) (bool, error)
}

// StaticTokenResolver resolves tokens from a fixed map. Production
// deployments put a session service behind IdentityResolver instead.
type StaticTokenResolver map[string]string

// Resolve implements IdentityResolver.
func (r StaticTokenResolver) Resolve(token string) (string, error) {
	identity, ok := r[token]
	if !ok || identity == "" {
		return "", ErrUnknownToken
	}
	return identity, nil
}
