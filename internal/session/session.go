// Package session carries the authenticated caller of a request through its
// context.
package session

import "context"

// Session identifies the API key a request was authenticated with.
type Session struct {
	APIKeyID string
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}

// APIKeyID returns the API key id of the session in ctx, or "" when the
// request is unauthenticated.
func APIKeyID(ctx context.Context) string {
	s, _ := FromContext(ctx)
	return s.APIKeyID
}
