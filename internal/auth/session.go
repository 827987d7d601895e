// Package auth supplies SessionProvider implementations for the ledger.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pawmorph/credits/pkg/credits"
)

const signingMethodHS256 = "HS256"

type sessionContextKey struct{}

// WithSession attaches a session to the context for ContextProvider.
func WithSession(ctx context.Context, session credits.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext extracts a previously attached session.
func SessionFromContext(ctx context.Context) (credits.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(credits.Session)
	return session, ok
}

// ContextProvider reads the session the transport layer attached to the
// request context. Used behind the HTTP middleware.
type ContextProvider struct{}

// CurrentSession implements credits.SessionProvider.
func (ContextProvider) CurrentSession(ctx context.Context) (credits.Session, bool, error) {
	session, ok := SessionFromContext(ctx)
	if !ok {
		return credits.Session{}, false, nil
	}
	return session, true, nil
}

// StaticProvider always reports the same session. Used by embedded facades
// and tests.
type StaticProvider struct {
	session credits.Session
}

// NewStaticProvider returns a provider for an always-valid session.
func NewStaticProvider(userID string) StaticProvider {
	return StaticProvider{session: credits.Session{UserID: userID, Valid: true}}
}

// CurrentSession implements credits.SessionProvider.
func (provider StaticProvider) CurrentSession(context.Context) (credits.Session, bool, error) {
	return provider.session, true, nil
}

// TokenSource yields the caller's current session token, or empty when signed
// out.
type TokenSource func(ctx context.Context) (string, error)

// TokenProvider derives the session from an HS256 JWT. The token subject is
// the user id. An expired, malformed, or absent token is "no session", not an
// error; only token-source failures propagate.
type TokenProvider struct {
	signingKey []byte
	issuer     string
	tokens     TokenSource
}

// NewTokenProvider wires a TokenProvider.
func NewTokenProvider(signingKey []byte, issuer string, tokens TokenSource) (*TokenProvider, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is empty", credits.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is empty", credits.ErrInvalidServiceConfig)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token source is nil", credits.ErrInvalidServiceConfig)
	}
	return &TokenProvider{signingKey: signingKey, issuer: issuer, tokens: tokens}, nil
}

// CurrentSession implements credits.SessionProvider.
func (provider *TokenProvider) CurrentSession(ctx context.Context) (credits.Session, bool, error) {
	raw, err := provider.tokens(ctx)
	if err != nil {
		return credits.Session{}, false, err
	}
	if strings.TrimSpace(raw) == "" {
		return credits.Session{}, false, nil
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, provider.keyFunc,
		jwt.WithValidMethods([]string{signingMethodHS256}),
		jwt.WithIssuer(provider.issuer),
	)
	if err != nil || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return credits.Session{}, false, nil
	}
	return credits.Session{UserID: claims.Subject, Valid: true}, true, nil
}

func (provider *TokenProvider) keyFunc(*jwt.Token) (interface{}, error) {
	return provider.signingKey, nil
}
