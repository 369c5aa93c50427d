package auth

import (
	"context"
	"errors"
	"net/http"
)

const (
	ModeOIDC         = "oidc"
	ModeSharedSecret = "shared_secret"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Authenticator verifies the credential on an inbound callback request.
// Implementations: OIDC bearer token (infrastructure-signed identity) and
// HMAC shared-secret headers (self-hosted deployments).
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
