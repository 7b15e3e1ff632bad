package httpapi

import "context"

// Identity is the authenticated caller as established by the auth middleware.
type Identity struct {
	Subject string
	Email   string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok && v.Subject != ""
}
