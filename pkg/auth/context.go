package auth

import (
	"context"
	"errors"
)

type principalKey struct{}

// ErrNoPrincipal: the context carries no authenticated caller.
var ErrNoPrincipal = errors.New("no principal in context")

// WithPrincipal attaches the authenticated caller to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the authenticated caller.
func PrincipalFrom(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
