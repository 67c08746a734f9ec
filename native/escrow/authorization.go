package escrow

import (
	"context"
	"fmt"
)

// Identity is a principal whose control of an address has been proven by an
// AuthorizationProvider. The zero Identity proves nothing and matches no role.
type Identity struct {
	addr   Address
	proven bool
}

// VerifiedIdentity is called by AuthorizationProvider implementations once
// they hold cryptographic evidence that the caller controls addr.
func VerifiedIdentity(addr Address) Identity {
	return Identity{addr: addr, proven: true}
}

// Address returns the proven address.
func (i Identity) Address() Address { return i.addr }

// Holds reports whether the identity is proven and equals role.
func (i Identity) Holds(role Address) bool {
	return i.proven && i.addr == role
}

// AuthorizationProvider proves that the party invoking an operation controls
// the identity it claims. It is supplied per call.
type AuthorizationProvider interface {
	Authorize(ctx context.Context, claimed Address) (Identity, error)
}

// AuthorizerFunc adapts a function to AuthorizationProvider.
type AuthorizerFunc func(ctx context.Context, claimed Address) (Identity, error)

// Authorize implements AuthorizationProvider.
func (f AuthorizerFunc) Authorize(ctx context.Context, claimed Address) (Identity, error) {
	return f(ctx, claimed)
}

// authenticate is the first half of the gate: the caller must prove control
// of the claimed identity.
func authenticate(ctx context.Context, authz AuthorizationProvider, claimed Address) (Identity, error) {
	if authz == nil {
		return Identity{}, fmt.Errorf("%w: no authorization provider", ErrUnauthorized)
	}
	identity, err := authz.Authorize(ctx, claimed)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !identity.Holds(claimed) {
		return Identity{}, ErrUnauthorized
	}
	return identity, nil
}

// requireRole is the second half of the gate: the proven identity must be
// the role recorded on the fund.
func requireRole(identity Identity, role Address) error {
	if !identity.Holds(role) {
		return ErrUnauthorized
	}
	return nil
}
