package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"proofpay/native/escrow"
)

type contextKey string

const resultKey contextKey = "proofpay.auth.result"

var errNoCredentials = errors.New("request carried no credentials")

type result struct {
	principal *Principal
	err       error
}

// WithPrincipal attaches an authenticated principal to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, resultKey, result{principal: p})
}

// withFailure records why authentication failed so the escrow engine can
// report it as an authorization failure.
func withFailure(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, resultKey, result{err: err})
}

// PrincipalFrom returns the principal attached by Middleware, if any.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	res, ok := ctx.Value(resultKey).(result)
	if !ok {
		return nil, errNoCredentials
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.principal == nil {
		return nil, errNoCredentials
	}
	return res.principal, nil
}

// Middleware authenticates each request and records the outcome on the
// request context. It never rejects a request itself; the escrow engine
// decides whether an operation needs a proven identity.
func Middleware(authn RequestAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authn == nil || !hasCredentials(r) {
				next.ServeHTTP(w, r)
				return
			}
			body, err := readBody(r)
			if err != nil {
				next.ServeHTTP(w, r.WithContext(withFailure(r.Context(), err)))
				return
			}
			principal, err := authn.Authenticate(r, body)
			ctx := r.Context()
			if err != nil {
				ctx = withFailure(ctx, err)
			} else {
				ctx = WithPrincipal(ctx, principal)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasCredentials(r *http.Request) bool {
	return r.Header.Get(HeaderSignature) != "" || r.Header.Get("Authorization") != ""
}

// readBody buffers the request body for hashing and restores it for the
// downstream handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	return body, nil
}

// RequestAuthorizer implements escrow.AuthorizationProvider from the
// principal that Middleware attached to the request context.
type RequestAuthorizer struct{}

// Authorize proves claimed only when the request authenticated as claimed.
func (RequestAuthorizer) Authorize(ctx context.Context, claimed escrow.Address) (escrow.Identity, error) {
	principal, err := PrincipalFrom(ctx)
	if err != nil {
		return escrow.Identity{}, err
	}
	if principal.Address != claimed {
		return escrow.Identity{}, fmt.Errorf("authenticated as %s, not %s", principal.Address, claimed)
	}
	return escrow.VerifiedIdentity(claimed), nil
}
