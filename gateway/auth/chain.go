package auth

import (
	"errors"
	"net/http"
)

// Selector dispatches to the authenticator matching the credentials the
// request carries: signed headers first, then a bearer token.
type Selector struct {
	Signature RequestAuthenticator
	Bearer    RequestAuthenticator
}

// Authenticate implements RequestAuthenticator.
func (s Selector) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	switch {
	case r.Header.Get(HeaderSignature) != "" && s.Signature != nil:
		return s.Signature.Authenticate(r, body)
	case r.Header.Get("Authorization") != "" && s.Bearer != nil:
		return s.Bearer.Authenticate(r, body)
	default:
		return nil, errors.New("no supported credentials presented")
	}
}
