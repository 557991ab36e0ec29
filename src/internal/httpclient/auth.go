package httpclient

import (
	"errors"
	"net/http"
)

var errMissingCredential = errors.New("missing credential")

// AuthProvider adds authentication to requests
type AuthProvider interface {
	Apply(req *http.Request) error
}

// BearerTokenAuth adds Bearer token authentication
type BearerTokenAuth struct {
	Token string
}

func (a *BearerTokenAuth) Apply(req *http.Request) error {
	if a.Token == "" {
		return errMissingCredential
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// APIKeyAuth adds API key authentication under a custom header
type APIKeyAuth struct {
	Header string
	Key    string
}

func (a *APIKeyAuth) Apply(req *http.Request) error {
	if a.Key == "" {
		return errMissingCredential
	}
	req.Header.Set(a.Header, a.Key)
	return nil
}
