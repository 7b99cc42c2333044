package auth

import (
	"fmt"
	"net/url"
)

// NewFromURL picks the authentication backend named by authURL's scheme.
// Credentials in the URL take precedence over user and password.
func NewFromURL(authURL, realm, user, password string) (AuthProvider, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("auth - NewFromURL - url.Parse: %w", err)
	}

	switch u.Scheme {
	case "basic":
		if u.User != nil {
			user = u.User.Username()
			if p, ok := u.User.Password(); ok {
				password = p
			}
		}
		return NewBasicAuth(realm, user, password)
	case "none":
		return Anonymous{}, nil
	case "http", "https":
		return nil, fmt.Errorf("http OAuth2 auth is not supported")
	default:
		return nil, fmt.Errorf("no auth provider found for %s:// URL", u.Scheme)
	}
}
