package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
)

type BasicAuth struct {
	realm        string
	clientID     string
	clientSecret string
}

func NewBasicAuth(realm, username, password string) (AuthProvider, error) {
	if username == "" {
		return nil, fmt.Errorf("missing username")
	}
	if password == "" {
		return nil, fmt.Errorf("missing password")
	}
	return &BasicAuth{realm: realm, clientID: username, clientSecret: password}, nil
}

func (b *BasicAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.basicAuth(next, w, r)
		})
	}
}

func (b *BasicAuth) basicAuth(next http.Handler, w http.ResponseWriter, r *http.Request) {
	user, password, ok := r.BasicAuth()
	if !ok ||
		subtle.ConstantTimeCompare([]byte(user), []byte(b.clientID)) != 1 ||
		subtle.ConstantTimeCompare([]byte(password), []byte(b.clientSecret)) != 1 {
		w.Header().Add("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q, charset="UTF-8"`, b.realm))
		http.Error(w, "HTTP Basic auth is required", http.StatusUnauthorized)
		return
	}
	authCtx := AuthContext{
		AuthMethod: "basic",
		UserName:   user,
	}
	r = r.WithContext(NewContext(r.Context(), &authCtx))
	next.ServeHTTP(w, r)
}

// Anonymous lets every request through without a user.
type Anonymous struct{}

func (Anonymous) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(NewContext(r.Context(), &AuthContext{AuthMethod: "none"}))
			next.ServeHTTP(w, r)
		})
	}
}
