package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

// Permission letters. Upper case applies to principal collections and the
// root, lower case to collections holding items.
const (
	PermReadPrincipal  = "R"
	PermWritePrincipal = "W"
	PermRead           = "r"
	PermWrite          = "w"
)

// Rights maps a user and a path to the permission letters granted there.
type Rights interface {
	Authorization(user, path string) string
}

// OwnerOnly lets users reach only their own principal and its collections.
type OwnerOnly struct{}

func (OwnerOnly) Authorization(user, path string) string {
	if user == "" {
		return ""
	}
	parts := split(path)
	if len(parts) > 0 && parts[0] != user {
		return ""
	}
	return byDepth(len(parts))
}

// Authenticated grants any known user the same rights on every principal.
type Authenticated struct{}

func (Authenticated) Authorization(user, path string) string {
	if user == "" {
		return ""
	}
	return byDepth(len(split(path)))
}

// Everyone grants everything to everybody, anonymous users included.
type Everyone struct{}

func (Everyone) Authorization(string, string) string {
	return "RrWw"
}

func split(path string) []string {
	p := storage.SanitizePath(path)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func byDepth(depth int) string {
	switch depth {
	case 0:
		return "R"
	case 1:
		return "RW"
	case 2:
		return "rw"
	default:
		return ""
	}
}

// NewRights returns the policy called name.
func NewRights(name string) (Rights, error) {
	switch name {
	case "owner_only", "":
		return OwnerOnly{}, nil
	case "authenticated":
		return Authenticated{}, nil
	case "none":
		return Everyone{}, nil
	default:
		return nil, fmt.Errorf("unknown rights type %q", name)
	}
}

// Authorizer is a policy bound to one user.
type Authorizer struct {
	rights Rights
	user   string
}

func NewAuthorizer(rights Rights, user string) Authorizer {
	return Authorizer{rights: rights, user: user}
}

// ForContext binds rights to the user found in ctx.
func ForContext(ctx context.Context, rights Rights) Authorizer {
	return NewAuthorizer(rights, UserFromContext(ctx))
}

func (a Authorizer) User() string { return a.user }

// Authorized reports whether any letter of perms is granted on path.
func (a Authorizer) Authorized(path, perms string) bool {
	if a.rights == nil {
		return false
	}
	return strings.ContainsAny(a.rights.Authorization(a.user, path), perms)
}
