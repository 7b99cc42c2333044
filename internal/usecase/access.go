package usecase

import (
	"context"
	"strings"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/collection"
	"github.com/Raimguzhinov/davstore/internal/item"
	"github.com/Raimguzhinov/davstore/internal/storage"
)

// access is the coarse check done before anything is locked: perm on path
// itself in either case, or lower case perm on its parent.
func access(a auth.Authorizer, path, perm string) bool {
	if a.Authorized(path, perm+strings.ToUpper(perm)) {
		return true
	}
	return a.Authorized(storage.Parent(path), perm)
}

// accessNode checks perm against a discovered node. Collections with a tag
// need the lower case letter, principals the upper case one, items need it
// on their parent.
func accessNode(ctx context.Context, a auth.Authorizer, path, perm string, node collection.Node) (bool, error) {
	switch {
	case node.Collection != nil:
		tag, err := node.Collection.Tag(ctx)
		if err != nil {
			return false, err
		}
		if tag == item.TagNone {
			perm = strings.ToUpper(perm)
		}
		return a.Authorized(path, perm), nil
	case node.Item != nil:
		return a.Authorized(storage.Parent(path), perm), nil
	default:
		return access(a, path, perm), nil
	}
}
