//go:build !unix

package filesystem

import (
	"context"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

// lockFile is a no-op where flock is unavailable; only the in-process lock
// applies there.
func lockFile(context.Context, string, storage.LockMode) (func(), error) {
	return func() {}, nil
}
