//go:build unix

package filesystem

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Raimguzhinov/davstore/internal/storage"
)

func lockFile(ctx context.Context, path string, mode storage.LockMode) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, _defaultFilePerm)
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if mode == storage.LockWrite {
		how = unix.LOCK_EX
	}

	ticker := time.NewTicker(_lockPollEvery)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
