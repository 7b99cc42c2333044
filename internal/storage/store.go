// Package storage defines the byte store the engine persists into, plus the
// path and locking helpers shared by its implementations.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrNotDir   = errors.New("storage: not a directory")
	ErrUnsafe   = errors.New("storage: unsafe path")
)

// LockMode selects shared or exclusive locking.
type LockMode uint8

const (
	LockRead LockMode = iota + 1
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "r"
	case LockWrite:
		return "w"
	default:
		return ""
	}
}

// Entry is one child returned by List.
type Entry struct {
	Name  string
	IsDir bool
}

type Info struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Stage collects the content of a directory that ReplaceDir makes visible
// in one step. Names are slash separated and relative to the directory.
type Stage interface {
	Put(name string, data []byte) error
}

// Store is a hierarchical byte store addressed by slash separated paths.
// The empty path is the root.
type Store interface {
	// List returns the direct children of dir sorted by name.
	List(ctx context.Context, dir string) ([]Entry, error)
	Stat(ctx context.Context, path string) (Info, error)
	Read(ctx context.Context, path string) ([]byte, error)
	// AtomicWrite replaces path with what fn writes. Nothing is visible
	// unless fn returns nil.
	AtomicWrite(ctx context.Context, path string, fn func(w io.Writer) error) error
	// Remove deletes a file or a whole directory tree.
	Remove(ctx context.Context, path string) error
	MakeDirs(ctx context.Context, path string) error
	// ReplaceDir atomically swaps the tree at path for the staged content.
	ReplaceDir(ctx context.Context, path string, fill func(Stage) error) error
	// Touch refreshes the modification time of path.
	Touch(ctx context.Context, path string) error
	// Lock acquires the named advisory lock, blocking until ctx is done.
	Lock(ctx context.Context, name string, mode LockMode) (release func(), err error)
}

// LockRequest is one entry of a batch passed to LockAll.
type LockRequest struct {
	Name string
	Mode LockMode
}

// BatchLocker is implemented by stores that can hold several locks in one
// session. Requests are taken in the given order.
type BatchLocker interface {
	LockAll(ctx context.Context, reqs []LockRequest) (release func(), err error)
}

func Exists(ctx context.Context, s Store, path string) (bool, error) {
	_, err := s.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func IsDir(ctx context.Context, s Store, path string) (bool, error) {
	info, err := s.Stat(ctx, path)
	switch {
	case err == nil:
		return info.IsDir, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func LastModified(ctx context.Context, s Store, path string) (time.Time, error) {
	info, err := s.Stat(ctx, path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime, nil
}

func WriteFile(ctx context.Context, s Store, path string, data []byte) error {
	return s.AtomicWrite(ctx, path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
