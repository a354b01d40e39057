package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download for a missing object.
var ErrNotFound = errors.New("storage: object not found")

type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	GetBucket() string
	Close()
}
