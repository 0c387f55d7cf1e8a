package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the provider's id for the object: the key itself for
	// localfs, the file id for gdrive.
	ObjectKey string
	Size      int64
}

// StorageProvider is implemented by localfs and gdrive. PutObject overwrites
// an existing object with the same key.
type StorageProvider interface {
	Provider() string
	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	// Ping checks that the backing store is reachable and writable.
	Ping(ctx context.Context) error
}
