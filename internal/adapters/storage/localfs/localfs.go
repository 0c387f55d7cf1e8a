package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/ports"
)

// LocalFS implements ports.StorageProvider using the local filesystem.
// It stores objects under a configured root directory.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.resolve(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "put canceled")
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "create directory")
	}

	outF, err := os.Create(dst)
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "create file")
	}
	defer outF.Close()

	n, err := io.Copy(outF, in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrap(err, "localfs.put", "write file")
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

// Ping checks that the root exists (creating it if needed) and is a directory.
func (l *LocalFS) Ping(context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return errors.Wrap(err, "localfs.ping", "storage root unavailable")
	}
	st, err := os.Stat(l.root)
	if err != nil {
		return errors.Wrap(err, "localfs.ping", "storage root unavailable")
	}
	if !st.IsDir() {
		return errors.Newf(errors.CodeUnavailable, "storage root %s is not a directory", l.root)
	}
	return nil
}

// resolve maps an object key to a path under root, rejecting keys that escape it.
func (l *LocalFS) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.ValidationField("object_key", "object_key is required")
	}
	dst := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, dst)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.ValidationField("object_key", "object_key escapes the storage root")
	}
	return dst, nil
}
