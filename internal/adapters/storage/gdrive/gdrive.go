package gdrive

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"ticketrender/internal/pkg/errors"
	"ticketrender/internal/ports"
)

// Client implements ports.StorageProvider backed by Google Drive.
// The object key is used as the Drive file name inside the folder; a put
// with an existing name replaces that file's content.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if strings.TrimSpace(in.ObjectKey) == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object_key is required")
	}

	existingID, err := c.findByName(ctx, in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}

	var media []googleapi.MediaOption
	if in.ContentType != "" {
		media = append(media, googleapi.ContentType(in.ContentType))
	}

	var f *drive.File
	if existingID != "" {
		f, err = c.srv.Files.Update(existingID, &drive.File{}).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	} else {
		file := &drive.File{Name: in.ObjectKey}
		if c.folderID != "" {
			file.Parents = []string{c.folderID}
		}
		f, err = c.srv.Files.Create(file).
			Media(in.Reader, media...).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	}
	if err != nil {
		return ports.PutObjectOutput{}, errors.Wrapf(err, "gdrive.put", "upload %s", in.ObjectKey)
	}

	return ports.PutObjectOutput{ObjectKey: f.Id, Size: in.Size}, nil
}

func (c *Client) findByName(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if c.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(c.folderID))
	}

	list, err := c.srv.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", errors.Wrapf(err, "gdrive.put", "look up %s", name)
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

// Ping verifies the credentials by reading the account's about record.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.srv.About.Get().Fields("user").Context(ctx).Do(); err != nil {
		return errors.Wrap(err, "gdrive.ping", "google drive unreachable")
	}
	return nil
}

// escapeQuery escapes a literal for the Drive search query language.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
