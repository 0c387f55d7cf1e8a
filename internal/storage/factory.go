package storage

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"ticketrender/internal/adapters/storage/gdrive"
	"ticketrender/internal/adapters/storage/localfs"
	"ticketrender/internal/config"
	"ticketrender/internal/pkg/httpretry"
	"ticketrender/internal/pkg/logger"
)

// NewProvider builds the provider named by cfg.Storage.Provider.
func NewProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (Provider, error) {
	switch cfg.Storage.Provider {
	case config.StorageLocalFS:
		return localfs.New(cfg.Storage.LocalRoot), nil

	case config.StorageGDrive:
		return newGDriveProvider(ctx, cfg, log)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Storage.Provider)
	}
}

func newGDriveProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (Provider, error) {
	gd := cfg.Storage.GDrive
	conf := &oauth2.Config{
		ClientID:     gd.ClientID,
		ClientSecret: gd.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	// Token refreshes and API calls share the retrying transport.
	base := &http.Client{Transport: httpretry.New(
		http.DefaultTransport,
		cfg.Resilience.MaxRetries,
		cfg.Resilience.BaseDelay,
		cfg.Resilience.MaxDelay,
		log,
	)}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	httpClient := conf.Client(ctx, &oauth2.Token{RefreshToken: gd.RefreshToken})
	httpClient.Timeout = cfg.Resilience.NetworkTimeout

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, gd.FolderID), nil
}
