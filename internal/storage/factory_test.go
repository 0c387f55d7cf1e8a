package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketrender/internal/config"
	"ticketrender/internal/pkg/logger"
)

func TestNewProvider(t *testing.T) {
	cfg := &config.Config{Storage: config.Storage{Provider: config.StorageLocalFS, LocalRoot: t.TempDir()}}
	p, err := NewProvider(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "localfs", p.Provider())

	cfg.Storage.Provider = config.StorageGDrive
	cfg.Storage.GDrive = config.GDrive{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}
	p, err = NewProvider(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "gdrive", p.Provider())

	cfg.Storage.Provider = "s3"
	_, err = NewProvider(context.Background(), cfg, logger.Discard())
	assert.Error(t, err)
}
