package worker

import (
	"context"

	"ticketrender/internal/config"
	"ticketrender/internal/messaging"
	"ticketrender/internal/pkg/logger"
	"ticketrender/internal/ports"
	"ticketrender/internal/worker/barcode"
)

// Deps are the clients the worker is assembled from. The caller owns them
// and closes them after the worker has stopped.
type Deps struct {
	Config  *config.Config
	Bus     messaging.Bus
	Storage ports.StorageProvider
	// BusPing probes the broker for /health?deep=true. Nil skips the check.
	BusPing func(ctx context.Context) error
	// Barcodes overrides the generator chosen from Config.Render.
	Barcodes barcode.Generator
	Log      *logger.Logger
}
