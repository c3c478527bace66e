package storage

import (
	"context"

	"github.com/estensen/x402-pipeline/internal/models"
)

// Archiver persists change-sets for audit and replay.
type Archiver interface {
	ArchiveChangeSet(ctx context.Context, cs *models.ChangeSet) error
}
