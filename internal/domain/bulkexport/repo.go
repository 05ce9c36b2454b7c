package bulkexport

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists export descriptors and their manifest files.
type Repository interface {
	CreateExport(ctx context.Context, e *Export) error
	GetExport(ctx context.Context, jobID uuid.UUID) (*Export, error)
	// SaveManifest records the transaction time and inserts one row per
	// manifest output. Re-delivery of the same manifest is a no-op per file,
	// so a reclaimed job does not duplicate work.
	SaveManifest(ctx context.Context, jobID uuid.UUID, transactionTime string, files []*File) error
	ListFiles(ctx context.Context, jobID uuid.UUID) ([]*File, error)
	// ListRunnableFiles returns PENDING and FAILED files; COMPLETED files
	// are never re-ingested.
	ListRunnableFiles(ctx context.Context, jobID uuid.UUID) ([]*File, error)
	MarkFile(ctx context.Context, id uuid.UUID, status, errMsg string) error
	// CommitFileProgress advances the resume point after a batch lands.
	CommitFileProgress(ctx context.Context, id uuid.UUID, lineOffset, linesIngested int) error
}
