package resource

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists canonical resources. Upsert is keyed by
// (connection id, resource type, vendor resource id); a payload identical to
// the stored one is reported as neither created nor updated.
type Repository interface {
	Upsert(ctx context.Context, r *Resource) (*UpsertResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Resource, error)
	GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, vendorID string) (*Resource, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*Resource, int, error)
	// ListPendingDownloads returns resources whose attachment has not been
	// fetched yet.
	ListPendingDownloads(ctx context.Context, connectionID uuid.UUID, limit int) ([]*Resource, error)
	MarkDownloaded(ctx context.Context, id uuid.UUID, state, localPath string) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	CountByConnection(ctx context.Context, connectionID uuid.UUID) (int64, error)
}
