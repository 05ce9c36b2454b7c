package transform

import (
	"context"

	"github.com/google/uuid"
)

// RuleRepository persists transformation rules.
type RuleRepository interface {
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	// ListForKey returns the enabled rules for one
	// (vendor, resource type, direction) key in ascending priority order.
	ListForKey(ctx context.Context, vendor, resourceType, direction string) ([]*Rule, error)
	List(ctx context.Context, vendor string, limit, offset int) ([]*Rule, int, error)
}

// ConflictRepository persists detected conflicts and their resolutions.
type ConflictRepository interface {
	Create(ctx context.Context, c *Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error)
	ListOpen(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Conflict, int, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution string, value interface{}, resolver string) error
}
