package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConnectionRepository persists connections. Token and secret fields cross
// this boundary already sealed.
type ConnectionRepository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*Connection, error)
	ListAutoSyncDue(ctx context.Context, now time.Time) ([]*Connection, error)
	ListActiveByVendor(ctx context.Context, vendor string) ([]*Connection, error)
	Update(ctx context.Context, c *Connection) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) error
	SaveTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, patientID string) error
	MarkSynced(ctx context.Context, id uuid.UUID, at, next time.Time) error
}
