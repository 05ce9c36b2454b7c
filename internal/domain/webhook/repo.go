package webhook

import "context"

// Repository persists delivery records.
type Repository interface {
	Record(ctx context.Context, e *Event) error
	// Seen reports whether a delivery with this vendor and event id was
	// already processed. Vendors redeliver on timeout.
	Seen(ctx context.Context, vendor, eventID string) (bool, error)
}
