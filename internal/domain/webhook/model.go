// Package webhook receives vendor push notifications: it verifies the HMAC
// signature on the raw body, records every delivery, and turns actionable
// events into high-priority sync jobs.
package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Dispositions for a recorded delivery.
const (
	DispositionProcessed = "PROCESSED"
	DispositionIgnored   = "IGNORED"
	DispositionFailed    = "FAILED"
)

// Event is one recorded webhook delivery. Deliveries are recorded whether
// they verify or not; Disposition and Error say what became of them.
type Event struct {
	ID           uuid.UUID  `json:"id"`
	Vendor       string     `json:"vendor"`
	EventID      string     `json:"eventId"`
	EventType    string     `json:"eventType"`
	ResourceType string     `json:"resourceType,omitempty"`
	ResourceID   string     `json:"resourceId,omitempty"`
	Action       string     `json:"action,omitempty"`
	Disposition  string     `json:"disposition"`
	Error        string     `json:"error,omitempty"`
	JobID        *uuid.UUID `json:"jobId,omitempty"`
	ReceivedAt   time.Time  `json:"receivedAt"`
}

// Delivery is the body every vendor push is expected to parse to.
type Delivery struct {
	EventType    string `json:"eventType"`
	EventID      string `json:"eventId"`
	Timestamp    string `json:"timestamp"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Action       string `json:"action"`
	Data         any    `json:"data"`
}
