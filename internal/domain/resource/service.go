package resource

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// Service extracts display metadata from vendor payloads and writes them
// idempotently into the canonical store.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "resource-store").Logger(),
	}
}

// IngestParams carries one vendor resource into the store. Raw is kept
// verbatim; Doc is its parsed view used for metadata extraction.
type IngestParams struct {
	ConnectionID     uuid.UUID
	Doc              fhirdoc.Document
	Raw              json.RawMessage
	WantsAttachments bool
}

// Ingest upserts one resource. Re-ingesting an unchanged payload writes
// nothing.
func (s *Service) Ingest(ctx context.Context, p IngestParams) (*UpsertResult, error) {
	rt := p.Doc.ResourceType()
	if rt == "" {
		return nil, apperror.New(apperror.CodeEHRFHIR, 502, "resource has no resourceType")
	}
	vendorID := p.Doc.ID()
	if vendorID == "" {
		return nil, apperror.New(apperror.CodeEHRFHIR, 502, "%s resource has no id", rt)
	}
	raw := p.Raw
	if len(raw) == 0 {
		var err error
		raw, err = p.Doc.Bytes()
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeEHRFHIR, 502, "encoding resource failed")
		}
	}

	res := &Resource{
		ConnectionID: p.ConnectionID,
		ResourceType: rt,
		VendorID:     vendorID,
		Raw:          raw,
		Title:        extractTitle(p.Doc),
		Date:         extractDate(p.Doc),
		Category:     extractCategory(p.Doc),
		Status:       stringAt(p.Doc, "status"),
	}
	if t, ok := p.Doc.LastUpdated(); ok {
		res.LastUpdatedAt = &t
	}
	if ct, url, ok := extractAttachment(p.Doc); ok {
		res.ContentType = ct
		res.ContentURL = url
		if p.WantsAttachments {
			res.DownloadState = DownloadPending
		}
	}

	result, err := s.repo.Upsert(ctx, res)
	if err != nil {
		return nil, err
	}
	if result.Created {
		s.logger.Debug().
			Str("connection_id", p.ConnectionID.String()).
			Str("resource_type", rt).
			Str("vendor_id", vendorID).
			Msg("resource stored")
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Resource, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, vendorID string) (*Resource, error) {
	return s.repo.GetByKey(ctx, connectionID, resourceType, vendorID)
}

func (s *Service) List(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*Resource, int, error) {
	return s.repo.ListByConnection(ctx, connectionID, resourceType, limit, offset)
}

func (s *Service) PendingDownloads(ctx context.Context, connectionID uuid.UUID, limit int) ([]*Resource, error) {
	return s.repo.ListPendingDownloads(ctx, connectionID, limit)
}

func (s *Service) RecordDownload(ctx context.Context, id uuid.UUID, localPath string) error {
	return s.repo.MarkDownloaded(ctx, id, DownloadCompleted, localPath)
}

func (s *Service) RecordDownloadFailure(ctx context.Context, id uuid.UUID) error {
	return s.repo.MarkDownloaded(ctx, id, DownloadFailed, "")
}

func (s *Service) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return s.repo.MarkProcessed(ctx, id)
}

func (s *Service) Count(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	return s.repo.CountByConnection(ctx, connectionID)
}

// ---------------------------------------------------------------------------
// Metadata extraction
// ---------------------------------------------------------------------------

func stringAt(doc fhirdoc.Document, path string) string {
	v, ok := doc.GetPath(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func firstString(doc fhirdoc.Document, paths ...string) string {
	for _, p := range paths {
		if s := stringAt(doc, p); s != "" {
			return s
		}
	}
	return ""
}

// extractTitle finds a human-readable label, preferring the fields each
// resource type actually populates in the wild.
func extractTitle(doc fhirdoc.Document) string {
	switch doc.ResourceType() {
	case "Patient":
		if s := stringAt(doc, "name.0.text"); s != "" {
			return s
		}
		given := stringAt(doc, "name.0.given.0")
		family := stringAt(doc, "name.0.family")
		return strings.TrimSpace(given + " " + family)
	case "DocumentReference":
		return firstString(doc, "description", "type.text", "type.coding.0.display")
	case "Observation", "Condition", "Procedure", "AllergyIntolerance":
		return firstString(doc, "code.text", "code.coding.0.display")
	case "MedicationRequest":
		return firstString(doc, "medicationCodeableConcept.text",
			"medicationCodeableConcept.coding.0.display", "medicationReference.display")
	case "Immunization":
		return firstString(doc, "vaccineCode.text", "vaccineCode.coding.0.display")
	case "Encounter":
		return firstString(doc, "type.0.text", "type.0.coding.0.display", "class.display")
	default:
		return firstString(doc, "title", "name", "code.text", "code.coding.0.display")
	}
}

var datePaths = []string{
	"effectiveDateTime", "onsetDateTime", "performedDateTime", "occurrenceDateTime",
	"authoredOn", "date", "period.start", "recordedDate", "issued",
}

func extractDate(doc fhirdoc.Document) *time.Time {
	for _, p := range datePaths {
		s := stringAt(doc, p)
		if s == "" {
			continue
		}
		if t, ok := parseFHIRDate(s); ok {
			return &t
		}
	}
	return nil
}

// parseFHIRDate accepts the date precisions FHIR allows.
func parseFHIRDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func extractCategory(doc fhirdoc.Document) string {
	return firstString(doc, "category.0.text", "category.0.coding.0.display", "category.0.coding.0.code")
}

// extractAttachment pulls the first attachment of a DocumentReference or
// Media resource.
func extractAttachment(doc fhirdoc.Document) (contentType, url string, ok bool) {
	switch doc.ResourceType() {
	case "DocumentReference":
		contentType = stringAt(doc, "content.0.attachment.contentType")
		url = stringAt(doc, "content.0.attachment.url")
	case "Media":
		contentType = stringAt(doc, "content.contentType")
		url = stringAt(doc, "content.url")
	default:
		return "", "", false
	}
	return contentType, url, url != ""
}
