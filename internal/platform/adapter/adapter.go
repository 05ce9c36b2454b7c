package adapter

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// Adapter is the per-vendor capability surface the orchestrator works
// against. One implementation exists per supported vendor.
type Adapter interface {
	Vendor() string
	Profile() Profile
	FetchPatient(ctx context.Context, conn Conn, patientID string) (fhirdoc.Document, error)
	Search(ctx context.Context, conn Conn, resourceType string, params url.Values) *ResourceIterator
	FetchBinary(ctx context.Context, conn Conn, binaryURL string) ([]byte, error)
	StartBulkExport(ctx context.Context, conn Conn, params ExportParams) (string, error)
	PollBulkExport(ctx context.Context, conn Conn, statusURL string) (*ExportStatus, error)
	DownloadBulkFile(ctx context.Context, conn Conn, fileURL string) (io.ReadCloser, error)
}

// base carries the behavior shared by every vendor adapter; vendor structs
// differ by profile and request decoration.
type base struct {
	*restClient
}

func (b *base) Vendor() string   { return b.profile.Vendor }
func (b *base) Profile() Profile { return b.profile }

func (b *base) FetchPatient(ctx context.Context, conn Conn, patientID string) (fhirdoc.Document, error) {
	if patientID == "" {
		return nil, apperror.Validation("patient id is required")
	}
	body, err := b.getJSON(ctx, conn, resourceURL(conn.FHIRBaseURL, "Patient/"+url.PathEscape(patientID), nil))
	if err != nil {
		return nil, err
	}
	doc, err := fhirdoc.Parse(body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeEHRFHIR, http.StatusBadGateway,
			"patient response is not a fhir resource")
	}
	return doc, nil
}

func (b *base) Search(ctx context.Context, conn Conn, resourceType string, params url.Values) *ResourceIterator {
	if !b.profile.Supports(resourceType) {
		return failedIterator(apperror.Validation("%s does not serve resource type %q", b.vendor, resourceType))
	}
	first := resourceURL(conn.FHIRBaseURL, resourceType, params)
	return newResourceIterator(first, func(ctx context.Context, pageURL string) ([]byte, error) {
		return b.getJSON(ctx, conn, b.absoluteURL(conn, pageURL))
	})
}

func (b *base) FetchBinary(ctx context.Context, conn Conn, binaryURL string) ([]byte, error) {
	resp, err := b.get(ctx, conn, b.absoluteURL(conn, binaryURL), "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, translateTransport(b.vendor, err)
	}
	return data, nil
}

// absoluteURL resolves next links and file URLs that some vendors return
// relative to the FHIR base.
func (b *base) absoluteURL(conn Conn, raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return resourceURL(conn.FHIRBaseURL, raw, nil)
}

// Registry hands out the adapter for a vendor. Adapters are built once at
// boot so limiters and ceilings are shared process-wide.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(tokens TokenSource, httpClient *http.Client, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(defaultProfiles))}
	for vendor, profile := range defaultProfiles {
		profile = cfg.apply(profile)
		client := newRESTClient(profile, httpClient, tokens, metrics, logger)
		switch vendor {
		case "epic":
			r.adapters[vendor] = newEpicAdapter(client)
		case "cerner":
			r.adapters[vendor] = newCernerAdapter(client)
		default:
			r.adapters[vendor] = &base{restClient: client}
		}
	}
	return r
}

// For returns the adapter for a vendor tag.
func (r *Registry) For(vendor string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(vendor)]
	if !ok {
		return nil, apperror.Validation("unsupported vendor %q", vendor)
	}
	return a, nil
}

// Vendors lists the registered vendor tags.
func (r *Registry) Vendors() []string {
	out := make([]string, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	return out
}

// epicAdapter sends the client id header Epic requires on every request.
type epicAdapter struct {
	base
}

func newEpicAdapter(client *restClient) *epicAdapter {
	a := &epicAdapter{base{restClient: client}}
	client.decorate = func(req *http.Request, conn Conn) {
		if conn.ClientID != "" {
			req.Header.Set("Epic-Client-ID", conn.ClientID)
		}
	}
	return a
}

// cernerAdapter pins the FHIR JSON media type; Cerner rejects the bare
// application/json accept on some tenants.
type cernerAdapter struct {
	base
}

func newCernerAdapter(client *restClient) *cernerAdapter {
	a := &cernerAdapter{base{restClient: client}}
	client.decorate = func(req *http.Request, conn Conn) {
		req.Header.Set("Accept", "application/fhir+json")
	}
	return a
}
