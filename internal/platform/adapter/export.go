package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// Bulk export scopes.
const (
	ExportScopePatient = "PATIENT"
	ExportScopeGroup   = "GROUP"
	ExportScopeSystem  = "SYSTEM"
)

// ExportParams configures a bulk export kickoff.
type ExportParams struct {
	Scope         string
	GroupID       string
	ResourceTypes []string
	Since         *time.Time
}

// ExportStatus is one poll of an in-flight export.
type ExportStatus struct {
	Done       bool
	Progress   string
	RetryAfter time.Duration
	Manifest   *ExportManifest
}

// ExportManifest is the completion document listing NDJSON outputs.
type ExportManifest struct {
	TransactionTime     string       `json:"transactionTime"`
	Request             string       `json:"request"`
	RequiresAccessToken bool         `json:"requiresAccessToken"`
	Output              []ExportFile `json:"output"`
	Errors              []ExportFile `json:"error"`
}

// ExportFile is one NDJSON file in a manifest.
type ExportFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// StartBulkExport issues the asynchronous kickoff and returns the status
// URL from the Content-Location header.
func (b *base) StartBulkExport(ctx context.Context, conn Conn, params ExportParams) (string, error) {
	if !b.profile.BulkExport {
		return "", apperror.Validation("%s does not support $export", b.vendor)
	}

	var path string
	switch params.Scope {
	case ExportScopeSystem:
		path = "$export"
	case ExportScopePatient, "":
		path = "Patient/$export"
	case ExportScopeGroup:
		if params.GroupID == "" {
			return "", apperror.Validation("group export requires a group id")
		}
		path = "Group/" + url.PathEscape(params.GroupID) + "/$export"
	default:
		return "", apperror.Validation("unknown export scope %q", params.Scope)
	}

	q := url.Values{}
	if len(params.ResourceTypes) > 0 {
		q.Set("_type", strings.Join(params.ResourceTypes, ","))
	}
	if params.Since != nil {
		q.Set("_since", params.Since.UTC().Format(time.RFC3339))
	}

	release, err := b.pacer.acquire(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	defer release()

	tokens, err := b.tokens.EnsureFresh(ctx, conn.ID)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL(conn.FHIRBaseURL, path, q), nil)
	if err != nil {
		return "", apperror.Validation("invalid export url")
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Prefer", "respond-async")
	if b.decorate != nil {
		b.decorate(req, conn)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return "", translateTransport(b.vendor, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted {
		return "", translateStatus(b.vendor, resp)
	}
	statusURL := resp.Header.Get("Content-Location")
	if statusURL == "" {
		return "", apperror.New(apperror.CodeEHRFHIR, http.StatusBadGateway,
			"%s accepted export without a content-location", b.vendor)
	}
	return b.absoluteURL(conn, statusURL), nil
}

// PollBulkExport checks kickoff progress: 202 means still running, 200
// carries the manifest.
func (b *base) PollBulkExport(ctx context.Context, conn Conn, statusURL string) (*ExportStatus, error) {
	resp, err := b.get(ctx, conn, statusURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		st := &ExportStatus{Progress: resp.Header.Get("X-Progress")}
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			st.RetryAfter = d
		}
		return st, nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, translateTransport(b.vendor, err)
		}
		var manifest ExportManifest
		if err := json.Unmarshal(body, &manifest); err != nil {
			return nil, apperror.Wrap(err, apperror.CodeEHRFHIR, http.StatusBadGateway,
				"export manifest is not valid json")
		}
		return &ExportStatus{Done: true, Manifest: &manifest}, nil
	default:
		// get already translated non-2xx, so this is an unexpected 2xx.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, apperror.New(apperror.CodeEHRFHIR, http.StatusBadGateway,
			"%s export status responded %d", b.vendor, resp.StatusCode)
	}
}

// DownloadBulkFile streams one NDJSON output file. The caller owns the
// returned reader.
func (b *base) DownloadBulkFile(ctx context.Context, conn Conn, fileURL string) (io.ReadCloser, error) {
	resp, err := b.get(ctx, conn, b.absoluteURL(conn, fileURL), "application/fhir+ndjson")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
