package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// translateStatus files a vendor HTTP status under a master error code.
// 429 and 503 are transient network conditions carrying any Retry-After
// hint for the orchestrator's next attempt; 401 means the token was
// rejected even after a forced refresh; remaining 4xx are contract
// problems that will not heal on retry; remaining 5xx are vendor-side
// faults worth retrying.
func translateStatus(vendor string, resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		e := apperror.New(apperror.CodeNetwork, http.StatusBadGateway,
			"%s responded %d", vendor, status).AsTransient()
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			e = e.WithDetails(map[string]interface{}{"retry_after_seconds": int(d / time.Second)})
		}
		return e
	case status == http.StatusUnauthorized:
		return apperror.New(apperror.CodeUnauthorized, http.StatusUnauthorized,
			"%s rejected credentials", vendor)
	case status >= 400 && status < 500:
		return apperror.New(apperror.CodeAPIIntegration, http.StatusBadGateway,
			"%s responded %d", vendor, status)
	default:
		return apperror.New(apperror.CodeEHRFHIR, http.StatusBadGateway,
			"%s responded %d", vendor, status).AsTransient()
	}
}

func translateTransport(vendor string, err error) error {
	return apperror.Wrap(err, apperror.CodeNetwork, http.StatusBadGateway,
		fmt.Sprintf("%s unreachable", vendor)).AsTransient()
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// RetryAfterHint extracts the vendor's requested delay from a translated
// error, when one was given.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Details == nil {
		return 0, false
	}
	secs, ok := ae.Details["retry_after_seconds"].(int)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
