package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// BodyLimit caps request body size. defaultLimit applies to most
// endpoints; webhookLimit applies to vendor webhook ingest, whose
// deliveries can embed full resource payloads and run larger than
// anything a client of ours submits.
//
// Limits are human-readable strings: "1M", "512K", "10M". A bare
// number is bytes. Oversized requests get 413 with the standard
// error envelope.
func BodyLimit(defaultLimit string, webhookLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	webhookBytes := parseLimit(webhookLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Body == nil || c.Request().Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if strings.Contains(c.Request().URL.Path, "/webhooks/") {
				limit = webhookBytes
			}

			// Content-Length lets us reject before reading anything.
			if c.Request().ContentLength > limit {
				return payloadTooLarge(limit)
			}

			// Enforce the limit even when Content-Length is absent or lies.
			c.Request().Body = &limitedReadCloser{
				ReadCloser: c.Request().Body,
				remaining:  limit,
				limit:      limit,
			}

			return next(c)
		}
	}
}

// limitedReadCloser errors once more than limit bytes have been read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, payloadTooLarge(r.limit)
	}

	// Read at most remaining+1 so an overrun is detectable.
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, payloadTooLarge(r.limit)
	}

	return n, err
}

func payloadTooLarge(limit int64) error {
	return apperror.New(apperror.CodePayloadTooLarge, http.StatusRequestEntityTooLarge,
		"request body exceeds the %d byte limit", limit)
}

// parseLimit converts "1M" style size strings to bytes, defaulting to
// 1 MB on anything unparseable.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 << 20
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1

	if strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB") {
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	} else if strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB") {
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	} else if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB") {
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 1 << 20
	}

	return n * multiplier
}
