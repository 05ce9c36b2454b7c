// Package pagination reads limit/offset query parameters and shapes the
// envelope list endpoints return.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is the page window a list request asked for, clamped to
// [1, MaxLimit].
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads "limit" and "offset" from the query string. Missing or
// junk values fall back to the defaults rather than erroring.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Next returns the offset of the following page.
func (p Params) Next() int { return p.Offset + p.Limit }

// Response is the envelope every paginated listing returns.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

// NewResponse wraps one page of results. Total is the unfiltered row count
// so clients can tell how far they are.
func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}
