// Package pagination windows list responses by limit and offset.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a requested window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads the window from the query. The FHIR names _count and
// _offset take precedence over limit and offset.
func FromContext(c echo.Context) Params {
	limit := firstPositive(c, "_count", "limit")
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return Params{Limit: limit, Offset: firstPositive(c, "_offset", "offset")}
}

func firstPositive(c echo.Context, names ...string) int {
	for _, name := range names {
		if n, err := strconv.Atoi(c.QueryParam(name)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Response is one page of a list plus the size of the whole list.
type Response[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// Page returns the window of items selected by p. The result is never nil.
func Page[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	return items[p.Offset:min(p.Offset+p.Limit, len(items))]
}

// Paginate pages items and wraps them in a Response.
func Paginate[T any](items []T, p Params) *Response[T] {
	return &Response[T]{
		Data:    Page(items, p),
		Total:   len(items),
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+p.Limit < len(items),
	}
}
