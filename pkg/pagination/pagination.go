package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds the _count and _offset of a FHIR search.
type Params struct {
	Limit  int
	Offset int
}

// Error reports a malformed paging parameter.
type Error struct {
	Param string
	Value string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s must be a non-negative integer, got %q", e.Param, e.Value)
}

// FromContext reads _count and _offset from the query string. A missing or
// zero _count selects DefaultLimit and larger values are clamped to MaxLimit.
func FromContext(c echo.Context) (Params, error) {
	limit, err := intParam(c, "_count")
	if err != nil {
		return Params{}, err
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, err := intParam(c, "_offset")
	if err != nil {
		return Params{}, err
	}

	return Params{Limit: limit, Offset: offset}, nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &Error{Param: name, Value: raw}
	}
	return n, nil
}
