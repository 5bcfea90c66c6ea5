package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Format is a FHIR wire format.
type Format int

const (
	FormatJSON Format = iota
	FormatXML
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// FHIRXMLContentType is the FHIR XML content type with charset.
const FHIRXMLContentType = "application/fhir+xml; charset=utf-8"

const formatContextKey = "fhir_format"

// ErrUnsupportedMediaType is returned when a request body is neither FHIR
// JSON nor FHIR XML.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

func (f Format) ContentType() string {
	if f == FormatXML {
		return FHIRXMLContentType
	}
	return FHIRContentType
}

func (f Format) String() string {
	if f == FormatXML {
		return "xml"
	}
	return "json"
}

// ContentNegotiationMiddleware selects the response format. The _format query
// parameter takes priority, then the Accept header. When neither names a
// concrete FHIR type the response mirrors the request body's format.
func ContentNegotiationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			format, ok := RequestFormat(c)
			if !ok {
				format = FormatJSON
			}

			if raw := c.QueryParam("_format"); raw != "" {
				switch {
				case isJSONFormat(raw):
					format = FormatJSON
				case isXMLFormat(raw):
					format = FormatXML
				default:
					return c.JSON(http.StatusNotAcceptable, ErrorOutcome("Unsupported _format value: "+raw))
				}
			} else if accept := c.Request().Header.Get(echo.HeaderAccept); accept != "" {
				negotiated, found, wildcard := negotiateAccept(accept)
				switch {
				case found:
					format = negotiated
				case !wildcard:
					return c.JSON(http.StatusNotAcceptable, ErrorOutcome("Accept header does not include a supported FHIR content type. Use application/fhir+json or application/fhir+xml."))
				}
			}

			c.Set(formatContextKey, format)
			c.Response().Header().Set(echo.HeaderContentType, format.ContentType())
			return next(c)
		}
	}
}

// ResponseFormat returns the negotiated response format, JSON when the
// negotiation middleware did not run.
func ResponseFormat(c echo.Context) Format {
	if f, ok := c.Get(formatContextKey).(Format); ok {
		return f
	}
	return FormatJSON
}

// RequestFormat reports the format of the request body from its Content-Type.
// A missing Content-Type is treated as JSON; ok is false for anything else.
func RequestFormat(c echo.Context) (Format, bool) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if ct == "" {
		return FormatJSON, true
	}
	mediaType := strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	switch {
	case isJSONFormat(mediaType):
		return FormatJSON, true
	case isXMLFormat(mediaType):
		return FormatXML, true
	}
	return FormatJSON, false
}

// ReadResource reads the request body and returns it as FHIR JSON, converting
// from FHIR XML when the request declares it.
func ReadResource(c echo.Context) ([]byte, error) {
	format, ok := RequestFormat(c)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, c.Request().Header.Get(echo.HeaderContentType))
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if format == FormatXML {
		return XMLToJSON(body)
	}
	return body, nil
}

// Render writes v in the negotiated format. v may be pre-encoded JSON
// ([]byte or json.RawMessage) or any value encoding/json can marshal.
func Render(c echo.Context, status int, v interface{}) error {
	var data []byte
	switch val := v.(type) {
	case json.RawMessage:
		data = val
	case []byte:
		data = val
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %T: %w", v, err)
		}
	}

	format := ResponseFormat(c)
	if format == FormatXML {
		var err error
		data, err = JSONToXML(data)
		if err != nil {
			return fmt.Errorf("encode xml: %w", err)
		}
	}
	return c.Blob(status, format.ContentType(), data)
}

// normalizeFormat normalises a format string by lowercasing, trimming
// whitespace, and restoring the "+" that HTTP query-string decoding may have
// converted to a space (e.g. "application/fhir json" -> "application/fhir+json").
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "fhir xml", "fhir+xml")
	return f
}

func isJSONFormat(format string) bool {
	switch normalizeFormat(format) {
	case "json", "application/json", "application/fhir+json", "application/json+fhir":
		return true
	}
	return false
}

func isXMLFormat(format string) bool {
	switch normalizeFormat(format) {
	case "xml", "text/xml", "application/xml", "application/fhir+xml", "application/xml+fhir":
		return true
	}
	return false
}

// negotiateAccept walks the Accept header in order and returns the first
// concrete FHIR format listed. wildcard reports whether */* appeared, in
// which case the caller keeps its default.
func negotiateAccept(accept string) (format Format, found bool, wildcard bool) {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch {
		case isJSONFormat(mediaType):
			return FormatJSON, true, wildcard
		case isXMLFormat(mediaType):
			return FormatXML, true, wildcard
		case mediaType == "*/*" || mediaType == "application/*":
			wildcard = true
		}
	}
	return FormatJSON, false, wildcard
}
