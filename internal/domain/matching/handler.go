package matching

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
	"github.com/ehr/priorauth/internal/platform/hipaa"
	"github.com/ehr/priorauth/internal/platform/metrics"
	"github.com/ehr/priorauth/internal/platform/middleware"
)

// StatusClientClosedRequest is written, without a body, when the client
// goes away before the match completes.
const StatusClientClosedRequest = 499

// Match outcome labels.
const (
	outcomeSuccess     = "success"
	outcomeInvalid     = "invalid"
	outcomeUnsupported = "unsupported"
	outcomeStructure   = "structure"
	outcomeStore       = "store"
	outcomeTimeout     = "timeout"
	outcomeCanceled    = "canceled"
)

// Handler provides the FHIR Patient/$match HTTP endpoint.
type Handler struct {
	matcher *Matcher
	parser  *RequestParser
	baseURL string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewHandler(matcher *Matcher, parser *RequestParser, baseURL string, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{matcher: matcher, parser: parser, baseURL: baseURL, metrics: m, logger: logger}
}

// RegisterRoutes adds the $match route to the given FHIR group.
func (h *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/Patient/$match", h.Match, mw...)
}

// Match handles POST /fhir/Patient/$match. The body is a Parameters
// resource, JSON or XML, whose first parameter is the Patient to match.
func (h *Handler) Match(c echo.Context) error {
	start := time.Now()
	defer h.metrics.ObserveMatchLatency(start)

	body, err := pfhir.ReadResource(c)
	if err != nil {
		return h.readFailure(c, err)
	}

	req, err := h.parser.Parse(body)
	if err != nil {
		return h.failure(c, err)
	}
	if len(req.Dropped) > 0 {
		rid, _ := c.Get(middleware.RequestIDKey).(string)
		for _, field := range req.Dropped {
			h.logger.Warn().
				Str("request_id", rid).
				Str("field", field).
				Msg("patient element does not fit its R4 type, ignoring")
		}
	}

	res, err := h.matcher.Match(c.Request().Context(), req)
	if err != nil {
		return h.failure(c, err)
	}

	entries := make([]pfhir.BundleEntry, 0, len(res.Matches))
	for _, m := range res.Matches {
		entries = append(entries, pfhir.NewMatchEntry(h.baseURL, m.Resource, m.Score, m.Grade()))
	}
	bundle := pfhir.NewSearchBundle(entries, res.Admitted, "")

	h.metrics.IncrementMatch(outcomeSuccess)
	middleware.SetAuditOutcome(c, hipaa.OutcomeSuccess)
	c.Response().Header().Set(echo.HeaderLocation, h.baseURL+"/Patient")
	return pfhir.Render(c, http.StatusOK, bundle)
}

func (h *Handler) readFailure(c echo.Context, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, pfhir.ErrUnsupportedMediaType):
		h.metrics.IncrementMatch(outcomeUnsupported)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return pfhir.Render(c, http.StatusUnsupportedMediaType, pfhir.NotSupportedOutcome(
			"Patient/$match accepts application/fhir+json or application/fhir+xml"))
	case errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge:
		h.metrics.IncrementMatch(outcomeInvalid)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return pfhir.Render(c, http.StatusRequestEntityTooLarge, pfhir.NewOperationOutcome(
			pfhir.IssueSeverityError, pfhir.IssueTypeTooCostly, "Request body exceeds the maximum allowed size"))
	}
	return h.failure(c, &ParseError{Err: err})
}

// failure maps a failed stage to its response. Client-correctable errors
// carry their diagnostics; parse and store faults are logged and reported
// generically.
func (h *Handler) failure(c echo.Context, err error) error {
	rid, _ := c.Get(middleware.RequestIDKey).(string)

	var shape *ShapeError
	var rej *Rejection
	var parse *ParseError
	switch {
	case errors.As(err, &shape):
		h.metrics.IncrementMatch(outcomeInvalid)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return pfhir.Render(c, http.StatusBadRequest, pfhir.InvalidOutcome(shape.Diagnostics))

	case errors.As(err, &rej):
		h.logger.Info().
			Str("request_id", rid).
			Str("claimed_profile", rej.Profile.String()).
			Int("total_weight", rej.TotalWeight).
			Msg("patient match input rejected")
		h.metrics.IncrementMatch(outcomeInvalid)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return pfhir.Render(c, http.StatusBadRequest, rejectionOutcome(rej))

	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn().Str("request_id", rid).Msg("patient match exceeded its deadline")
		h.metrics.IncrementMatch(outcomeTimeout)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return pfhir.Render(c, http.StatusGatewayTimeout, pfhir.TimeoutOutcome())

	case errors.Is(err, context.Canceled):
		h.logger.Info().Str("request_id", rid).Msg("patient match canceled by client")
		h.metrics.IncrementMatch(outcomeCanceled)
		middleware.SetAuditOutcome(c, hipaa.OutcomeMinorFailure)
		return c.NoContent(StatusClientClosedRequest)

	case errors.As(err, &parse):
		h.logger.Error().Err(err).Str("request_id", rid).Msg("patient match request could not be parsed")
		h.metrics.IncrementMatch(outcomeStructure)
		middleware.SetAuditOutcome(c, hipaa.OutcomeSeriousFailure)
		return pfhir.Render(c, http.StatusInternalServerError, pfhir.StructureOutcome())
	}

	h.logger.Error().Err(err).Str("request_id", rid).Msg("patient match failed")
	h.metrics.IncrementMatch(outcomeStore)
	middleware.SetAuditOutcome(c, hipaa.OutcomeSeriousFailure)
	return pfhir.Render(c, http.StatusInternalServerError, pfhir.InternalErrorOutcome())
}

// rejectionOutcome reports each failing predicate as its own issue.
func rejectionOutcome(rej *Rejection) *pfhir.OperationOutcome {
	b := pfhir.NewOutcomeBuilder()
	for _, p := range rej.Predicates {
		location := "Patient"
		if p == PredicateContact {
			location = "Patient.contact"
		}
		diagnostics := fmt.Sprintf("%s: %s. Claimed profile: %s", minimumCriteriaMessage, rej.Reason(p), rej.Profile)
		b.AddIssueWithLocation(pfhir.IssueSeverityError, pfhir.IssueTypeInvalid, diagnostics, location)
	}
	return b.Build()
}
