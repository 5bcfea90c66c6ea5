package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/internal/platform/hipaa"
)

const (
	auditOutcomeKey = "audit_outcome"
	auditEntityKey  = "audit_entity"

	auditRecordTimeout = 2 * time.Second
)

// SetAuditOutcome overrides the outcome the audit middleware would derive
// from the response status.
func SetAuditOutcome(c echo.Context, outcome hipaa.Outcome) {
	c.Set(auditOutcomeKey, outcome)
}

// SetAuditEntity names the resource the request acted on.
func SetAuditEntity(c echo.Context, resourceType, id string) {
	c.Set(auditEntityKey, [2]string{resourceType, id})
}

// Audit returns Echo middleware that records exactly one AuditEvent for
// every request under /fhir/. The event is recorded after the handler
// returns, on a context detached from client cancellation, so aborted
// requests are still audited.
func Audit(recorder hipaa.Recorder, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := responseStatus(c, err)
			action, subtype := classify(req.Method, path)
			event := hipaa.NewRESTEvent(action, subtype, path)
			event.Method = req.Method
			event.StatusCode = status
			event.AgentNetworkAddr = c.RealIP()
			event.AgentWhoID = auth.UserIDFromContext(c.Request().Context())
			event.RequestID, _ = c.Get(RequestIDKey).(string)

			if o, ok := c.Get(auditOutcomeKey).(hipaa.Outcome); ok {
				event.Outcome = o
			} else {
				event.Outcome = hipaa.OutcomeForStatus(status)
			}
			if ent, ok := c.Get(auditEntityKey).([2]string); ok {
				event.EntityWhatType, event.EntityWhatID = ent[0], ent[1]
			} else {
				event.EntityWhatType = extractResourceType(path)
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), auditRecordTimeout)
			defer cancel()
			if recErr := recorder.Record(ctx, event); recErr != nil {
				logger.Error().Err(recErr).
					Str("request_id", event.RequestID).
					Msg("failed to record audit event")
			}
			return err
		}
	}
}

// responseStatus is the status the client receives. Errors returned by the
// handler are rendered by echo after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir/")
}

// classify maps a request to its AuditEvent action and subtype.
func classify(method, path string) (hipaa.Action, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/fhir/"), "/"), "/")
	last := segments[len(segments)-1]
	if strings.HasPrefix(last, "$") {
		return hipaa.ActionExecute, last
	}
	switch method {
	case http.MethodPost:
		return hipaa.ActionCreate, "create"
	case http.MethodPut, http.MethodPatch:
		return hipaa.ActionUpdate, "update"
	case http.MethodDelete:
		return hipaa.ActionDelete, "delete"
	}
	if len(segments) == 1 {
		if segments[0] == "metadata" {
			return hipaa.ActionRead, "capabilities"
		}
		return hipaa.ActionRead, "search-type"
	}
	return hipaa.ActionRead, "read"
}

// extractResourceType parses the FHIR resource type from a URL path.
//
//   - /fhir/Patient          -> Patient
//   - /fhir/Patient/123      -> Patient
//   - /fhir/Patient/$match   -> Patient
func extractResourceType(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/fhir/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
