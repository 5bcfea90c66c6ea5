package identity

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/auth"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
	"github.com/ehr/priorauth/internal/platform/middleware"
	"github.com/ehr/priorauth/pkg/pagination"
)

type Handler struct {
	svc     *Service
	baseURL string
	logger  zerolog.Logger
}

func NewHandler(svc *Service, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, baseURL: baseURL, logger: logger}
}

// StewardRole may delete patient records. Admins always may.
const StewardRole = "identity-steward"

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	read := auth.RequireScope("Patient", "read")
	write := auth.RequireScope("Patient", "write")

	fhirGroup.GET("/Patient", h.SearchPatients, read)
	fhirGroup.GET("/Patient/:id", h.GetPatient, read)
	fhirGroup.POST("/Patient", h.CreatePatient, write)
	fhirGroup.PUT("/Patient/:id", h.UpdatePatient, write)
	fhirGroup.DELETE("/Patient/:id", h.DeletePatient, write, auth.RequireRole(StewardRole))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id := c.Param("id")
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.storeFailure(c, err, id)
	}
	middleware.SetAuditEntity(c, "Patient", p.ID)
	return pfhir.Render(c, http.StatusOK, p.Resource)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return pfhir.Render(c, http.StatusBadRequest, pfhir.InvalidOutcome(err.Error()))
	}
	identifier := c.QueryParam("identifier")

	patients, total, err := h.svc.SearchPatients(c.Request().Context(), identifier, pg.Limit, pg.Offset)
	if err != nil {
		return h.storeFailure(c, err, "")
	}

	entries := make([]pfhir.BundleEntry, 0, len(patients))
	for _, p := range patients {
		entries = append(entries, pfhir.NewEntry(h.baseURL, p.Resource, "match"))
	}

	var qs string
	if identifier != "" {
		qs = url.Values{"identifier": {identifier}}.Encode()
	}
	return pfhir.Render(c, http.StatusOK, pfhir.NewSearchBundleWithLinks(entries, pfhir.SearchBundleParams{
		BaseURL:  h.baseURL + "/Patient",
		QueryStr: qs,
		Count:    pg.Limit,
		Offset:   pg.Offset,
		Total:    total,
	}))
}

func (h *Handler) CreatePatient(c echo.Context) error {
	body, err := pfhir.ReadResource(c)
	if err != nil {
		return h.readFailure(c, err)
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), body)
	if err != nil {
		return h.storeFailure(c, err, "")
	}
	middleware.SetAuditEntity(c, "Patient", p.ID)
	c.Response().Header().Set(echo.HeaderLocation, h.baseURL+"/Patient/"+p.ID)
	return pfhir.Render(c, http.StatusCreated, p.Resource)
}

// UpdatePatient stores the body under the id in the path.
func (h *Handler) UpdatePatient(c echo.Context) error {
	body, err := pfhir.ReadResource(c)
	if err != nil {
		return h.readFailure(c, err)
	}
	id := c.Param("id")
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, body)
	if err != nil {
		return h.storeFailure(c, err, id)
	}
	middleware.SetAuditEntity(c, "Patient", p.ID)
	return pfhir.Render(c, http.StatusOK, p.Resource)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return h.storeFailure(c, err, id)
	}
	middleware.SetAuditEntity(c, "Patient", id)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) readFailure(c echo.Context, err error) error {
	if errors.Is(err, pfhir.ErrUnsupportedMediaType) {
		return pfhir.Render(c, http.StatusUnsupportedMediaType, pfhir.NotSupportedOutcome(
			"Patient accepts application/fhir+json or application/fhir+xml"))
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return pfhir.Render(c, http.StatusRequestEntityTooLarge, pfhir.NewOperationOutcome(
			pfhir.IssueSeverityError, pfhir.IssueTypeTooCostly, "Request body exceeds the maximum allowed size"))
	}
	return pfhir.Render(c, http.StatusBadRequest, pfhir.InvalidOutcome("request body could not be read as a FHIR resource"))
}

func (h *Handler) storeFailure(c echo.Context, err error, id string) error {
	var invalid *InvalidError
	switch {
	case errors.Is(err, ErrNotFound):
		return pfhir.Render(c, http.StatusNotFound, pfhir.NotFoundOutcome("Patient", id))
	case errors.As(err, &invalid):
		return pfhir.Render(c, http.StatusBadRequest, pfhir.InvalidOutcome(invalid.Msg))
	}
	rid, _ := c.Get(middleware.RequestIDKey).(string)
	h.logger.Error().Err(err).Str("request_id", rid).Str("patient_id", id).Msg("patient store failure")
	return pfhir.Render(c, http.StatusInternalServerError, pfhir.InternalErrorOutcome())
}
