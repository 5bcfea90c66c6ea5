package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// SearchParam describes a search parameter supported by a resource type.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

// OperationCapability describes an extended operation.
type OperationCapability struct {
	Name          string `json:"name"`
	Definition    string `json:"definition"`
	Documentation string `json:"documentation,omitempty"`
}

// CapabilityStatement is the subset of the R4 CapabilityStatement this
// server publishes at /metadata.
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	Software       *CSSoftware       `json:"software,omitempty"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Rest           []CSRest          `json:"rest"`
}

type CSSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode     string       `json:"mode"`
	Security *CSSecurity  `json:"security,omitempty"`
	Resource []CSResource `json:"resource"`
}

type CSSecurity struct {
	CORS    bool              `json:"cors"`
	Service []CodeableConcept `json:"service,omitempty"`
}

type CSResource struct {
	Type        string                `json:"type"`
	Profile     string                `json:"profile,omitempty"`
	Interaction []CSInteraction       `json:"interaction"`
	SearchParam []SearchParam         `json:"searchParam,omitempty"`
	Operation   []OperationCapability `json:"operation,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type resourceEntry struct {
	profile      string
	interactions []string
	searchParams []SearchParam
	operations   []OperationCapability
}

// CapabilityBuilder accumulates resource registrations from domain modules
// during server initialization so the /fhir/metadata response reflects only
// what is actually routed.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	BaseURL       string
	ServerVersion string
	// BearerAuth advertises bearer-token security on the rest entry.
	BearerAuth bool
}

// NewCapabilityBuilder creates a new builder. The baseURL is the FHIR server
// base URL (e.g., "http://localhost:8000/fhir").
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		BaseURL:       baseURL,
		ServerVersion: version,
	}
}

func (b *CapabilityBuilder) entry(resourceType string) *resourceEntry {
	e, ok := b.resources[resourceType]
	if !ok {
		e = &resourceEntry{}
		b.resources[resourceType] = e
	}
	return e
}

// AddResource registers a resource type. Repeated registrations merge their
// interactions and search parameters.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, searchParams []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entry(resourceType)
	for _, i := range interactions {
		if !containsString(e.interactions, i) {
			e.interactions = append(e.interactions, i)
		}
	}
	for _, p := range searchParams {
		dup := false
		for _, existing := range e.searchParams {
			if existing.Name == p.Name {
				dup = true
				break
			}
		}
		if !dup {
			e.searchParams = append(e.searchParams, p)
		}
	}
}

// SetProfile records the canonical profile supported for a resource type.
func (b *CapabilityBuilder) SetProfile(resourceType, profile string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(resourceType).profile = profile
}

// AddOperation registers a type-level operation such as $match.
func (b *CapabilityBuilder) AddOperation(resourceType string, op OperationCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(resourceType)
	for _, existing := range e.operations {
		if existing.Name == op.Name {
			return
		}
	}
	e.operations = append(e.operations, op)
}

// Build returns the CapabilityStatement. Resource types are sorted for
// deterministic output.
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)

	resources := make([]CSResource, 0, len(types))
	for _, rt := range types {
		e := b.resources[rt]
		res := CSResource{
			Type:        rt,
			Profile:     e.profile,
			SearchParam: e.searchParams,
			Operation:   e.operations,
		}
		for _, code := range e.interactions {
			res.Interaction = append(res.Interaction, CSInteraction{Code: code})
		}
		resources = append(resources, res)
	}

	rest := CSRest{Mode: "server", Resource: resources}
	if b.BearerAuth {
		rest.Security = &CSSecurity{
			CORS: true,
			Service: []CodeableConcept{{
				Coding: []Coding{{
					System: "http://terminology.hl7.org/CodeSystem/restful-security-service",
					Code:   "OAuth",
				}},
				Text: "Bearer token (JWT)",
			}},
		}
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		Software:     &CSSoftware{Name: "Prior Authorization Patient Matching Server", Version: b.ServerVersion},
		Implementation: &CSImplementation{
			Description: "FHIR R4 Patient identity matching",
			URL:         b.BaseURL,
		},
		FHIRVersion: "4.0.1",
		Format:      []string{"json", "xml"},
		Rest:        []CSRest{rest},
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler backed by the given builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

// RegisterRoutes registers the metadata endpoint on the provided Echo group.
func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return Render(c, http.StatusOK, h.builder.Build())
}
