package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MatchGradeExtensionURL identifies the per-entry match confidence code.
const MatchGradeExtensionURL = "http://hl7.org/fhir/StructureDefinition/match-grade"

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Extension []Extension `json:"extension,omitempty"`
	Mode      string      `json:"mode,omitempty"`
	Score     *float64    `json:"score,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewEntry builds a bundle entry for a stored resource. The fullUrl is
// derived from the resource's own type and id.
func NewEntry(baseURL string, resource json.RawMessage, mode string) BundleEntry {
	entry := BundleEntry{
		FullURL:  fullURL(baseURL, resource),
		Resource: resource,
	}
	if mode != "" {
		entry.Search = &BundleSearch{Mode: mode}
	}
	return entry
}

// NewMatchEntry builds a $match result entry carrying the candidate's score
// and match grade.
func NewMatchEntry(baseURL string, resource json.RawMessage, score int, grade string) BundleEntry {
	entry := NewEntry(baseURL, resource, "match")
	s := float64(score)
	entry.Search.Score = &s
	if grade != "" {
		entry.Search.Extension = []Extension{{URL: MatchGradeExtensionURL, ValueCode: grade}}
	}
	return entry
}

// NewSearchBundle creates a searchset Bundle with a fresh id and a self link.
func NewSearchBundle(entries []BundleEntry, total int, selfURL string) *Bundle {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         "searchset",
		Timestamp:    &now,
		Total:        &total,
		Entry:        entries,
	}
	if selfURL != "" {
		b.Link = []BundleLink{{Relation: "self", URL: selfURL}}
	}
	return b
}

// NewSearchBundleWithLinks creates a searchset Bundle with pagination links.
func NewSearchBundleWithLinks(entries []BundleEntry, params SearchBundleParams) *Bundle {
	b := NewSearchBundle(entries, params.Total, "")
	b.Link = buildPaginationLinks(params)
	return b
}

func fullURL(baseURL string, resource json.RawMessage) string {
	var header Resource
	if err := json.Unmarshal(resource, &header); err != nil {
		return ""
	}
	if header.ResourceType == "" || header.ID == "" {
		return ""
	}
	ref := FormatReference(header.ResourceType, header.ID)
	if baseURL == "" {
		return ref
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + ref
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	links := []BundleLink{
		{
			Relation: "self",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, params.Offset),
		},
	}

	nextOffset := params.Offset + params.Count
	if nextOffset < params.Total {
		links = append(links, BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, nextOffset),
		})
	}

	if params.Offset > 0 {
		prevOffset := params.Offset - params.Count
		if prevOffset < 0 {
			prevOffset = 0
		}
		links = append(links, BundleLink{
			Relation: "previous",
			URL:      fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, conditionalAmpersand(params.QueryStr), params.Count, prevOffset),
		})
	}

	return links
}

func conditionalAmpersand(qs string) string {
	if qs == "" {
		return ""
	}
	return qs + "&"
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
