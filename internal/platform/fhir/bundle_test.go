package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewSearchBundle(t *testing.T) {
	entries := []BundleEntry{
		NewEntry("", json.RawMessage(`{"resourceType":"Patient","id":"1"}`), "match"),
		NewEntry("", json.RawMessage(`{"resourceType":"Patient","id":"2"}`), "match"),
	}

	bundle := NewSearchBundle(entries, 10, "/fhir/Patient")

	if bundle.ResourceType != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %s", bundle.ResourceType)
	}
	if bundle.Type != "searchset" {
		t.Errorf("expected type searchset, got %s", bundle.Type)
	}
	if bundle.ID == "" {
		t.Error("expected bundle id to be set")
	}
	if *bundle.Total != 10 {
		t.Errorf("expected total 10, got %d", *bundle.Total)
	}
	if len(bundle.Entry) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(bundle.Entry))
	}
	if bundle.Entry[0].Search == nil || bundle.Entry[0].Search.Mode != "match" {
		t.Error("expected search mode 'match'")
	}
	if bundle.Timestamp == nil {
		t.Error("expected timestamp to be set")
	}
	if len(bundle.Link) != 1 || bundle.Link[0].Relation != "self" {
		t.Fatalf("expected a single self link, got %+v", bundle.Link)
	}
}

func TestNewSearchBundle_UniqueIDs(t *testing.T) {
	a := NewSearchBundle(nil, 0, "")
	b := NewSearchBundle(nil, 0, "")
	if a.ID == b.ID {
		t.Errorf("expected distinct bundle ids, both were %s", a.ID)
	}
	if len(a.Link) != 0 {
		t.Errorf("expected no links without a self URL, got %d", len(a.Link))
	}
}

func TestNewEntry_FullURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		resource string
		expected string
	}{
		{"relative", "", `{"resourceType":"Patient","id":"abc-123"}`, "Patient/abc-123"},
		{"absolute", "http://localhost:8000/fhir/", `{"resourceType":"Patient","id":"abc-123"}`, "http://localhost:8000/fhir/Patient/abc-123"},
		{"no id", "http://localhost:8000/fhir", `{"resourceType":"Patient"}`, ""},
		{"not json", "", `<Patient/>`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := NewEntry(tt.baseURL, json.RawMessage(tt.resource), "")
			if entry.FullURL != tt.expected {
				t.Errorf("expected fullUrl %q, got %q", tt.expected, entry.FullURL)
			}
			if entry.Search != nil {
				t.Error("expected no search element without a mode")
			}
		})
	}
}

func TestNewMatchEntry(t *testing.T) {
	entry := NewMatchEntry("", json.RawMessage(`{"resourceType":"Patient","id":"A"}`), 14, "certain")

	if entry.Search == nil {
		t.Fatal("expected search element")
	}
	if entry.Search.Mode != "match" {
		t.Errorf("expected mode match, got %s", entry.Search.Mode)
	}
	if entry.Search.Score == nil || *entry.Search.Score != 14 {
		t.Errorf("expected score 14, got %v", entry.Search.Score)
	}
	if len(entry.Search.Extension) != 1 {
		t.Fatalf("expected 1 extension, got %d", len(entry.Search.Extension))
	}
	ext := entry.Search.Extension[0]
	if ext.URL != MatchGradeExtensionURL || ext.ValueCode != "certain" {
		t.Errorf("unexpected match-grade extension: %+v", ext)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	resource := parsed["resource"].(map[string]interface{})
	if resource["id"] != "A" {
		t.Errorf("expected embedded resource id A, got %v", resource["id"])
	}
}

func TestNewSearchBundleWithLinks_FirstPage(t *testing.T) {
	params := SearchBundleParams{
		BaseURL:  "/fhir/Patient",
		QueryStr: "identifier=X1",
		Count:    10,
		Offset:   0,
		Total:    42,
	}

	bundle := NewSearchBundleWithLinks(nil, params)

	if *bundle.Total != 42 {
		t.Errorf("expected total 42, got %d", *bundle.Total)
	}
	if len(bundle.Link) != 2 {
		t.Fatalf("expected 2 links (self, next), got %d", len(bundle.Link))
	}
	if bundle.Link[0].URL != "/fhir/Patient?identifier=X1&_count=10&_offset=0" {
		t.Errorf("unexpected self URL: %s", bundle.Link[0].URL)
	}
	if bundle.Link[1].Relation != "next" {
		t.Errorf("expected second link to be 'next', got '%s'", bundle.Link[1].Relation)
	}
	if bundle.Link[1].URL != "/fhir/Patient?identifier=X1&_count=10&_offset=10" {
		t.Errorf("unexpected next URL: %s", bundle.Link[1].URL)
	}
}

func TestBuildPaginationLinks(t *testing.T) {
	tests := []struct {
		name          string
		params        SearchBundleParams
		expectNext    bool
		expectPrev    bool
		expectedCount int
	}{
		{
			name: "first page with more results",
			params: SearchBundleParams{
				BaseURL: "/fhir/Patient", QueryStr: "identifier=X1",
				Count: 10, Offset: 0, Total: 50,
			},
			expectNext: true, expectPrev: false,
			expectedCount: 2,
		},
		{
			name: "middle page",
			params: SearchBundleParams{
				BaseURL: "/fhir/Patient", QueryStr: "identifier=X1",
				Count: 10, Offset: 20, Total: 50,
			},
			expectNext: true, expectPrev: true,
			expectedCount: 3,
		},
		{
			name: "last page",
			params: SearchBundleParams{
				BaseURL: "/fhir/Patient",
				Count:   10, Offset: 40, Total: 50,
			},
			expectNext: false, expectPrev: true,
			expectedCount: 2,
		},
		{
			name: "no results",
			params: SearchBundleParams{
				BaseURL: "/fhir/Patient",
				Count:   10, Offset: 0, Total: 0,
			},
			expectNext: false, expectPrev: false,
			expectedCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := buildPaginationLinks(tt.params)
			if len(links) != tt.expectedCount {
				t.Errorf("expected %d links, got %d", tt.expectedCount, len(links))
			}
			has := map[string]bool{}
			for _, l := range links {
				has[l.Relation] = true
			}
			if !has["self"] {
				t.Error("expected self link")
			}
			if has["next"] != tt.expectNext {
				t.Errorf("next link present = %v, want %v", has["next"], tt.expectNext)
			}
			if has["previous"] != tt.expectPrev {
				t.Errorf("previous link present = %v, want %v", has["previous"], tt.expectPrev)
			}
		})
	}
}

func TestFormatReference(t *testing.T) {
	if ref := FormatReference("Patient", "abc-123"); ref != "Patient/abc-123" {
		t.Errorf("expected Patient/abc-123, got %s", ref)
	}
}
