package identity

import (
	"encoding/json"
	"time"

	"github.com/ehr/priorauth/internal/domain/matching"
)

// Patient is a stored FHIR Patient together with the search keys derived
// from it when it was written.
type Patient struct {
	ID        string
	Resource  json.RawMessage
	Keys      matching.SearchKeys
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stored returns the row as the matching core streams it.
func (p *Patient) Stored() matching.StoredPatient {
	return matching.StoredPatient{ID: p.ID, Resource: p.Resource, UpdatedAt: p.UpdatedAt}
}

// nullable maps an absent key to SQL NULL so it never takes part in an
// equality predicate.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// uniqueValues drops empty and repeated identifier values, keeping order.
func uniqueValues(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
