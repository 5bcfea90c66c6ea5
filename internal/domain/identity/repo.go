package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/priorauth/internal/domain/matching"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

// ErrNotFound is returned when no patient has the requested id.
var ErrNotFound = errors.New("patient not found")

// PatientRepository stores patients and serves them to the matcher as a
// candidate source.
type PatientRepository interface {
	matching.CandidateSource

	// Save inserts the patient or replaces the stored one with the same id.
	Save(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	Delete(ctx context.Context, id string) error
	// Search lists patients carrying identifier as a passport, driver's
	// license or other identifier value. An empty identifier lists all.
	Search(ctx context.Context, identifier string, limit, offset int) ([]*Patient, int, error)
}

const (
	patientCols   = "p.id, p.resource, p.created_at, p.updated_at"
	patientTable  = "patient p"
	candidateCols = "p.id, p.resource, p.updated_at"
	candidateSort = "p.updated_at DESC, p.id"
)

const otherIdentifierExists = "EXISTS (SELECT 1 FROM patient_other_identifier o WHERE o.patient_id = p.id AND o.value IN (%s))"

// candidateQuery selects every patient sharing at least one search key with
// keys, most recently written first.
func candidateQuery(keys matching.SearchKeys, ph pfhir.Placeholder) *pfhir.SearchQuery {
	q := pfhir.NewDisjunctiveQuery(patientTable, candidateCols).WithPlaceholder(ph)
	q.AddEquals("p.id", keys.ID)
	q.AddEquals("p.ppn", keys.PPN)
	q.AddEquals("p.dl", keys.DL)
	q.AddIn(otherIdentifierExists, uniqueValues(keys.OtherIdentifiers))
	q.AddEquals("p.first_name", keys.FirstName)
	q.AddEquals("p.last_name", keys.LastName)
	q.AddEquals("p.birth_date", keys.BirthDate)
	q.AddEquals("p.address_line", keys.Address)
	q.AddEquals("p.city", keys.City)
	q.AddEquals("p.state", keys.State)
	q.AddEquals("p.email", keys.Email)
	q.AddEquals("p.phone", keys.Phone)
	q.OrderBy(candidateSort)
	return q
}

// identifierQuery selects the patients of a GET /Patient search.
func identifierQuery(identifier string, ph pfhir.Placeholder) *pfhir.SearchQuery {
	q := pfhir.NewSearchQuery(patientTable, patientCols).WithPlaceholder(ph)
	if identifier != "" {
		p := strings.Split(q.Params(3), ", ")
		q.Add(fmt.Sprintf("(p.ppn = %s OR p.dl = %s OR %s)", p[0], p[1], fmt.Sprintf(otherIdentifierExists, p[2])),
			identifier, identifier, identifier)
	}
	q.OrderBy("p.id")
	return q
}

// IdentifierValue extracts the value of a FHIR token search parameter
// ("system|value" or "value").
func IdentifierValue(token string) string {
	if i := strings.LastIndexByte(token, '|'); i >= 0 {
		return strings.TrimSpace(token[i+1:])
	}
	return strings.TrimSpace(token)
}
