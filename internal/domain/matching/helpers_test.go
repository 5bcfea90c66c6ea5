package matching

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

func strPtr(s string) *string { return &s }

type patientOpt func(*fhir.Patient)

func newPatient(opts ...patientOpt) *fhir.Patient {
	p := &fhir.Patient{}
	for _, o := range opts {
		o(p)
	}
	return p
}

func withID(id string) patientOpt {
	return func(p *fhir.Patient) { p.Id = strPtr(id) }
}

func withIdentifier(typeCode, value string) patientOpt {
	return func(p *fhir.Patient) {
		ident := fhir.Identifier{Value: strPtr(value)}
		if typeCode != "" {
			ident.Type = &fhir.CodeableConcept{Coding: []fhir.Coding{{
				System: strPtr("http://terminology.hl7.org/CodeSystem/v2-0203"),
				Code:   strPtr(typeCode),
			}}}
		}
		p.Identifier = append(p.Identifier, ident)
	}
}

func withName(given, family string) patientOpt {
	return func(p *fhir.Patient) {
		name := fhir.HumanName{}
		if given != "" {
			name.Given = []string{given}
		}
		if family != "" {
			name.Family = strPtr(family)
		}
		p.Name = append(p.Name, name)
	}
}

func withBirthDate(d string) patientOpt {
	return func(p *fhir.Patient) { p.BirthDate = strPtr(d) }
}

func withTelecom(system fhir.ContactPointSystem, value string) patientOpt {
	return func(p *fhir.Patient) {
		sys := system
		p.Telecom = append(p.Telecom, fhir.ContactPoint{System: &sys, Value: strPtr(value)})
	}
}

func withHomeAddress(line, city, state string) patientOpt {
	return func(p *fhir.Patient) {
		use := fhir.AddressUseHome
		addr := fhir.Address{Use: &use, City: strPtr(city)}
		if line != "" {
			addr.Line = []string{line}
		}
		if state != "" {
			addr.State = strPtr(state)
		}
		p.Address = append(p.Address, addr)
	}
}

func withContact() patientOpt {
	return func(p *fhir.Patient) {
		p.Contact = append(p.Contact, fhir.PatientContact{
			Name: &fhir.HumanName{Family: strPtr("Byron"), Given: []string{"Anne"}},
		})
	}
}

func withProfile(url string) patientOpt {
	return func(p *fhir.Patient) { p.Meta = &fhir.Meta{Profile: []string{url}} }
}

func withPhoto() patientOpt {
	return func(p *fhir.Patient) {
		p.Photo = append(p.Photo, fhir.Attachment{ContentType: strPtr("image/png")})
	}
}

func mustJSON(t testing.TB, p *fhir.Patient) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal patient: %v", err)
	}
	return b
}

func testNormalizer() *Normalizer {
	return NewNormalizer(DefaultProfileURLs(), zerolog.Nop())
}

// memorySource is an in-memory CandidateSource that applies the same
// disjunctive key predicate as the SQL stores.
type memorySource struct {
	mu    sync.RWMutex
	rows  []StoredPatient
	keys  []SearchKeys
	calls int
}

func newMemorySource(t testing.TB, patients ...*fhir.Patient) *memorySource {
	t.Helper()
	s := &memorySource{}
	for _, p := range patients {
		s.add(t, p)
	}
	return s
}

func (s *memorySource) add(t testing.TB, p *fhir.Patient) {
	t.Helper()
	rec := testNormalizer().Normalize(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, StoredPatient{ID: rec.ID, Resource: mustJSON(t, p)})
	s.keys = append(s.keys, rec.SearchKeys())
}

func (s *memorySource) Candidates(ctx context.Context, keys SearchKeys, yield func(StoredPatient) error) error {
	s.mu.Lock()
	s.calls++
	rows := append([]StoredPatient(nil), s.rows...)
	stored := append([]SearchKeys(nil), s.keys...)
	s.mu.Unlock()

	for i := len(rows) - 1; i >= 0; i-- {
		if !sharesKey(keys, stored[i]) {
			continue
		}
		if err := yield(rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func sharesKey(a, b SearchKeys) bool {
	eq := func(x, y string) bool { return x != "" && x == y }
	if eq(a.ID, b.ID) || eq(a.PPN, b.PPN) || eq(a.DL, b.DL) ||
		eq(a.FirstName, b.FirstName) || eq(a.LastName, b.LastName) ||
		eq(a.BirthDate, b.BirthDate) || eq(a.Address, b.Address) ||
		eq(a.City, b.City) || eq(a.State, b.State) ||
		eq(a.Email, b.Email) || eq(a.Phone, b.Phone) {
		return true
	}
	for _, x := range a.OtherIdentifiers {
		for _, y := range b.OtherIdentifiers {
			if eq(x, y) {
				return true
			}
		}
	}
	return false
}
