package identity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/priorauth/internal/domain/matching"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

// maxImportLine bounds one NDJSON line of a bulk import.
const maxImportLine = 4 << 20

// InvalidError is a patient payload the client must correct.
type InvalidError struct {
	Msg string
}

func (e *InvalidError) Error() string { return e.Msg }

type Service struct {
	patients   PatientRepository
	normalizer *matching.Normalizer
	logger     zerolog.Logger
}

func NewService(patients PatientRepository, normalizer *matching.Normalizer, logger zerolog.Logger) *Service {
	return &Service{patients: patients, normalizer: normalizer, logger: logger}
}

// CreatePatient stores a FHIR Patient under a server-assigned id.
func (s *Service) CreatePatient(ctx context.Context, body []byte) (*Patient, error) {
	resource, err := decodePatient(body)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	resource.Id = &id
	return s.save(ctx, resource)
}

// PutPatient stores a FHIR Patient under its own id, assigning one when it
// has none. An existing patient with that id is replaced.
func (s *Service) PutPatient(ctx context.Context, body []byte) (*Patient, error) {
	resource, err := decodePatient(body)
	if err != nil {
		return nil, err
	}
	if resource.Id == nil || *resource.Id == "" {
		id := uuid.NewString()
		resource.Id = &id
	}
	return s.save(ctx, resource)
}

// UpdatePatient stores a FHIR Patient under id. A body carrying a different
// id is rejected.
func (s *Service) UpdatePatient(ctx context.Context, id string, body []byte) (*Patient, error) {
	resource, err := decodePatient(body)
	if err != nil {
		return nil, err
	}
	if resource.Id != nil && *resource.Id != "" && *resource.Id != id {
		return nil, &InvalidError{Msg: fmt.Sprintf("resource id %q does not match the URL id %q", *resource.Id, id)}
	}
	resource.Id = &id
	return s.save(ctx, resource)
}

func (s *Service) save(ctx context.Context, resource *fhir.Patient) (*Patient, error) {
	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("encode patient: %w", err)
	}
	p := &Patient{
		ID:       *resource.Id,
		Resource: raw,
		Keys:     s.normalizer.Normalize(resource).SearchKeys(),
	}
	if err := s.patients.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePatient(body []byte) (*fhir.Patient, error) {
	var header pfhir.Resource
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, &InvalidError{Msg: "request body is not a FHIR resource"}
	}
	if header.ResourceType != "Patient" {
		return nil, &InvalidError{Msg: fmt.Sprintf("expected a Patient resource, got %q", header.ResourceType)}
	}
	p, err := fhir.UnmarshalPatient(body)
	if err != nil {
		return nil, &InvalidError{Msg: "Patient resource could not be decoded: " + err.Error()}
	}
	return &p, nil
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) DeletePatient(ctx context.Context, id string) error {
	return s.patients.Delete(ctx, id)
}

// SearchPatients lists patients by identifier token. An empty token lists
// every patient.
func (s *Service) SearchPatients(ctx context.Context, identifier string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, IdentifierValue(identifier), limit, offset)
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Imported int
	Failed   int
}

// Import reads newline-delimited Patient resources and stores each under
// its own id. Lines that are not valid Patients are logged and counted;
// a store failure stops the import.
func (s *Service) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxImportLine)

	line := 0
	for sc.Scan() {
		line++
		body := bytes.TrimSpace(sc.Bytes())
		if len(body) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := s.PutPatient(ctx, body); err != nil {
			var invalid *InvalidError
			if errors.As(err, &invalid) {
				s.logger.Warn().Int("line", line).Str("reason", invalid.Msg).Msg("skipping invalid patient")
				res.Failed++
				continue
			}
			return res, fmt.Errorf("import line %d: %w", line, err)
		}
		res.Imported++
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read import: %w", err)
	}
	return res, nil
}
