package matching

import (
	"encoding/json"
	"fmt"

	fhirversion "github.com/google/fhir/go/fhirversion"
	jsonformat "github.com/google/fhir/go/jsonformat"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"

	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

// Diagnostics for malformed $match requests.
const (
	DiagNotParameters   = "Patient matching Patient/$match Operation requires a Parameters resource containing a single Patient resource in parameter field."
	DiagMissingParam    = "Missing Parameters.parameter"
	DiagFirstNotPatient = "Parameters.parameter must contain a Patient resource as the first element."
	DiagInvalidCount    = "Parameters.parameter count must be a positive integer."
)

// ShapeError is a request that is well-formed FHIR but not a valid $match
// input.
type ShapeError struct {
	Diagnostics string
}

func (e *ShapeError) Error() string { return e.Diagnostics }

// ParseError is a request body that could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "parse $match request: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// Request is a decoded $match input.
type Request struct {
	Patient *fhir.Patient
	// Count caps the returned matches; zero means no cap.
	Count int
	// OnlyCertainMatches restricts the result to certain-grade matches.
	OnlyCertainMatches bool
	// Dropped lists Patient elements ignored because their values do not
	// fit the R4 type.
	Dropped []string
}

// RequestParser decodes $match Parameters bodies. With strict parsing the
// body must also pass R4 structural validation.
type RequestParser struct {
	strict *jsonformat.Unmarshaller
}

func NewRequestParser(strict bool) (*RequestParser, error) {
	p := &RequestParser{}
	if strict {
		um, err := jsonformat.NewUnmarshaller("UTC", fhirversion.R4)
		if err != nil {
			return nil, fmt.Errorf("create R4 unmarshaller: %w", err)
		}
		p.strict = um
	}
	return p, nil
}

// Parse decodes a JSON Parameters body. It returns *ParseError for
// undecodable input and *ShapeError for a body that is not a Parameters
// resource whose first parameter is a Patient.
func (p *RequestParser) Parse(body []byte) (*Request, error) {
	var header pfhir.Resource
	if err := json.Unmarshal(body, &header); err != nil {
		return nil, &ParseError{Err: err}
	}
	if header.ResourceType != "Parameters" {
		return nil, &ShapeError{Diagnostics: DiagNotParameters}
	}

	if p.strict != nil {
		if _, err := p.strict.Unmarshal(body); err != nil {
			return nil, &ParseError{Err: err}
		}
	}

	params, err := fhir.UnmarshalParameters(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(params.Parameter) == 0 {
		return nil, &ShapeError{Diagnostics: DiagMissingParam}
	}

	first := params.Parameter[0]
	if len(first.Resource) == 0 {
		return nil, &ShapeError{Diagnostics: DiagFirstNotPatient}
	}
	var inner pfhir.Resource
	if err := json.Unmarshal(first.Resource, &inner); err != nil {
		return nil, &ParseError{Err: err}
	}
	if inner.ResourceType != "Patient" {
		return nil, &ShapeError{Diagnostics: DiagFirstNotPatient}
	}
	patient, dropped, err := DecodePatient(first.Resource)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	req := &Request{Patient: &patient, Dropped: dropped}
	for _, param := range params.Parameter[1:] {
		switch param.Name {
		case "count":
			if param.ValueInteger == nil || *param.ValueInteger < 1 {
				return nil, &ShapeError{Diagnostics: DiagInvalidCount}
			}
			req.Count = *param.ValueInteger
		case "onlyCertainMatches":
			if param.ValueBoolean != nil {
				req.OnlyCertainMatches = *param.ValueBoolean
			}
		}
	}
	return req, nil
}
