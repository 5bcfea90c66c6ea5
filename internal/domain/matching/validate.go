package matching

import (
	"fmt"
	"strings"

	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// Predicate names one of the two admission checks on a $match input.
type Predicate string

const (
	// PredicateContact requires at least one Patient.contact carrying a
	// name, telecom, address or organization.
	PredicateContact Predicate = "C"
	// PredicateMinimum requires the profile-dependent minimum information.
	PredicateMinimum Predicate = "M"
)

// Weight thresholds of the weighted profiles.
const (
	MinimumWeightL0 = 10
	MinimumWeightL1 = 20
)

const minimumCriteriaMessage = "The request does not conform to the specification. Patient resource does not have the minimum search field"

// Rejection describes why an input Patient failed validation. It lists every
// failing predicate, not only the first.
type Rejection struct {
	Profile     Profile
	Predicates  []Predicate
	TotalWeight int
}

// Has reports whether p is among the failing predicates.
func (r *Rejection) Has(p Predicate) bool {
	for _, f := range r.Predicates {
		if f == p {
			return true
		}
	}
	return false
}

func (r *Rejection) Error() string {
	reasons := make([]string, 0, len(r.Predicates))
	for _, p := range r.Predicates {
		reasons = append(reasons, r.Reason(p))
	}
	return fmt.Sprintf("%s: %s. Claimed profile: %s", minimumCriteriaMessage, strings.Join(reasons, "; "), r.Profile)
}

// Reason describes the failure of a single predicate.
func (r *Rejection) Reason(p Predicate) string {
	switch p {
	case PredicateContact:
		return "predicate C (contact) failed: no contact with a name, telecom, address or organization"
	case PredicateMinimum:
		switch r.Profile.Effective() {
		case ProfileL0:
			return fmt.Sprintf("predicate M (minimum information) failed: total weight %d is below %d", r.TotalWeight, MinimumWeightL0)
		case ProfileL1:
			return fmt.Sprintf("predicate M (minimum information) failed: total weight %d is below %d", r.TotalWeight, MinimumWeightL1)
		}
		return "predicate M (minimum information) failed: no identifier, telecom, full name, full home address or birth date"
	}
	return "predicate " + string(p) + " failed"
}

// Validator checks that an input Patient carries enough information for the
// profile it claims.
type Validator struct {
	includePhoto bool
}

// NewValidator creates a Validator. includePhoto controls whether a photo
// satisfies the composite term of the total weight.
func NewValidator(includePhoto bool) *Validator {
	return &Validator{includePhoto: includePhoto}
}

// TotalWeight computes the information weight of an input record:
// 10 per passport and driver's license, 4 for any of full home address,
// other identifier, email, phone or photo, 4 for a full name and 2 for a
// birth date.
func (v *Validator) TotalWeight(r PatientRecord) int {
	w := 0
	if r.PassportNumber != "" {
		w += 10
	}
	if r.DriversLicense != "" {
		w += 10
	}
	if r.HomeAddress.Full() || len(r.OtherIdentifiers) > 0 || r.Email != "" || r.Phone != "" ||
		(v.includePhoto && r.HasPhoto) {
		w += 4
	}
	if r.HasFullName() {
		w += 4
	}
	if r.BirthDate != "" {
		w += 2
	}
	return w
}

// Validate evaluates both predicates independently and returns nil when the
// input is acceptable.
func (v *Validator) Validate(r PatientRecord, p *fhir.Patient) *Rejection {
	rej := &Rejection{Profile: r.ClaimedProfile, TotalWeight: v.TotalWeight(r)}

	if !HasContact(p) {
		rej.Predicates = append(rej.Predicates, PredicateContact)
	}

	var ok bool
	switch r.ClaimedProfile.Effective() {
	case ProfileL0:
		ok = rej.TotalWeight >= MinimumWeightL0
	case ProfileL1:
		ok = rej.TotalWeight >= MinimumWeightL1
	default:
		ok = r.HasAnyIdentifier() || r.HasAnyTelecom() || hasTelecomValue(p) || r.HasFullName() ||
			r.HomeAddress.Full() || r.BirthDate != ""
	}
	if !ok {
		rej.Predicates = append(rej.Predicates, PredicateMinimum)
	}

	if len(rej.Predicates) == 0 {
		return nil
	}
	return rej
}

// HasContact reports whether any Patient.contact carries a name, telecom,
// address or organization.
func HasContact(p *fhir.Patient) bool {
	if p == nil {
		return false
	}
	for _, c := range p.Contact {
		if c.Name != nil || len(c.Telecom) > 0 || c.Address != nil || c.Organization != nil {
			return true
		}
	}
	return false
}

func hasTelecomValue(p *fhir.Patient) bool {
	if p == nil {
		return false
	}
	for _, cp := range p.Telecom {
		if trimmed(cp.Value) != "" {
			return true
		}
	}
	return false
}
