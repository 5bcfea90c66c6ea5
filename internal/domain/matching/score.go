package matching

import (
	"fmt"
	"strings"
)

// Scheme selects the field weights used for scoring.
type Scheme int

const (
	// SchemeStandard scores passport, driver's license and full name.
	SchemeStandard Scheme = iota
	// SchemeExtended additionally scores birth date, full home address,
	// email and phone.
	SchemeExtended
)

func (s Scheme) String() string {
	if s == SchemeExtended {
		return "extended"
	}
	return "standard"
}

// ParseScheme parses a scheme name. The empty string selects the standard
// scheme.
func ParseScheme(name string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard":
		return SchemeStandard, nil
	case "extended":
		return SchemeExtended, nil
	}
	return SchemeStandard, fmt.Errorf("unknown scoring scheme %q", name)
}

// Weights are the per-field contributions of a scheme. A zero weight
// excludes the field from scoring.
type Weights struct {
	PassportNumber int
	DriversLicense int
	FullName       int
	BirthDate      int
	HomeAddress    int
	Email          int
	Phone          int
}

func (s Scheme) Weights() Weights {
	w := Weights{PassportNumber: 10, DriversLicense: 10, FullName: 4}
	if s == SchemeExtended {
		w.BirthDate = 2
		w.HomeAddress = 4
		w.Email = 4
		w.Phone = 4
	}
	return w
}

// Scorer computes the signed agreement score between an input and a
// candidate. It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	weights Weights
}

func NewScorer(scheme Scheme) *Scorer {
	return &Scorer{weights: scheme.Weights()}
}

func (s *Scorer) Weights() Weights { return s.weights }

// Score sums the contribution of every weighted field. A field the input
// does not assert, or the candidate lacks, contributes nothing; otherwise it
// adds its weight on agreement and subtracts it on disagreement.
func (s *Scorer) Score(input, candidate PatientRecord) int {
	score := 0
	score += contribution(input.PassportNumber, candidate.PassportNumber, s.weights.PassportNumber, exactEqual)
	score += contribution(input.DriversLicense, candidate.DriversLicense, s.weights.DriversLicense, exactEqual)
	score += contribution(input.FullName(), candidate.FullName(), s.weights.FullName, EqualFold)
	score += contribution(input.BirthDate, candidate.BirthDate, s.weights.BirthDate, exactEqual)
	score += contribution(fullAddress(input.HomeAddress), fullAddress(candidate.HomeAddress), s.weights.HomeAddress, exactEqual)
	score += contribution(input.Email, candidate.Email, s.weights.Email, EqualFold)
	score += contribution(input.Phone, candidate.Phone, s.weights.Phone, EqualFold)
	return score
}

func contribution(in, cand string, weight int, equal func(a, b string) bool) int {
	if weight == 0 || in == "" || cand == "" {
		return 0
	}
	if equal(in, cand) {
		return weight
	}
	return -weight
}

func exactEqual(a, b string) bool { return a == b }

// fullAddress renders a home address as a single folded comparison unit,
// empty unless the address is full.
func fullAddress(a Address) string {
	if !a.Full() {
		return ""
	}
	return Fold(a.Line) + "\x00" + Fold(a.City) + "\x00" + Fold(a.State)
}
