package matching

import (
	"fmt"
	"math/rand"
	"testing"
)

func TestScore_StandardScheme(t *testing.T) {
	s := NewScorer(SchemeStandard)
	input := PatientRecord{PassportNumber: "P", DriversLicense: "D", FirstName: "Ada", LastName: "Lovelace"}

	tests := []struct {
		name      string
		candidate PatientRecord
		want      int
	}{
		{"all agree", PatientRecord{PassportNumber: "P", DriversLicense: "D", FirstName: "ada", LastName: " LOVELACE "}, 24},
		{"ppn only agrees", PatientRecord{PassportNumber: "P", DriversLicense: "X", FirstName: "Bob", LastName: "Smith"}, -4},
		{"candidate lacks everything", PatientRecord{}, 0},
		{"candidate half name is absent", PatientRecord{PassportNumber: "P", FirstName: "Ada"}, 10},
		{"identifiers are case-sensitive", PatientRecord{PassportNumber: "p"}, -10},
		{"extended fields ignored", PatientRecord{BirthDate: "1900-01-01", Email: "x@y.z"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Score(input, tt.candidate); got != tt.want {
				t.Errorf("Score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScore_ExtendedScheme(t *testing.T) {
	s := NewScorer(SchemeExtended)
	input := PatientRecord{
		BirthDate:   "1815-12-10",
		HomeAddress: Address{Line: "12 Square", City: "London"},
		Email:       "ada@example.org",
		Phone:       "555",
	}
	same := PatientRecord{
		BirthDate:   "1815-12-10",
		HomeAddress: Address{Line: "12 square", City: "LONDON"},
		Email:       "ADA@example.org",
		Phone:       "555",
	}
	if got := s.Score(input, same); got != 14 {
		t.Errorf("agreeing record scored %d, want 14", got)
	}

	different := PatientRecord{
		BirthDate:   "1815-12-11",
		HomeAddress: Address{Line: "13 Square", City: "London"},
		Email:       "other@example.org",
		Phone:       "556",
	}
	if got := s.Score(input, different); got != -14 {
		t.Errorf("disagreeing record scored %d, want -14", got)
	}

	partial := PatientRecord{HomeAddress: Address{City: "London"}}
	if got := s.Score(input, partial); got != 0 {
		t.Errorf("an address that is not full is absent, scored %d", got)
	}
}

func TestParseScheme(t *testing.T) {
	for _, name := range []string{"", "standard", " Standard "} {
		got, err := ParseScheme(name)
		if err != nil || got != SchemeStandard {
			t.Errorf("ParseScheme(%q) = %v, %v; want standard", name, got, err)
		}
	}
	if got, err := ParseScheme("extended"); err != nil || got != SchemeExtended {
		t.Errorf("ParseScheme(extended) = %v, %v", got, err)
	}
	if _, err := ParseScheme("fuzzy"); err == nil {
		t.Error("expected an error for an unknown scheme")
	}
}

// randomRecord draws fields from small pools so agreements and
// disagreements both occur often.
func randomRecord(rng *rand.Rand, id int) PatientRecord {
	pick := func(pool ...string) string { return pool[rng.Intn(len(pool))] }
	return PatientRecord{
		ID:             fmt.Sprintf("id-%03d", id),
		PassportNumber: pick("", "P1", "P2"),
		DriversLicense: pick("", "D1", "D2"),
		FirstName:      pick("", "Ada", "ada", "Bob"),
		LastName:       pick("", "Lovelace", "Smith"),
		BirthDate:      pick("", "1815-12-10", "1900-01-01"),
		HomeAddress:    Address{Line: pick("", "1 Main"), City: pick("", "Town", "City")},
		Email:          pick("", "a@x.org", "b@x.org"),
		Phone:          pick("", "555", "556"),
	}
}

// Purity: the same inputs always give the same score.
func TestScoreProperty_Purity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, scheme := range []Scheme{SchemeStandard, SchemeExtended} {
		s := NewScorer(scheme)
		for i := 0; i < 500; i++ {
			a, b := randomRecord(rng, i), randomRecord(rng, i+1)
			first := s.Score(a, b)
			for j := 0; j < 3; j++ {
				if got := s.Score(a, b); got != first {
					t.Fatalf("Score(%+v, %+v) changed from %d to %d", a, b, first, got)
				}
			}
		}
	}
}

// Absent-input neutrality: clearing an input field removes exactly that
// field's contribution and cannot be affected by the candidate's value.
func TestScoreProperty_AbsentInputNeutrality(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := NewScorer(SchemeExtended)
	for i := 0; i < 500; i++ {
		in, cand := randomRecord(rng, i), randomRecord(rng, i+1)

		empty := PatientRecord{}
		if got := s.Score(empty, cand); got != 0 {
			t.Fatalf("empty input scored %d against %+v", got, cand)
		}
		if got := s.Score(in, empty); got != 0 {
			t.Fatalf("empty candidate scored %d against %+v", got, in)
		}

		noPPN := in
		noPPN.PassportNumber = ""
		alt := cand
		alt.PassportNumber = "P9"
		if a, b := s.Score(noPPN, cand), s.Score(noPPN, alt); a != b {
			t.Fatalf("absent input PPN still scored the candidate PPN: %d vs %d", a, b)
		}
	}
}

// Self-match maximality: no candidate outscores the input itself.
func TestScoreProperty_SelfMatchMaximal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, scheme := range []Scheme{SchemeStandard, SchemeExtended} {
		s := NewScorer(scheme)
		for i := 0; i < 500; i++ {
			in, cand := randomRecord(rng, i), randomRecord(rng, i+1)
			if self, other := s.Score(in, in), s.Score(in, cand); self < other {
				t.Fatalf("self score %d below candidate score %d for %+v", self, other, in)
			}
		}
	}
}
