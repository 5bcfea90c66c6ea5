package matching

import (
	"strings"

	"golang.org/x/text/cases"
)

// Profile is the identity-matching conformance level a Patient claims.
type Profile int

const (
	ProfileUnknown Profile = iota
	ProfileBase
	ProfileL0
	ProfileL1
)

func (p Profile) String() string {
	switch p {
	case ProfileBase:
		return "BASE"
	case ProfileL0:
		return "L0"
	case ProfileL1:
		return "L1"
	}
	return "UNKNOWN"
}

// Effective returns the profile the validator enforces. An unrecognized
// claim is held to the base rules.
func (p Profile) Effective() Profile {
	if p == ProfileUnknown {
		return ProfileBase
	}
	return p
}

// Coded is a system+code token.
type Coded struct {
	System string
	Code   string
}

// Address holds the components of a home address.
type Address struct {
	Line  string
	City  string
	State string
}

// Full reports whether both line and city are present.
func (a Address) Full() bool {
	return a.Line != "" && a.City != ""
}

// PatientRecord is the flat projection of a Patient used by validation,
// retrieval and scoring. Empty strings mean absent.
type PatientRecord struct {
	ID               string
	PassportNumber   string
	DriversLicense   string
	OtherIdentifiers []string
	FirstName        string
	LastName         string
	BirthDate        string
	Gender           string
	MaritalStatus    *Coded
	HomeAddress      Address
	Email            string
	Phone            string
	HasPhoto         bool
	ClaimedProfile   Profile
}

func (r PatientRecord) HasFullName() bool {
	return r.FirstName != "" && r.LastName != ""
}

// FullName is first and last name joined by a space. It is empty unless
// both parts are present.
func (r PatientRecord) FullName() string {
	if !r.HasFullName() {
		return ""
	}
	return r.FirstName + " " + r.LastName
}

func (r PatientRecord) HasAnyIdentifier() bool {
	return r.PassportNumber != "" || r.DriversLicense != "" || len(r.OtherIdentifiers) > 0
}

func (r PatientRecord) HasAnyTelecom() bool {
	return r.Email != "" || r.Phone != ""
}

// SearchKeys are the values written to, and queried against, the indexed
// columns of the patient store. Identifiers are kept verbatim; every other
// key is folded so that recall agrees with scoring equality.
type SearchKeys struct {
	ID               string
	PPN              string
	DL               string
	OtherIdentifiers []string
	FirstName        string
	LastName         string
	BirthDate        string
	Address          string
	City             string
	State            string
	Email            string
	Phone            string
}

// Empty reports whether no key is present.
func (k SearchKeys) Empty() bool {
	return k.ID == "" && k.PPN == "" && k.DL == "" && len(k.OtherIdentifiers) == 0 &&
		k.FirstName == "" && k.LastName == "" && k.BirthDate == "" && k.Address == "" &&
		k.City == "" && k.State == "" && k.Email == "" && k.Phone == ""
}

// SearchKeys derives the store keys for the record.
func (r PatientRecord) SearchKeys() SearchKeys {
	others := make([]string, 0, len(r.OtherIdentifiers))
	others = append(others, r.OtherIdentifiers...)
	return SearchKeys{
		ID:               r.ID,
		PPN:              r.PassportNumber,
		DL:               r.DriversLicense,
		OtherIdentifiers: others,
		FirstName:        Fold(r.FirstName),
		LastName:         Fold(r.LastName),
		BirthDate:        r.BirthDate,
		Address:          Fold(r.HomeAddress.Line),
		City:             Fold(r.HomeAddress.City),
		State:            Fold(r.HomeAddress.State),
		Email:            Fold(r.Email),
		Phone:            Fold(r.Phone),
	}
}

// Fold trims s and applies Unicode case folding.
func Fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(s)
}

// EqualFold compares two strings after trimming and case folding.
func EqualFold(a, b string) bool {
	return Fold(a) == Fold(b)
}
