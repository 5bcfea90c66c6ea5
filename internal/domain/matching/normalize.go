package matching

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

const (
	identifierTypePPN = "PPN"
	identifierTypeDL  = "DL"
)

// ProfileURLs maps each conformance level to its canonical profile URL.
type ProfileURLs struct {
	Base string
	L0   string
	L1   string
}

// DefaultProfileURLs returns the IDI-Patient profile canonicals.
func DefaultProfileURLs() ProfileURLs {
	return ProfileURLs{
		Base: "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient",
		L0:   "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient-L0",
		L1:   "http://hl7.org/fhir/us/identity-matching/StructureDefinition/IDI-Patient-L1",
	}
}

// Normalizer projects Patient resources onto PatientRecord. It never fails:
// malformed elements leave the corresponding field absent.
type Normalizer struct {
	profiles ProfileURLs
	logger   zerolog.Logger
}

func NewNormalizer(profiles ProfileURLs, logger zerolog.Logger) *Normalizer {
	return &Normalizer{profiles: profiles, logger: logger}
}

// Profile maps a profile canonical to its level. A trailing "|version" is
// ignored.
func (n *Normalizer) Profile(url string) Profile {
	url = strings.TrimSpace(url)
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url = url[:i]
	}
	switch url {
	case "":
		return ProfileUnknown
	case n.profiles.Base:
		return ProfileBase
	case n.profiles.L0:
		return ProfileL0
	case n.profiles.L1:
		return ProfileL1
	}
	return ProfileUnknown
}

func (n *Normalizer) Normalize(p *fhir.Patient) PatientRecord {
	var r PatientRecord
	if p == nil {
		return r
	}

	r.ID = trimmed(p.Id)

	for _, ident := range p.Identifier {
		value := trimmed(ident.Value)
		if value == "" {
			continue
		}
		switch strings.ToUpper(identifierTypeCode(ident)) {
		case identifierTypePPN:
			if r.PassportNumber == "" {
				r.PassportNumber = value
			}
		case identifierTypeDL:
			if r.DriversLicense == "" {
				r.DriversLicense = value
			}
		default:
			r.OtherIdentifiers = append(r.OtherIdentifiers, value)
		}
	}

	if len(p.Name) > 0 {
		name := p.Name[0]
		if len(name.Given) > 0 {
			r.FirstName = strings.TrimSpace(name.Given[0])
		}
		r.LastName = trimmed(name.Family)
	}

	if p.BirthDate != nil {
		raw := strings.TrimSpace(*p.BirthDate)
		if raw != "" {
			if _, err := time.Parse("2006-01-02", raw); err != nil {
				n.logger.Warn().
					Str("patient_id", r.ID).
					Str("field", "Patient.birthDate").
					Err(err).
					Msg("birth date is not a full calendar date, ignoring")
			} else {
				r.BirthDate = raw
			}
		}
	}

	if p.Gender != nil {
		r.Gender = p.Gender.Code()
	}

	if p.MaritalStatus != nil {
		for _, coding := range p.MaritalStatus.Coding {
			code := trimmed(coding.Code)
			if code == "" {
				continue
			}
			r.MaritalStatus = &Coded{System: trimmed(coding.System), Code: code}
			break
		}
	}

	for _, addr := range p.Address {
		if addr.Use == nil || *addr.Use != fhir.AddressUseHome {
			continue
		}
		r.HomeAddress = Address{
			Line:  joinLines(addr.Line),
			City:  trimmed(addr.City),
			State: trimmed(addr.State),
		}
		break
	}

	for _, cp := range p.Telecom {
		if cp.System == nil {
			continue
		}
		value := trimmed(cp.Value)
		if value == "" {
			continue
		}
		switch *cp.System {
		case fhir.ContactPointSystemEmail:
			if r.Email == "" {
				r.Email = value
			}
		case fhir.ContactPointSystemPhone:
			if r.Phone == "" {
				r.Phone = value
			}
		}
	}

	r.HasPhoto = len(p.Photo) > 0

	if p.Meta != nil && len(p.Meta.Profile) > 0 {
		r.ClaimedProfile = n.Profile(p.Meta.Profile[0])
	}

	return r
}

func identifierTypeCode(ident fhir.Identifier) string {
	if ident.Type == nil || len(ident.Type.Coding) == 0 {
		return ""
	}
	return trimmed(ident.Type.Coding[0].Code)
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func joinLines(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " ")
}
