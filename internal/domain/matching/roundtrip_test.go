package matching

import (
	"reflect"
	"testing"

	"github.com/samply/golang-fhir-models/fhir-models/fhir"

	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

// Normalizing a request yields the same record whether it arrived as JSON or
// as XML carrying the same content.
func TestNormalize_StableAcrossWireFormats(t *testing.T) {
	patients := map[string]*fhir.Patient{
		"identifiers and name": newPatient(
			withID("p-1"), withIdentifier("PPN", "X1"), withIdentifier("DL", "Z9"),
			withIdentifier("", "MRN-7"), withName("Ada", "Lovelace"),
		),
		"demographics": newPatient(
			withName("Ada", "Lovelace"), withBirthDate("1815-12-10"),
			withHomeAddress("12 St James's Square", "London", "LND"),
			withTelecom(fhir.ContactPointSystemEmail, "ada@example.org"),
			withTelecom(fhir.ContactPointSystemPhone, "+44 20 7946 0000"),
			withContact(), withPhoto(),
		),
		"profile": newPatient(
			withProfile(DefaultProfileURLs().L1), withIdentifier("PPN", "P"), withBirthDate("1900-01-01"),
		),
		"empty": newPatient(),
	}

	parser := newTestParser(t, false)
	n := testNormalizer()
	for name, p := range patients {
		t.Run(name, func(t *testing.T) {
			body := parametersBody(t, p)

			fromJSON, err := parser.Parse(body)
			if err != nil {
				t.Fatalf("parse JSON: %v", err)
			}

			xmlBody, err := pfhir.JSONToXML(body)
			if err != nil {
				t.Fatalf("to XML: %v", err)
			}
			back, err := pfhir.XMLToJSON(xmlBody)
			if err != nil {
				t.Fatalf("from XML: %v", err)
			}
			fromXML, err := parser.Parse(back)
			if err != nil {
				t.Fatalf("parse XML round trip: %v", err)
			}

			a, b := n.Normalize(fromJSON.Patient), n.Normalize(fromXML.Patient)
			if !reflect.DeepEqual(a, b) {
				t.Errorf("records differ across wire formats:\nJSON %+v\nXML  %+v", a, b)
			}
			if HasContact(fromJSON.Patient) != HasContact(fromXML.Patient) {
				t.Error("contact presence differs across wire formats")
			}
		})
	}
}
