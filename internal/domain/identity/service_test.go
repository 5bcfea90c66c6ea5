package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/priorauth/internal/domain/matching"
)

func TestService_CreatePatientAssignsID(t *testing.T) {
	svc := newTestService(NewMemoryPatientRepo())

	p, err := svc.CreatePatient(context.Background(), patientJSON(patientFields{id: "client-id", ppn: "X1"}))
	require.NoError(t, err)

	_, err = uuid.Parse(p.ID)
	assert.NoError(t, err, "server assigns a uuid")
	assert.NotEqual(t, "client-id", p.ID)
	assert.Contains(t, string(p.Resource), p.ID)
	assert.Equal(t, p.ID, p.Keys.ID)
}

func TestService_PutPatientKeepsID(t *testing.T) {
	svc := newTestService(NewMemoryPatientRepo())

	p, err := svc.PutPatient(context.Background(), patientJSON(patientFields{id: "p1"}))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	p, err = svc.PutPatient(context.Background(), patientJSON(patientFields{family: "Lovelace"}))
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
}

func TestService_UpdatePatient(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryPatientRepo())

	p, err := svc.UpdatePatient(ctx, "p1", patientJSON(patientFields{family: "Lovelace"}))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = svc.UpdatePatient(ctx, "p1", patientJSON(patientFields{id: "p2"}))
	var invalid *InvalidError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, invalid.Msg, "does not match")
}

func TestService_RejectsNonPatient(t *testing.T) {
	svc := newTestService(NewMemoryPatientRepo())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `<Patient/>`},
		{"wrong type", `{"resourceType":"Observation"}`},
		{"bad field", `{"resourceType":"Patient","birthDate":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePatient(context.Background(), []byte(tt.body))
			var invalid *InvalidError
			assert.True(t, errors.As(err, &invalid), "got %v", err)
		})
	}
}

func TestService_SearchPatientsTokenValue(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(NewMemoryPatientRepo())
	_, err := svc.PutPatient(ctx, patientJSON(patientFields{id: "p1", ppn: "X1"}))
	require.NoError(t, err)

	got, total, err := svc.SearchPatients(ctx, "http://hl7.org/fhir/sid/passport-USA|X1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
}

func TestService_Import(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPatientRepo()
	svc := newTestService(repo)

	lines := []string{
		string(patientJSON(patientFields{id: "a", ppn: "X1", given: "Ada", family: "Lovelace"})),
		"",
		`{"resourceType":"Observation","id":"o1"}`,
		string(patientJSON(patientFields{id: "b", dl: "D1"})),
		`not json`,
	}
	res, err := svc.Import(ctx, strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Imported: 2, Failed: 2}, res)

	var ids []string
	err = repo.Candidates(ctx, matching.SearchKeys{PPN: "X1", DL: "D1"}, func(row matching.StoredPatient) error {
		ids = append(ids, row.ID)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

type failingRepo struct {
	PatientRepository
	err error
}

func (r failingRepo) Save(context.Context, *Patient) error { return r.err }

func TestService_ImportStopsOnStoreFailure(t *testing.T) {
	boom := errors.New("disk full")
	svc := newTestService(failingRepo{PatientRepository: NewMemoryPatientRepo(), err: boom})

	body := string(patientJSON(patientFields{id: "a"})) + "\n" + string(patientJSON(patientFields{id: "b"}))
	res, err := svc.Import(context.Background(), strings.NewReader(body))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "line 1")
	assert.Equal(t, 0, res.Imported)
}
