package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/priorauth/internal/domain/matching"
	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/migrations"
)

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newTestClock() *testClock {
	return &testClock{cur: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type patientFields struct {
	id, ppn, dl, other   string
	given, family, birth string
	line, city, email    string
}

func patientJSON(f patientFields) []byte {
	res := map[string]any{"resourceType": "Patient"}
	if f.id != "" {
		res["id"] = f.id
	}
	var idents []any
	typed := func(code, value string) map[string]any {
		return map[string]any{
			"type":  map[string]any{"coding": []any{map[string]any{"code": code}}},
			"value": value,
		}
	}
	if f.ppn != "" {
		idents = append(idents, typed("PPN", f.ppn))
	}
	if f.dl != "" {
		idents = append(idents, typed("DL", f.dl))
	}
	if f.other != "" {
		idents = append(idents, map[string]any{"system": "urn:mrn", "value": f.other})
	}
	if len(idents) > 0 {
		res["identifier"] = idents
	}
	if f.given != "" || f.family != "" {
		name := map[string]any{}
		if f.given != "" {
			name["given"] = []string{f.given}
		}
		if f.family != "" {
			name["family"] = f.family
		}
		res["name"] = []any{name}
	}
	if f.birth != "" {
		res["birthDate"] = f.birth
	}
	if f.line != "" || f.city != "" {
		res["address"] = []any{map[string]any{"use": "home", "line": []string{f.line}, "city": f.city}}
	}
	if f.email != "" {
		res["telecom"] = []any{map[string]any{"system": "email", "value": f.email}}
	}
	b, err := json.Marshal(res)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestService(repo PatientRepository) *Service {
	return NewService(repo, matching.NewNormalizer(matching.DefaultProfileURLs(), zerolog.Nop()), zerolog.Nop())
}

type repoFactory func(t *testing.T, clock func() time.Time) PatientRepository

func repoFactories() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T, clock func() time.Time) PatientRepository {
			return &patientRepoMemory{patients: make(map[string]*Patient), now: clock}
		},
		"sqlite": func(t *testing.T, clock func() time.Time) PatientRepository {
			t.Helper()
			ctx := context.Background()
			sqlDB, err := db.OpenSQLite(ctx, ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { sqlDB.Close() })
			_, err = db.NewSQLiteMigrator(sqlDB, migrations.SQLite()).Up(ctx)
			require.NoError(t, err)
			return &patientRepoSQLite{db: sqlDB, now: clock}
		},
	}
}

func TestPatientRepository(t *testing.T) {
	for name, factory := range repoFactories() {
		t.Run(name, func(t *testing.T) {
			runRepositoryContract(t, factory)
		})
	}
}

// runRepositoryContract holds every store to the same behavior.
func runRepositoryContract(t *testing.T, factory repoFactory) {
	ctx := context.Background()

	setup := func(t *testing.T) (PatientRepository, *Service) {
		repo := factory(t, newTestClock().Now)
		return repo, newTestService(repo)
	}

	put := func(t *testing.T, svc *Service, f patientFields) *Patient {
		t.Helper()
		p, err := svc.PutPatient(ctx, patientJSON(f))
		require.NoError(t, err)
		return p
	}

	collect := func(t *testing.T, repo PatientRepository, keys matching.SearchKeys) []string {
		t.Helper()
		var ids []string
		err := repo.Candidates(ctx, keys, func(row matching.StoredPatient) error {
			ids = append(ids, row.ID)
			return nil
		})
		require.NoError(t, err)
		return ids
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		repo, svc := setup(t)
		saved := put(t, svc, patientFields{id: "p1", ppn: "X1", given: "Ada", family: "Lovelace"})

		got, err := repo.GetByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.ID)
		assert.JSONEq(t, string(saved.Resource), string(got.Resource))
		assert.Equal(t, "X1", got.Keys.PPN)
		assert.Equal(t, "ada", got.Keys.FirstName)
		assert.Equal(t, "lovelace", got.Keys.LastName)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo, _ := setup(t)
		_, err := repo.GetByID(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("UpsertKeepsCreatedAndReplacesKeys", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "p1", ppn: "X1", other: "MRN-1", family: "Lovelace"})
		first, err := repo.GetByID(ctx, "p1")
		require.NoError(t, err)

		put(t, svc, patientFields{id: "p1", ppn: "X2", other: "MRN-2", family: "Byron"})
		second, err := repo.GetByID(ctx, "p1")
		require.NoError(t, err)

		assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
		assert.Equal(t, "X2", second.Keys.PPN)

		assert.Empty(t, collect(t, repo, matching.SearchKeys{PPN: "X1"}))
		assert.Empty(t, collect(t, repo, matching.SearchKeys{OtherIdentifiers: []string{"MRN-1"}}))
		assert.Equal(t, []string{"p1"}, collect(t, repo, matching.SearchKeys{OtherIdentifiers: []string{"MRN-2"}}))
	})

	t.Run("Delete", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "p1", ppn: "X1"})

		require.NoError(t, repo.Delete(ctx, "p1"))
		_, err := repo.GetByID(ctx, "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "p1"), ErrNotFound)
		assert.Empty(t, collect(t, repo, matching.SearchKeys{PPN: "X1"}))
	})

	t.Run("SearchByIdentifier", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "a", ppn: "X1"})
		put(t, svc, patientFields{id: "b", dl: "X1"})
		put(t, svc, patientFields{id: "c", other: "X1"})
		put(t, svc, patientFields{id: "d", ppn: "Y9"})

		page, total, err := repo.Search(ctx, "X1", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, "a", page[0].ID)
		assert.Equal(t, "b", page[1].ID)

		page, total, err = repo.Search(ctx, "X1", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 1)
		assert.Equal(t, "c", page[0].ID)

		all, total, err := repo.Search(ctx, "", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, all, 4)
	})

	t.Run("CandidatesShareAKey", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "ppn", ppn: "X1"})
		put(t, svc, patientFields{id: "name", given: "ADA", family: "Byron"})
		put(t, svc, patientFields{id: "email", email: "ada@example.org"})
		put(t, svc, patientFields{id: "none", ppn: "Z9", given: "Bob", family: "Smith"})

		keys := matching.SearchKeys{
			PPN:       "X1",
			FirstName: "ada",
			Email:     "ada@example.org",
		}
		assert.ElementsMatch(t, []string{"ppn", "name", "email"}, collect(t, repo, keys))
		assert.Empty(t, collect(t, repo, matching.SearchKeys{}), "no keys recall nothing")
	})

	t.Run("CandidatesMostRecentFirst", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "a", family: "Lovelace"})
		put(t, svc, patientFields{id: "b", family: "Lovelace"})
		put(t, svc, patientFields{id: "c", family: "Lovelace"})
		put(t, svc, patientFields{id: "a", family: "Lovelace", given: "Ada"})

		assert.Equal(t, []string{"a", "c", "b"}, collect(t, repo, matching.SearchKeys{LastName: "lovelace"}))
	})

	t.Run("CandidatesStopOnYieldError", func(t *testing.T) {
		repo, svc := setup(t)
		put(t, svc, patientFields{id: "a", family: "Lovelace"})
		put(t, svc, patientFields{id: "b", family: "Lovelace"})

		stop := errors.New("stop")
		calls := 0
		err := repo.Candidates(ctx, matching.SearchKeys{LastName: "lovelace"}, func(matching.StoredPatient) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}
