package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/priorauth/internal/domain/matching"
)

type patientRepoMemory struct {
	mu       sync.RWMutex
	patients map[string]*Patient
	now      func() time.Time
}

// NewMemoryPatientRepo returns a repository that keeps patients in process
// memory. It applies the same recall predicate as the SQL stores.
func NewMemoryPatientRepo() PatientRepository {
	return &patientRepoMemory{
		patients: make(map[string]*Patient),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *patientRepoMemory) Save(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if existing, ok := r.patients[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	stored := *p
	stored.Resource = append([]byte(nil), p.Resource...)
	stored.Keys.OtherIdentifiers = uniqueValues(p.Keys.OtherIdentifiers)
	r.patients[p.ID] = &stored
	return nil
}

func (r *patientRepoMemory) GetByID(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (r *patientRepoMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[id]; !ok {
		return ErrNotFound
	}
	delete(r.patients, id)
	return nil
}

func (r *patientRepoMemory) Search(_ context.Context, identifier string, limit, offset int) ([]*Patient, int, error) {
	r.mu.RLock()
	var matched []*Patient
	for _, p := range r.patients {
		if identifier == "" || hasIdentifier(p.Keys, identifier) {
			out := *p
			matched = append(matched, &out)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Candidates copies the matching rows under the read lock and yields them
// after releasing it, so the stream is a snapshot.
func (r *patientRepoMemory) Candidates(ctx context.Context, keys matching.SearchKeys, yield func(matching.StoredPatient) error) error {
	r.mu.RLock()
	var rows []*Patient
	for _, p := range r.patients {
		if sharesKey(keys, p.Keys) {
			rows = append(rows, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	for _, p := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := yield(p.Stored()); err != nil {
			return err
		}
	}
	return nil
}

func hasIdentifier(k matching.SearchKeys, value string) bool {
	if k.PPN == value || k.DL == value {
		return true
	}
	for _, v := range k.OtherIdentifiers {
		if v == value {
			return true
		}
	}
	return false
}

// sharesKey is the in-memory form of candidateQuery.
func sharesKey(in, stored matching.SearchKeys) bool {
	eq := func(a, b string) bool { return a != "" && a == b }
	switch {
	case eq(in.ID, stored.ID), eq(in.PPN, stored.PPN), eq(in.DL, stored.DL),
		eq(in.FirstName, stored.FirstName), eq(in.LastName, stored.LastName),
		eq(in.BirthDate, stored.BirthDate), eq(in.Address, stored.Address),
		eq(in.City, stored.City), eq(in.State, stored.State),
		eq(in.Email, stored.Email), eq(in.Phone, stored.Phone):
		return true
	}
	for _, a := range in.OtherIdentifiers {
		for _, b := range stored.OtherIdentifiers {
			if eq(a, b) {
				return true
			}
		}
	}
	return false
}
