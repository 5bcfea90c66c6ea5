package matching

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/ehr/priorauth/internal/domain/matching CandidateSource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStore marks a failure of the candidate store. Context errors are never
// wrapped with it.
var ErrStore = errors.New("candidate store failure")

// StoredPatient is one row streamed from the candidate store.
type StoredPatient struct {
	ID        string
	Resource  []byte
	UpdatedAt time.Time
}

// CandidateSource streams every stored patient sharing at least one search
// key with keys, most recently written first, from a single read snapshot.
// Returning an error from yield stops the stream and is returned as is.
type CandidateSource interface {
	Candidates(ctx context.Context, keys SearchKeys, yield func(StoredPatient) error) error
}

// Retriever performs disjunctive recall over a CandidateSource.
type Retriever struct {
	source CandidateSource
}

func NewRetriever(source CandidateSource) *Retriever {
	return &Retriever{source: source}
}

// Retrieve streams the candidates for r to yield. A record with no search
// key produces no candidates and does not touch the store.
func (rt *Retriever) Retrieve(ctx context.Context, r PatientRecord, yield func(StoredPatient) error) error {
	keys := r.SearchKeys()
	if keys.Empty() {
		return nil
	}
	err := rt.source.Candidates(ctx, keys, yield)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}
