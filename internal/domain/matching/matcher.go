package matching

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/priorauth/internal/platform/metrics"
)

const tracerName = "github.com/ehr/priorauth/internal/domain/matching"

// Options configure a Matcher. They are fixed at startup.
type Options struct {
	// ScoreFloor is the lowest admitted score.
	ScoreFloor int
	// MaxResults caps the returned matches; zero means unlimited.
	MaxResults int
	// IncludePhotoInCompositeWeight lets a photo satisfy the composite term
	// of the validator's total weight.
	IncludePhotoInCompositeWeight bool
	Scheme                        Scheme
	Profiles                      ProfileURLs
	// TracerProvider receives the match spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

func DefaultOptions() Options {
	return Options{
		IncludePhotoInCompositeWeight: true,
		Scheme:                        SchemeStandard,
		Profiles:                      DefaultProfileURLs(),
	}
}

// Result is the outcome of a successful match.
type Result struct {
	Input PatientRecord
	// Matches are the retained candidates in rank order.
	Matches []Match
	// Admitted counts every candidate at or above the floor, including those
	// cut by a result cap.
	Admitted int
	Scanned  int
}

// Matcher runs validation, retrieval and scoring for one $match input. It
// holds no per-request state and is safe for concurrent use.
type Matcher struct {
	normalizer *Normalizer
	validator  *Validator
	retriever  *Retriever
	scorer     *Scorer
	opts       Options
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     zerolog.Logger
}

func NewMatcher(source CandidateSource, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Matcher {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Matcher{
		normalizer: NewNormalizer(opts.Profiles, logger),
		validator:  NewValidator(opts.IncludePhotoInCompositeWeight),
		retriever:  NewRetriever(source),
		scorer:     NewScorer(opts.Scheme),
		opts:       opts,
		metrics:    m,
		tracer:     tp.Tracer(tracerName),
		logger:     logger,
	}
}

func (m *Matcher) Normalizer() *Normalizer { return m.normalizer }

func (m *Matcher) Options() Options { return m.opts }

// Match validates req.Patient against its claimed profile and ranks every
// stored candidate sharing a search key with it. A failed validation returns
// *Rejection. Store faults are wrapped with ErrStore; context errors are
// returned unwrapped. No partial result is ever returned with an error.
func (m *Matcher) Match(ctx context.Context, req *Request) (res *Result, err error) {
	ctx, span := m.tracer.Start(ctx, "matching.Match")
	defer func() { endSpan(span, err) }()

	input := m.normalizer.Normalize(req.Patient)
	span.SetAttributes(attribute.String("match.claimed_profile", input.ClaimedProfile.String()))

	if rej := m.validate(ctx, input, req); rej != nil {
		for _, p := range rej.Predicates {
			m.metrics.IncrementRejection(string(p), rej.Profile.String())
		}
		return nil, rej
	}

	floor := m.opts.ScoreFloor
	if req.OnlyCertainMatches && floor < certainScore {
		floor = certainScore
	}
	ranking := NewRanking(floor, resultLimit(m.opts.MaxResults, req.Count))

	scanned := 0
	start := time.Now()
	rctx, retrieveSpan := m.tracer.Start(ctx, "matching.retrieve")
	err = m.retriever.Retrieve(rctx, input, func(row StoredPatient) error {
		if err := rctx.Err(); err != nil {
			return err
		}
		scanned++
		candidate, dropped, err := DecodePatient(row.Resource)
		if err != nil {
			m.logger.Warn().Str("patient_id", row.ID).Err(err).Msg("skipping undecodable stored patient")
			return nil
		}
		if len(dropped) > 0 {
			m.logger.Debug().Str("patient_id", row.ID).Strs("fields", dropped).Msg("stored patient has ill-typed elements")
		}
		score := m.scorer.Score(input, m.normalizer.Normalize(&candidate))
		ranking.Offer(Match{ID: row.ID, Resource: row.Resource, Score: score})
		return nil
	})
	m.metrics.ObserveRetrieve(time.Since(start))
	retrieveSpan.SetAttributes(
		attribute.Int("match.candidates.scanned", scanned),
		attribute.Int("match.candidates.admitted", ranking.Admitted()),
	)
	endSpan(retrieveSpan, err)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res = &Result{
		Input:    input,
		Matches:  ranking.Results(),
		Admitted: ranking.Admitted(),
		Scanned:  scanned,
	}
	m.metrics.ObserveCandidates(res.Scanned, res.Admitted)
	m.logger.Debug().
		Str("claimed_profile", input.ClaimedProfile.String()).
		Int("scanned", res.Scanned).
		Int("admitted", res.Admitted).
		Msg("patient match complete")
	return res, nil
}

func (m *Matcher) validate(ctx context.Context, input PatientRecord, req *Request) *Rejection {
	_, span := m.tracer.Start(ctx, "matching.validate")
	defer span.End()

	rej := m.validator.Validate(input, req.Patient)
	if rej != nil {
		predicates := make([]string, 0, len(rej.Predicates))
		for _, p := range rej.Predicates {
			predicates = append(predicates, string(p))
		}
		span.SetAttributes(
			attribute.StringSlice("match.rejected_predicates", predicates),
			attribute.Int("match.total_weight", rej.TotalWeight),
		)
	}
	return rej
}

// endSpan ends span, marking it failed for any error other than a rejection.
func endSpan(span trace.Span, err error) {
	var rej *Rejection
	switch {
	case err == nil:
	case errors.As(err, &rej):
		span.SetAttributes(attribute.Bool("match.rejected", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// resultLimit combines the configured cap with a per-request count. Zero
// means unlimited.
func resultLimit(maxResults, count int) int {
	switch {
	case maxResults <= 0:
		return count
	case count <= 0:
		return maxResults
	case count < maxResults:
		return count
	}
	return maxResults
}
