package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/config"
	"github.com/ehr/priorauth/internal/domain/identity"
	"github.com/ehr/priorauth/internal/domain/matching"
	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/internal/platform/db"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
	"github.com/ehr/priorauth/internal/platform/hipaa"
	"github.com/ehr/priorauth/internal/platform/metrics"
	"github.com/ehr/priorauth/internal/platform/middleware"
	"github.com/ehr/priorauth/migrations"
)

const serverVersion = "0.1.0"

// store holds the open patient store and its audit table. The memory store
// has no audit table.
type store struct {
	driver   string
	pool     *pgxpool.Pool
	sqlDB    *sql.DB
	patients identity.PatientRepository
	audit    hipaa.Recorder
	health   echo.HandlerFunc
}

// openStore connects to the configured store. With migrate the pending
// schema migrations are applied first.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*store, error) {
	s := &store{driver: cfg.StoreDriver}
	var migrator *db.Migrator

	switch cfg.StoreDriver {
	case config.DriverMemory:
		s.patients = identity.NewMemoryPatientRepo()
		s.health = func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "driver": config.DriverMemory})
		}
		return s, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.sqlDB = sqlDB
		s.patients = identity.NewSQLitePatientRepo(sqlDB)
		s.audit = hipaa.NewSQLAuditLogger(sqlDB)
		s.health = db.SQLHealthHandler(sqlDB)
		migrator = db.NewSQLiteMigrator(sqlDB, migrations.SQLite())
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		s.patients = identity.NewPatientRepo(pool)
		s.audit = hipaa.NewAuditLogger(pool)
		s.health = db.HealthHandler(pool)
		migrator = db.NewMigrator(pool, migrations.Postgres())
	}

	if migrate {
		n, err := migrator.Up(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate %s store: %w", s.driver, err)
		}
		logger.Info().Str("driver", s.driver).Int("applied", n).Msg("store migrations applied")
	}
	return s, nil
}

func (s *store) migrator() (*db.Migrator, error) {
	switch {
	case s.sqlDB != nil:
		return db.NewSQLiteMigrator(s.sqlDB, migrations.SQLite()), nil
	case s.pool != nil:
		return db.NewMigrator(s.pool, migrations.Postgres()), nil
	}
	return nil, fmt.Errorf("the %s store has no schema", s.driver)
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		s.sqlDB.Close()
	}
}

// serverContext is everything a running server shares. It is built once at
// startup and only read afterwards.
type serverContext struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *store
	redis     *redis.Client
	metrics   *metrics.Metrics
	matchOpts matching.Options
	recorder  hipaa.Recorder
}

func matchOptions(cfg *config.Config) (matching.Options, error) {
	scheme, err := matching.ParseScheme(cfg.MatchScoringScheme)
	if err != nil {
		return matching.Options{}, err
	}
	return matching.Options{
		ScoreFloor:                    cfg.MatchScoreFloor,
		MaxResults:                    cfg.MatchMaxResults,
		IncludePhotoInCompositeWeight: cfg.MatchIncludePhotoWeight,
		Scheme:                        scheme,
		Profiles: matching.ProfileURLs{
			Base: cfg.ProfileURLBase,
			L0:   cfg.ProfileURLL0,
			L1:   cfg.ProfileURLL1,
		},
	}, nil
}

func newServerContext(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*serverContext, error) {
	opts, err := matchOptions(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger, true)
	if err != nil {
		return nil, err
	}
	sc := &serverContext{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		metrics:   metrics.New(),
		matchOpts: opts,
	}

	recorders := []hipaa.Recorder{st.audit, hipaa.NewLogSink(logger)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		sc.redis = redis.NewClient(redisOpts)
		if err := sc.redis.Ping(ctx).Err(); err != nil {
			// events still reach the store and the log
			logger.Warn().Err(err).Msg("redis unreachable, audit stream will retry per event")
		}
		recorders = append(recorders, hipaa.NewStreamSink(sc.redis, cfg.AuditStream, 0))
	}
	sc.recorder = hipaa.FanOut(recorders...)
	return sc, nil
}

func (sc *serverContext) Close() {
	if sc.redis != nil {
		if err := sc.redis.Close(); err != nil {
			sc.logger.Warn().Err(err).Msg("close redis")
		}
	}
	sc.store.Close()
}

// newRouter builds the HTTP surface.
func newRouter(sc *serverContext) (*echo.Echo, error) {
	cfg, logger := sc.cfg, sc.logger

	parser, err := matching.NewRequestParser(cfg.StrictR4Parse)
	if err != nil {
		return nil, fmt.Errorf("build $match parser: %w", err)
	}
	matcher := matching.NewMatcher(sc.store.patients, sc.matchOpts, sc.metrics, logger)
	identitySvc := identity.NewService(sc.store.patients, matcher.Normalizer(), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhirErrorHandler(logger)

	// Audit sits outside recovery and auth so that panics and rejected
	// credentials are still recorded.
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Audit(sc.recorder, logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderAccept, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.AuthEnabled() {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": serverVersion,
		})
	})
	e.GET("/health/db", sc.store.health)
	e.GET("/metrics", echo.WrapHandler(sc.metrics.Handler()))

	fhirGroup := e.Group("/fhir", pfhir.ContentNegotiationMiddleware())

	capBuilder := pfhir.NewCapabilityBuilder(cfg.BaseURL, serverVersion)
	capBuilder.BearerAuth = cfg.AuthEnabled()
	capBuilder.AddResource("Patient", []string{"read", "search-type", "create", "update", "delete"}, []pfhir.SearchParam{
		{Name: "identifier", Type: "token"},
	})
	capBuilder.SetProfile("Patient", sc.matchOpts.Profiles.Base)
	capBuilder.AddOperation("Patient", pfhir.OperationCapability{
		Name:       "match",
		Definition: "http://hl7.org/fhir/OperationDefinition/Patient-match",
	})
	pfhir.NewCapabilityHandler(capBuilder).RegisterRoutes(fhirGroup)

	matching.NewHandler(matcher, parser, cfg.BaseURL, sc.metrics, logger).
		RegisterRoutes(fhirGroup,
			auth.RequireScope("Patient", "read"),
			middleware.RateLimit(middleware.RateLimitConfig{
				RequestsPerMinute: cfg.MatchRatePerMinute,
				Burst:             cfg.MatchRateBurst,
			}))
	identity.NewHandler(identitySvc, cfg.BaseURL, logger).RegisterRoutes(fhirGroup)

	return e, nil
}

// fhirErrorHandler renders errors that escape the handlers, such as
// authentication failures, as OperationOutcome under /fhir/.
func fhirErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := pfhir.GenericFailureDiagnostics
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		} else {
			logger.Error().Err(err).Msg("unhandled error")
		}

		issue := pfhir.IssueTypeException
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			issue = pfhir.IssueTypeSecurity
		case http.StatusNotFound:
			issue = pfhir.IssueTypeNotFound
		case http.StatusRequestEntityTooLarge:
			issue = pfhir.IssueTypeTooCostly
		case http.StatusMethodNotAllowed:
			issue = pfhir.IssueTypeNotSupported
		case http.StatusTooManyRequests:
			issue = pfhir.IssueTypeThrottled
		}
		if err := pfhir.Render(c, code, pfhir.NewOperationOutcome(pfhir.IssueSeverityError, issue, msg)); err != nil {
			logger.Error().Err(err).Msg("render error response")
		}
	}
}
