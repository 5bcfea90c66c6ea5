package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/priorauth/internal/domain/matching"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

// sqliteTimeLayout is fixed width so that text ordering is time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type patientRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLitePatientRepo returns a repository over the embedded store.
func NewSQLitePatientRepo(db *sql.DB) PatientRepository {
	return &patientRepoSQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const upsertPatientSQLite = `
	INSERT INTO patient (
		id, resource, ppn, dl, first_name, last_name, birth_date,
		address_line, city, state, email, phone, created_at, updated_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (id) DO UPDATE SET
		resource=excluded.resource, ppn=excluded.ppn, dl=excluded.dl,
		first_name=excluded.first_name, last_name=excluded.last_name, birth_date=excluded.birth_date,
		address_line=excluded.address_line, city=excluded.city, state=excluded.state,
		email=excluded.email, phone=excluded.phone, updated_at=excluded.updated_at`

func (r *patientRepoSQLite) Save(ctx context.Context, p *Patient) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("patient save: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := r.now().Format(sqliteTimeLayout)
	k := p.Keys
	if _, err := tx.ExecContext(ctx, upsertPatientSQLite,
		p.ID, string(p.Resource), nullable(k.PPN), nullable(k.DL), nullable(k.FirstName), nullable(k.LastName),
		nullable(k.BirthDate), nullable(k.Address), nullable(k.City), nullable(k.State),
		nullable(k.Email), nullable(k.Phone), now, now,
	); err != nil {
		return fmt.Errorf("patient save: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM patient_other_identifier WHERE patient_id = ?`, p.ID); err != nil {
		return fmt.Errorf("patient save: clear identifiers: %w", err)
	}
	for _, v := range uniqueValues(k.OtherIdentifiers) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patient_other_identifier (patient_id, value) VALUES (?, ?)`, p.ID, v); err != nil {
			return fmt.Errorf("patient save: identifier: %w", err)
		}
	}

	var created, updated string
	if err := tx.QueryRowContext(ctx, `SELECT created_at, updated_at FROM patient WHERE id = ?`, p.ID).
		Scan(&created, &updated); err != nil {
		return fmt.Errorf("patient save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("patient save: commit: %w", err)
	}
	p.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
	p.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatientSQLite(row rowScanner) (*Patient, error) {
	var p Patient
	var resource, created, updated string
	if err := row.Scan(&p.ID, &resource, &created, &updated); err != nil {
		return nil, err
	}
	p.Resource = []byte(resource)
	p.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
	p.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
	return &p, nil
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id string) (*Patient, error) {
	p, err := scanPatientSQLite(r.db.QueryRowContext(ctx,
		`SELECT `+patientCols+` FROM `+patientTable+` WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *patientRepoSQLite) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM patient WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("patient delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patient delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoSQLite) Search(ctx context.Context, identifier string, limit, offset int) ([]*Patient, int, error) {
	q := identifierQuery(identifier, pfhir.QuestionPlaceholder)

	var total int
	if err := r.db.QueryRowContext(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient search count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("patient search: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatientSQLite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patient search scan: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("patient search: %w", err)
	}
	return patients, total, nil
}

// Candidates streams the recall set inside one read transaction. In WAL
// mode the transaction keeps the snapshot of its first read.
func (r *patientRepoSQLite) Candidates(ctx context.Context, keys matching.SearchKeys, yield func(matching.StoredPatient) error) error {
	q := candidateQuery(keys, pfhir.QuestionPlaceholder)

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	rows, err := tx.QueryContext(ctx, q.SelectSQL(), q.Args()...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row matching.StoredPatient
		var resource, updated string
		if err := rows.Scan(&row.ID, &resource, &updated); err != nil {
			return err
		}
		row.Resource = []byte(resource)
		row.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updated)
		if err := yield(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
