package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/priorauth/internal/domain/matching"
	"github.com/ehr/priorauth/internal/platform/db"
	pfhir "github.com/ehr/priorauth/internal/platform/fhir"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const upsertPatientPG = `
	INSERT INTO patient (
		id, resource, ppn, dl, first_name, last_name, birth_date,
		address_line, city, state, email, phone
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		resource=EXCLUDED.resource, ppn=EXCLUDED.ppn, dl=EXCLUDED.dl,
		first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name, birth_date=EXCLUDED.birth_date,
		address_line=EXCLUDED.address_line, city=EXCLUDED.city, state=EXCLUDED.state,
		email=EXCLUDED.email, phone=EXCLUDED.phone, updated_at=NOW()
	RETURNING created_at, updated_at`

func (r *patientRepoPG) Save(ctx context.Context, p *Patient) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		conn := db.Conn(ctx, r.pool)
		k := p.Keys
		err := conn.QueryRow(ctx, upsertPatientPG,
			p.ID, []byte(p.Resource), nullable(k.PPN), nullable(k.DL), nullable(k.FirstName), nullable(k.LastName),
			nullable(k.BirthDate), nullable(k.Address), nullable(k.City), nullable(k.State),
			nullable(k.Email), nullable(k.Phone),
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("patient save: %w", err)
		}

		if _, err := conn.Exec(ctx, `DELETE FROM patient_other_identifier WHERE patient_id = $1`, p.ID); err != nil {
			return fmt.Errorf("patient save: clear identifiers: %w", err)
		}
		for _, v := range uniqueValues(k.OtherIdentifiers) {
			if _, err := conn.Exec(ctx,
				`INSERT INTO patient_other_identifier (patient_id, value) VALUES ($1, $2)`, p.ID, v); err != nil {
				return fmt.Errorf("patient save: identifier: %w", err)
			}
		}
		return nil
	})
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	var resource []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM `+patientTable+` WHERE p.id = $1`, id).
		Scan(&p.ID, &resource, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	p.Resource = resource
	return &p, nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("patient delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Search(ctx context.Context, identifier string, limit, offset int) ([]*Patient, int, error) {
	q := identifierQuery(identifier, pfhir.DollarPlaceholder)
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patient search count: %w", err)
	}

	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("patient search: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		var p Patient
		var resource []byte
		if err := rows.Scan(&p.ID, &resource, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("patient search scan: %w", err)
		}
		p.Resource = resource
		patients = append(patients, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("patient search: %w", err)
	}
	return patients, total, nil
}

// Candidates streams the recall set from a read-only repeatable-read
// transaction, so every row comes from the same snapshot.
func (r *patientRepoPG) Candidates(ctx context.Context, keys matching.SearchKeys, yield func(matching.StoredPatient) error) error {
	q := candidateQuery(keys, pfhir.DollarPlaceholder)
	return db.WithTx(ctx, r.pool, db.SnapshotTxOptions, func(ctx context.Context) error {
		rows, err := db.Conn(ctx, r.pool).Query(ctx, q.SelectSQL(), q.Args()...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row matching.StoredPatient
			if err := rows.Scan(&row.ID, &row.Resource, &row.UpdatedAt); err != nil {
				return err
			}
			if err := yield(row); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
