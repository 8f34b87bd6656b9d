package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/db"
)

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const patientColumns = `id, first_name, last_name, email, phone, document_id, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&p.Phone,
		&p.DocumentID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *PgDirectory) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := db.Conn(ctx, d.pool).QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (d *PgDirectory) FindByEmail(ctx context.Context, email string) (*Patient, error) {
	row := db.Conn(ctx, d.pool).QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE lower(email) = lower($1)
	`, email)
	return scanPatient(row)
}

func (d *PgDirectory) Create(ctx context.Context, p NewPatient) (*Patient, error) {
	row := db.Conn(ctx, d.pool).QueryRow(ctx, `
		INSERT INTO patients (id, first_name, last_name, email, phone, document_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, now(), now())
		RETURNING `+patientColumns,
		uuid.New(), p.FirstName, p.LastName, p.Email, p.Phone, p.DocumentID)

	created, err := scanPatient(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent booking created the same email first.
			return nil, apperr.Transient("create patient", err)
		}
		return nil, fmt.Errorf("insert patient: %w", err)
	}
	return created, nil
}
