package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/dental-scheduling/internal/db"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const windowColumns = `id, doctor_id, kind, date, weekday, start_minute, end_minute, slot_minutes, label, created_at`

func scanWindow(row pgx.Row) (*Window, error) {
	var (
		w           Window
		date        *time.Time
		weekday     *int
		start, end  int
		slotMinutes *int
	)
	err := row.Scan(
		&w.ID,
		&w.DoctorID,
		&w.Kind,
		&date,
		&weekday,
		&start,
		&end,
		&slotMinutes,
		&w.Label,
		&w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWindowNotFound
		}
		return nil, err
	}

	if date != nil {
		d := DateOf(date.UTC())
		w.Date = &d
	}
	if weekday != nil {
		wd := time.Weekday(*weekday)
		w.Weekday = &wd
	}
	w.Start, w.End = Clock(start), Clock(end)
	w.SlotMinutes = slotMinutes
	return &w, nil
}

func (s *PgStore) ListWindows(ctx context.Context, f WindowFilter) ([]Window, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Kind != nil {
		add("kind = $%d", string(*f.Kind))
	}
	if f.DoctorID != nil {
		add("(doctor_id IS NULL OR doctor_id = $%d)", *f.DoctorID)
	}
	if f.From != nil {
		add("(date IS NULL OR date >= $%d)", f.From.In(time.UTC))
	}
	if f.To != nil {
		add("(date IS NULL OR date <= $%d)", f.To.In(time.UTC))
	}

	query := `SELECT ` + windowColumns + ` FROM availability_windows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date NULLS LAST, weekday, start_minute, id`

	rows, err := db.Conn(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list availability windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan availability window: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PgStore) GetWindow(ctx context.Context, id uuid.UUID) (*Window, error) {
	row := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT `+windowColumns+`
		FROM availability_windows
		WHERE id = $1
	`, id)
	return scanWindow(row)
}

func (s *PgStore) InsertWindow(ctx context.Context, w Window) (*Window, error) {
	var (
		date    *time.Time
		weekday *int
	)
	if w.Date != nil {
		t := w.Date.In(time.UTC)
		date = &t
	}
	if w.Weekday != nil {
		wd := int(*w.Weekday)
		weekday = &wd
	}

	row := db.Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO availability_windows (id, doctor_id, kind, date, weekday, start_minute, end_minute, slot_minutes, label)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+windowColumns,
		w.ID, w.DoctorID, string(w.Kind), date, weekday, int(w.Start), int(w.End), w.SlotMinutes, w.Label,
	)
	created, err := scanWindow(row)
	if err != nil {
		return nil, fmt.Errorf("insert availability window: %w", err)
	}
	return created, nil
}

func (s *PgStore) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM availability_windows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete availability window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWindowNotFound
	}
	return nil
}
