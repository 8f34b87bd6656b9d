package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor runs fn as one unit of work. A nested call joins the
// transaction already carried by ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

type txState struct {
	tx    pgx.Tx
	after []func(context.Context)
	undo  []func()
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// Conn returns the transaction carried by ctx, or fallback when there is none.
func Conn(ctx context.Context, fallback DBTX) DBTX {
	if st := stateFrom(ctx); st != nil && st.tx != nil {
		return st.tx
	}
	return fallback
}

// InTransaction reports whether ctx carries a unit of work.
func InTransaction(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// AfterCommit schedules fn to run once the outermost transaction commits.
// Outside a transaction fn runs immediately. Hooks never run after a rollback.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	if st := stateFrom(ctx); st != nil {
		st.after = append(st.after, fn)
		return
	}
	fn(ctx)
}

// OnRollback registers fn to run if the unit of work fails. In-memory stores
// use it to undo their writes; Postgres rolls back on its own.
func OnRollback(ctx context.Context, fn func()) {
	if st := stateFrom(ctx); st != nil {
		st.undo = append(st.undo, fn)
	}
}

func runUndo(st *txState) {
	for i := len(st.undo) - 1; i >= 0; i-- {
		st.undo[i]()
	}
}

// HookTimeout bounds the after-commit hooks of one unit of work. They run
// detached from the caller's cancellation, so this is their only deadline.
const HookTimeout = 5 * time.Second

type deferredKey struct{}

type deferredHooks struct {
	mu  sync.Mutex
	fns []func(context.Context)
}

// DeferHooks holds back the after-commit hooks of transactions started under
// the returned context until flush is called. Callers use it to run hooks
// after releasing a lock taken around the transaction. A nested call joins
// the outer queue and gets a no-op flush.
func DeferHooks(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(deferredKey{}).(*deferredHooks); ok {
		return ctx, func() {}
	}
	d := &deferredHooks{}
	flush := func() {
		d.mu.Lock()
		fns := d.fns
		d.fns = nil
		d.mu.Unlock()
		runHooks(ctx, fns)
	}
	return context.WithValue(ctx, deferredKey{}, d), flush
}

func runAfterCommit(ctx context.Context, st *txState) {
	if d, ok := ctx.Value(deferredKey{}).(*deferredHooks); ok {
		d.mu.Lock()
		d.fns = append(d.fns, st.after...)
		d.mu.Unlock()
		return
	}
	runHooks(ctx, st.after)
}

func runHooks(ctx context.Context, fns []func(context.Context)) {
	if len(fns) == 0 {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), HookTimeout)
	defer cancel()
	for _, fn := range fns {
		fn(hookCtx)
	}
}

// PgTransactor runs units of work in SERIALIZABLE transactions and retries
// serialization failures.
type PgTransactor struct {
	pool    *pgxpool.Pool
	retries int
	log     zerolog.Logger
}

func NewPgTransactor(pool *pgxpool.Pool, retries int, log zerolog.Logger) *PgTransactor {
	return &PgTransactor{pool: pool, retries: retries, log: log}
}

func (t *PgTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	var err error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.log.Debug().Int("attempt", attempt).Err(err).Msg("retrying serializable transaction")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
			}
		}

		st := &txState{}
		err = t.attempt(ctx, st, fn)
		if err == nil {
			runAfterCommit(ctx, st)
			return nil
		}
		runUndo(st)
		if !IsSerializationFailure(err) {
			return err
		}
	}

	return apperr.Transient("serializable transaction", err)
}

func (t *PgTransactor) attempt(ctx context.Context, st *txState, fn func(ctx context.Context) error) error {
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Transient("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	st.tx = tx
	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SerialTransactor serializes units of work in process. It gives in-memory
// stores the same isolation and after-commit behaviour as PgTransactor.
type SerialTransactor struct {
	mu sync.Mutex
}

func (t *SerialTransactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	t.mu.Lock()
	st := &txState{}
	err := fn(context.WithValue(ctx, txKey{}, st))
	if err != nil {
		runUndo(st)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	runAfterCommit(ctx, st)
	return nil
}

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeExclusionViolation   = "23P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsSerializationFailure(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

func IsForeignKeyViolation(err error) bool {
	return pgCode(err) == codeForeignKeyViolation
}

// IsExclusionViolation reports a hit on an EXCLUDE constraint, which is how
// the appointments table rejects overlapping bookings.
func IsExclusionViolation(err error) bool {
	return pgCode(err) == codeExclusionViolation
}
