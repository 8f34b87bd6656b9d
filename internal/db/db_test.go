package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_windows.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql":  {Data: []byte("SELECT 2;")},
		"001_first.sql":   {Data: []byte("SELECT 1;")},
		"README.md":       {Data: []byte("docs")},
		"draft.sql":       {Data: []byte("SELECT 0;")},
	}

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 10} {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
}

func TestEmbeddedMigrations_CarryOverlapConstraint(t *testing.T) {
	migrations, err := EmbeddedMigrations()
	if err != nil {
		t.Fatalf("EmbeddedMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	schema := migrations[0].SQL
	if !strings.Contains(schema, "EXCLUDE USING gist") || !strings.Contains(schema, "'[)'") {
		t.Error("schema should exclude overlapping half-open appointment ranges")
	}
}

func TestErrorClassification(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("insert appointment: %w", &pgconn.PgError{Code: code})
	}

	if !IsSerializationFailure(wrap("40001")) {
		t.Error("40001 should be a serialization failure")
	}
	if !IsSerializationFailure(wrap("40P01")) {
		t.Error("deadlocks should be retried like serialization failures")
	}
	if !IsExclusionViolation(wrap("23P01")) {
		t.Error("23P01 should be an exclusion violation")
	}
	if !IsUniqueViolation(wrap("23505")) {
		t.Error("23505 should be a unique violation")
	}
	if IsExclusionViolation(errors.New("plain")) {
		t.Error("plain errors carry no code")
	}
}

func TestSerialTransactor_AfterCommitRunsOnlyOnSuccess(t *testing.T) {
	var tx SerialTransactor
	var ran []string

	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = append(ran, "committed") })
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	err = tx.InTx(context.Background(), func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = append(ran, "rolled back") })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if len(ran) != 1 || ran[0] != "committed" {
		t.Errorf("unexpected hooks run: %v", ran)
	}
}

func TestSerialTransactor_NestedJoinsOuter(t *testing.T) {
	var tx SerialTransactor
	order := []string{}

	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		return tx.InTx(ctx, func(inner context.Context) error {
			AfterCommit(inner, func(context.Context) { order = append(order, "inner hook") })
			order = append(order, "inner body")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("nested InTx should not deadlock: %v", err)
	}
	if len(order) != 2 || order[0] != "inner body" || order[1] != "inner hook" {
		t.Errorf("hook should run after the outer commit, got %v", order)
	}
}

func TestSerialTransactor_Serializes(t *testing.T) {
	var tx SerialTransactor
	var wg sync.WaitGroup
	var inside, maxInside atomic.Int32

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tx.InTx(context.Background(), func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Errorf("expected at most one unit of work at a time, saw %d", got)
	}
}

func TestAfterCommit_OutsideTransactionRunsNow(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func(context.Context) { ran = true })
	if !ran {
		t.Error("hook should run immediately without a transaction")
	}
	if InTransaction(context.Background()) {
		t.Error("background context carries no transaction")
	}
}

func TestSerialTransactor_UndoesOnFailure(t *testing.T) {
	var tx SerialTransactor
	store := map[string]bool{}

	err := tx.InTx(context.Background(), func(ctx context.Context) error {
		store["patient"] = true
		OnRollback(ctx, func() { delete(store, "patient") })
		store["appointment"] = true
		OnRollback(ctx, func() { delete(store, "appointment") })
		return errors.New("slot taken")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(store) != 0 {
		t.Errorf("expected writes to be undone, left %v", store)
	}
}

func TestDeferHooks_RunAfterFlush(t *testing.T) {
	var tx SerialTransactor
	var ran []string

	ctx, flush := DeferHooks(context.Background())
	innerCtx, innerFlush := DeferHooks(ctx)

	err := tx.InTx(innerCtx, func(ctx context.Context) error {
		AfterCommit(ctx, func(context.Context) { ran = append(ran, "published") })
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	innerFlush()
	if len(ran) != 0 {
		t.Fatalf("hooks should wait for the outer flush, ran %v", ran)
	}

	flush()
	if len(ran) != 1 {
		t.Fatalf("expected one hook after flush, ran %v", ran)
	}
	flush()
	if len(ran) != 1 {
		t.Errorf("flush should run each hook once, ran %v", ran)
	}
}

func TestAfterCommit_HookContextHasOwnDeadline(t *testing.T) {
	var tx SerialTransactor
	ctx, cancel := context.WithCancel(context.Background())

	var hookErr error
	var deadline time.Time
	var hasDeadline bool
	err := tx.InTx(ctx, func(ctx context.Context) error {
		AfterCommit(ctx, func(hookCtx context.Context) {
			hookErr = hookCtx.Err()
			deadline, hasDeadline = hookCtx.Deadline()
		})
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hookErr != nil {
		t.Errorf("a cancelled request should not cancel committed hooks: %v", hookErr)
	}
	if !hasDeadline || time.Until(deadline) > HookTimeout {
		t.Errorf("hook context should be bounded by %s, deadline set=%v", HookTimeout, hasDeadline)
	}
}
