package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
	"github.com/clinicflow/dental-scheduling/internal/db"
	"github.com/clinicflow/dental-scheduling/internal/events"
	redisclient "github.com/clinicflow/dental-scheduling/internal/redis"
)

type fixture struct {
	svc  *Service
	repo *MemoryRepository
	rec  *events.Recorder
}

func newFixture(t *testing.T, policy ConflictPolicy) fixture {
	t.Helper()
	repo := NewMemoryRepository()
	rec := &events.Recorder{}
	svc := NewService(Deps{
		Repo:      repo,
		Tx:        &db.SerialTransactor{},
		Policy:    policy,
		Publisher: rec,
		Log:       zerolog.Nop(),
	})
	return fixture{svc: svc, repo: repo, rec: rec}
}

func (f fixture) book(t *testing.T, doctor *uuid.UUID, start, end time.Time) *Appointment {
	t.Helper()
	appt, _, err := f.svc.Create(context.Background(), CreateParams{
		DoctorID:  doctor,
		PatientID: uuid.New(),
		Start:     start,
		End:       end,
	})
	if err != nil {
		t.Fatalf("book %s-%s: %v", start.Format("15:04"), end.Format("15:04"), err)
	}
	return appt
}

func TestCreate_StaffBookingConflict(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()
	existing := f.book(t, &doctor, at(10, 0), at(11, 0))
	if _, err := f.svc.Transition(context.Background(), existing.ID, StatusConfirmed); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	_, _, err := f.svc.Create(context.Background(), CreateParams{
		DoctorID:  &doctor,
		PatientID: uuid.New(),
		Start:     at(10, 30),
		End:       at(11, 30),
	})

	var conflict *apperr.SlotConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SlotConflict, got %v", err)
	}
	if conflict.AppointmentID != existing.ID {
		t.Errorf("conflict should name %s, got %s", existing.ID, conflict.AppointmentID)
	}
	if n := len(f.rec.OfType(events.TypeAppointmentCreated)); n != 1 {
		t.Errorf("rejected booking should publish nothing, got %d created events", n)
	}
}

func TestCreate_BoundariesAndScopes(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctorA, doctorB := uuid.New(), uuid.New()
	f.book(t, &doctorA, at(10, 0), at(11, 0))

	// Back to back with the same doctor.
	f.book(t, &doctorA, at(11, 0), at(12, 0))
	f.book(t, &doctorA, at(9, 0), at(10, 0))
	// Same time, different doctor.
	f.book(t, &doctorB, at(10, 0), at(11, 0))

	// A doctorless booking is checked against the whole clinic.
	_, _, err := f.svc.Create(context.Background(), CreateParams{
		PatientID: uuid.New(),
		Start:     at(10, 15),
		End:       at(10, 45),
	})
	if apperr.KindOf(err) != apperr.KindSlotConflict {
		t.Errorf("doctorless overlap should conflict clinic wide, got %v", err)
	}
}

func TestCreate_DoctorlessScopeDependsOnOrder(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()

	f.book(t, nil, at(10, 0), at(11, 0))
	f.book(t, &doctor, at(10, 0), at(11, 0))

	_, _, err := f.svc.Create(context.Background(), CreateParams{
		PatientID: uuid.New(),
		Start:     at(10, 0),
		End:       at(11, 0),
	})
	if apperr.KindOf(err) != apperr.KindSlotConflict {
		t.Errorf("a second doctorless booking should conflict, got %v", err)
	}
}

func TestCreate_CancelledFreesSlot(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()
	first := f.book(t, &doctor, at(10, 0), at(11, 0))

	if _, err := f.svc.Transition(context.Background(), first.ID, StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.book(t, &doctor, at(10, 0), at(11, 0))
}

func TestCreate_PolicyDecidesCompletedSlots(t *testing.T) {
	for _, tc := range []struct {
		policy   ConflictPolicy
		conflict bool
	}{
		{DefaultPolicy, false},
		{LegacyPolicy, true},
	} {
		t.Run(tc.policy.Name, func(t *testing.T) {
			f := newFixture(t, tc.policy)
			doctor := uuid.New()
			appt := f.book(t, &doctor, at(10, 0), at(11, 0))
			for _, st := range []Status{StatusConfirmed, StatusArrived, StatusCompleted} {
				if _, err := f.svc.Transition(context.Background(), appt.ID, st); err != nil {
					t.Fatalf("transition to %s: %v", st, err)
				}
			}

			_, _, err := f.svc.Create(context.Background(), CreateParams{
				DoctorID: &doctor, PatientID: uuid.New(), Start: at(10, 0), End: at(11, 0),
			})
			if got := apperr.KindOf(err) == apperr.KindSlotConflict; got != tc.conflict {
				t.Errorf("conflict = %v, want %v (err %v)", got, tc.conflict, err)
			}
		})
	}
}

func TestCreate_ReplayReturnsExistingBooking(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor, patient := uuid.New(), uuid.New()
	params := CreateParams{DoctorID: &doctor, PatientID: patient, Start: at(14, 0), End: at(15, 0)}

	first, replayed, err := f.svc.Create(context.Background(), params)
	if err != nil || replayed {
		t.Fatalf("first create: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := f.svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("replay should not fail: %v", err)
	}
	if !replayed || second.ID != first.ID {
		t.Errorf("expected replay of %s, got %s (replayed=%v)", first.ID, second.ID, replayed)
	}
	if n := len(f.repo.Events()); n != 1 {
		t.Errorf("replay should not write another audit row, got %d", n)
	}

	// Same patient, shifted time is a real conflict.
	params.Start, params.End = at(14, 30), at(15, 30)
	if _, _, err := f.svc.Create(context.Background(), params); apperr.KindOf(err) != apperr.KindSlotConflict {
		t.Errorf("expected conflict for shifted request, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	tests := []struct {
		name   string
		params CreateParams
	}{
		{"missing patient", CreateParams{Start: at(9, 0), End: at(10, 0)}},
		{"empty interval", CreateParams{PatientID: uuid.New(), Start: at(9, 0), End: at(9, 0)}},
		{"reversed interval", CreateParams{PatientID: uuid.New(), Start: at(10, 0), End: at(9, 0)}},
		{"arrived is not initial", CreateParams{PatientID: uuid.New(), Start: at(9, 0), End: at(10, 0), Status: StatusArrived}},
		{"unknown kind", CreateParams{PatientID: uuid.New(), Start: at(9, 0), End: at(10, 0), Kind: "ortho"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.Create(context.Background(), tt.params)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreate_ConfirmedInitialStatus(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	appt, _, err := f.svc.Create(context.Background(), CreateParams{
		PatientID: uuid.New(), Start: at(9, 0), End: at(10, 0), Status: StatusConfirmed, Reason: "  cleaning ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusConfirmed || appt.Kind != KindStandardHours {
		t.Errorf("unexpected appointment %+v", appt)
	}
	if appt.Reason == nil || *appt.Reason != "cleaning" {
		t.Errorf("reason should be trimmed, got %v", appt.Reason)
	}
}

func TestCreate_ConcurrentSameSlotOnlyOneWins(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()

	const workers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Create(context.Background(), CreateParams{
				DoctorID: &doctor, PatientID: uuid.New(), Start: at(10, 0), End: at(11, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			switch apperr.KindOf(err) {
			case "":
				created++
			case apperr.KindSlotConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != workers-1 {
		t.Errorf("expected 1 booking and %d conflicts, got %d and %d", workers-1, created, conflicts)
	}
}

func TestTransition(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	appt := f.book(t, nil, at(8, 0), at(9, 0))

	steps := []struct {
		to Status
		ok bool
	}{
		{StatusArrived, false},
		{StatusConfirmed, true},
		{StatusConfirmed, false},
		{StatusArrived, true},
		{StatusCancelled, false},
		{StatusCompleted, true},
		{StatusPending, false},
	}
	for _, step := range steps {
		_, err := f.svc.Transition(context.Background(), appt.ID, step.to)
		if step.ok && err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		if !step.ok {
			var inv *apperr.InvalidTransitionError
			if !errors.As(err, &inv) {
				t.Fatalf("transition to %s: expected InvalidTransition, got %v", step.to, err)
			}
		}
	}

	final, err := f.svc.Get(context.Background(), appt.ID)
	if err != nil || final.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v (%v)", final, err)
	}
	if n := len(f.rec.OfType(events.TypeAppointmentStatusChanged)); n != 3 {
		t.Errorf("expected 3 status events, got %d", n)
	}
}

func TestTransition_UnknownAppointmentAndStatus(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	if _, err := f.svc.Transition(context.Background(), uuid.New(), StatusConfirmed); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	appt := f.book(t, nil, at(8, 0), at(9, 0))
	if _, err := f.svc.Transition(context.Background(), appt.ID, "expired"); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
}

func TestTransition_ConcurrentConfirmOneWins(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	appt := f.book(t, nil, at(8, 0), at(9, 0))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transition(context.Background(), appt.ID, StatusConfirmed)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, invalid := 0, 0
	for err := range results {
		switch apperr.KindOf(err) {
		case "":
			ok++
		case apperr.KindInvalidTransition:
			invalid++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || invalid != 9 {
		t.Errorf("expected one winner, got ok=%d invalid=%d", ok, invalid)
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()
	appt := f.book(t, &doctor, at(10, 0), at(11, 0))
	other := f.book(t, &doctor, at(13, 0), at(14, 0))

	// Overlapping its own slot is fine.
	moved, err := f.svc.Reschedule(context.Background(), appt.ID, at(10, 30), at(11, 30))
	if err != nil {
		t.Fatalf("reschedule over own slot: %v", err)
	}
	if !moved.StartTime.Equal(at(10, 30)) || moved.ID != appt.ID {
		t.Errorf("expected in-place move, got %+v", moved)
	}

	_, err = f.svc.Reschedule(context.Background(), appt.ID, at(13, 30), at(14, 30))
	var conflict *apperr.SlotConflictError
	if !errors.As(err, &conflict) || conflict.AppointmentID != other.ID {
		t.Fatalf("expected conflict with %s, got %v", other.ID, err)
	}

	if _, err := f.svc.Reschedule(context.Background(), appt.ID, at(12, 0), at(11, 0)); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}

	for _, st := range []Status{StatusConfirmed, StatusArrived} {
		if _, err := f.svc.Transition(context.Background(), appt.ID, st); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if _, err := f.svc.Reschedule(context.Background(), appt.ID, at(16, 0), at(17, 0)); apperr.KindOf(err) != apperr.KindInvalidTransition {
		t.Errorf("arrived appointments cannot move, got %v", err)
	}
	if n := len(f.rec.OfType(events.TypeAppointmentRescheduled)); n != 1 {
		t.Errorf("expected 1 reschedule event, got %d", n)
	}
}

func TestList_FiltersAndClamps(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	doctor := uuid.New()
	for h := 8; h < 12; h++ {
		f.book(t, &doctor, at(h, 0), at(h+1, 0))
	}
	f.book(t, nil, at(8, 0), at(9, 0))

	from, to := at(9, 30), at(11, 0)
	got, err := f.svc.List(context.Background(), Filter{DoctorID: &doctor, From: &from, To: &to})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || !got[0].StartTime.Equal(at(9, 0)) || !got[1].StartTime.Equal(at(10, 0)) {
		t.Errorf("expected the 9:00 and 10:00 bookings, got %d", len(got))
	}

	all, err := f.svc.List(context.Background(), Filter{Limit: 10_000})
	if err != nil || len(all) != 5 {
		t.Errorf("expected 5 appointments, got %d (%v)", len(all), err)
	}

	if _, err := f.svc.List(context.Background(), Filter{From: &to, To: &from}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for reversed range, got %v", err)
	}
}

func TestQueueReminder_OnlyOnce(t *testing.T) {
	f := newFixture(t, DefaultPolicy)
	appt := f.book(t, nil, at(10, 0), at(11, 0))

	due, err := f.svc.DueReminders(context.Background(), at(9, 0), at(12, 0))
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due reminder, got %d (%v)", len(due), err)
	}

	queued, err := f.svc.QueueReminder(context.Background(), *appt, at(9, 0))
	if err != nil || !queued {
		t.Fatalf("first queue: queued=%v err=%v", queued, err)
	}
	queued, err = f.svc.QueueReminder(context.Background(), *appt, at(9, 5))
	if err != nil || queued {
		t.Errorf("second queue should be skipped: queued=%v err=%v", queued, err)
	}

	due, _ = f.svc.DueReminders(context.Background(), at(9, 0), at(12, 0))
	if len(due) != 0 {
		t.Errorf("reminded appointment should not be due again")
	}
	if n := len(f.rec.OfType(events.TypeReminderQueued)); n != 1 {
		t.Errorf("expected 1 reminder event, got %d", n)
	}
}

// flagLocker marks the scope as held while fn runs, or fails with err
// without running fn.
type flagLocker struct {
	mu   sync.Mutex
	held bool
	err  error
}

func (l *flagLocker) WithScheduleLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if l.err != nil {
		return l.err
	}
	l.setHeld(true)
	defer l.setHeld(false)
	return fn(ctx)
}

func (l *flagLocker) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
}

func (l *flagLocker) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

type publishCall struct {
	lockHeld    bool
	hasDeadline bool
	ctxErr      error
}

type lockAwarePublisher struct {
	locker *flagLocker
	calls  []publishCall
}

func (p *lockAwarePublisher) Publish(ctx context.Context, _ events.Event) error {
	_, ok := ctx.Deadline()
	p.calls = append(p.calls, publishCall{lockHeld: p.locker.isHeld(), hasDeadline: ok, ctxErr: ctx.Err()})
	return nil
}

func (p *lockAwarePublisher) Close() error { return nil }

func TestCreate_PublishesAfterScheduleLockReleased(t *testing.T) {
	locker := &flagLocker{}
	pub := &lockAwarePublisher{locker: locker}
	svc := NewService(Deps{
		Repo:      NewMemoryRepository(),
		Tx:        &db.SerialTransactor{},
		Locker:    locker,
		Policy:    DefaultPolicy,
		Publisher: pub,
		Log:       zerolog.Nop(),
	})
	doctor := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, _, err := svc.Create(ctx, CreateParams{
		DoctorID:  &doctor,
		PatientID: uuid.New(),
		Start:     at(10, 0),
		End:       at(11, 0),
	})
	cancel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.calls))
	}
	call := pub.calls[0]
	if call.lockHeld {
		t.Error("event was published while the schedule lock was held")
	}
	if !call.hasDeadline || call.ctxErr != nil {
		t.Errorf("publish context should carry its own live deadline: deadline=%v err=%v", call.hasDeadline, call.ctxErr)
	}
}

func TestCreate_ScheduleLockFailures(t *testing.T) {
	tests := []struct {
		name     string
		lockErr  error
		wantKind apperr.Kind
	}{
		{"redis down falls back to the transaction", fmt.Errorf("%w: dial tcp 127.0.0.1:1: connection refused", redisclient.ErrLockUnavailable), ""},
		{"busy lock is retryable", redisclient.ErrLockNotAcquired, apperr.KindPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			rec := &events.Recorder{}
			svc := NewService(Deps{
				Repo:      repo,
				Tx:        &db.SerialTransactor{},
				Locker:    &flagLocker{err: tt.lockErr},
				Policy:    DefaultPolicy,
				Publisher: rec,
				Log:       zerolog.Nop(),
			})

			appt, _, err := svc.Create(context.Background(), CreateParams{
				PatientID: uuid.New(),
				Start:     at(10, 0),
				End:       at(11, 0),
			})
			if got := apperr.KindOf(err); got != tt.wantKind {
				t.Fatalf("expected kind %q, got %q (%v)", tt.wantKind, got, err)
			}
			if tt.wantKind != "" {
				var perr *apperr.PersistenceError
				if !errors.As(err, &perr) || !perr.Retryable {
					t.Errorf("lock contention should be retryable, got %v", err)
				}
				return
			}
			if appt == nil {
				t.Fatal("expected the booking to be stored")
			}
			if n := len(rec.OfType(events.TypeAppointmentCreated)); n != 1 {
				t.Errorf("expected 1 created event, got %d", n)
			}

			_, _, err = svc.Create(context.Background(), CreateParams{
				PatientID: uuid.New(),
				Start:     at(10, 30),
				End:       at(11, 30),
			})
			if apperr.KindOf(err) != apperr.KindSlotConflict {
				t.Errorf("conflict check should still apply without the lock, got %v", err)
			}
		})
	}
}
