package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// the contract tests run against every embedded driver
func testStores(t *testing.T, now *time.Time) map[string]Store {
	t.Helper()
	clock := func() time.Time { return *now }

	mem := NewMemory()
	mem.SetClock(clock)

	sq, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "flow.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sq.(*sqliteStore).now = clock
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestOnboardingLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range testStores(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := st.CreateOnboarding(ctx, 42, "Lena"); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.CreateOnboarding(ctx, 42, "Lena"); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create: err = %v, want ErrExists", err)
			}

			rec, err := st.GetOnboarding(ctx, 42)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.ContactID != 42 || rec.FirstName != "Lena" {
				t.Fatalf("record = %+v", rec)
			}
			if rec.Stage != "welcome_sent" {
				t.Fatalf("stage = %q, want welcome_sent", rec.Stage)
			}
			if !rec.CreatedAt.Equal(now) {
				t.Fatalf("created_at = %v, want %v", rec.CreatedAt, now)
			}
			if rec.FollowUp1hSent || rec.FollowUp3hSent || rec.SetupCompleted || rec.AccountVerified {
				t.Fatalf("fresh record has flags set: %+v", rec)
			}

			if err := st.SetStage(ctx, 42, "verified"); err != nil {
				t.Fatalf("set stage: %v", err)
			}
			if err := st.MarkFollowUpSent(ctx, 42, FollowUp1h); err != nil {
				t.Fatalf("mark 1h: %v", err)
			}
			if err := st.MarkSetupCompleted(ctx, 42, true); err != nil {
				t.Fatalf("mark completed: %v", err)
			}
			if err := st.MarkAccountVerified(ctx, 42, true); err != nil {
				t.Fatalf("mark verified: %v", err)
			}

			rec, err = st.GetOnboarding(ctx, 42)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Stage != "verified" || !rec.FollowUp1hSent || rec.FollowUp3hSent ||
				!rec.SetupCompleted || !rec.AccountVerified {
				t.Fatalf("record after updates = %+v", rec)
			}

			if err := st.DeleteOnboarding(ctx, 42); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.GetOnboarding(ctx, 42); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get deleted: err = %v, want ErrNotFound", err)
			}
			if err := st.SetStage(ctx, 42, "verified"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("set stage on missing: err = %v, want ErrNotFound", err)
			}

			// delete + recreate restarts the clock
			now = now.Add(45 * time.Minute)
			if err := st.CreateOnboarding(ctx, 42, "Lena"); err != nil {
				t.Fatalf("recreate: %v", err)
			}
			rec, err = st.GetOnboarding(ctx, 42)
			if err != nil {
				t.Fatalf("get recreated: %v", err)
			}
			if !rec.CreatedAt.Equal(now) {
				t.Fatalf("recreated created_at = %v, want %v", rec.CreatedAt, now)
			}
			if rec.FollowUp1hSent || rec.SetupCompleted {
				t.Fatalf("recreated record inherited flags: %+v", rec)
			}
		})
	}
}

func TestDueForFollowUp(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start
	for name, st := range testStores(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now = start

			if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
				t.Fatalf("create: %v", err)
			}

			due := mustDue(t, st, FollowUp1h, time.Hour)
			if len(due) != 0 {
				t.Fatalf("due immediately after create: %v", due)
			}

			now = start.Add(59 * time.Minute)
			if due = mustDue(t, st, FollowUp1h, time.Hour); len(due) != 0 {
				t.Fatalf("due one minute early: %v", due)
			}

			// due exactly at the threshold
			now = start.Add(time.Hour)
			due = mustDue(t, st, FollowUp1h, time.Hour)
			if len(due) != 1 || due[0].ContactID != 1 {
				t.Fatalf("due at threshold = %v, want contact 1", due)
			}

			// the 3h nudge has its own flag and threshold
			if due = mustDue(t, st, FollowUp3h, 3*time.Hour); len(due) != 0 {
				t.Fatalf("3h due too early: %v", due)
			}

			if err := st.MarkFollowUpSent(ctx, 1, FollowUp1h); err != nil {
				t.Fatalf("mark 1h: %v", err)
			}
			if due = mustDue(t, st, FollowUp1h, time.Hour); len(due) != 0 {
				t.Fatalf("1h due after flag set: %v", due)
			}

			now = start.Add(3 * time.Hour)
			due = mustDue(t, st, FollowUp3h, 3*time.Hour)
			if len(due) != 1 {
				t.Fatalf("3h due = %v, want one record", due)
			}

			// completion removes the contact from every sweep
			if err := st.MarkSetupCompleted(ctx, 1, true); err != nil {
				t.Fatalf("mark completed: %v", err)
			}
			if due = mustDue(t, st, FollowUp3h, 3*time.Hour); len(due) != 0 {
				t.Fatalf("due after completion: %v", due)
			}
		})
	}
}

// Fractional-second timestamps must not shift due-ness: the sqlite driver
// compares TEXT timestamps, so a variable-width fraction would sort a
// whole-second value after a sub-second cutoff in the same second.
func TestDueForFollowUpSubsecond(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 123456789, time.UTC)
	now := start
	for name, st := range testStores(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now = start

			if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
				t.Fatalf("create: %v", err)
			}

			// cutoff lands on the exact whole second of the creation instant
			now = start.Add(time.Hour).Truncate(time.Second)
			if due := mustDue(t, st, FollowUp1h, time.Hour); len(due) != 0 {
				t.Fatalf("due before the full hour elapsed: %v", due)
			}

			now = start.Add(time.Hour)
			due := mustDue(t, st, FollowUp1h, time.Hour)
			if len(due) != 1 {
				t.Fatalf("due at threshold = %v, want one record", due)
			}
			if !due[0].CreatedAt.Equal(start) {
				t.Fatalf("created_at = %v, want %v", due[0].CreatedAt, start)
			}
		})
	}
}

func mustDue(t *testing.T, st Store, kind FollowUpKind, threshold time.Duration) []OnboardingRecord {
	t.Helper()
	due, err := st.DueForFollowUp(context.Background(), kind, threshold)
	if err != nil {
		t.Fatalf("due query: %v", err)
	}
	return due
}

func TestContactsAndGroups(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for name, st := range testStores(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, id := range []int64{10, 11, 10} {
				if err := st.RecordContact(ctx, id); err != nil {
					t.Fatalf("record contact %d: %v", id, err)
				}
			}
			if n, _ := st.CountContacts(ctx); n != 2 {
				t.Fatalf("contacts = %d, want 2", n)
			}

			ids, err := st.ContactIDs(ctx)
			if err != nil {
				t.Fatalf("contact ids: %v", err)
			}
			if len(ids) != 2 {
				t.Fatalf("ids = %v, want two entries", ids)
			}

			if err := st.RemoveContact(ctx, 10); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if n, _ := st.CountContacts(ctx); n != 1 {
				t.Fatalf("contacts after remove = %d, want 1", n)
			}
			// removing twice is a no-op
			if err := st.RemoveContact(ctx, 10); err != nil {
				t.Fatalf("remove again: %v", err)
			}

			if err := st.RecordGroup(ctx, -100); err != nil {
				t.Fatalf("record group: %v", err)
			}
			if err := st.RecordGroup(ctx, -100); err != nil {
				t.Fatalf("record group again: %v", err)
			}
			if n, _ := st.CountGroups(ctx); n != 1 {
				t.Fatalf("groups = %d, want 1", n)
			}
		})
	}
}

func TestPendingJoins(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for name, st := range testStores(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			joins := []PendingJoin{
				{ChatID: -1, UserID: 100, FirstName: "Ada"},
				{ChatID: -1, UserID: 101, FirstName: "Ben"},
				{ChatID: -2, UserID: 100, FirstName: "Ada"},
			}
			for _, p := range joins {
				if err := st.RecordPendingJoin(ctx, p); err != nil {
					t.Fatalf("record pending %+v: %v", p, err)
				}
			}
			// recording the same request twice keeps one row
			if err := st.RecordPendingJoin(ctx, joins[0]); err != nil {
				t.Fatalf("re-record pending: %v", err)
			}

			got, err := st.PendingJoins(ctx, -1)
			if err != nil {
				t.Fatalf("pending for chat: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("pending for chat -1 = %v, want 2", got)
			}

			all, err := st.PendingJoins(ctx, 0)
			if err != nil {
				t.Fatalf("pending all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("pending all = %v, want 3", all)
			}

			if err := st.DeletePendingJoin(ctx, -1, 100); err != nil {
				t.Fatalf("delete pending: %v", err)
			}
			if err := st.DeletePendingJoin(ctx, -1, 100); err != nil {
				t.Fatalf("delete pending again: %v", err)
			}
			got, _ = st.PendingJoins(ctx, -1)
			if len(got) != 1 || got[0].UserID != 101 {
				t.Fatalf("pending after delete = %v", got)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFollowUpKindValid(t *testing.T) {
	if !FollowUp1h.Valid() || !FollowUp3h.Valid() {
		t.Fatal("known kinds must be valid")
	}
	if FollowUpKind("2h").Valid() {
		t.Fatal("unknown kind must be invalid")
	}
}
