package followup

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"joinflow/internal/store"
)

type recordedNudge struct {
	ContactID int64
	Kind      store.FollowUpKind
}

type fakeNudger struct {
	mu     sync.Mutex
	nudges []recordedNudge
	// mark mirrors the real service: set the flag unless asked not to
	st   store.Store
	skip bool

	block chan struct{} // when set, Nudge blocks until closed
}

func (f *fakeNudger) Nudge(ctx context.Context, rec store.OnboardingRecord, kind store.FollowUpKind) bool {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.nudges = append(f.nudges, recordedNudge{ContactID: rec.ContactID, Kind: kind})
	f.mu.Unlock()
	if f.skip {
		return false
	}
	if f.st != nil {
		_ = f.st.MarkFollowUpSent(ctx, rec.ContactID, kind)
	}
	return true
}

func (f *fakeNudger) recorded() []recordedNudge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedNudge(nil), f.nudges...)
}

func testSweeper(t *testing.T, now *time.Time) (*Service, *fakeNudger, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	st.SetClock(func() time.Time { return *now })
	n := &fakeNudger{st: st}
	svc := New(Config{EarlyAfter: time.Hour, LateAfter: 3 * time.Hour}, st, n, slog.New(slog.DiscardHandler))
	return svc, n, st
}

func TestSweepNudgesDueContacts(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, n, st := testSweeper(t, &now)
	ctx := context.Background()

	if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	if err := st.CreateOnboarding(ctx, 2, "Blake"); err != nil {
		t.Fatal(err)
	}

	// 70 minutes after the first record: only contact 1 crossed the 1h mark
	now = now.Add(40 * time.Minute)
	svc.Sweep(ctx)

	got := n.recorded()
	if len(got) != 1 || got[0] != (recordedNudge{ContactID: 1, Kind: store.FollowUp1h}) {
		t.Fatalf("nudges = %v, want one 1h nudge for contact 1", got)
	}

	// next sweep: contact 1 is flagged, contact 2 crosses 1h
	now = now.Add(40 * time.Minute)
	svc.Sweep(ctx)
	got = n.recorded()
	if len(got) != 2 || got[1].ContactID != 2 {
		t.Fatalf("nudges = %v, want contact 2 added", got)
	}

	// past 3h: both get the late nudge, 1h never repeats
	now = now.Add(3 * time.Hour)
	svc.Sweep(ctx)
	got = n.recorded()
	if len(got) != 4 {
		t.Fatalf("nudges = %v, want two 3h nudges added", got)
	}
	for _, ng := range got[2:] {
		if ng.Kind != store.FollowUp3h {
			t.Fatalf("late sweep sent %v", ng)
		}
	}
}

func TestSweepSkipsCompleted(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, n, st := testSweeper(t, &now)
	ctx := context.Background()

	if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkSetupCompleted(ctx, 1, true); err != nil {
		t.Fatal(err)
	}

	now = now.Add(4 * time.Hour)
	svc.Sweep(ctx)
	if got := n.recorded(); len(got) != 0 {
		t.Fatalf("completed contact nudged: %v", got)
	}
}

func TestSweepRetriesUnmarkedNextTick(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, n, st := testSweeper(t, &now)
	n.skip = true // nudger reports transient exhaustion
	ctx := context.Background()

	if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(90 * time.Minute)
	svc.Sweep(ctx)
	svc.Sweep(ctx)
	if got := n.recorded(); len(got) != 2 {
		t.Fatalf("nudges = %v, want a retry on the second tick", got)
	}

	// once delivery works the flag sticks
	n.skip = false
	svc.Sweep(ctx)
	svc.Sweep(ctx)
	if got := n.recorded(); len(got) != 3 {
		t.Fatalf("nudges = %v, want exactly one successful send", got)
	}
}

func TestOverlappingSweepSkipped(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	svc, n, st := testSweeper(t, &now)
	ctx := context.Background()

	if err := st.CreateOnboarding(ctx, 1, "Avery"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)

	n.block = make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Sweep(ctx)
	}()

	// wait for the first sweep to hold the lock inside the blocked nudger
	deadline := time.After(2 * time.Second)
	for {
		if len(n.recorded()) > 0 || !svc.sweepMu.TryLock() {
			break
		}
		svc.sweepMu.Unlock()
		select {
		case <-deadline:
			t.Fatal("first sweep never started")
		case <-time.After(time.Millisecond):
		}
	}

	svc.Sweep(ctx) // overlapping call must return immediately
	close(n.block)
	wg.Wait()

	if got := n.recorded(); len(got) != 1 {
		t.Fatalf("nudges = %v, want the overlapping sweep skipped", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Interval != 5*time.Minute || cfg.EarlyAfter != time.Hour || cfg.LateAfter != 3*time.Hour {
		t.Fatalf("defaults = %+v", cfg)
	}
}
