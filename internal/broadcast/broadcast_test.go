package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"joinflow/internal/dispatch"
	"joinflow/internal/kit"
	"joinflow/internal/store"
)

type fakeAdapter struct {
	mu        sync.Mutex
	sent      []string
	edits     []string
	copied    []int64
	forwarded []int64

	// deliverErr maps recipient chat id to the error every delivery returns.
	deliverErr map[int64]error
	// editFailures fails that many EditText calls before succeeding.
	editFailures int

	nextMsgID int
	release   chan struct{} // when set, deliveries block until closed
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsgID++
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextMsgID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editFailures > 0 {
		f.editFailures--
		return errors.New("bad gateway")
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	return nil
}

func (f *fakeAdapter) CopyMessage(ctx context.Context, src kit.MessageRef, to kit.ChatTarget) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, to.ChatID)
	return f.deliverErr[to.ChatID]
}

func (f *fakeAdapter) ForwardMessage(ctx context.Context, src kit.MessageRef, to kit.ChatTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, to.ChatID)
	return f.deliverErr[to.ChatID]
}

func (f *fakeAdapter) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error { return nil }

func (f *fakeAdapter) IsChatMember(ctx context.Context, chatID, userID int64) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) CreateInviteLink(ctx context.Context, chatID int64) (string, error) {
	return "https://t.me/+invite", nil
}

func testService(t *testing.T) (*Service, *fakeAdapter, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ad := &fakeAdapter{deliverErr: map[int64]error{}}
	log := slog.New(slog.DiscardHandler)
	disp := dispatch.New(dispatch.Config{MinInterval: time.Nanosecond, RetryMax: 1}, log)
	svc := New(Config{ProgressEvery: 2}, st, disp, ad, log)
	return svc, ad, st
}

func seedContacts(t *testing.T, st *store.Memory, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if err := st.RecordContact(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
}

var (
	srcMsg     = kit.MessageRef{ChatID: 500, MessageID: 42}
	statusChat = kit.ChatTarget{ChatID: 500}
)

func TestRunCopyTallies(t *testing.T) {
	svc, ad, st := testService(t)
	seedContacts(t, st, 1, 2, 3, 4, 5)
	ad.deliverErr[2] = kit.ErrBlocked
	ad.deliverErr[3] = kit.ErrDeactivated
	ad.deliverErr[4] = kit.ErrNotStarted
	ad.deliverErr[5] = errors.New("internal server error")

	tally, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat)
	if err != nil {
		t.Fatal(err)
	}
	want := Tally{Total: 5, Success: 1, Blocked: 1, Deactivated: 1, NotStarted: 1, Failed: 1, Elapsed: tally.Elapsed}
	if tally != want {
		t.Fatalf("tally = %+v, want %+v", tally, want)
	}
	if tally.Processed() != tally.Total {
		t.Fatalf("Processed() = %d, Total = %d", tally.Processed(), tally.Total)
	}
	if len(ad.forwarded) != 0 {
		t.Fatalf("copy mode forwarded %v", ad.forwarded)
	}
}

func TestRunForwardUsesForward(t *testing.T) {
	svc, ad, st := testService(t)
	seedContacts(t, st, 1, 2)

	tally, err := svc.Run(context.Background(), ModeForward, srcMsg, statusChat)
	if err != nil {
		t.Fatal(err)
	}
	if tally.Success != 2 || len(ad.forwarded) != 2 || len(ad.copied) != 0 {
		t.Fatalf("tally = %+v, forwarded = %v, copied = %v", tally, ad.forwarded, ad.copied)
	}
}

func TestRunRemovesDeadRecipients(t *testing.T) {
	svc, ad, st := testService(t)
	seedContacts(t, st, 1, 2, 3)
	ad.deliverErr[1] = kit.ErrBlocked
	ad.deliverErr[2] = kit.ErrDeactivated
	ad.deliverErr[3] = kit.ErrNotStarted

	if _, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat); err != nil {
		t.Fatal(err)
	}

	n, err := st.CountContacts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// blocked and deactivated are pruned, never-started is kept
	if n != 1 {
		t.Fatalf("contacts left = %d, want 1", n)
	}
	ids, err := st.ContactIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 3 {
		t.Fatalf("remaining contacts = %v, want [3]", ids)
	}
}

func TestRunEditsProgressAndFinalTally(t *testing.T) {
	svc, ad, st := testService(t)
	seedContacts(t, st, 1, 2, 3, 4, 5)

	if _, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat); err != nil {
		t.Fatal(err)
	}

	if len(ad.sent) != 1 || !strings.HasPrefix(ad.sent[0], "Broadcasting to 5 contacts") {
		t.Fatalf("status sends = %v", ad.sent)
	}
	// ProgressEvery=2 over 5 contacts: edits at 2 and 4, then the final tally
	if len(ad.edits) != 3 {
		t.Fatalf("edits = %v, want 2 progress edits plus the tally", ad.edits)
	}
	if ad.edits[0] != "Broadcasting... 2/5" || ad.edits[1] != "Broadcasting... 4/5" {
		t.Fatalf("progress edits = %v", ad.edits[:2])
	}
	final := ad.edits[2]
	if !strings.HasPrefix(final, "Broadcast finished in") || !strings.Contains(final, "Delivered: 5") {
		t.Fatalf("final edit = %q", final)
	}
}

func TestStatusEditsRetryThroughDispatcher(t *testing.T) {
	st := store.NewMemory()
	ad := &fakeAdapter{deliverErr: map[int64]error{}}
	log := slog.New(slog.DiscardHandler)
	disp := dispatch.New(dispatch.Config{
		MinInterval: time.Nanosecond,
		RetryMax:    2,
		RetryBase:   time.Nanosecond,
	}, log)
	svc := New(Config{ProgressEvery: 100}, st, disp, ad, log)
	seedContacts(t, st, 1)

	ad.editFailures = 1 // first tally edit attempt fails transiently
	tally, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat)
	if err != nil {
		t.Fatal(err)
	}
	if tally.Success != 1 {
		t.Fatalf("tally = %+v", tally)
	}
	if len(ad.edits) != 1 || !strings.HasPrefix(ad.edits[0], "Broadcast finished") {
		t.Fatalf("edits = %v, want the tally edit delivered on retry", ad.edits)
	}
}

func TestRunBusy(t *testing.T) {
	svc, ad, st := testService(t)
	seedContacts(t, st, 1)
	ad.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat)
		done <- err
	}()

	// wait for the first job to hold the lock inside the blocked delivery
	deadline := time.After(2 * time.Second)
	for svc.jobMu.TryLock() {
		svc.jobMu.Unlock()
		select {
		case <-deadline:
			t.Fatal("first job never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := svc.Run(context.Background(), ModeCopy, srcMsg, statusChat); !errors.Is(err, ErrBusy) {
		t.Fatalf("second run err = %v, want ErrBusy", err)
	}

	close(ad.release)
	if err := <-done; err != nil {
		t.Fatalf("first run err = %v", err)
	}
}

func TestRunCancelledMidJob(t *testing.T) {
	svc, _, st := testService(t)
	seedContacts(t, st, 1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tally, err := svc.Run(ctx, ModeCopy, srcMsg, statusChat)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if tally.Processed() != 0 {
		t.Fatalf("tally = %+v, want nothing processed", tally)
	}
}
