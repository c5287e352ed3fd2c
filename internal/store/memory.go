package store

import (
	"context"
	"sync"
	"time"
)

// Memory is a map-backed Store. It is the default driver for trial runs and
// the one the unit tests exercise.
type Memory struct {
	mu         sync.RWMutex
	contacts   map[int64]struct{}
	groups     map[int64]struct{}
	onboarding map[int64]OnboardingRecord
	pending    map[[2]int64]PendingJoin

	// now is the clock used for created_at and due computation.
	// Tests override it.
	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		contacts:   map[int64]struct{}{},
		groups:     map[int64]struct{}{},
		onboarding: map[int64]OnboardingRecord{},
		pending:    map[[2]int64]PendingJoin{},
		now:        time.Now,
	}
}

// SetClock replaces the store clock. Not safe to call concurrently with use.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) RecordContact(ctx context.Context, id int64) error {
	m.mu.Lock()
	m.contacts[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveContact(ctx context.Context, id int64) error {
	m.mu.Lock()
	delete(m.contacts, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CountContacts(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.contacts)), nil
}

func (m *Memory) ContactIDs(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) RecordGroup(ctx context.Context, id int64) error {
	m.mu.Lock()
	m.groups[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) CountGroups(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.groups)), nil
}

func (m *Memory) CreateOnboarding(ctx context.Context, id int64, firstName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.onboarding[id]; ok {
		return ErrExists
	}
	m.onboarding[id] = OnboardingRecord{
		ContactID: id,
		FirstName: firstName,
		Stage:     "welcome_sent",
		CreatedAt: m.now().UTC(),
	}
	return nil
}

func (m *Memory) GetOnboarding(ctx context.Context, id int64) (OnboardingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.onboarding[id]
	if !ok {
		return OnboardingRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) update(id int64, fn func(*OnboardingRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.onboarding[id]
	if !ok {
		return ErrNotFound
	}
	fn(&rec)
	m.onboarding[id] = rec
	return nil
}

func (m *Memory) SetStage(ctx context.Context, id int64, stage string) error {
	return m.update(id, func(r *OnboardingRecord) { r.Stage = stage })
}

func (m *Memory) MarkFollowUpSent(ctx context.Context, id int64, kind FollowUpKind) error {
	return m.update(id, func(r *OnboardingRecord) {
		if kind == FollowUp3h {
			r.FollowUp3hSent = true
		} else {
			r.FollowUp1hSent = true
		}
	})
}

func (m *Memory) MarkSetupCompleted(ctx context.Context, id int64, completed bool) error {
	return m.update(id, func(r *OnboardingRecord) { r.SetupCompleted = completed })
}

func (m *Memory) MarkAccountVerified(ctx context.Context, id int64, verified bool) error {
	return m.update(id, func(r *OnboardingRecord) { r.AccountVerified = verified })
}

func (m *Memory) DeleteOnboarding(ctx context.Context, id int64) error {
	m.mu.Lock()
	delete(m.onboarding, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DueForFollowUp(ctx context.Context, kind FollowUpKind, threshold time.Duration) ([]OnboardingRecord, error) {
	cutoff := m.now().UTC().Add(-threshold)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []OnboardingRecord
	for _, rec := range m.onboarding {
		if rec.CreatedAt.After(cutoff) {
			continue
		}
		if rec.SetupCompleted || rec.FollowUpSent(kind) {
			continue
		}
		due = append(due, rec)
	}
	return due, nil
}

func (m *Memory) RecordPendingJoin(ctx context.Context, p PendingJoin) error {
	if p.RequestedAt.IsZero() {
		p.RequestedAt = m.now().UTC()
	}
	m.mu.Lock()
	m.pending[[2]int64{p.ChatID, p.UserID}] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeletePendingJoin(ctx context.Context, chatID, userID int64) error {
	m.mu.Lock()
	delete(m.pending, [2]int64{chatID, userID})
	m.mu.Unlock()
	return nil
}

func (m *Memory) PendingJoins(ctx context.Context, chatID int64) ([]PendingJoin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PendingJoin
	for key, p := range m.pending {
		if chatID == 0 || key[0] == chatID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
