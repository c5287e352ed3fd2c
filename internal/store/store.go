package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: record not found")
	ErrExists   = errors.New("store: record already exists")
)

// FollowUpKind selects one of the timed nudges.
type FollowUpKind string

const (
	FollowUp1h FollowUpKind = "1h"
	FollowUp3h FollowUpKind = "3h"
)

func (k FollowUpKind) Valid() bool { return k == FollowUp1h || k == FollowUp3h }

// OnboardingRecord is the persisted state-machine instance for one contact.
// Stage holds the snake_case stage value (see internal/onboarding).
type OnboardingRecord struct {
	ContactID       int64
	FirstName       string
	Stage           string
	CreatedAt       time.Time
	FollowUp1hSent  bool
	FollowUp3hSent  bool
	SetupCompleted  bool
	AccountVerified bool
}

// FollowUpSent returns the flag for the given kind.
func (r OnboardingRecord) FollowUpSent(kind FollowUpKind) bool {
	if kind == FollowUp3h {
		return r.FollowUp3hSent
	}
	return r.FollowUp1hSent
}

// PendingJoin records a join request the bot observed but has not approved
// yet (auto-approve disabled, or the approval call failed).
type PendingJoin struct {
	ChatID      int64
	UserID      int64
	FirstName   string
	RequestedAt time.Time
}

// Store is the persistence contract. All operations are idempotent except
// CreateOnboarding, which fails with ErrExists when a record is present.
// Implementations must be safe for concurrent use.
type Store interface {
	RecordContact(ctx context.Context, id int64) error
	RemoveContact(ctx context.Context, id int64) error
	CountContacts(ctx context.Context) (int64, error)
	// ContactIDs returns a snapshot of all known contact ids. Re-calling
	// re-evaluates against current state.
	ContactIDs(ctx context.Context) ([]int64, error)

	RecordGroup(ctx context.Context, id int64) error
	CountGroups(ctx context.Context) (int64, error)

	CreateOnboarding(ctx context.Context, id int64, firstName string) error
	GetOnboarding(ctx context.Context, id int64) (OnboardingRecord, error)
	SetStage(ctx context.Context, id int64, stage string) error
	MarkFollowUpSent(ctx context.Context, id int64, kind FollowUpKind) error
	MarkSetupCompleted(ctx context.Context, id int64, completed bool) error
	MarkAccountVerified(ctx context.Context, id int64, verified bool) error
	DeleteOnboarding(ctx context.Context, id int64) error
	// DueForFollowUp returns records older than threshold whose flag for the
	// given kind is still false and whose setup is not completed.
	DueForFollowUp(ctx context.Context, kind FollowUpKind, threshold time.Duration) ([]OnboardingRecord, error)

	RecordPendingJoin(ctx context.Context, p PendingJoin) error
	DeletePendingJoin(ctx context.Context, chatID, userID int64) error
	PendingJoins(ctx context.Context, chatID int64) ([]PendingJoin, error)

	Close() error
}
