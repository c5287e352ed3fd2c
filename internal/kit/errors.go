package kit

import (
	"errors"
	"fmt"
	"time"
)

// Recipient failure classes. Adapters map platform errors onto these so the
// rest of the system never inspects platform-specific error values.
//
// All four are permanent for a given send: retrying cannot succeed and only
// burns rate budget.
var (
	// ErrBlocked: the recipient blocked the bot.
	ErrBlocked = errors.New("recipient blocked the bot")
	// ErrDeactivated: the recipient account no longer exists.
	ErrDeactivated = errors.New("recipient account deactivated")
	// ErrNotStarted: the bot cannot initiate a conversation because the
	// recipient never started it.
	ErrNotStarted = errors.New("recipient has not started the bot")
	// ErrPeerInvalid: the platform does not recognize the recipient id.
	ErrPeerInvalid = errors.New("recipient id invalid")
)

// RetryAfterError carries a platform-mandated wait. The duration is
// authoritative: the dispatcher sleeps exactly this long before retrying.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.After)
}

// IsPermanentRecipient reports whether err is one of the recipient failure
// classes that must never be retried.
func IsPermanentRecipient(err error) bool {
	return errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrDeactivated) ||
		errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrPeerInvalid)
}
