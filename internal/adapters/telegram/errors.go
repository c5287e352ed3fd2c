package telegram

import (
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	"joinflow/internal/kit"
)

// mapError translates telebot errors into the platform-neutral sentinels the
// rest of the code classifies on. Unknown errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return kit.ErrBlocked
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return kit.ErrDeactivated
	case errors.Is(err, tele.ErrNotStartedByUser):
		return kit.ErrNotStarted
	case errors.Is(err, tele.ErrChatNotFound):
		return kit.ErrPeerInvalid
	}
	return err
}
