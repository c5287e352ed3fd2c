package onboarding

import "fmt"

// Stage is a contact's position in the funnel. The wire values are stable;
// the store persists them as strings.
type Stage string

const (
	// StageWelcomeSent: record created, first welcome not yet confirmed
	// delivered. Every creation path writes this before attempting delivery.
	StageWelcomeSent Stage = "welcome_sent"
	// StageWelcomeDelivered: welcome + immediate follow-up confirmed
	// dispatched.
	StageWelcomeDelivered Stage = "welcome_actually_sent"
	// StageStartClicked: setup instructions sent after the start command.
	StageStartClicked Stage = "start_clicked"
	// StageVerified: setup instructions sent after the subscription check
	// callback confirmed membership.
	StageVerified Stage = "verified"
	// StageSetupReminderSent: contact declined the setup prompt; still
	// eligible for the late nudge.
	StageSetupReminderSent Stage = "setup_reminder_sent"
	// StageCompleted: contact affirmed setup. Terminal.
	StageCompleted Stage = "completed"
)

func (s Stage) String() string { return string(s) }

func ParseStage(v string) (Stage, error) {
	switch Stage(v) {
	case StageWelcomeSent, StageWelcomeDelivered, StageStartClicked,
		StageVerified, StageSetupReminderSent, StageCompleted:
		return Stage(v), nil
	}
	return "", fmt.Errorf("unknown stage %q", v)
}

// transitions is the allowed successor set per stage. The store performs
// unconditional overwrites; this table is enforced by the state machine so
// an unexpected jump is rejected and logged instead of silently persisted.
// The welcome stages accept the setup outcomes directly: the early nudge
// carries the yes/no keyboard, so those callbacks can arrive from contacts
// that never ran the start command.
var transitions = map[Stage][]Stage{
	StageWelcomeSent:       {StageWelcomeDelivered, StageStartClicked, StageVerified, StageSetupReminderSent, StageCompleted},
	StageWelcomeDelivered:  {StageStartClicked, StageVerified, StageSetupReminderSent, StageCompleted},
	StageStartClicked:      {StageVerified, StageSetupReminderSent, StageCompleted},
	StageVerified:          {StageSetupReminderSent, StageCompleted},
	StageSetupReminderSent: {StageStartClicked, StageVerified, StageCompleted},
	StageCompleted:         {},
}

// CanAdvanceTo reports whether next is a valid successor. Self-transitions
// are allowed (handlers are idempotent under event redelivery).
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
