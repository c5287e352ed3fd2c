package onboarding

import "testing"

func TestParseStage(t *testing.T) {
	for _, s := range []Stage{
		StageWelcomeSent, StageWelcomeDelivered, StageStartClicked,
		StageVerified, StageSetupReminderSent, StageCompleted,
	} {
		got, err := ParseStage(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStage(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseStage("onboarded"); err == nil {
		t.Fatal("unknown stage accepted")
	}
}

func TestStageTransitions(t *testing.T) {
	tests := []struct {
		from, to Stage
		ok       bool
	}{
		{StageWelcomeSent, StageWelcomeDelivered, true},
		{StageWelcomeSent, StageStartClicked, true},
		{StageWelcomeDelivered, StageVerified, true},
		{StageWelcomeDelivered, StageWelcomeSent, false},
		// the nudge keyboard reaches contacts that never ran /start
		{StageWelcomeSent, StageCompleted, true},
		{StageWelcomeSent, StageSetupReminderSent, true},
		{StageWelcomeDelivered, StageCompleted, true},
		{StageWelcomeDelivered, StageSetupReminderSent, true},
		{StageStartClicked, StageCompleted, true},
		{StageVerified, StageSetupReminderSent, true},
		{StageSetupReminderSent, StageStartClicked, true},
		{StageSetupReminderSent, StageCompleted, true},
		{StageCompleted, StageSetupReminderSent, false},
		{StageCompleted, StageStartClicked, false},
		// redelivered events land on the same stage
		{StageVerified, StageVerified, true},
		{StageCompleted, StageCompleted, true},
	}
	for _, tc := range tests {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
