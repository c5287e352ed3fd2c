package onboarding

import (
	"fmt"

	"joinflow/internal/kit"
)

// Callback data values, routed by the core router. Format follows the
// "namespace:action" convention used for all callback buttons.
const (
	CallbackCheckSubscription = "flow:chk"
	CallbackSetupYes          = "flow:setup_yes"
	CallbackSetupNo           = "flow:setup_no"
)

func welcomeText(firstName, chatTitle string) string {
	if chatTitle != "" {
		return fmt.Sprintf("Hello %s!\nWelcome to %s — your join request was approved.", firstName, chatTitle)
	}
	return fmt.Sprintf("Hello %s!\nWelcome aboard.", firstName)
}

func immediateFollowUpText(firstName string) string {
	return fmt.Sprintf("%s, here's a quick tip to get going: send /start whenever you're ready and I'll walk you through setup.", firstName)
}

func setupInstructionsText(firstName string) string {
	return fmt.Sprintf("Great to have you, %s! Setting up takes under a minute:\n"+
		"1. Open your account settings\n"+
		"2. Link your channel or group\n"+
		"3. Come back here and confirm", firstName)
}

const supportPromptText = "Have you finished setting up? If anything is unclear, the support chat is happy to help."

const completionText = "All set — your setup is complete. Welcome aboard!"

const reminderText = "No problem. I'll check back with you a bit later — you can also finish setup any time and tap the button again."

const nudge1hText = "Just checking in — did you get a chance to finish setup? It only takes a minute."

func nudge3hText(firstName string) string {
	return fmt.Sprintf("%s, your setup is still waiting. Reply /start if you'd like me to walk you through it again.", firstName)
}

const gateText = "Access denied!\n\nPlease join the update channel to use me. Once you've joined, tap \"Check again\" to confirm."

const gateNotMemberAlert = "You haven't joined the channel yet. Join first, then check again."

const gateAdminHint = "Make sure I am an admin in the update channel."

const adminAckText = "You're an operator — the onboarding flow doesn't apply to you. Try /help for commands."

func setupKeyboard() *kit.Keyboard {
	return (&kit.Keyboard{}).Row(
		kit.DataButton("✅ Yes, set up", CallbackSetupYes),
		kit.DataButton("⏳ Not yet", CallbackSetupNo),
	)
}

func gateKeyboard(inviteURL string) *kit.Keyboard {
	return (&kit.Keyboard{}).
		Row(kit.URLButton("📢 Join update channel", inviteURL)).
		Row(kit.DataButton("🔄 Check again", CallbackCheckSubscription))
}

func linksKeyboard(channelURL, supportURL string) *kit.Keyboard {
	kb := &kit.Keyboard{}
	var row []kit.Button
	if channelURL != "" {
		row = append(row, kit.URLButton("🗯 Channel", channelURL))
	}
	if supportURL != "" {
		row = append(row, kit.URLButton("💬 Support", supportURL))
	}
	if len(row) > 0 {
		kb.Row(row...)
	}
	return kb
}
