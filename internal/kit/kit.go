package kit

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

// Update is a platform-neutral inbound event. Exactly one of the pointer
// fields matching Kind is set.
type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FirstName    string
	Text         string
	Private      bool
	// ReplyTo references the message this one replies to, if any.
	// Broadcast/forward commands use it as the source message.
	ReplyTo *MessageRef
}

type Callback struct {
	ID        string
	ChatID    int64
	FromID    int64
	FirstName string
	MessageID int
	Data      string
}

type JoinRequest struct {
	ChatID    int64
	ChatTitle string
	FromID    int64
	FirstName string
}

// ChatTarget addresses an outbound send. For direct messages the chat id is
// the contact's user id.
type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a previously sent message (for edits/copies/forwards).
type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       *Keyboard
}

// Keyboard is a platform-neutral inline keyboard: rows of buttons.
// A button carries either callback Data or a URL, never both.
type Keyboard struct {
	Rows [][]Button
}

type Button struct {
	Text string
	Data string
	URL  string
}

func URLButton(text, url string) Button   { return Button{Text: text, URL: url} }
func DataButton(text, data string) Button { return Button{Text: text, Data: data} }

// Row appends a row of buttons and returns the keyboard for chaining.
func (k *Keyboard) Row(btn ...Button) *Keyboard {
	k.Rows = append(k.Rows, btn)
	return k
}

// BotCommand is an entry for the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the chat-platform port. Implementations must be safe for
// concurrent use; every method honors ctx cancellation.
type Adapter interface {
	// Start begins receiving updates and pushes them into out. Non-blocking;
	// delivery stops when ctx is cancelled or Stop is called.
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error

	CopyMessage(ctx context.Context, src MessageRef, to ChatTarget) error
	ForwardMessage(ctx context.Context, src MessageRef, to ChatTarget) error

	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	IsChatMember(ctx context.Context, chatID, userID int64) (bool, error)
	CreateInviteLink(ctx context.Context, chatID int64) (string, error)
}
