package models

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode is the kind of answer the agent produced, inferred from the pipeline stage it ran
type Mode string

const (
	ModeQA      Mode = "qa"
	ModeReview  Mode = "review"
	ModeUnknown Mode = "unknown"
)

// ParseMode maps a stored value back to a Mode, falling back to ModeUnknown
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeQA, ModeReview:
		return Mode(s)
	default:
		return ModeUnknown
	}
}

// Message is one conversational unit. Mode and Streaming only apply to assistant messages.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Mode      Mode
	Streaming bool
}

// HistoryTurn is the role/content pair sent to the agent as prior context
type HistoryTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Branch is a reviewable branch as listed by the agent backend
type Branch struct {
	Name string `json:"name"`
	PR   string `json:"pr"`
}

type ChatListItem struct {
	ID             int64
	UpdatedAtUnix  int64
	LastUserPrompt string
	Branch         string
}

type DBMessage struct {
	Role    Role
	Content string
	Mode    Mode
}
