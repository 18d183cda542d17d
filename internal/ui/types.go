package ui

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"

	"revchat/internal/chat"
	"revchat/internal/config"
	"revchat/internal/db"
	"revchat/internal/models"
)

const (
	HistoryPageSize = 10
	BranchTimeout   = 5 * time.Second
)

// ModalWidth follows the window size, clamped to [30, 60]
var ModalWidth = 60

// FallbackBranches are offered when the backend branch listing fails
var FallbackBranches = []models.Branch{
	{Name: "feat/partiql-support", PR: "PR #1 - PartiQL support"},
	{Name: "feat/support-batch-read-ops", PR: "PR #3 - Batch read ops"},
	{Name: "feat/support-streaming", PR: "PR #2 - DynamoDB Streams"},
}

var DefaultQuickPrompts = []config.QuickPrompt{
	{Label: "🔍 Full code review", Text: "Do a full code review of this branch"},
	{Label: "⚠️ Vulnerabilities", Text: "What security vulnerabilities exist in these changes?"},
	{Label: "🏗️ Architecture", Text: "Explain the overall architecture of the changes"},
	{Label: "📈 Complexity", Text: "Which functions have high cyclomatic complexity?"},
	{Label: "🧪 Missing tests", Text: "Are there missing tests for the new functionality?"},
	{Label: "🔗 New imports", Text: "What new dependencies or imports were added?"},
}

// BranchLister lists the branches the agent can review. *transport.Client implements it.
type BranchLister interface {
	Branches(ctx context.Context) ([]models.Branch, error)
}

// Backend reports whether the agent backend is reachable. *transport.Client implements it.
type Backend interface {
	Health(ctx context.Context) error
	BreakerState() string
}

type (
	// SnapshotMsg carries controller state into the update loop
	SnapshotMsg struct{ Snapshot chat.Snapshot }

	BranchesMsg struct {
		Branches []models.Branch
		Err      error
	}

	CopiedMsg struct{ Err error }

	HealthMsg struct{ Err error }
)

// Options wires the UI to the rest of the application
type Options struct {
	Chat         *chat.Controller
	Branches     BranchLister
	Backend      Backend
	DB           *sql.DB
	DBErr        error
	Recorder     *db.Recorder
	QuickPrompts []config.QuickPrompt
	ServerURL    string
	Logger       *slog.Logger
}

type Model struct {
	Viewport  viewport.Model
	TextInput textarea.Model
	Spinner   spinner.Model
	Renderer  *glamour.TermRenderer
	Logger    *slog.Logger

	Chat      *chat.Controller
	Snap      chat.Snapshot
	feed      *snapshotFeed
	lister    BranchLister
	backend   Backend
	ServerURL string

	HealthChecked bool
	HealthErr     error

	// Rendered markdown of frozen replies, keyed by message ID
	rendered map[string]string

	DB                 *sql.DB
	DBErr              error
	Recorder           *db.Recorder
	HistoryOpen        bool
	HistorySelectedIdx int
	HistoryChatCount   int
	HistoryChats       []models.ChatListItem
	HistoryErr         error
	HistoryPage        int

	BranchPickerOpen  bool
	SelectedBranchIdx int
	Branches          []models.Branch
	BranchesLoaded    bool

	QuickPromptsOpen  bool
	SelectedPromptIdx int
	QuickPrompts      []config.QuickPrompt

	ShortcutsOpen bool
	Notice        string

	WindowWidth  int
	WindowHeight int
}
