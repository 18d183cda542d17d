package ui

import (
	"context"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"revchat/internal/chat"
	"revchat/internal/logger"
	"revchat/internal/models"
	"revchat/internal/styles"
)

// snapshotFeed hands controller snapshots to the update loop. Publishing never
// blocks; bursts collapse into the newest snapshot.
type snapshotFeed struct {
	mu     sync.Mutex
	latest chat.Snapshot
	ready  chan struct{}
}

func newSnapshotFeed() *snapshotFeed {
	return &snapshotFeed{ready: make(chan struct{}, 1)}
}

func (f *snapshotFeed) publish(s chat.Snapshot) {
	f.mu.Lock()
	if s.Version >= f.latest.Version {
		f.latest = s
	}
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *snapshotFeed) wait() tea.Cmd {
	return func() tea.Msg {
		<-f.ready
		f.mu.Lock()
		defer f.mu.Unlock()
		return SnapshotMsg{Snapshot: f.latest}
	}
}

func InitialModel(opts Options) Model {
	ti := textarea.New()
	ti.Placeholder = "Ask about the branch..."
	ti.Prompt = "❯ "
	ti.ShowLineNumbers = false
	ti.CharLimit = 0
	ti.MaxHeight = 6
	ti.SetHeight(2)
	ti.SetWidth(80)
	ti.FocusedStyle.Prompt = lipgloss.NewStyle().Foreground(styles.Current.Primary).Bold(true)
	ti.BlurredStyle.Prompt = lipgloss.NewStyle().Foreground(styles.Current.Primary).Bold(true)
	ti.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.Current.Hint)
	ti.BlurredStyle.Placeholder = lipgloss.NewStyle().Foreground(styles.Current.Hint)
	ti.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ti.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(styles.Current.Primary)

	vp := viewport.New(60, 15)

	prompts := opts.QuickPrompts
	if len(prompts) == 0 {
		prompts = DefaultQuickPrompts
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	return Model{
		TextInput:    ti,
		Viewport:     vp,
		Spinner:      sp,
		Logger:       log,
		Chat:         opts.Chat,
		Snap:         opts.Chat.Snapshot(),
		feed:         newSnapshotFeed(),
		lister:       opts.Branches,
		backend:      opts.Backend,
		ServerURL:    opts.ServerURL,
		rendered:     make(map[string]string),
		DB:           opts.DB,
		DBErr:        opts.DBErr,
		Recorder:     opts.Recorder,
		QuickPrompts: prompts,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.TextInput.Cursor.BlinkCmd(),
		m.Spinner.Tick,
		m.feed.wait(),
		fetchBranchesCmd(m.lister),
		healthCmd(m.backend),
	)
}

// NewProgram builds the Bubble Tea program and subscribes it to the controller
func NewProgram(opts Options) *tea.Program {
	m := InitialModel(opts)
	opts.Chat.OnChange(m.feed.publish)
	return tea.NewProgram(&m, tea.WithAltScreen())
}

// fetchBranchesCmd asks the backend for reviewable branches, falling back to
// the built-in list when it cannot answer.
func fetchBranchesCmd(lister BranchLister) tea.Cmd {
	return func() tea.Msg {
		if lister == nil {
			return BranchesMsg{Branches: FallbackBranches}
		}
		ctx, cancel := context.WithTimeout(context.Background(), BranchTimeout)
		defer cancel()

		branches, err := lister.Branches(ctx)
		if err != nil || len(branches) == 0 {
			return BranchesMsg{Branches: FallbackBranches, Err: err}
		}
		return BranchesMsg{Branches: branches}
	}
}

// healthCmd probes the backend once. A nil backend yields no message.
func healthCmd(backend Backend) tea.Cmd {
	if backend == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), BranchTimeout)
		defer cancel()
		return HealthMsg{Err: backend.Health(ctx)}
	}
}

func copyCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return CopiedMsg{Err: clipboard.WriteAll(text)}
	}
}

// lastReply returns the newest frozen assistant message
func lastReply(msgs []models.Message) (models.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && !msgs[i].Streaming {
			return msgs[i], true
		}
	}
	return models.Message{}, false
}
