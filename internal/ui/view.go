package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"revchat/internal/chat"
	"revchat/internal/models"
	"revchat/internal/styles"
)

func (m *Model) RenderBranchPicker() string {
	title := styles.ModalTitleStyle.Render("Select Branch")

	var body string
	switch {
	case !m.BranchesLoaded:
		body = styles.ModalItemStyle.Render(m.Spinner.View() + " Loading branches...")
	case len(m.Branches) == 0:
		body = styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No branches available"))
	default:
		items := make([]string, 0, len(m.Branches))
		for i, b := range m.Branches {
			marker := "  "
			if b.Name == m.Snap.Branch {
				marker = "● "
			}
			line := marker + Truncate(b.Name, styles.ContentWidth-4)
			if b.PR != "" {
				line += "\n    " + styles.BranchPRStyle.Render(Truncate(b.PR, styles.ContentWidth-6))
			}
			if i == m.SelectedBranchIdx {
				items = append(items, styles.ModalSelectedStyle.Render(line))
			} else {
				items = append(items, styles.ModalItemStyle.Render(line))
			}
		}
		body = lipgloss.JoinVertical(lipgloss.Left, items...)
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: navigate • Enter: select • Esc: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, body, hint)
}

func (m *Model) RenderQuickPrompts() string {
	title := styles.ModalTitleStyle.Render("Quick Prompts")

	items := make([]string, 0, len(m.QuickPrompts))
	for i, p := range m.QuickPrompts {
		label := Truncate(p.Label, styles.ContentWidth-2)
		if i == m.SelectedPromptIdx {
			items = append(items, styles.ModalSelectedStyle.Render(label))
		} else {
			items = append(items, styles.ModalItemStyle.Render(label))
		}
	}

	hintText := "↑/↓: navigate • Enter: send • Esc: close"
	if m.Snap.Busy {
		hintText = "Waiting for the current answer..."
	}
	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render(hintText)

	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), hint)
}

func (m *Model) RenderHistorySelector() string {
	totalPages := (m.HistoryChatCount + HistoryPageSize - 1) / HistoryPageSize
	if totalPages < 1 {
		totalPages = 1
	}
	title := styles.ModalTitleStyle.Render(fmt.Sprintf("Recent Chats (%d) - Page %d/%d", m.HistoryChatCount, m.HistoryPage+1, totalPages))

	var body string
	if m.HistoryErr != nil {
		body = lipgloss.NewStyle().Width(styles.ContentWidth).Render(styles.ErrorStyle.Render(fmt.Sprintf("Error: %v", m.HistoryErr)))
	} else if len(m.HistoryChats) == 0 {
		body = styles.ModalItemStyle.Render(lipgloss.NewStyle().Foreground(styles.HintColor).Render("No chats yet"))
	} else {
		var currentID int64
		if m.Recorder != nil {
			currentID = m.Recorder.ChatID()
		}
		items := make([]string, 0, len(m.HistoryChats))
		for i, item := range m.HistoryChats {
			isSelected := i == m.HistorySelectedIdx
			cursor := "  "
			if isSelected {
				cursor = "> "
			}
			timeStr := RelativeTime(time.Unix(item.UpdatedAtUnix, 0))
			prompt := PromptPreview(item.LastUserPrompt)
			if prompt == "" {
				prompt = "(no prompt)"
			}
			availableWidth := styles.ContentWidth - 2 - len(cursor) - 1 - len(timeStr)
			prompt = Truncate(prompt, availableWidth)

			itemContent := fmt.Sprintf("%s%s %s", cursor, prompt, lipgloss.NewStyle().Foreground(styles.HintColor).Render(timeStr))
			if item.Branch != "" {
				itemContent += "\n  " + styles.BranchPRStyle.Render(Truncate(item.Branch, styles.ContentWidth-14))
			}
			if item.ID == currentID {
				itemContent += lipgloss.NewStyle().Foreground(styles.Current.Success).Render(" • current")
			}
			if isSelected {
				items = append(items, styles.ModalSelectedStyle.Render(itemContent))
			} else {
				items = append(items, styles.ModalItemStyle.Render(itemContent))
			}
		}
		body = lipgloss.JoinVertical(lipgloss.Left, items...)
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("↑/↓: navigate • ←/→: page • Enter: open • Esc: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, body, hint)
}

func (m *Model) RenderShortcutsModal() string {
	title := styles.ModalTitleStyle.Render("Keyboard Shortcuts")

	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Enter", "Send message"},
		{"Alt+Enter", "New line"},
		{"Ctrl+B", "Select branch"},
		{"Ctrl+P", "Quick prompts"},
		{"Ctrl+H", "Chat history"},
		{"Ctrl+Y", "Copy last reply"},
		{"Ctrl+N", "Clear conversation (/clear)"},
		{"Ctrl+S", "Shortcuts (this menu)"},
		{"Ctrl+C", "Quit"},
	}

	keyStyle := lipgloss.NewStyle().
		Foreground(styles.Current.Accent).
		Bold(true).
		Width(12)

	descStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#E0E0E0"))

	var items []string
	for _, s := range shortcuts {
		line := fmt.Sprintf("%s %s", keyStyle.Render(s.key), descStyle.Render(s.desc))
		items = append(items, styles.ModalItemStyle.Render(line))
	}

	hint := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Width(styles.ContentWidth).
		PaddingTop(1).
		Render("Esc/Enter: close")

	return lipgloss.JoinVertical(lipgloss.Left, title, lipgloss.JoinVertical(lipgloss.Left, items...), hint)
}

func (m *Model) RenderBottomBar() string {
	stateColor := styles.Current.StateIdle
	if m.Snap.Busy {
		stateColor = styles.Current.StateBusy
	}
	state := styles.BadgeStyle(stateColor).Render(strings.ToUpper(m.Snap.State.String()))

	branchName := m.Snap.Branch
	if branchName == "" {
		branchName = "no branch"
	}
	branch := lipgloss.NewStyle().
		Foreground(styles.Current.Primary).
		Render(" " + Truncate(branchName, 35))

	server := lipgloss.NewStyle().
		Foreground(m.serverColor()).
		Render(Truncate(m.ServerURL, 30))
	if m.backend != nil {
		if state := m.backend.BreakerState(); state != "closed" {
			server += lipgloss.NewStyle().
				Foreground(styles.Current.Warning).
				Render(" breaker " + state)
		}
	}

	counts := fmt.Sprintf("Msgs:%d", len(m.Snap.Messages))
	if m.Snap.SkippedLines > 0 {
		counts += fmt.Sprintf(" Skipped:%d", m.Snap.SkippedLines)
	}
	stats := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#666666")).
		Render(counts)

	help := lipgloss.NewStyle().
		Foreground(styles.HintColor).
		Render("Help: ^S")

	leftSide := lipgloss.JoinHorizontal(lipgloss.Center, state, "  ", branch, "  ", server)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Center, stats, "  ", help)

	availableWidth := m.WindowWidth - lipgloss.Width(leftSide) - lipgloss.Width(rightSide) - 2
	if availableWidth < 0 {
		availableWidth = 0
	}
	spacer := strings.Repeat(" ", availableWidth)

	bar := lipgloss.JoinHorizontal(lipgloss.Center, leftSide, spacer, rightSide)

	return lipgloss.NewStyle().
		Width(m.WindowWidth).
		BorderTop(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.Current.Border).
		Padding(0, 1).
		Render(bar)
}

// serverColor reflects the last health check; muted until one has completed
func (m *Model) serverColor() lipgloss.Color {
	switch {
	case !m.HealthChecked:
		return styles.Current.TextMuted
	case m.HealthErr != nil:
		return styles.Current.Error
	default:
		return styles.Current.Success
	}
}

func GetWelcomeScreen(width, height int, branch string) string {
	art := `
 ╭────────────────────────────────────────────╮
 │                                            │
 │   ┏━┓┏━╸╻ ╻┏━╸╻ ╻┏━┓╺┳╸                    │
 │   ┣┳┛┣╸ ┃┏┛┃  ┣━┫┣━┫ ┃                     │
 │   ╹┗╸┗━╸┗┛ ┗━╸╹ ╹╹ ╹ ╹   code review chat  │
 │                                            │
 ╰────────────────────────────────────────────╯
`
	subtitle := "Ask about the changes on " + branch
	if branch == "" {
		subtitle = "Pick a branch with Ctrl+B to get started"
	}

	styledArt := styles.WelcomeArtStyle.Render(art)
	styledSubtitle := styles.WelcomeSubtitleStyle.Render(subtitle)
	hint := lipgloss.NewStyle().Foreground(styles.HintColor).Render("Ctrl+P for quick prompts • Ctrl+S for shortcuts")

	content := lipgloss.JoinVertical(lipgloss.Center, styledArt, "", styledSubtitle, hint)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, content)
}

func (m *Model) UpdateViewport() {
	snap := m.Snap
	if len(snap.Messages) == 0 && !snap.Busy {
		welcome := GetWelcomeScreen(m.Viewport.Width, m.Viewport.Height, snap.Branch)
		if snap.Error != "" {
			welcome = styles.ErrorStyle.Render("Error: "+snap.Error) + "\n" + welcome
		}
		m.Viewport.SetContent(welcome)
		return
	}

	parts := make([]string, 0, len(snap.Messages)+1)
	for i, msg := range snap.Messages {
		switch {
		case msg.Role == models.RoleUser:
			parts = append(parts, FormatUserMessage(msg.Content, m.Viewport.Width, i == 0))
		case msg.Streaming:
			parts = append(parts, FormatStreamingMessage(msg.Content, m.Spinner.View(), statusText(snap)))
		default:
			parts = append(parts, FormatAgentMessage(m.renderMarkdown(msg), msg.Mode))
		}
	}
	if snap.Error != "" {
		parts = append(parts, styles.ErrorStyle.Render("Error: "+snap.Error))
	}

	m.Viewport.SetContent(strings.Join(parts, "\n\n"))
	m.Viewport.GotoBottom()
}

func statusText(snap chat.Snapshot) string {
	if snap.Status != "" {
		return snap.Status
	}
	return "Generating..."
}

// renderMarkdown renders a frozen reply once per width and caches it by ID
func (m *Model) renderMarkdown(msg models.Message) string {
	if m.Renderer == nil {
		return msg.Content
	}
	if out, ok := m.rendered[msg.ID]; ok {
		return out
	}
	out, err := m.Renderer.Render(msg.Content)
	if err != nil {
		m.Logger.Debug("markdown render failed", "error", err)
		return msg.Content
	}
	out = strings.TrimSpace(out)
	m.rendered[msg.ID] = out
	return out
}

func (m *Model) View() string {
	inputWidth := m.WindowWidth - 4
	inputBox := styles.InputBoxStyle.Width(inputWidth).Render(m.TextInput.View())

	notice := ""
	if m.Notice != "" {
		notice = styles.NoticeStyle.Render(m.Notice)
	}

	chatContent := lipgloss.JoinVertical(lipgloss.Center,
		styles.TitleStyle.Render("REVCHAT"),
		"",
		m.Viewport.View(),
		notice,
		inputBox,
	)
	chatArea := lipgloss.PlaceHorizontal(m.WindowWidth, lipgloss.Center, chatContent)
	bottomBar := m.RenderBottomBar()

	content := lipgloss.JoinVertical(lipgloss.Left, chatArea, bottomBar)

	var modal string
	switch {
	case m.HistoryOpen:
		modal = m.RenderHistorySelector()
	case m.BranchPickerOpen:
		modal = m.RenderBranchPicker()
	case m.QuickPromptsOpen:
		modal = m.RenderQuickPrompts()
	case m.ShortcutsOpen:
		modal = m.RenderShortcutsModal()
	default:
		return content
	}

	return lipgloss.Place(
		m.WindowWidth,
		m.WindowHeight,
		lipgloss.Center,
		lipgloss.Center,
		styles.ModalStyle.Width(ModalWidth).Render(modal),
	)
}
