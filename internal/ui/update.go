package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"revchat/internal/chat"
	"revchat/internal/db"
	"revchat/internal/styles"
)

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.Spinner, spCmd = m.Spinner.Update(msg)
		if m.Snap.Busy {
			m.UpdateViewport()
		}
		return m, spCmd

	case SnapshotMsg:
		failedBefore := m.Snap.Error != ""
		m.applySnapshot(msg.Snapshot)
		if m.Snap.Error != "" && !failedBefore {
			// A failed turn may mean the backend went away
			return m, tea.Batch(m.feed.wait(), healthCmd(m.backend))
		}
		return m, m.feed.wait()

	case HealthMsg:
		m.HealthChecked = true
		m.HealthErr = msg.Err
		if msg.Err != nil {
			m.Logger.Warn("agent health check failed", "error", msg.Err)
		}
		return m, nil

	case BranchesMsg:
		m.Branches = msg.Branches
		m.BranchesLoaded = true
		if msg.Err != nil {
			m.Logger.Warn("branch listing failed, using defaults", "error", msg.Err)
			m.Notice = "Branch list unavailable, using defaults"
		}
		if m.Chat.Branch() == "" && len(m.Branches) > 0 {
			m.Chat.SetBranch(m.Branches[0].Name)
			m.applySnapshot(m.Chat.Snapshot())
		}
		return m, nil

	case CopiedMsg:
		if msg.Err != nil {
			m.Notice = fmt.Sprintf("Copy failed: %v", msg.Err)
		} else {
			m.Notice = "Copied last reply to clipboard"
		}
		return m, nil

	case tea.KeyMsg:
		if m.HistoryOpen {
			return m.updateHistory(msg)
		}
		if m.BranchPickerOpen {
			return m.updateBranchPicker(msg)
		}
		if m.QuickPromptsOpen {
			return m.updateQuickPrompts(msg)
		}

		if m.ShortcutsOpen {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc", "enter", "?", "ctrl+s":
				m.ShortcutsOpen = false
				return m, nil
			}
			return m, nil
		}

		if isNewlineShortcut(msg) {
			m.TextInput.InsertString("\n")
			m.updateInputLayout()
			return m, nil
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit

		case tea.KeyCtrlN:
			m.ResetSession()
			return m, nil

		case tea.KeyCtrlB:
			m.closeModals()
			m.BranchPickerOpen = true
			m.SelectedBranchIdx = m.currentBranchIndex()
			return m, nil

		case tea.KeyCtrlP:
			m.closeModals()
			m.QuickPromptsOpen = true
			m.SelectedPromptIdx = 0
			return m, nil

		case tea.KeyCtrlS:
			m.closeModals()
			m.ShortcutsOpen = true
			return m, nil

		case tea.KeyCtrlH:
			m.closeModals()
			m.HistoryOpen = true
			m.HistoryPage = 0
			m.RefreshHistoryFromDB()
			return m, nil

		case tea.KeyCtrlY:
			reply, ok := lastReply(m.Snap.Messages)
			if !ok {
				m.Notice = "Nothing to copy yet"
				return m, nil
			}
			return m, copyCmd(reply.Content)

		case tea.KeyEnter:
			if m.Snap.Busy {
				return m, nil
			}
			input := strings.TrimSpace(m.TextInput.Value())
			if input == "" {
				return m, nil
			}

			if input == "/clear" || input == "/reset" {
				m.ResetSession()
				return m, nil
			}

			m.TextInput.Reset()
			m.updateInputLayout()
			return m, m.send(input)
		}

	case tea.WindowSizeMsg:
		m.WindowWidth = msg.Width
		m.WindowHeight = msg.Height

		ModalWidth = msg.Width - 10
		if ModalWidth > 60 {
			ModalWidth = 60
		}
		if ModalWidth < 30 {
			ModalWidth = 30
		}
		styles.ContentWidth = ModalWidth - 6

		chatWidth := msg.Width - 2
		m.Viewport.Width = chatWidth - 2

		m.updateInputLayout()
		glamourStyle := "dark"
		if !lipgloss.HasDarkBackground() {
			glamourStyle = "light"
		}
		m.Renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath(glamourStyle),
			glamour.WithWordWrap(chatWidth-6),
		)
		clear(m.rendered)
		m.UpdateViewport()
		return m, nil
	}

	m.TextInput, tiCmd = m.TextInput.Update(msg)
	m.updateInputLayout()

	// Terminal background color queries and cursor reports can leak into the input
	val := m.TextInput.Value()
	if strings.Contains(val, "]11;rgb:") || strings.Contains(val, "1;rgb:") || strings.Contains(val, "[1;1R") {
		m.TextInput.Reset()
	}

	m.Viewport, vpCmd = m.Viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// send hands text to the controller. The controller ignores the call while a
// turn is active; the branch check here only exists to tell the user why.
func (m *Model) send(text string) tea.Cmd {
	if m.Chat.Branch() == "" {
		m.Notice = "Select a branch first (Ctrl+B)"
		return nil
	}
	m.Notice = ""
	m.Chat.SendMessage(text)
	m.applySnapshot(m.Chat.Snapshot())
	return m.Spinner.Tick
}

// applySnapshot adopts s unless a newer snapshot has already been applied
func (m *Model) applySnapshot(s chat.Snapshot) {
	if s.Version < m.Snap.Version {
		return
	}
	m.Snap = s
	m.UpdateViewport()
}

func (m *Model) closeModals() {
	m.HistoryOpen = false
	m.HistoryErr = nil
	m.BranchPickerOpen = false
	m.QuickPromptsOpen = false
	m.ShortcutsOpen = false
}

func (m *Model) updateHistory(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+h":
		m.HistoryOpen = false
		m.HistoryErr = nil
	case "up", "k":
		m.HistorySelectedIdx = wrapIndex(m.HistorySelectedIdx-1, len(m.HistoryChats))
	case "down", "j":
		m.HistorySelectedIdx = wrapIndex(m.HistorySelectedIdx+1, len(m.HistoryChats))
	case "enter":
		if len(m.HistoryChats) == 0 {
			return m, nil
		}
		item := m.HistoryChats[m.HistorySelectedIdx]
		if err := m.LoadChatFromDB(item.ID, item.Branch); err != nil {
			m.HistoryErr = err
			return m, nil
		}
		m.HistoryOpen = false
		m.HistoryErr = nil
	case "left", "h":
		if m.HistoryPage > 0 {
			m.HistoryPage--
			m.RefreshHistoryFromDB()
		}
	case "right", "l":
		totalPages := (m.HistoryChatCount + HistoryPageSize - 1) / HistoryPageSize
		if m.HistoryPage < totalPages-1 {
			m.HistoryPage++
			m.RefreshHistoryFromDB()
		}
	}
	return m, nil
}

func (m *Model) updateBranchPicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+b":
		m.BranchPickerOpen = false
	case "up", "k":
		m.SelectedBranchIdx = wrapIndex(m.SelectedBranchIdx-1, len(m.Branches))
	case "down", "j":
		m.SelectedBranchIdx = wrapIndex(m.SelectedBranchIdx+1, len(m.Branches))
	case "enter":
		if len(m.Branches) == 0 {
			return m, nil
		}
		m.Chat.SetBranch(m.Branches[m.SelectedBranchIdx].Name)
		m.applySnapshot(m.Chat.Snapshot())
		m.BranchPickerOpen = false
		m.Notice = ""
	}
	return m, nil
}

func (m *Model) updateQuickPrompts(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "ctrl+p":
		m.QuickPromptsOpen = false
	case "up", "k":
		m.SelectedPromptIdx = wrapIndex(m.SelectedPromptIdx-1, len(m.QuickPrompts))
	case "down", "j":
		m.SelectedPromptIdx = wrapIndex(m.SelectedPromptIdx+1, len(m.QuickPrompts))
	case "enter":
		if len(m.QuickPrompts) == 0 || m.Snap.Busy {
			return m, nil
		}
		m.QuickPromptsOpen = false
		return m, m.send(m.QuickPrompts[m.SelectedPromptIdx].Text)
	}
	return m, nil
}

func (m *Model) currentBranchIndex() int {
	for i, b := range m.Branches {
		if b.Name == m.Snap.Branch {
			return i
		}
	}
	return 0
}

func isNewlineShortcut(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "shift+enter", "shift+return", "ctrl+j", "ctrl+enter", "alt+enter":
		return true
	default:
		return false
	}
}

func (m *Model) updateInputLayout() {
	if m.WindowWidth == 0 || m.WindowHeight == 0 {
		return
	}

	inputWidth := m.WindowWidth - 6
	if inputWidth < 20 {
		inputWidth = 20
	}
	contentWidth := inputWidth - 2
	if contentWidth < 1 {
		contentWidth = 1
	}

	maxInputHeight := 6
	lineCount := WrappedLineCount(m.TextInput.Value(), contentWidth)
	if lineCount < 1 {
		lineCount = 1
	}
	if lineCount > maxInputHeight {
		lineCount = maxInputHeight
	}

	m.TextInput.MaxHeight = maxInputHeight
	m.TextInput.SetWidth(inputWidth)
	m.TextInput.SetHeight(lineCount)

	inputBoxHeight := m.TextInput.Height() + 2
	reserved := inputBoxHeight + 6
	viewportHeight := m.WindowHeight - reserved
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.Viewport.Height = viewportHeight
}

// ResetSession clears the conversation, cancelling a turn in flight
func (m *Model) ResetSession() {
	m.Chat.ClearMessages()
	m.applySnapshot(m.Chat.Snapshot())
	clear(m.rendered)
	m.HistoryOpen = false
	m.HistoryErr = nil
	m.Notice = ""
	m.Viewport.GotoTop()
	m.TextInput.Reset()
	m.updateInputLayout()
}

func (m *Model) RefreshHistoryFromDB() {
	m.HistoryErr = nil
	m.HistoryChats = nil
	m.HistorySelectedIdx = 0

	if m.DBErr != nil {
		m.HistoryErr = m.DBErr
		return
	}
	if m.DB == nil {
		m.HistoryErr = fmt.Errorf("history is disabled")
		return
	}

	offset := m.HistoryPage * HistoryPageSize
	count, chats, err := db.GetRecentChats(m.DB, HistoryPageSize, offset)
	if err != nil {
		m.HistoryErr = err
		return
	}
	m.HistoryChatCount = count
	m.HistoryChats = chats
}

// LoadChatFromDB restores a stored chat into the controller. Later turns are
// appended to the same chat.
func (m *Model) LoadChatFromDB(chatID int64, branch string) error {
	if m.DBErr != nil {
		return m.DBErr
	}
	if m.DB == nil {
		return fmt.Errorf("history is disabled")
	}

	rows, err := db.GetChatMessages(m.DB, chatID)
	if err != nil {
		return err
	}
	if err := m.Chat.Restore(db.ToMessages(rows)); err != nil {
		if errors.Is(err, chat.ErrBusy) {
			return fmt.Errorf("wait for the current answer to finish")
		}
		return err
	}
	if m.Recorder != nil {
		m.Recorder.Resume(chatID)
	}
	if branch != "" {
		m.Chat.SetBranch(branch)
	}

	clear(m.rendered)
	m.Notice = ""
	m.applySnapshot(m.Chat.Snapshot())
	return nil
}

func wrapIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	return (i%n + n) % n
}
