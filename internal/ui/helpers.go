package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"

	"revchat/internal/models"
	"revchat/internal/styles"
)

// WrappedLineCount is the number of rows value occupies when soft-wrapped at width
func WrappedLineCount(value string, width int) int {
	if width <= 0 {
		return 1
	}
	rows := 0
	for line := range strings.SplitSeq(value, "\n") {
		rows += max(1, (runewidth.StringWidth(line)+width-1)/width)
	}
	return rows
}

// PromptPreview flattens a stored prompt onto one line for the history list
func PromptPreview(s string) string {
	return runewidth.Truncate(strings.Join(strings.Fields(s), " "), 500, "")
}

// Truncate shortens s to at most width terminal cells, marking the cut with an ellipsis
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

func RelativeTime(t time.Time) string {
	return humanize.Time(t)
}

func FormatUserMessage(content string, width int, isFirst bool) string {
	label := styles.UserLabelStyle.Render("YOU")
	msg := styles.UserMsgStyle.Width(width - 4).Render(content)
	if isFirst {
		return fmt.Sprintf("\n%s\n%s", label, msg)
	}
	return fmt.Sprintf("%s\n%s", label, msg)
}

// FormatStreamingMessage shows a reply still receiving tokens, with the
// agent's current stage under it
func FormatStreamingMessage(content, spinner, status string) string {
	label := styles.AgentLabelStyle.Render("AGENT")
	progress := fmt.Sprintf("%s %s", spinner, styles.StatusStyle.Render(status))
	if content == "" {
		return fmt.Sprintf("%s\n%s", label, progress)
	}
	return fmt.Sprintf("%s\n%s\n%s", label, styles.StreamingMsgStyle.Render(content), progress)
}

func FormatAgentMessage(content string, mode models.Mode) string {
	label := styles.AgentLabelStyle.Render("AGENT")
	header := label
	if badge := ModeBadge(mode); badge != "" {
		header = label + badge
	}
	msg := styles.AgentMsgStyle.Render(content)
	return fmt.Sprintf("%s\n%s", header, msg)
}

// ModeBadge labels a frozen reply as a review or an answer; unknown modes get none
func ModeBadge(mode models.Mode) string {
	switch mode {
	case models.ModeReview:
		return styles.BadgeStyle(styles.ModeColor(mode)).Render("REVIEW")
	case models.ModeQA:
		return styles.BadgeStyle(styles.ModeColor(mode)).Render("QA")
	default:
		return ""
	}
}
