package chat

import (
	"maps"

	"revchat/internal/models"
)

// ConnectingLabel is shown from the moment a turn starts until the agent reports a stage
const ConnectingLabel = "Connecting..."

var defaultLabels = map[string]string{
	"router":            "🔀 Classifying intent...",
	"fetch_diff_qa":     "📡 Fetching diff from GitHub...",
	"fetch_diff_review": "📡 Fetching diff from GitHub...",
	"qa_node":           "🤔 Analyzing code...",
	"review_node":       "🔬 Running code review...",
}

// Labels maps agent pipeline stages to status text
type Labels map[string]string

// NewLabels returns the built-in labels with overrides merged on top.
// An override with an empty value removes the built-in entry.
func NewLabels(overrides map[string]string) Labels {
	l := make(Labels, len(defaultLabels)+len(overrides))
	maps.Copy(l, defaultLabels)
	for node, label := range overrides {
		if label == "" {
			delete(l, node)
			continue
		}
		l[node] = label
	}
	return l
}

// Lookup returns the label for node, or node itself when it has none
func (l Labels) Lookup(node string) string {
	if label, ok := l[node]; ok {
		return label
	}
	return node
}

// ModeForNode reports the answer mode a pipeline stage implies, if any
func ModeForNode(node string) (models.Mode, bool) {
	switch node {
	case "review_node":
		return models.ModeReview, true
	case "qa_node":
		return models.ModeQA, true
	default:
		return "", false
	}
}
