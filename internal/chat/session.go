package chat

import (
	"context"
	"strings"
	"time"

	"revchat/internal/models"
	"revchat/internal/stream"
)

// State is the phase of the turn state machine
type State int

const (
	StateIdle      State = iota // no active session
	StateSending                // placeholders appended, no event applied yet
	StateStreaming              // at least one event applied
	StateSettling               // terminal outcome known, not yet applied
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateSettling:
		return "settling"
	default:
		return "idle"
	}
}

// session is the per-turn context. It lives from SendMessage until the turn
// settles or is cleared.
type session struct {
	gen         uint64
	epoch       uint64
	branch      string
	userID      string
	assistantID string
	buf         strings.Builder
	mode        models.Mode
	skipped     int
	started     time.Time
	cancel      context.CancelCauseFunc
}

// beginLocked appends the user message and the streaming placeholder and
// moves the machine to Sending.
func (c *Controller) beginLocked(text string, cancel context.CancelCauseFunc) *session {
	c.gen++
	s := &session{
		gen:         c.gen,
		epoch:       c.epoch,
		branch:      c.branch,
		userID:      c.newID(),
		assistantID: c.newID(),
		started:     time.Now(),
		cancel:      cancel,
	}
	c.conv.append(
		models.Message{ID: s.userID, Role: models.RoleUser, Content: text},
		models.Message{ID: s.assistantID, Role: models.RoleAssistant, Streaming: true},
	)
	c.sess = s
	c.state = StateSending
	c.status = ConnectingLabel
	c.errText = ""
	c.skipped = 0
	c.version++
	return s
}

// liveLocked reports whether s is still the active session
func (c *Controller) liveLocked(s *session) bool {
	return c.sess != nil && c.sess.gen == s.gen
}

// applyLocked advances the machine by one event. It reports whether ev ends
// the turn and, for an error event, the failure to settle with.
func (c *Controller) applyLocked(s *session, ev stream.Event) (terminal bool, failure error) {
	if c.state == StateSending {
		c.state = StateStreaming
	}

	switch ev.Kind {
	case stream.KindToken:
		s.buf.WriteString(ev.Content)
		content := s.buf.String()
		c.conv.update(s.assistantID, func(m *models.Message) { m.Content = content })
	case stream.KindStatus:
		c.status = c.labels.Lookup(ev.Node)
		if mode, ok := ModeForNode(ev.Node); ok {
			s.mode = mode
		}
		c.logger.Debug("agent stage", "node", ev.Node)
	case stream.KindDone:
		c.state = StateSettling
		terminal = true
	case stream.KindError:
		c.state = StateSettling
		terminal, failure = true, &AgentError{Message: ev.Message}
	default:
		c.logger.Debug("ignoring unknown event", "type", ev.Type)
	}

	c.version++
	return terminal, failure
}

// settleLocked applies the outcome of s and returns the machine to Idle. On
// success the assistant message is frozen; on failure it is removed and the
// user message stays.
func (c *Controller) settleLocked(s *session, failure error) {
	if failure == nil {
		mode := s.mode
		if mode == "" {
			mode = models.ModeUnknown
		}
		c.conv.update(s.assistantID, func(m *models.Message) {
			m.Streaming = false
			m.Mode = mode
		})
		c.errText = ""
	} else {
		c.conv.remove(s.assistantID)
		c.errText = displayError(failure)
	}

	c.status = ""
	c.state = StateIdle
	c.sess = nil
	c.version++
}
