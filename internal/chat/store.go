package chat

import (
	"slices"

	"revchat/internal/models"
)

// store is the ordered message log. Messages are addressed by ID through index,
// never by position or pointer. It is not safe for concurrent use; the
// Controller guards it.
type store struct {
	messages []models.Message
	index    map[string]int
}

func newStore() *store {
	return &store{index: make(map[string]int)}
}

func (s *store) append(msgs ...models.Message) {
	for _, m := range msgs {
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
}

// update applies fn to the message with the given ID. It reports false when
// no such message exists.
func (s *store) update(id string, fn func(*models.Message)) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	fn(&s.messages[i])
	return true
}

func (s *store) get(id string) (models.Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	return s.messages[i], true
}

func (s *store) remove(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	delete(s.index, id)
	for j := i; j < len(s.messages); j++ {
		s.index[s.messages[j].ID] = j
	}
	return true
}

func (s *store) reset() {
	s.messages = nil
	clear(s.index)
}

// snapshot returns a copy the caller may keep. Message has no reference
// fields, so copying the slice is a deep copy.
func (s *store) snapshot() []models.Message {
	return slices.Clone(s.messages)
}

// history is the role/content view sent to the agent as prior turns
func (s *store) history() []models.HistoryTurn {
	out := make([]models.HistoryTurn, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, models.HistoryTurn{Role: m.Role, Content: m.Content})
	}
	return out
}
