package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"revchat/internal/models"
)

// Recorder appends completed turns to the current chat, creating the chat row
// on the first turn after a Reset. Turns from an epoch older than the last
// Reset are dropped.
type Recorder struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.Mutex
	chatID int64
	epoch  uint64
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// RecordTurn stores a user message and the agent's reply
func (r *Recorder) RecordTurn(epoch uint64, branch string, user, assistant models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch < r.epoch {
		return nil
	}

	now := r.now().Unix()
	if r.chatID == 0 {
		id, err := CreateChat(r.db, now, branch)
		if err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		r.chatID = id
	}

	if err := InsertMessage(r.db, r.chatID, models.RoleUser, user.Content, "", now); err != nil {
		return fmt.Errorf("insert user message: %w", err)
	}
	if err := UpdateChatOnUser(r.db, r.chatID, now, branch, user.Content); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if err := InsertMessage(r.db, r.chatID, models.RoleAssistant, assistant.Content, assistant.Mode, now); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}
	if err := TouchChat(r.db, r.chatID, now); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// Reset makes the next turn start a new chat and opens epoch
func (r *Recorder) Reset(epoch uint64) {
	r.mu.Lock()
	r.chatID = 0
	r.epoch = max(r.epoch, epoch)
	r.mu.Unlock()
}

// Resume appends further turns to an existing chat
func (r *Recorder) Resume(chatID int64) {
	r.mu.Lock()
	r.chatID = chatID
	r.mu.Unlock()
}

// ChatID is the chat receiving turns, or 0 before the first one
func (r *Recorder) ChatID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}
