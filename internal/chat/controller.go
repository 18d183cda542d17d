// Package chat holds the streaming session controller: the conversation, the
// per-turn state machine and the read loop that feeds it.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"revchat/internal/logger"
	"revchat/internal/models"
	"revchat/internal/stream"
	"revchat/internal/transport"
)

// Opener starts a streamed agent call. *transport.Client implements it.
type Opener interface {
	OpenStream(ctx context.Context, req transport.Request) (io.ReadCloser, error)
}

// Recorder persists completed turns. Each turn carries the transcript epoch it
// started in. Reset opens a new epoch when the conversation is cleared or
// replaced; turns from an older epoch must not be recorded after that.
type Recorder interface {
	RecordTurn(epoch uint64, branch string, user, assistant models.Message) error
	Reset(epoch uint64)
}

// Snapshot is an immutable view of the controller's state
type Snapshot struct {
	// Version increases with every mutation; observers drop older snapshots.
	Version      uint64
	Messages     []models.Message
	Busy         bool
	Status       string
	Error        string
	Branch       string
	State        State
	SkippedLines int
}

// Deps configures a Controller. Opener is required.
type Deps struct {
	Opener      Opener
	Recorder    Recorder
	Labels      Labels
	Logger      *slog.Logger
	Branch      string
	IdleTimeout time.Duration
	TurnTimeout time.Duration
	NewID       func() string
}

// Controller owns the conversation and runs at most one turn at a time
type Controller struct {
	opener      Opener
	recorder    Recorder
	labels      Labels
	logger      *slog.Logger
	idleTimeout time.Duration
	turnTimeout time.Duration
	newID       func() string

	mu       sync.Mutex
	conv     *store
	sess     *session
	gen      uint64
	epoch    uint64
	version  uint64
	state    State
	status   string
	errText  string
	branch   string
	skipped  int
	onChange func(Snapshot)

	wg sync.WaitGroup
}

func New(deps Deps) *Controller {
	c := &Controller{
		opener:      deps.Opener,
		recorder:    deps.Recorder,
		labels:      deps.Labels,
		logger:      deps.Logger,
		idleTimeout: deps.IdleTimeout,
		turnTimeout: deps.TurnTimeout,
		newID:       deps.NewID,
		conv:        newStore(),
		branch:      deps.Branch,
	}
	if c.labels == nil {
		c.labels = NewLabels(nil)
	}
	if c.logger == nil {
		c.logger = logger.Discard()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// OnChange registers fn to receive a snapshot after every mutation. fn is
// called without the controller lock held and may be called from the turn's
// goroutine.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Version:      c.version,
		Messages:     c.conv.snapshot(),
		Busy:         c.sess != nil,
		Status:       c.status,
		Error:        c.errText,
		Branch:       c.branch,
		State:        c.state,
		SkippedLines: c.skipped,
	}
}

// unlockAndNotify releases the lock and hands the current snapshot to the
// observer.
func (c *Controller) unlockAndNotify() {
	snap := c.snapshotLocked()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (c *Controller) Branch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.branch
}

// SetBranch selects the branch for the next turn. A turn in flight keeps the
// branch it started with.
func (c *Controller) SetBranch(name string) {
	c.mu.Lock()
	c.branch = name
	c.version++
	c.unlockAndNotify()
}

// SendMessage starts a turn. It returns immediately; progress is observed
// through Snapshot and OnChange. It does nothing while a turn is active, when
// text is blank, or when no branch is selected.
func (c *Controller) SendMessage(text string) {
	if err := c.send(text); err != nil {
		c.logger.Debug("send rejected", "error", err)
	}
}

func (c *Controller) send(text string) error {
	c.mu.Lock()
	switch {
	case c.sess != nil:
		c.mu.Unlock()
		return ErrBusy
	case strings.TrimSpace(text) == "":
		c.mu.Unlock()
		return ErrEmptyMessage
	case c.branch == "":
		c.mu.Unlock()
		return ErrNoBranch
	}

	// History is taken before the placeholders are appended.
	req := transport.Request{Message: text, Branch: c.branch, History: c.conv.history()}

	ctx, cancel := context.WithCancelCause(context.Background())
	s := c.beginLocked(text, cancel)
	c.wg.Add(1)
	c.logger.Info("turn started", "branch", s.branch, "history", len(req.History))
	c.unlockAndNotify()

	go c.run(ctx, s, req)
	return nil
}

// ClearMessages empties the conversation. An active turn is cancelled and
// anything it produces afterwards is dropped.
func (c *Controller) ClearMessages() {
	c.mu.Lock()
	if s := c.sess; s != nil {
		c.gen++
		c.sess = nil
		s.cancel(errCleared)
		c.logger.Info("turn cancelled", "branch", s.branch)
	}
	c.epoch++
	epoch := c.epoch
	c.conv.reset()
	c.state = StateIdle
	c.status = ""
	c.errText = ""
	c.skipped = 0
	c.version++
	c.unlockAndNotify()

	if c.recorder != nil {
		c.recorder.Reset(epoch)
	}
}

// Restore replaces the conversation with previously persisted messages.
// It fails with ErrBusy while a turn is active. The recorder is reset, so the
// caller resumes the restored chat on it afterwards.
func (c *Controller) Restore(msgs []models.Message) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	c.conv.reset()
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = c.newID()
		}
		m.Streaming = false
		if m.Role == models.RoleAssistant && m.Mode == "" {
			m.Mode = models.ModeUnknown
		}
		c.conv.append(m)
	}
	c.errText = ""
	c.skipped = 0
	c.epoch++
	epoch := c.epoch
	c.version++
	c.unlockAndNotify()

	if c.recorder != nil {
		c.recorder.Reset(epoch)
	}
	return nil
}

// Wait blocks until the active turn's goroutine has exited
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels an active turn and waits for it to settle
func (c *Controller) Close() {
	c.mu.Lock()
	if s := c.sess; s != nil {
		s.cancel(errClosed)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, s *session, req transport.Request) {
	defer c.wg.Done()
	defer s.cancel(nil)

	if c.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.turnTimeout, ErrTurnTimeout)
		defer cancel()
	}

	var idle *time.Timer
	if c.idleTimeout > 0 {
		idle = time.AfterFunc(c.idleTimeout, func() { s.cancel(ErrStreamIdle) })
		defer idle.Stop()
	}

	body, err := c.opener.OpenStream(ctx, req)
	if err != nil {
		c.finish(s, streamFailure(ctx, err))
		return
	}
	defer body.Close()

	var r io.Reader = body
	if idle != nil {
		r = &idleReader{r: body, timer: idle, timeout: c.idleTimeout}
	}
	c.finish(s, c.consume(ctx, s, r))
}

// consume applies events until a terminal one arrives or the stream ends.
// It returns nil only after a done event.
func (c *Controller) consume(ctx context.Context, s *session, r io.Reader) error {
	var lines stream.Reassembler
	for line, err := range lines.Lines(r) {
		if err != nil {
			return streamFailure(ctx, err)
		}

		ev, ok, derr := stream.Decode(line)
		if derr != nil {
			if !c.skipLine(s, derr) {
				return errCleared
			}
			continue
		}
		if !ok {
			continue
		}

		c.mu.Lock()
		if !c.liveLocked(s) {
			c.mu.Unlock()
			return errCleared
		}
		terminal, failure := c.applyLocked(s, ev)
		if terminal {
			c.mu.Unlock()
			return failure
		}
		c.unlockAndNotify()
	}

	if ctx.Err() != nil {
		return streamFailure(ctx, ctx.Err())
	}
	if n := lines.Pending(); n > 0 {
		c.logger.Warn("stream ended inside a line", "dropped_bytes", n)
	}
	return ErrPrematureEnd
}

// skipLine records a malformed protocol line. The turn carries on.
func (c *Controller) skipLine(s *session, err error) bool {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		return false
	}
	s.skipped++
	c.skipped++
	c.version++
	c.unlockAndNotify()

	c.logger.Warn("skipping malformed protocol line", "error", err)
	return true
}

// finish settles s with the given outcome unless it was cleared meanwhile
func (c *Controller) finish(s *session, failure error) {
	c.mu.Lock()
	if !c.liveLocked(s) {
		c.mu.Unlock()
		c.logger.Debug("dropping outcome of cleared turn", "error", failure)
		return
	}
	c.settleLocked(s, failure)

	user, _ := c.conv.get(s.userID)
	assistant, _ := c.conv.get(s.assistantID)
	elapsed := time.Since(s.started)
	c.unlockAndNotify()

	if failure != nil {
		c.logger.Warn("turn failed",
			"branch", s.branch,
			"duration", elapsed,
			"skipped_lines", s.skipped,
			"error", failure,
		)
		return
	}

	c.logger.Info("turn completed",
		"branch", s.branch,
		"mode", assistant.Mode,
		"duration", elapsed,
		"content_length", len(assistant.Content),
		"skipped_lines", s.skipped,
	)
	if c.recorder != nil {
		if err := c.recorder.RecordTurn(s.epoch, s.branch, user, assistant); err != nil {
			c.logger.Warn("failed to record turn", "error", err)
		}
	}
}

// streamFailure maps a transport or read error to the turn's failure. Timeout
// causes win over the generic cancellation error they produce.
func streamFailure(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrStreamIdle) || errors.Is(cause, ErrTurnTimeout) {
		return &transport.Error{Op: "read stream", Err: cause}
	}
	if errors.Is(err, transport.ErrTransport) {
		return err
	}
	return &transport.Error{Op: "read stream", Err: err}
}

// idleReader restarts the idle timer whenever bytes arrive
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}
