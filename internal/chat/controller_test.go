package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revchat/internal/db"
	"revchat/internal/models"
	"revchat/internal/transport"
)

type fakeOpener struct {
	mu   sync.Mutex
	reqs []transport.Request
	open func(ctx context.Context, req transport.Request) (io.ReadCloser, error)
}

func (f *fakeOpener) OpenStream(ctx context.Context, req transport.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.open(ctx, req)
}

func (f *fakeOpener) requests() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.reqs...)
}

// chunkReader hands out one chunk per Read, then err (io.EOF when nil)
type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func chunked(chunks ...string) *fakeOpener {
	return &fakeOpener{open: func(context.Context, transport.Request) (io.ReadCloser, error) {
		return io.NopCloser(&chunkReader{chunks: append([]string(nil), chunks...)}), nil
	}}
}

// piped returns an opener whose body is fed through the returned writer. The
// body is closed with the cancel cause when the turn's context ends.
func piped() (*fakeOpener, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakeOpener{open: func(ctx context.Context, _ transport.Request) (io.ReadCloser, error) {
		go func() {
			<-ctx.Done()
			pr.CloseWithError(ctx.Err())
		}()
		return pr, nil
	}}, pw
}

type blockingBody struct{ ctx context.Context }

func (b blockingBody) Read([]byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b blockingBody) Close() error { return nil }

type recordedTurn struct {
	epoch           uint64
	branch          string
	user, assistant models.Message
}

type fakeRecorder struct {
	mu     sync.Mutex
	turns  []recordedTurn
	resets []uint64
	err    error
}

func (r *fakeRecorder) RecordTurn(epoch uint64, branch string, user, assistant models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, recordedTurn{epoch: epoch, branch: branch, user: user, assistant: assistant})
	return r.err
}

func (r *fakeRecorder) Reset(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, epoch)
}

func sequentialIDs() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}
}

func newController(opener Opener, opts ...func(*Deps)) *Controller {
	deps := Deps{
		Opener: opener,
		Branch: "feat/partiql-support",
		NewID:  sequentialIDs(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return New(deps)
}

func data(payload string) string { return "data: " + payload + "\n\n" }

func token(s string) string { return data(fmt.Sprintf(`{"type":"token","content":%q}`, s)) }

func status(node string) string { return data(fmt.Sprintf(`{"type":"status","node":%q}`, node)) }

var done = data(`{"type":"done"}`)

func TestSendMessageStreamsReply(t *testing.T) {
	rec := &fakeRecorder{}
	opener := chunked(status("qa_node"), token("Hello"), token(" world"), done)
	c := newController(opener, func(d *Deps) { d.Recorder = rec })

	c.SendMessage("What changed?")
	c.Wait()

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, models.Message{ID: "msg-1", Role: models.RoleUser, Content: "What changed?"}, snap.Messages[0])
	assert.Equal(t, models.Message{ID: "msg-2", Role: models.RoleAssistant, Content: "Hello world", Mode: models.ModeQA}, snap.Messages[1])
	assert.False(t, snap.Busy)
	assert.Empty(t, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, StateIdle, snap.State)

	reqs := opener.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "What changed?", reqs[0].Message)
	assert.Equal(t, "feat/partiql-support", reqs[0].Branch)
	assert.Empty(t, reqs[0].History)

	require.Len(t, rec.turns, 1)
	assert.Equal(t, "feat/partiql-support", rec.turns[0].branch)
	assert.Equal(t, "What changed?", rec.turns[0].user.Content)
	assert.Equal(t, "Hello world", rec.turns[0].assistant.Content)
	assert.Equal(t, models.ModeQA, rec.turns[0].assistant.Mode)
}

func TestTokenContentIsRunningConcatenation(t *testing.T) {
	c := newController(chunked(token("a"), token("bc"), token(""), token("def"), done))

	var mu sync.Mutex
	var seen []string
	c.OnChange(func(s Snapshot) {
		if len(s.Messages) == 2 && s.Messages[1].Streaming {
			mu.Lock()
			seen = append(seen, s.Messages[1].Content)
			mu.Unlock()
		}
	})

	c.SendMessage("go")
	c.Wait()

	assert.Equal(t, []string{"", "a", "abc", "abc", "abcdef"}, seen)
	final := c.Snapshot().Messages[1].Content
	assert.Equal(t, "abcdef", final)
	for _, s := range seen {
		assert.True(t, strings.HasPrefix(final, s), "%q is not a prefix of %q", s, final)
	}
}

func TestDoneSetsMode(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   models.Mode
	}{
		{name: "no status", events: []string{token("x"), done}, want: models.ModeUnknown},
		{name: "non-mode status", events: []string{status("router"), token("x"), done}, want: models.ModeUnknown},
		{name: "review", events: []string{status("router"), status("review_node"), done}, want: models.ModeReview},
		{name: "last wins", events: []string{status("review_node"), status("qa_node"), done}, want: models.ModeQA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(chunked(tt.events...))
			c.SendMessage("hi")
			c.Wait()

			msgs := c.Snapshot().Messages
			require.Len(t, msgs, 2)
			assert.False(t, msgs[1].Streaming)
			assert.Equal(t, tt.want, msgs[1].Mode)
		})
	}
}

func TestTurnFailuresRollBackPlaceholder(t *testing.T) {
	tests := []struct {
		name    string
		opener  *fakeOpener
		wantErr string
	}{
		{
			name:    "agent error after tokens",
			opener:  chunked(status("qa_node"), token("partial"), data(`{"type":"error","message":"rate limited"}`), token("ignored")),
			wantErr: "rate limited",
		},
		{
			name:    "agent error without message",
			opener:  chunked(data(`{"type":"error"}`)),
			wantErr: "agent reported an error",
		},
		{
			name: "non-success status",
			opener: &fakeOpener{open: func(context.Context, transport.Request) (io.ReadCloser, error) {
				return nil, &transport.Error{Op: "open stream", StatusCode: 500}
			}},
			wantErr: "HTTP 500",
		},
		{
			name: "read fault mid-stream",
			opener: &fakeOpener{open: func(context.Context, transport.Request) (io.ReadCloser, error) {
				return io.NopCloser(&chunkReader{chunks: []string{token("par")}, err: io.ErrUnexpectedEOF}), nil
			}},
			wantErr: "read stream: unexpected EOF",
		},
		{
			name:    "premature end",
			opener:  chunked(token("half an ans"), `data: {"type":"done"}`),
			wantErr: "stream ended before the agent finished",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			c := newController(tt.opener, func(d *Deps) { d.Recorder = rec })
			c.SendMessage("review please")
			c.Wait()

			snap := c.Snapshot()
			require.Len(t, snap.Messages, 1)
			assert.Equal(t, models.RoleUser, snap.Messages[0].Role)
			assert.Equal(t, "review please", snap.Messages[0].Content)
			assert.Equal(t, tt.wantErr, snap.Error)
			assert.False(t, snap.Busy)
			assert.Empty(t, snap.Status)
			assert.Equal(t, StateIdle, snap.State)
			assert.Empty(t, rec.turns)
		})
	}
}

func TestNextSendClearsError(t *testing.T) {
	failing := true
	opener := &fakeOpener{open: func(context.Context, transport.Request) (io.ReadCloser, error) {
		if failing {
			return nil, &transport.Error{Op: "open stream", StatusCode: 502}
		}
		return io.NopCloser(strings.NewReader(token("ok") + done)), nil
	}}
	c := newController(opener)

	c.SendMessage("first")
	c.Wait()
	assert.Equal(t, "HTTP 502", c.Snapshot().Error)

	failing = false
	c.SendMessage("second")
	c.Wait()

	snap := c.Snapshot()
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "ok", snap.Messages[2].Content)

	// the failed turn's user message is sent as history, its placeholder is not
	reqs := opener.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []models.HistoryTurn{{Role: models.RoleUser, Content: "first"}}, reqs[1].History)
}

func TestStatusLabelsWhileStreaming(t *testing.T) {
	opener, pw := piped()
	c := newController(opener, func(d *Deps) {
		d.Labels = NewLabels(map[string]string{"router": "Routing"})
	})

	c.SendMessage("hi")
	snap := c.Snapshot()
	assert.True(t, snap.Busy)
	assert.Equal(t, ConnectingLabel, snap.Status)
	assert.Equal(t, StateSending, snap.State)

	_, err := io.WriteString(pw, status("router"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().Status == "Routing" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, c.Snapshot().State)

	_, err = io.WriteString(pw, status("lint_node"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Snapshot().Status == "lint_node" }, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(pw, done)
	require.NoError(t, err)
	c.Wait()
	assert.Empty(t, c.Snapshot().Status)
}

func TestClearWhileStreaming(t *testing.T) {
	rec := &fakeRecorder{}
	opener, pw := piped()
	c := newController(opener, func(d *Deps) { d.Recorder = rec })

	c.SendMessage("hi")
	_, err := io.WriteString(pw, token("Hel"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := c.Snapshot().Messages
		return len(msgs) == 2 && msgs[1].Content == "Hel"
	}, time.Second, 5*time.Millisecond)

	c.ClearMessages()
	after := c.Snapshot()
	assert.Empty(t, after.Messages)
	assert.False(t, after.Busy)
	assert.Equal(t, StateIdle, after.State)

	// the body is released; late writes fail and nothing is applied
	_, _ = io.WriteString(pw, token("lo")+done)
	c.Wait()

	final := c.Snapshot()
	assert.Equal(t, after.Version, final.Version)
	assert.Empty(t, final.Messages)
	assert.Empty(t, final.Error)
	assert.Empty(t, rec.turns)
	assert.Equal(t, []uint64{1}, rec.resets)
}

func TestClearedSessionIsInert(t *testing.T) {
	opener, pw := piped()
	defer pw.Close()
	c := newController(opener)

	c.SendMessage("hi")
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	require.NotNil(t, s)

	c.ClearMessages()
	before := c.Snapshot()

	c.finish(s, nil)
	c.finish(s, errors.New("late failure"))
	assert.False(t, c.skipLine(s, errors.New("bad line")))

	assert.Equal(t, before, c.Snapshot())
	c.Wait()
}

func TestSendWhileBusyIsNoop(t *testing.T) {
	opener, pw := piped()
	c := newController(opener)

	c.SendMessage("first")
	before := c.Snapshot()

	c.SendMessage("second")
	assert.ErrorIs(t, c.send("third"), ErrBusy)
	assert.Equal(t, before, c.Snapshot())

	_, err := io.WriteString(pw, done)
	require.NoError(t, err)
	c.Wait()
	assert.Len(t, opener.requests(), 1)
	assert.Len(t, c.Snapshot().Messages, 2)
}

func TestSendRejections(t *testing.T) {
	opener := chunked(done)

	c := newController(opener)
	assert.ErrorIs(t, c.send("   \n"), ErrEmptyMessage)

	c = newController(opener, func(d *Deps) { d.Branch = "" })
	assert.ErrorIs(t, c.send("hello"), ErrNoBranch)
	c.SendMessage("hello")

	assert.Empty(t, c.Snapshot().Messages)
	assert.Empty(t, opener.requests())

	c.SetBranch("feat/support-streaming")
	require.NoError(t, c.send("hello"))
	c.Wait()
	assert.Equal(t, "feat/support-streaming", opener.requests()[0].Branch)
}

func TestChunkBoundaryRobustness(t *testing.T) {
	full := strings.Join([]string{
		": keep-alive\n",
		status("router"),
		status("review_node"),
		token("## Revisión\n"),
		token("héllo ✓ "),
		"data: {broken\n",
		token("done."),
		"\r\n",
		done,
	}, "")

	splitters := map[string]func(string) []string{
		"single chunk": func(s string) []string { return []string{s} },
		"byte by byte": func(s string) []string {
			out := make([]string, len(s))
			for i := 0; i < len(s); i++ {
				out[i] = s[i : i+1]
			}
			return out
		},
		"every 7 bytes": func(s string) []string {
			var out []string
			for len(s) > 7 {
				out = append(out, s[:7])
				s = s[7:]
			}
			return append(out, s)
		},
	}

	var want *Snapshot
	for name, split := range splitters {
		t.Run(name, func(t *testing.T) {
			c := newController(chunked(split(full)...))
			c.SendMessage("review")
			c.Wait()

			got := c.Snapshot()
			got.Version = 0
			require.Len(t, got.Messages, 2)
			assert.Equal(t, "## Revisión\nhéllo ✓ done.", got.Messages[1].Content)
			assert.Equal(t, models.ModeReview, got.Messages[1].Mode)
			assert.Equal(t, 1, got.SkippedLines)
			if want == nil {
				want = &got
				return
			}
			assert.Equal(t, *want, got)
		})
	}
}

func TestIgnoredAndMalformedLines(t *testing.T) {
	c := newController(chunked(
		"event: message\n",
		"data: {not json\n",
		token("ok"),
		"data: [1,2]\n",
		data(`{"type":"future_event","x":1}`),
		"data:\n",
		done,
	))

	c.SendMessage("hi")
	c.Wait()

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "ok", snap.Messages[1].Content)
	assert.False(t, snap.Messages[1].Streaming)
	assert.Equal(t, 2, snap.SkippedLines)
	assert.Empty(t, snap.Error)
}

func TestHistoryExcludesPlaceholders(t *testing.T) {
	opener := chunked(token("first answer"), done)
	c := newController(opener)

	c.SendMessage("first question")
	c.Wait()

	opener.open = func(context.Context, transport.Request) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(done)), nil
	}
	c.SendMessage("second question")
	c.Wait()

	reqs := opener.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []models.HistoryTurn{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
	}, reqs[1].History)
}

func TestIdleTimeout(t *testing.T) {
	opener := &fakeOpener{open: func(ctx context.Context, _ transport.Request) (io.ReadCloser, error) {
		return blockingBody{ctx: ctx}, nil
	}}
	c := newController(opener, func(d *Deps) { d.IdleTimeout = 30 * time.Millisecond })

	c.SendMessage("hi")
	c.Wait()

	snap := c.Snapshot()
	assert.Equal(t, "agent stopped responding", snap.Error)
	assert.Len(t, snap.Messages, 1)
	assert.False(t, snap.Busy)
}

func TestIdleTimerRestartsOnData(t *testing.T) {
	opener, pw := piped()
	c := newController(opener, func(d *Deps) { d.IdleTimeout = 150 * time.Millisecond })

	c.SendMessage("hi")
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		_, err := io.WriteString(pw, token("."))
		require.NoError(t, err)
	}
	_, err := io.WriteString(pw, done)
	require.NoError(t, err)
	c.Wait()

	snap := c.Snapshot()
	assert.Empty(t, snap.Error)
	assert.Equal(t, "....", snap.Messages[1].Content)
}

func TestTurnTimeout(t *testing.T) {
	opener := &fakeOpener{open: func(ctx context.Context, _ transport.Request) (io.ReadCloser, error) {
		return blockingBody{ctx: ctx}, nil
	}}
	c := newController(opener, func(d *Deps) { d.TurnTimeout = 30 * time.Millisecond })

	c.SendMessage("hi")
	c.Wait()
	assert.Equal(t, "agent took too long to answer", c.Snapshot().Error)
}

func TestRecorderFailureDoesNotFailTurn(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	c := newController(chunked(token("x"), done), func(d *Deps) { d.Recorder = rec })

	c.SendMessage("hi")
	c.Wait()

	snap := c.Snapshot()
	assert.Empty(t, snap.Error)
	assert.Len(t, snap.Messages, 2)
	assert.Len(t, rec.turns, 1)
}

func TestRestore(t *testing.T) {
	c := newController(chunked(done))

	require.NoError(t, c.Restore([]models.Message{
		{Role: models.RoleUser, Content: "old question"},
		{Role: models.RoleAssistant, Content: "old answer", Mode: models.ModeReview},
		{Role: models.RoleAssistant, Content: "legacy", Streaming: true},
	}))

	msgs := c.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.NotEmpty(t, msgs[0].ID)
	assert.Equal(t, models.ModeReview, msgs[1].Mode)
	assert.Equal(t, models.ModeUnknown, msgs[2].Mode)
	assert.False(t, msgs[2].Streaming)

	opener, pw := piped()
	c.opener = opener
	c.SendMessage("new")
	assert.ErrorIs(t, c.Restore(nil), ErrBusy)
	assert.Len(t, c.Snapshot().Messages, 5)

	_, _ = io.WriteString(pw, done)
	c.Wait()
	assert.Len(t, opener.requests()[0].History, 3)
}

func TestCloseCancelsActiveTurn(t *testing.T) {
	opener := &fakeOpener{open: func(ctx context.Context, _ transport.Request) (io.ReadCloser, error) {
		return blockingBody{ctx: ctx}, nil
	}}
	c := newController(opener)

	c.SendMessage("hi")
	c.Close()

	snap := c.Snapshot()
	assert.False(t, snap.Busy)
	assert.Len(t, snap.Messages, 1)
	assert.NotEmpty(t, snap.Error)
}

func TestClearAtSettleKeepsTurnOutOfNextChat(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	rec := db.NewRecorder(conn)

	opener := &fakeOpener{open: func(_ context.Context, req transport.Request) (io.ReadCloser, error) {
		reply := strings.Replace(req.Message, "question", "answer", 1)
		return io.NopCloser(strings.NewReader(token(reply) + done)), nil
	}}
	c := newController(opener, func(d *Deps) { d.Recorder = rec })

	// Clear from the settle notification, before the turn is recorded
	var once sync.Once
	c.OnChange(func(s Snapshot) {
		if !s.Busy && len(s.Messages) == 2 {
			once.Do(c.ClearMessages)
		}
	})
	c.SendMessage("old question")
	c.Wait()
	require.Empty(t, c.Snapshot().Messages)

	c.OnChange(nil)
	c.SendMessage("new question")
	c.Wait()

	count, chats, err := db.GetRecentChats(conn, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	rows, err := db.GetChatMessages(conn, chats[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "new question", rows[0].Content)
	assert.Equal(t, "new answer", rows[1].Content)
}

func TestRecorderEpochs(t *testing.T) {
	rec := &fakeRecorder{}
	c := newController(chunked(token("x"), done), func(d *Deps) { d.Recorder = rec })

	c.SendMessage("first")
	c.Wait()
	c.ClearMessages()
	c.SendMessage("second")
	c.Wait()
	require.NoError(t, c.Restore(nil))

	require.Len(t, rec.turns, 2)
	assert.Equal(t, uint64(0), rec.turns[0].epoch)
	assert.Equal(t, uint64(1), rec.turns[1].epoch)
	assert.Equal(t, []uint64{1, 2}, rec.resets)
}

func TestPartialTailIsPrematureEnd(t *testing.T) {
	c := newController(chunked(token("x"), `data: {"type":"done"}`))
	c.SendMessage("hi")
	c.Wait()

	snap := c.Snapshot()
	assert.Equal(t, ErrPrematureEnd.Error(), snap.Error)
	require.Len(t, snap.Messages, 1)
}
