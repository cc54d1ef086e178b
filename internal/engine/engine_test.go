package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/config"
	"mcpchat-go/internal/events"
	"mcpchat-go/internal/registry"
	"mcpchat-go/internal/storage"
)

// instantSleep drives staged emission synchronously.
func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// fakeStore is an in-memory Store that records every content snapshot a
// message goes through, so tests can assert monotonic emission.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*chat.Session
	contents map[string][]string
}

func newFakeStore(sessions ...*chat.Session) *fakeStore {
	s := &fakeStore{
		sessions: make(map[string]*chat.Session),
		contents: make(map[string][]string),
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *fakeStore) GetSession(id string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	cp := *sess
	cp.Messages = append([]chat.Message(nil), sess.Messages...)
	return &cp, nil
}

func (s *fakeStore) RenameSession(sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Title = title
	return nil
}

func (s *fakeStore) AppendMessage(sessionID string, message chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	sess.Messages = append(sess.Messages, message)
	return nil
}

func (s *fakeStore) UpdateMessage(sessionID, messageID string, patch chat.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			patch.Apply(&sess.Messages[i])
			if patch.Content != nil {
				s.contents[messageID] = append(s.contents[messageID], *patch.Content)
			}
			return nil
		}
	}
	return fmt.Errorf("message %s not found", messageID)
}

func (s *fakeStore) GetMessage(sessionID, messageID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			cp := sess.Messages[i]
			cp.PendingToolCalls = append([]chat.ToolCall(nil), sess.Messages[i].PendingToolCalls...)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, storage.ErrMessageNotFound)
}

func (s *fakeStore) deleteMessage(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			return
		}
	}
}

func (s *fakeStore) snapshots(messageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.contents[messageID]...)
}

// scriptedExecutor returns canned outcomes in order. Once the script is
// exhausted every call succeeds.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures []bool
	executed []string
}

func (x *scriptedExecutor) Execute(_ context.Context, call chat.ToolCall) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.executed = append(x.executed, call.ToolName)
	fail := false
	if len(x.failures) > 0 {
		fail = x.failures[0]
		x.failures = x.failures[1:]
	}
	if fail {
		return "", fmt.Errorf("tool %s failed", call.ToolName)
	}
	return fmt.Sprintf("%s ok", call.ToolName), nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(zap.NewNop().Sugar())
	reg.Load([]config.ServerConfig{
		{
			ID:      "files",
			Name:    "Filesystem",
			Enabled: true,
			Tools: []config.ToolConfig{
				{Name: "list_files", Keywords: []string{"list", "files", "directory"}},
				{Name: "read_file", Keywords: []string{"read", "file", "open"}},
			},
		},
		{
			ID:      "web",
			Name:    "Web Search",
			Enabled: true,
			Tools: []config.ToolConfig{
				{Name: "search", Keywords: []string{"search", "find", "lookup"}},
			},
		},
	})
	return reg
}

func newTestEngine(t *testing.T, store Store, exec Executor) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	eng := New(store, testRegistry(t), exec, bus, zap.NewNop().Sugar(), Options{
		StreamInterval:   time.Millisecond,
		StreamChunkWords: 3,
		MaxToolCalls:     2,
	})
	eng.SetSleeper(instantSleep)
	return eng, bus
}

func TestSendPlainText(t *testing.T) {
	sess := chat.NewSession(nil)
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "hello there, how are you today", nil)
	require.NoError(t, err)

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.False(t, msg.Streaming, "message should be finalized")
	assert.Empty(t, msg.PendingToolCalls)
	assert.NotEmpty(t, msg.Content)
	assert.False(t, eng.InFlight(sess.ID))

	// The user message is appended before the assistant one.
	loaded, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, chat.RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, loaded.Messages[1].Role)

	// First send titles the session from the prompt.
	assert.Equal(t, "hello there, how are you today", loaded.Title)

	// Streamed snapshots only ever grow.
	snaps := store.snapshots(msgID)
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.True(t, strings.HasPrefix(snaps[i], snaps[i-1]),
			"snapshot %d must extend snapshot %d", i, i-1)
	}
}

func TestSendProposesToolCalls(t *testing.T) {
	sess := chat.NewSession([]string{"files", "web"})
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "search the web and list files", nil)
	require.NoError(t, err)

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.True(t, msg.Streaming, "message stays open while the batch is unresolved")
	require.Len(t, msg.PendingToolCalls, 2)
	assert.Equal(t, chat.StagePending, msg.ToolCallStatus)
	assert.Equal(t, 0, msg.CurrentToolIndex)

	// Sequential revelation: only the first call is visible up front.
	assert.True(t, msg.PendingToolCalls[0].Visible)
	assert.False(t, msg.PendingToolCalls[1].Visible)
	for _, call := range msg.PendingToolCalls {
		assert.Equal(t, chat.ToolCallPending, call.Status)
		assert.NotEmpty(t, call.ID)
	}

	assert.True(t, eng.Gate().IsPending(msgID))
	assert.True(t, eng.InFlight(sess.ID))

	// A second send on the same session is rejected while the turn is open.
	_, err = eng.Send(context.Background(), sess.ID, "another question", nil)
	assert.ErrorIs(t, err, ErrGenerationInFlight)
}

func TestRunRequiresConfirmation(t *testing.T) {
	sess := chat.NewSession([]string{"web"})
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "search for gophers", nil)
	require.NoError(t, err)

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	require.Len(t, msg.PendingToolCalls, 1)

	err = eng.Act(context.Background(), msgID, ActionRun, msg.PendingToolCalls[0].ID)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	// The gate decision is idempotent.
	require.NoError(t, eng.Confirm(msgID))
	require.NoError(t, eng.Confirm(msgID))

	err = eng.Act(context.Background(), msgID, ActionRun, msg.PendingToolCalls[0].ID)
	require.NoError(t, err)
}

func TestRunBatchToCompletion(t *testing.T) {
	sess := chat.NewSession([]string{"files", "web"})
	store := newFakeStore(sess)
	exec := &scriptedExecutor{}
	eng, _ := newTestEngine(t, store, exec)

	msgID, err := eng.Send(context.Background(), sess.ID, "search the web and list files", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(msgID))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	require.Len(t, msg.PendingToolCalls, 2)
	first, second := msg.PendingToolCalls[0], msg.PendingToolCalls[1]

	// Out-of-order execution is rejected.
	err = eng.Act(context.Background(), msgID, ActionRun, second.ID)
	assert.ErrorIs(t, err, ErrNotNextCall)

	require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, first.ID))

	msg, err = store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, chat.ToolCallCompleted, msg.PendingToolCalls[0].Status)
	assert.True(t, msg.PendingToolCalls[1].Visible, "second call revealed after the first finishes")
	assert.Equal(t, 1, msg.CurrentToolIndex)
	assert.Equal(t, chat.StagePending, msg.ToolCallStatus)

	require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, second.ID))

	msg, err = store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, chat.StageCompleted, msg.ToolCallStatus)
	assert.False(t, msg.Streaming, "stage 2 finalizes the message")
	assert.False(t, eng.InFlight(sess.ID))
	assert.False(t, eng.Gate().IsPending(msgID))
	assert.Equal(t, []string{first.ToolName, second.ToolName}, exec.executed)

	// Stage 2 extends stage 1 rather than replacing it.
	snaps := store.snapshots(msgID)
	final := snaps[len(snaps)-1]
	assert.True(t, strings.HasPrefix(final, snaps[0]))
	assert.Contains(t, final, "ok")

	// The batch is gone; further actions are rejected.
	err = eng.Act(context.Background(), msgID, ActionRun, second.ID)
	assert.ErrorIs(t, err, ErrUnknownBatch)
}

func TestFailureAndManualRetry(t *testing.T) {
	sess := chat.NewSession([]string{"web"})
	store := newFakeStore(sess)
	exec := &scriptedExecutor{failures: []bool{true, true}}
	eng, _ := newTestEngine(t, store, exec)

	msgID, err := eng.Send(context.Background(), sess.ID, "search for gophers", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(msgID))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	callID := msg.PendingToolCalls[0].ID

	// First two attempts fail; the batch stays unresolved and the index
	// stays on the failed call.
	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, callID))
		msg, err = store.GetMessage(sess.ID, msgID)
		require.NoError(t, err)
		assert.Equal(t, chat.ToolCallFailed, msg.PendingToolCalls[0].Status)
		assert.Equal(t, chat.StageFailed, msg.ToolCallStatus)
		assert.Equal(t, 0, msg.CurrentToolIndex)
		assert.NotEmpty(t, msg.ErrorMessage)
		assert.True(t, msg.Streaming)
	}

	// Third attempt succeeds and resolves the batch.
	require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, callID))
	msg, err = store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, chat.ToolCallCompleted, msg.PendingToolCalls[0].Status)
	assert.Equal(t, chat.StageCompleted, msg.ToolCallStatus)
	assert.Empty(t, msg.ErrorMessage, "error cleared on successful retry")
	assert.False(t, msg.Streaming)
	assert.Len(t, exec.executed, 3)
}

func TestCancelBatch(t *testing.T) {
	sess := chat.NewSession([]string{"files", "web"})
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "search the web and list files", nil)
	require.NoError(t, err)

	// Declining maps straight to Cancel; no confirmation needed.
	require.NoError(t, eng.Act(context.Background(), msgID, ActionCancel, ""))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	for _, call := range msg.PendingToolCalls {
		assert.Equal(t, chat.ToolCallCancelled, call.Status)
	}
	assert.Equal(t, chat.StageCancelled, msg.ToolCallStatus)
	assert.False(t, msg.Streaming, "stage 2 still runs after cancellation")
	assert.Contains(t, msg.Content, "won't run any tools")
	assert.False(t, eng.InFlight(sess.ID))
	assert.False(t, eng.Gate().IsPending(msgID))
}

func TestCancelAfterFailureResolvesBatch(t *testing.T) {
	sess := chat.NewSession([]string{"files", "web"})
	store := newFakeStore(sess)
	exec := &scriptedExecutor{failures: []bool{true}}
	eng, _ := newTestEngine(t, store, exec)

	msgID, err := eng.Send(context.Background(), sess.ID, "search the web and list files", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(msgID))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, msg.PendingToolCalls[0].ID))

	// Instead of retrying, the user gives up on the batch.
	require.NoError(t, eng.Act(context.Background(), msgID, ActionCancel, ""))

	msg, err = store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	assert.Equal(t, chat.ToolCallFailed, msg.PendingToolCalls[0].Status)
	assert.Equal(t, chat.ToolCallCancelled, msg.PendingToolCalls[1].Status)
	assert.Equal(t, chat.StageCancelled, msg.ToolCallStatus)
	assert.False(t, msg.Streaming)
	assert.False(t, eng.InFlight(sess.ID))
}

func TestActOnUnknownMessage(t *testing.T) {
	sess := chat.NewSession(nil)
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	assert.ErrorIs(t, eng.Confirm("no-such-message"), ErrUnknownBatch)
	assert.ErrorIs(t, eng.Act(context.Background(), "no-such-message", ActionRun, "x"), ErrUnknownBatch)
	assert.ErrorIs(t, eng.Act(context.Background(), "no-such-message", ActionCancel, ""), ErrUnknownBatch)
}

func TestDeleteSuspendedMessageReleasesTurn(t *testing.T) {
	sess := chat.NewSession([]string{"files", "web"})
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "search the web and list files", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(msgID))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	require.NotEmpty(t, msg.PendingToolCalls)
	callID := msg.PendingToolCalls[0].ID

	// Hard-delete the suspended assistant message out from under the batch.
	store.deleteMessage(sess.ID, msgID)

	err = eng.Act(context.Background(), msgID, ActionRun, callID)
	assert.ErrorIs(t, err, ErrUnknownBatch)

	// Acting released the whole turn, not just the failed call.
	assert.False(t, eng.InFlight(sess.ID))
	assert.False(t, eng.Gate().IsApproved(msgID))
	assert.ErrorIs(t, eng.Act(context.Background(), msgID, ActionCancel, ""), ErrUnknownBatch)

	// The session accepts new turns again.
	_, err = eng.Send(context.Background(), sess.ID, "hello again", nil)
	assert.NoError(t, err)
}

func TestSendReclaimsTurnAfterMessageDelete(t *testing.T) {
	sess := chat.NewSession([]string{"web"})
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	msgID, err := eng.Send(context.Background(), sess.ID, "search for gophers", nil)
	require.NoError(t, err)
	require.True(t, eng.InFlight(sess.ID))

	store.deleteMessage(sess.ID, msgID)

	// A fresh send notices the deleted message and takes over the session.
	nextID, err := eng.Send(context.Background(), sess.ID, "what's the weather", nil)
	require.NoError(t, err)
	assert.NotEqual(t, msgID, nextID)
	assert.ErrorIs(t, eng.Act(context.Background(), msgID, ActionRun, "x"), ErrUnknownBatch)
}

func TestTitleAndEchoTruncateOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 10)
	title := deriveTitle(long)
	assert.True(t, utf8.ValidString(title))
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len([]rune(title)), sessionTitleLimit+3)

	assert.Equal(t, "New chat", deriveTitle("   "))

	p := &planner{registry: testRegistry(t), maxCalls: 2}
	turn := p.Plan(strings.Repeat("ü", 200), nil)
	assert.True(t, utf8.ValidString(turn.Stage1))
}

func TestToolEventsPublished(t *testing.T) {
	sess := chat.NewSession([]string{"web"})
	store := newFakeStore(sess)
	eng, bus := newTestEngine(t, store, &scriptedExecutor{})

	ch := bus.SubscribeMany(events.ToolCallsProposed, events.ToolCallStateChanged, events.ToolBatchResolved)

	msgID, err := eng.Send(context.Background(), sess.ID, "search for gophers", nil)
	require.NoError(t, err)
	require.NoError(t, eng.Confirm(msgID))

	msg, err := store.GetMessage(sess.ID, msgID)
	require.NoError(t, err)
	require.NoError(t, eng.Act(context.Background(), msgID, ActionRun, msg.PendingToolCalls[0].ID))

	var seen []events.EventType
	deadline := time.After(time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
	assert.Equal(t, []events.EventType{
		events.ToolCallsProposed,
		events.ToolCallStateChanged, // Pending → Executing
		events.ToolCallStateChanged, // Executing → Completed
		events.ToolBatchResolved,
	}, seen)
}

func TestSimulatedExecutor(t *testing.T) {
	exec := NewSimulatedExecutor(0, 0.2)
	exec.sleep = instantSleep

	call := chat.ToolCall{ToolName: "search", ServerName: "Web Search"}

	exec.randf = func() float64 { return 0.19 }
	_, err := exec.Execute(context.Background(), call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search")

	exec.randf = func() float64 { return 0.2 }
	result, err := exec.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Contains(t, result, "Web Search")

	// A cancelled context aborts before the outcome roll.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, call)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallbackOnStoreFailure(t *testing.T) {
	sess := chat.NewSession(nil)
	store := newFakeStore(sess)
	eng, _ := newTestEngine(t, store, &scriptedExecutor{})

	// A cancelled context makes the pacing sleeper fail mid-stream.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eng.SetSleeper(sleepWithContext)

	msgID, err := eng.Send(ctx, sess.ID, "a long enough prompt that needs more than one chunk to stream", nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))

	msg, getErr := store.GetMessage(sess.ID, msgID)
	require.NoError(t, getErr)
	assert.False(t, msg.Streaming, "failed turn must still terminate")
	assert.Equal(t, fallbackResponse, msg.Content)
	assert.NotEmpty(t, msg.ErrorMessage)
	assert.False(t, eng.InFlight(sess.ID))
}
