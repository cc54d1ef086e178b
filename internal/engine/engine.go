// Package engine implements the conversation and tool-call orchestration
// core: staged assistant output, the tool-call lifecycle state machine, and
// the confirmation gate in front of execution.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/config"
	"mcpchat-go/internal/events"
	"mcpchat-go/internal/registry"
	"mcpchat-go/internal/storage"
)

// fallbackResponse replaces assistant output when the generation path fails.
// The thread must never be left with a dangling, unfinished assistant turn.
const fallbackResponse = "Sorry, something went wrong while generating this response. Please try again."

// sessionTitleLimit caps auto-derived session titles.
const sessionTitleLimit = 48

// Store is the slice of the storage manager the engine mutates through.
// The engine never holds a separate copy of message truth.
type Store interface {
	GetSession(id string) (*chat.Session, error)
	RenameSession(sessionID, title string) error
	AppendMessage(sessionID string, message chat.Message) error
	UpdateMessage(sessionID, messageID string, patch chat.MessagePatch) error
	GetMessage(sessionID, messageID string) (*chat.Message, error)
}

// AuditSink records tool executions. Implemented by the logs package;
// optional.
type AuditSink interface {
	RecordToolExecution(call chat.ToolCall, duration time.Duration, result string, execErr error)
}

// Options tunes the engine's pacing and planning.
type Options struct {
	StreamInterval   time.Duration
	StreamChunkWords int
	MaxToolCalls     int
}

// OptionsFromConfig derives engine options from the chat configuration.
func OptionsFromConfig(cfg *config.ChatConfig) Options {
	opts := Options{
		StreamInterval:   config.DefaultStreamInterval,
		StreamChunkWords: config.DefaultStreamChunkWords,
		MaxToolCalls:     config.DefaultMaxToolCallsPerTurn,
	}
	if cfg == nil {
		return opts
	}
	if cfg.StreamInterval > 0 {
		opts.StreamInterval = cfg.StreamInterval.Duration()
	}
	if cfg.StreamChunkWords > 0 {
		opts.StreamChunkWords = cfg.StreamChunkWords
	}
	if cfg.MaxToolCallsPerTurn > 0 {
		opts.MaxToolCalls = cfg.MaxToolCallsPerTurn
	}
	return opts
}

// batchState tracks one unresolved tool-call batch between stage 1 and
// stage 2.
type batchState struct {
	sessionID string
	plan      plan
	results   []string
}

// Engine drives assistant turns for chat sessions. All message mutation
// flows through the Store; at most one turn is in flight per session.
type Engine struct {
	store    Store
	planner  *planner
	executor Executor
	gate     *Gate
	bus      *events.Bus
	audit    AuditSink
	logger   *zap.SugaredLogger
	opts     Options
	sleep    Sleeper

	mu       sync.Mutex
	inflight map[string]bool        // sessionID → turn active
	batches  map[string]*batchState // messageID → unresolved batch
}

// New creates an engine.
func New(store Store, reg *registry.Registry, executor Executor, bus *events.Bus, logger *zap.SugaredLogger, opts Options) *Engine {
	return &Engine{
		store:    store,
		planner:  &planner{registry: reg, maxCalls: opts.MaxToolCalls},
		executor: executor,
		gate:     NewGate(),
		bus:      bus,
		logger:   logger,
		opts:     opts,
		sleep:    sleepWithContext,
		inflight: make(map[string]bool),
		batches:  make(map[string]*batchState),
	}
}

// SetAuditSink attaches an audit sink for tool executions.
func (e *Engine) SetAuditSink(sink AuditSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = sink
}

// SetSleeper overrides the pacing function. Tests use this to drive staged
// emission synchronously.
func (e *Engine) SetSleeper(sleep Sleeper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sleep = sleep
}

// Gate exposes the confirmation gate for read-model consumers.
func (e *Engine) Gate() *Gate {
	return e.gate
}

// Send runs one full user turn: appends the user message, then produces the
// assistant message through stage 1. When the plan proposes tool calls the
// assistant message is left suspended behind the confirmation gate and the
// turn stays in flight until the batch resolves and stage 2 completes.
//
// Returns the assistant message id.
func (e *Engine) Send(ctx context.Context, sessionID, text string, attachments []chat.Attachment) (string, error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.inflight[sessionID] && !e.reclaimDeletedLocked(sessionID) {
		e.mu.Unlock()
		return "", ErrGenerationInFlight
	}
	e.inflight[sessionID] = true
	e.mu.Unlock()

	userMsg := chat.NewUserMessage(text, attachments)
	if err := e.store.AppendMessage(sessionID, userMsg); err != nil {
		e.clearInflight(sessionID)
		return "", err
	}

	// First turn titles the session from the prompt.
	if len(session.Messages) == 0 {
		if err := e.store.RenameSession(sessionID, deriveTitle(text)); err != nil {
			e.logger.Warnw("Failed to title session", "session_id", sessionID, "error", err)
		}
	}

	turnPlan := e.planner.Plan(text, session.SelectedServerIDs)

	assistant := chat.NewAssistantMessage()
	if err := e.store.AppendMessage(sessionID, assistant); err != nil {
		e.clearInflight(sessionID)
		return "", err
	}

	if err := e.streamContent(ctx, sessionID, assistant.ID, "", turnPlan.Stage1); err != nil {
		e.failTurn(sessionID, assistant.ID, err)
		return assistant.ID, err
	}

	if len(turnPlan.Calls) == 0 {
		// Plain text turn: finalize right after stage 1.
		e.finalize(sessionID, assistant.ID)
		return assistant.ID, nil
	}

	// Attach the batch atomically with its initial status and suspend.
	patch := chat.MessagePatch{
		PendingToolCalls: turnPlan.Calls,
		ToolCallStatus:   chat.Stage(chat.StagePending),
		CurrentToolIndex: chat.Int(0),
	}
	if err := e.store.UpdateMessage(sessionID, assistant.ID, patch); err != nil {
		e.failTurn(sessionID, assistant.ID, err)
		return assistant.ID, err
	}

	e.mu.Lock()
	e.batches[assistant.ID] = &batchState{sessionID: sessionID, plan: turnPlan}
	e.mu.Unlock()
	e.gate.Register(assistant.ID)

	e.publish(events.Event{
		Type:      events.ToolCallsProposed,
		SessionID: sessionID,
		MessageID: assistant.ID,
		Data:      turnPlan.Calls,
	})

	e.logger.Infow("Proposed tool calls",
		"session_id", sessionID,
		"message_id", assistant.ID,
		"calls", len(turnPlan.Calls))

	return assistant.ID, nil
}

// InFlight reports whether a turn is currently active for the session.
func (e *Engine) InFlight(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[sessionID]
}

// streamContent emits text onto a message in strictly growing increments.
// base is the content already present; increments extend it, never shrink it.
func (e *Engine) streamContent(ctx context.Context, sessionID, messageID, base, text string) error {
	words := strings.Fields(text)
	chunk := e.opts.StreamChunkWords
	if chunk < 1 {
		chunk = 1
	}

	sep := ""
	if base != "" {
		sep = "\n\n"
	}

	for n := chunk; ; n += chunk {
		if n > len(words) {
			n = len(words)
		}
		content := base + sep + strings.Join(words[:n], " ")
		if err := e.store.UpdateMessage(sessionID, messageID, chat.MessagePatch{Content: chat.String(content)}); err != nil {
			return err
		}
		if n == len(words) {
			return nil
		}
		if err := e.sleep(ctx, e.opts.StreamInterval); err != nil {
			return err
		}
	}
}

// resumeAfterTools emits stage 2 once every tool call in the batch is
// terminal, then finalizes the message.
func (e *Engine) resumeAfterTools(ctx context.Context, messageID string, state *batchState) {
	msg, err := e.store.GetMessage(state.sessionID, messageID)
	if err != nil {
		e.logger.Errorw("Failed to load message for stage 2",
			"message_id", messageID, "error", err)
		e.clearInflight(state.sessionID)
		return
	}

	var stage2 string
	switch msg.ToolCallStatus {
	case chat.StageCancelled:
		stage2 = state.plan.Stage2Declined
	case chat.StageCompleted:
		stage2 = state.plan.Stage2Success
	default:
		stage2 = state.plan.Stage2Failed
	}

	if len(state.results) > 0 {
		stage2 = strings.Join(state.results, "\n") + "\n\n" + stage2
	}

	if err := e.streamContent(ctx, state.sessionID, messageID, msg.Content, stage2); err != nil {
		e.failTurn(state.sessionID, messageID, err)
		return
	}

	e.finalize(state.sessionID, messageID)
}

// finalize freezes a message's content and releases the session.
func (e *Engine) finalize(sessionID, messageID string) {
	if err := e.store.UpdateMessage(sessionID, messageID, chat.MessagePatch{Streaming: chat.Bool(false)}); err != nil {
		e.logger.Errorw("Failed to finalize message",
			"message_id", messageID, "error", err)
	}
	e.clearInflight(sessionID)
}

// failTurn converts a generation failure into a terminal assistant message
// with a user-facing fallback instead of leaving the turn stuck mid-stream.
func (e *Engine) failTurn(sessionID, messageID string, cause error) {
	e.logger.Errorw("Generation failed, emitting fallback",
		"session_id", sessionID,
		"message_id", messageID,
		"error", cause)

	patch := chat.MessagePatch{
		Content:      chat.String(fallbackResponse),
		ErrorMessage: chat.String(cause.Error()),
		Streaming:    chat.Bool(false),
	}
	if err := e.store.UpdateMessage(sessionID, messageID, patch); err != nil {
		e.logger.Errorw("Failed to write fallback message",
			"message_id", messageID, "error", err)
	}
	e.clearInflight(sessionID)
}

// releaseTurnLocked drops every trace of a suspended batch whose message no
// longer exists, so the session accepts new turns again. Callers hold e.mu.
func (e *Engine) releaseTurnLocked(messageID string, state *batchState) {
	delete(e.batches, messageID)
	delete(e.inflight, state.sessionID)
	e.gate.Clear(messageID)
	e.logger.Warnw("Released suspended batch for deleted message",
		"session_id", state.sessionID,
		"message_id", messageID)
}

// reclaimDeletedLocked frees the session's in-flight turn when its suspended
// assistant message was hard-deleted out from under the batch. Reports
// whether a turn was reclaimed. Callers hold e.mu.
func (e *Engine) reclaimDeletedLocked(sessionID string) bool {
	for id, state := range e.batches {
		if state.sessionID != sessionID {
			continue
		}
		if _, err := e.store.GetMessage(sessionID, id); errors.Is(err, storage.ErrMessageNotFound) {
			e.releaseTurnLocked(id, state)
			return true
		}
	}
	return false
}

func (e *Engine) clearInflight(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, sessionID)
}

func (e *Engine) publish(event events.Event) {
	if e.bus != nil {
		e.bus.Publish(event)
	}
}

func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if title == "" {
		return "New chat"
	}
	if runes := []rune(title); len(runes) > sessionTitleLimit {
		title = strings.TrimSpace(string(runes[:sessionTitleLimit])) + "..."
	}
	return title
}
