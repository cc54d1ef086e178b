package engine

import (
	"context"
	"errors"
	"time"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/events"
	"mcpchat-go/internal/storage"
)

// Action is a user decision applied to a message's tool-call batch.
type Action string

const (
	// ActionRun executes (or retries) one specific tool call.
	ActionRun Action = "run"
	// ActionCancel cancels every call still pending in the batch.
	ActionCancel Action = "cancel"
)

// Confirm approves a message's proposed tool-call batch at the gate.
// Approving an already-approved batch is a no-op.
func (e *Engine) Confirm(messageID string) error {
	e.mu.Lock()
	_, ok := e.batches[messageID]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownBatch
	}

	e.gate.Approve(messageID)
	e.logger.Infow("Tool-call batch confirmed", "message_id", messageID)
	return nil
}

// Act applies a Run or Cancel decision to the message's batch. Run blocks
// through the call's execution; when the decision resolves the whole batch,
// stage 2 of the assistant response is produced before Act returns.
func (e *Engine) Act(ctx context.Context, messageID string, action Action, toolCallID string) error {
	switch action {
	case ActionRun:
		return e.runToolCall(ctx, messageID, toolCallID)
	case ActionCancel:
		return e.cancelBatch(ctx, messageID)
	default:
		return ErrUnknownBatch
	}
}

// runToolCall executes one call. Only the lowest-index non-terminal call may
// run, which makes retrying a failed call and advancing to the next pending
// one the same operation.
func (e *Engine) runToolCall(ctx context.Context, messageID, toolCallID string) error {
	e.mu.Lock()
	state, ok := e.batches[messageID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownBatch
	}
	if !e.gate.IsApproved(messageID) {
		e.mu.Unlock()
		return ErrNotConfirmed
	}

	msg, err := e.store.GetMessage(state.sessionID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			e.releaseTurnLocked(messageID, state)
			e.mu.Unlock()
			return ErrUnknownBatch
		}
		e.mu.Unlock()
		return err
	}

	calls := msg.PendingToolCalls
	idx := indexOfCall(calls, toolCallID)
	if idx < 0 || idx != chat.NextRunnable(calls) {
		e.mu.Unlock()
		if idx >= 0 && calls[idx].Status == chat.ToolCallExecuting {
			return ErrCallExecuting
		}
		return ErrNotNextCall
	}
	if calls[idx].Status == chat.ToolCallExecuting {
		e.mu.Unlock()
		return ErrCallExecuting
	}

	prev := calls[idx].Status
	calls[idx].Status = chat.ToolCallExecuting
	patch := chat.MessagePatch{
		PendingToolCalls: calls,
		ToolCallStatus:   chat.Stage(chat.StageExecuting),
		CurrentToolIndex: chat.Int(idx),
	}
	if err := e.store.UpdateMessage(state.sessionID, messageID, patch); err != nil {
		e.mu.Unlock()
		return err
	}
	call := calls[idx]
	e.mu.Unlock()

	e.publishCallChange(state.sessionID, messageID, call, prev, "")

	started := time.Now()
	result, execErr := e.executor.Execute(ctx, call)
	elapsed := time.Since(started)

	e.mu.Lock()
	if e.audit != nil {
		e.audit.RecordToolExecution(call, elapsed, result, execErr)
	}

	msg, err = e.store.GetMessage(state.sessionID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			e.releaseTurnLocked(messageID, state)
			e.mu.Unlock()
			return ErrUnknownBatch
		}
		e.mu.Unlock()
		return err
	}
	calls = msg.PendingToolCalls

	var errText string
	if execErr != nil {
		calls[idx].Status = chat.ToolCallFailed
		errText = execErr.Error()
		e.logger.Warnw("Tool call failed",
			"message_id", messageID,
			"tool", call.ToolName,
			"server", call.ServerName,
			"error", execErr)
	} else {
		calls[idx].Status = chat.ToolCallCompleted
		state.results = append(state.results, result)
	}

	revealNext(calls)
	status := chat.ReduceStageStatus(calls)
	patch = chat.MessagePatch{
		PendingToolCalls: calls,
		ToolCallStatus:   chat.Stage(status),
		CurrentToolIndex: chat.Int(currentIndex(calls, idx)),
		ErrorMessage:     chat.String(errText),
	}
	if err := e.store.UpdateMessage(state.sessionID, messageID, patch); err != nil {
		e.mu.Unlock()
		return err
	}

	terminal := chat.BatchTerminal(calls)
	if terminal {
		delete(e.batches, messageID)
	}
	e.mu.Unlock()

	e.publishCallChange(state.sessionID, messageID, calls[idx], chat.ToolCallExecuting, errText)

	if terminal {
		e.resolveBatch(ctx, messageID, state, status)
	}
	return nil
}

// cancelBatch cancels every call still pending. Failed calls are left as
// they are, and a call already executing keeps running; the batch then
// resolves when that execution ends.
func (e *Engine) cancelBatch(ctx context.Context, messageID string) error {
	e.mu.Lock()
	state, ok := e.batches[messageID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownBatch
	}

	msg, err := e.store.GetMessage(state.sessionID, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			e.releaseTurnLocked(messageID, state)
			e.mu.Unlock()
			return ErrUnknownBatch
		}
		e.mu.Unlock()
		return err
	}

	calls := msg.PendingToolCalls
	var cancelled []chat.ToolCall
	executing := false
	for i := range calls {
		switch calls[i].Status {
		case chat.ToolCallPending:
			calls[i].Status = chat.ToolCallCancelled
			cancelled = append(cancelled, calls[i])
		case chat.ToolCallExecuting:
			executing = true
		}
	}

	revealNext(calls)
	status := chat.StageCancelled
	if executing {
		status = chat.StageExecuting
	}
	patch := chat.MessagePatch{
		PendingToolCalls: calls,
		ToolCallStatus:   chat.Stage(status),
	}
	if err := e.store.UpdateMessage(state.sessionID, messageID, patch); err != nil {
		e.mu.Unlock()
		return err
	}

	if !executing {
		delete(e.batches, messageID)
	}
	e.mu.Unlock()

	for _, c := range cancelled {
		e.publishCallChange(state.sessionID, messageID, c, chat.ToolCallPending, "")
	}

	if !executing {
		e.resolveBatch(ctx, messageID, state, status)
	}
	return nil
}

// resolveBatch fires the terminal batch event, drops the gate state, and
// produces stage 2.
func (e *Engine) resolveBatch(ctx context.Context, messageID string, state *batchState, status chat.StageStatus) {
	e.gate.Clear(messageID)
	e.publish(events.Event{
		Type:      events.ToolBatchResolved,
		SessionID: state.sessionID,
		MessageID: messageID,
		Data:      string(status),
	})
	e.logger.Infow("Tool-call batch resolved",
		"message_id", messageID,
		"status", status)

	e.resumeAfterTools(ctx, messageID, state)
}

func (e *Engine) publishCallChange(sessionID, messageID string, call chat.ToolCall, prev chat.ToolCallStatus, errText string) {
	e.publish(events.Event{
		Type:      events.ToolCallStateChanged,
		SessionID: sessionID,
		MessageID: messageID,
		Data: events.ToolCallStateData{
			ToolCallID: call.ID,
			ToolName:   call.ToolName,
			ServerID:   call.ServerID,
			OldStatus:  string(prev),
			NewStatus:  string(call.Status),
			Error:      errText,
		},
	})
}

// revealNext makes every call up to and including the first non-terminal
// one visible. Calls past that stay hidden until their predecessors finish.
func revealNext(calls []chat.ToolCall) {
	for i := range calls {
		calls[i].Visible = true
		if !calls[i].Status.IsTerminal() {
			return
		}
	}
}

// currentIndex points at the next runnable call, or stays on the last
// touched call once the batch has no runnable calls left.
func currentIndex(calls []chat.ToolCall, last int) int {
	if i := chat.NextRunnable(calls); i >= 0 {
		return i
	}
	return last
}

func indexOfCall(calls []chat.ToolCall, id string) int {
	for i := range calls {
		if calls[i].ID == id {
			return i
		}
	}
	return -1
}
