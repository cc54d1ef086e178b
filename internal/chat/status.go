package chat

// StageStatus is the batch-level tool-call status stored on a message. It is
// a pure reduction over the message's tool-call list; callers recompute and
// persist it on every transition.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageExecuting StageStatus = "executing"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// ReduceStageStatus derives the batch status from the individual call
// statuses:
//   - any call Executing        → StageExecuting
//   - else any call Failed      → StageFailed
//   - else all calls terminal   → StageCompleted, or StageCancelled when
//     every call was cancelled
//   - otherwise                 → StagePending
//
// An empty list reduces to StageCompleted so a batch that lost all entries
// never reads as in-progress.
func ReduceStageStatus(calls []ToolCall) StageStatus {
	if len(calls) == 0 {
		return StageCompleted
	}

	anyFailed := false
	anyCompleted := false
	allTerminal := true

	for i := range calls {
		switch calls[i].Status {
		case ToolCallExecuting:
			return StageExecuting
		case ToolCallFailed:
			anyFailed = true
			allTerminal = false
		case ToolCallCompleted:
			anyCompleted = true
		case ToolCallCancelled:
			// terminal, contributes nothing else
		case ToolCallPending:
			allTerminal = false
		}
	}

	if anyFailed {
		return StageFailed
	}
	if allTerminal {
		if anyCompleted {
			return StageCompleted
		}
		return StageCancelled
	}
	return StagePending
}

// BatchTerminal reports whether every call in the list is terminal, i.e. the
// batch as a whole is done and stage-2 generation may begin. A Failed call is
// not terminal (it awaits a manual retry), so a failed batch is not done.
func BatchTerminal(calls []ToolCall) bool {
	for i := range calls {
		if !calls[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// NextRunnable returns the index of the lowest non-terminal call, the only
// call that may legally be run next, or -1 when the batch is terminal.
func NextRunnable(calls []ToolCall) int {
	for i := range calls {
		if !calls[i].Status.IsTerminal() {
			return i
		}
	}
	return -1
}
