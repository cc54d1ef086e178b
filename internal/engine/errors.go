package engine

import "errors"

var (
	// ErrGenerationInFlight is returned when a send arrives while the
	// session's previous turn is still being produced.
	ErrGenerationInFlight = errors.New("generation already in flight for session")

	// ErrUnknownBatch is returned for actions on a message that has no
	// unresolved tool-call batch.
	ErrUnknownBatch = errors.New("no pending tool-call batch for message")

	// ErrNotConfirmed is returned when Run is attempted before the user has
	// approved the batch at the confirmation gate.
	ErrNotConfirmed = errors.New("tool-call batch not confirmed")

	// ErrNotNextCall is returned when Run targets a call other than the
	// lowest-index non-terminal one. Sequential revelation means no other
	// call can legally run.
	ErrNotNextCall = errors.New("tool call is not the next eligible call")

	// ErrCallExecuting is returned when Run targets a call that is already
	// executing.
	ErrCallExecuting = errors.New("tool call is already executing")
)
