package config

import "time"

// Chat engine defaults
const (
	// DefaultToolFailureProbability is the chance a simulated tool execution
	// resolves to Failed.
	DefaultToolFailureProbability = 0.2

	// DefaultToolLatency is the fixed simulated execution time per tool call.
	DefaultToolLatency = 1500 * time.Millisecond

	// DefaultStreamInterval is the pause between streamed content increments.
	DefaultStreamInterval = 40 * time.Millisecond

	// DefaultStreamChunkWords is how many words each streamed increment adds.
	DefaultStreamChunkWords = 3

	// DefaultMaxToolCallsPerTurn caps how many tool calls the planner may
	// propose for a single user turn.
	DefaultMaxToolCallsPerTurn = 2
)

// HTTP server timeouts
const (
	// HTTPReadHeaderTimeout bounds header parsing on incoming requests.
	HTTPReadHeaderTimeout = 10 * time.Second

	// HTTPShutdownTimeout is the grace period for draining connections.
	HTTPShutdownTimeout = 10 * time.Second

	// SendTimeout bounds one full send turn (stage 1 emission) so a request
	// can never hang the handler indefinitely.
	SendTimeout = 2 * time.Minute

	// ToolActTimeout bounds one tool action, including the simulated latency
	// and any stage-2 emission it triggers.
	ToolActTimeout = 2 * time.Minute
)

// Shutdown coordination
const (
	// ShutdownPhaseTimeout is the per-phase budget during coordinated shutdown.
	ShutdownPhaseTimeout = 5 * time.Second

	// ShutdownTotalTimeout is the absolute budget before shutdown is forced.
	ShutdownTotalTimeout = 20 * time.Second
)

// Event bus configuration
const (
	// EventChannelBufferSize is the buffer for single-type subscriptions.
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer for multi-type subscriptions.
	EventChannelBufferSizeAll = 500
)
