package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"mcpchat-go/internal/chat"
)

// Executor performs one tool call and reports the outcome. The engine's
// state machine is independent of how execution happens; a real MCP client
// can be swapped in behind this interface without touching the controller.
type Executor interface {
	Execute(ctx context.Context, call chat.ToolCall) (result string, err error)
}

// SimulatedExecutor stands in for a real tool backend: it waits a fixed
// latency, then fails with a configurable probability.
type SimulatedExecutor struct {
	Latency     time.Duration
	FailureProb float64

	sleep Sleeper
	randf func() float64
}

// NewSimulatedExecutor creates an executor with the given latency and
// failure probability.
func NewSimulatedExecutor(latency time.Duration, failureProb float64) *SimulatedExecutor {
	return &SimulatedExecutor{
		Latency:     latency,
		FailureProb: failureProb,
		sleep:       sleepWithContext,
		randf:       rand.Float64,
	}
}

// Execute implements Executor.
func (e *SimulatedExecutor) Execute(ctx context.Context, call chat.ToolCall) (string, error) {
	if err := e.sleep(ctx, e.Latency); err != nil {
		return "", err
	}

	if e.randf() < e.FailureProb {
		return "", fmt.Errorf("tool %s on %s failed to execute", call.ToolName, call.ServerName)
	}

	return fmt.Sprintf("%s returned a result from %s", call.ToolName, call.ServerName), nil
}

// Sleeper pauses for d or until the context is done. Injectable so tests
// drive the engine synchronously instead of waiting on real timers.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
