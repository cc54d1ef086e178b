package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mcpchat-go/internal/chat"
	"mcpchat-go/internal/registry"
)

// plan is the full shape of one assistant turn, decided up front: the
// stage-1 narrative, the tool calls to propose (possibly none), and the
// stage-2 continuations for each way the batch can resolve.
type plan struct {
	Stage1         string
	Calls          []chat.ToolCall
	Stage2Success  string
	Stage2Failed   string
	Stage2Declined string
}

// planner turns one user message into a plan using the server catalog.
type planner struct {
	registry *registry.Registry
	maxCalls int
}

// Plan matches the user text against the tools of the selected servers.
// Zero selected servers always produces a plain-text plan.
func (p *planner) Plan(userText string, serverIDs []string) plan {
	matches := p.registry.FindTools(userText, serverIDs, p.maxCalls)
	if len(matches) == 0 {
		return plan{Stage1: plainResponse(userText)}
	}

	calls := make([]chat.ToolCall, len(matches))
	names := make([]string, len(matches))
	for i, m := range matches {
		calls[i] = chat.ToolCall{
			ID:         uuid.NewString(),
			ToolName:   m.Tool.Name,
			ServerID:   m.ServerID,
			ServerName: m.ServerName,
			Request:    registry.DefaultArguments(m.Tool),
			Status:     chat.ToolCallPending,
			Visible:    i == 0,
		}
		names[i] = fmt.Sprintf("%s (%s)", m.Tool.Name, m.ServerName)
	}

	return plan{
		Stage1: fmt.Sprintf(
			"I can help with that. To answer properly I'd like to run %s. "+
				"Please review the proposed call%s below and confirm before anything executes.",
			humanJoin(names), plural(len(names))),
		Calls: calls,
		Stage2Success: "The tool run finished. Based on the results above, " +
			"everything you asked for has been gathered. Let me know if you want " +
			"me to dig into any part of it.",
		Stage2Failed: "Some of the tool calls did not complete, so this answer " +
			"is based on partial results. You can retry the failed call or ask " +
			"me to continue without it.",
		Stage2Declined: "Understood, I won't run any tools. If you change your " +
			"mind, send the request again and I'll propose the calls once more.",
	}
}

func plainResponse(userText string) string {
	trimmed := strings.TrimSpace(userText)
	if runes := []rune(trimmed); len(runes) > 80 {
		trimmed = string(runes[:80]) + "..."
	}
	return fmt.Sprintf(
		"You asked: %q. I don't need any tools for this one. "+
			"This assistant runs against a simulated backend, so treat the answer "+
			"as illustrative: the short version is that your request has been "+
			"noted and handled entirely in conversation.", trimmed)
}

func humanJoin(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
