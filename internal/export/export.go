// Package export renders a chat session into a flat document. Pure
// serialization over the read model: one block per message, in order.
package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mcpchat-go/internal/chat"
)

// Format selects the output representation.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ParseFormat maps a user-supplied format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "text", "txt", "plain":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown export format: %s", s)
	}
}

// Session renders the whole session in the given format.
func Session(s *chat.Session, format Format) (string, error) {
	if s == nil {
		return "", fmt.Errorf("no session to export")
	}

	switch format {
	case FormatMarkdown:
		return renderMarkdown(s), nil
	case FormatText:
		return renderText(s), nil
	default:
		return "", fmt.Errorf("unknown export format: %s", format)
	}
}

// Filename suggests a name for the exported document.
func Filename(s *chat.Session, format Format) string {
	ext := "md"
	if format == FormatText {
		ext = "txt"
	}
	return fmt.Sprintf("mcpchat-%s-%s.%s", s.ID, time.Now().Format("20060102-150405"), ext)
}

func renderMarkdown(s *chat.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "Created: %s\n\n", s.CreatedAt.Format(time.RFC3339))
	b.WriteString("---\n\n")

	for _, msg := range s.Messages {
		fmt.Fprintf(&b, "### %s\n\n", roleHeading(msg.Role))

		if msg.Content != "" {
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		}

		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "- Attachment: %s (%s)\n", att.Name, humanSize(att.Size))
		}
		if len(msg.Attachments) > 0 {
			b.WriteString("\n")
		}

		for _, call := range msg.PendingToolCalls {
			renderToolCallMarkdown(&b, call)
		}

		if msg.ErrorMessage != "" {
			fmt.Fprintf(&b, "> Error: %s\n\n", msg.ErrorMessage)
		}
	}

	return b.String()
}

func renderToolCallMarkdown(b *strings.Builder, call chat.ToolCall) {
	fmt.Fprintf(b, "**Tool Call:** %s (%s) [%s]\n\n", call.ToolName, call.ServerName, call.Status)
	if len(call.Request) == 0 {
		b.WriteString("\n")
		return
	}
	b.WriteString("```json\n")
	if pretty, err := json.MarshalIndent(call.Request, "", "  "); err == nil {
		b.Write(pretty)
	} else {
		fmt.Fprintf(b, "%v", call.Request)
	}
	b.WriteString("\n```\n\n")
}

func renderText(s *chat.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", s.Title)
	fmt.Fprintf(&b, "Created: %s\n\n", s.CreatedAt.Format(time.RFC3339))

	for _, msg := range s.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", roleHeading(msg.Role), msg.Timestamp.Format(time.RFC3339))

		if msg.Content != "" {
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}

		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "  attachment: %s (%s)\n", att.Name, humanSize(att.Size))
		}
		for _, call := range msg.PendingToolCalls {
			fmt.Fprintf(&b, "  tool call: %s on %s [%s]\n", call.ToolName, call.ServerName, call.Status)
		}
		if msg.ErrorMessage != "" {
			fmt.Fprintf(&b, "  error: %s\n", msg.ErrorMessage)
		}

		b.WriteString("\n")
	}

	return b.String()
}

func roleHeading(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return "User"
	case chat.RoleAssistant:
		return "Assistant"
	default:
		return string(role)
	}
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
