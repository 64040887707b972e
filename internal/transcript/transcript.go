// ABOUTME: Renders a conversation and its messages as Markdown or HTML
// ABOUTME: HTML goes through goldmark with GFM; raw HTML in message content is not passed through

package transcript

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-history/internal/store"
)

const timeLayout = "2006-01-02 15:04:05 UTC"

var roleNames = map[store.Role]string{
	store.RoleUser:      "User",
	store.RoleAssistant: "Assistant",
	store.RoleSystem:    "System",
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Markdown renders conv and its messages, oldest first.
func Markdown(conv *store.Conversation, messages []*store.Message) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# %s\n\n", conv.Title)
	fmt.Fprintf(&buf, "- Conversation: `%s`\n", conv.ID)
	fmt.Fprintf(&buf, "- Created: %s\n", formatTime(conv.CreatedAt))
	fmt.Fprintf(&buf, "- Updated: %s\n", formatTime(conv.UpdatedAt))
	fmt.Fprintf(&buf, "- Messages: %d\n", len(messages))

	var in, out int64
	var tracked bool
	for _, msg := range messages {
		name, ok := roleNames[msg.Role]
		if !ok {
			name = string(msg.Role)
		}
		fmt.Fprintf(&buf, "\n## %s · %s\n\n", name, formatTime(msg.Timestamp))
		buf.WriteString(strings.TrimRight(msg.Content, "\n"))
		buf.WriteString("\n")

		if note := annotation(msg); note != "" {
			fmt.Fprintf(&buf, "\n_%s_\n", note)
		}
		if msg.TokensInput != nil {
			in += *msg.TokensInput
			tracked = true
		}
		if msg.TokensOutput != nil {
			out += *msg.TokensOutput
			tracked = true
		}
	}

	if tracked {
		fmt.Fprintf(&buf, "\n---\n\n**Tokens:** %d in / %d out (%d total)\n", in, out, in+out)
	}

	return buf.Bytes()
}

// HTML renders the transcript as a standalone HTML document.
func HTML(conv *store.Conversation, messages []*store.Message) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert(Markdown(conv, messages), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&buf, "<title>%s</title>\n", html.EscapeString(conv.Title))
	buf.WriteString("</head>\n<body>\n")
	buf.Write(body.Bytes())
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}

// annotation describes the model and token counts of a message, if any.
func annotation(msg *store.Message) string {
	var parts []string
	if msg.ModelUsed != nil {
		parts = append(parts, *msg.ModelUsed)
	}
	if msg.TokensInput != nil || msg.TokensOutput != nil {
		parts = append(parts, fmt.Sprintf("%s in / %s out tokens", count(msg.TokensInput), count(msg.TokensOutput)))
	}
	return strings.Join(parts, " · ")
}

func count(n *int64) string {
	if n == nil {
		return "?"
	}
	return fmt.Sprintf("%d", *n)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
