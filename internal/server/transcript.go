package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
)

// transcriptMarkdown renders the Markdown↦HTML conversion for the
// transcript export. Agent responses are Markdown already; GFM gets
// us tables and fenced code blocks from tool output.
var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

const transcriptPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>AZUL transcript %s</title>
<style>
body { font-family: sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; }
.msg { border-left: 3px solid #ccc; padding: 0.25rem 1rem; margin: 1rem 0; }
.msg.user { border-color: #2b6cb0; }
.msg.assistant { border-color: #2f855a; }
.msg.tool { border-color: #b7791f; background: #fafaf5; }
.role { font-size: 0.8rem; text-transform: uppercase; color: #666; }
pre { background: #f4f4f4; padding: 0.5rem; overflow-x: auto; }
</style>
</head>
<body>
<h1>Session %s</h1>
%s
</body>
</html>`

// handleTranscript exports a stored session transcript as a readable
// HTML page.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "persistence not configured")
		return
	}

	id := r.PathValue("id")
	messages := s.store.Messages(id)
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "no transcript for session")
		return
	}

	var body strings.Builder
	for _, msg := range messages {
		body.WriteString(renderMessage(msg))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, transcriptPage, id, id, body.String())
}

func renderMessage(msg llm.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<div class=\"msg %s\"><div class=\"role\">%s</div>\n", msg.Role, msg.Role)

	content := msg.Content
	if msg.Role == llm.RoleTool {
		// Tool output is plain text, not Markdown.
		content = "```\n" + content + "\n```"
	}

	if content != "" {
		var rendered strings.Builder
		if err := transcriptMarkdown.Convert([]byte(content), &rendered); err == nil {
			sb.WriteString(rendered.String())
		} else {
			fmt.Fprintf(&sb, "<pre>%s</pre>", content)
		}
	}

	for _, call := range msg.ToolCalls {
		fmt.Fprintf(&sb, "<p><em>→ %s(%d args)</em></p>\n", call.Function.Name, len(call.Function.Arguments))
	}

	sb.WriteString("</div>\n")
	return sb.String()
}
