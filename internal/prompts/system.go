// Package prompts holds the system prompt templates and fixed agent
// messages. Templates live here rather than inline in the agent so the
// wording can be reviewed and tuned in one place.
package prompts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/tools"
)

// baseSystemTemplate is the default system prompt used when no persona
// file is configured. It sets up AZUL as a coding assistant and
// describes the think/act/observe workflow.
const baseSystemTemplate = `You are AZUL, an autonomous AI coding assistant. You help users by thinking step-by-step and using available tools.

WORKFLOW:
1. THINK: Analyze the user's request carefully
2. PLAN: Break down the task into clear steps
3. ACT: Execute tools one by one to accomplish the task
4. OBSERVE: Process the results from each tool
5. RESPOND: Provide a clear final answer to the user

IMPORTANT GUIDELINES:
- Always think before acting
- Use tools when you need to interact with files or the system
- Be precise and thorough
- If you encounter an error, explain it clearly to the user
- When your task is complete, provide a comprehensive response`

// structuredFormatTemplate instructs models without native tool-call
// support to reply with a single JSON object the response parser can
// pick out of the raw text.
const structuredFormatTemplate = `RESPONSE FORMAT:
Reply with exactly one JSON object and nothing else:

{"thought": "your reasoning", "tool_calls": [{"name": "tool_name", "arguments": {...}}], "response": null}

- To call tools, fill "tool_calls" and leave "response" null.
- To answer the user, leave "tool_calls" empty and put your answer in "response".
- Never fill both in the same reply.`

// BaseSystemPrompt returns the default system prompt without any tool
// catalog or workspace context attached.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// BuildSystemPrompt assembles the full system prompt from the persona
// (or the default template), the tool catalog, and optional workspace
// context. When nativeTools is false the structured JSON response
// format instructions are appended, since the model cannot emit tool
// calls on the wire.
func BuildSystemPrompt(persona string, catalog []*tools.Tool, nativeTools bool, workspaceTree string) string {
	var sb strings.Builder

	if persona != "" {
		sb.WriteString(persona)
	} else {
		sb.WriteString(baseSystemTemplate)
	}

	if len(catalog) > 0 {
		sb.WriteString("\n\nAVAILABLE TOOLS:\n")
		sb.WriteString(RenderToolCatalog(catalog))
	}

	if !nativeTools && len(catalog) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(structuredFormatTemplate)
	}

	if workspaceTree != "" {
		sb.WriteString("\n\n")
		sb.WriteString(workspaceTree)
	}

	return sb.String()
}

// RenderToolCatalog formats tool descriptions for inclusion in the
// system prompt.
func RenderToolCatalog(catalog []*tools.Tool) string {
	var sb strings.Builder
	for i, t := range catalog {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, t.Name, t.Description)

		props, _ := t.Parameters["properties"].(map[string]any)
		required, _ := t.Parameters["required"].([]string)
		reqSet := make(map[string]bool, len(required))
		for _, r := range required {
			reqSet[r] = true
		}

		var names []string
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			p, _ := props[name].(map[string]any)
			ptype, _ := p["type"].(string)
			desc, _ := p["description"].(string)
			marker := "optional"
			if reqSet[name] {
				marker = "required"
			}
			fmt.Fprintf(&sb, "   - %s (%s, %s): %s\n", name, ptype, marker, desc)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
