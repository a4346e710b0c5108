// Package render turns accumulated message state into user-facing chat
// content. Render is a pure function over a Message view; the section
// tokenizer and card assembly let card-capable transports rebuild the
// structured document from the flat markdown.
package render

import (
	"fmt"
	"strings"
)

// Per-field display budgets in runes. Oversized fields keep their tail:
// for a live stream the most recent content matters more than the opening.
const (
	answerBudget    = 3800
	thinkingBudget  = 1200
	toolInputBudget = 200
	toolOutBudget   = 400
	toolErrBudget   = 300
	noteBudget      = 300
)

// answerPlaceholder is shown before any answer text has streamed.
const answerPlaceholder = "_Working on it..._"

// Message is the renderer's view of one accumulated AI message.
type Message struct {
	Answer    string
	Reasoning string
	Tools     []Tool
	Status    string
	Note      string
}

// Tool is the renderer's view of one tool call.
type Tool struct {
	Name   string
	Status string
	Title  string
	Input  string
	Output string
	Error  string
}

// Structural markers. The tokenizer in sections.go relies on exactly these.
const (
	thinkingLabel = "> 💭 Thinking"
	toolsHeading  = "## Tools"
	statusRule    = "---"
)

// Render produces the flat markdown document for a message. Sections appear
// in fixed priority order: answer, thinking (if any), tools (if any),
// status footer (always).
func Render(m Message) string {
	var sb strings.Builder

	answer := clipTail(m.Answer, answerBudget)
	if answer == "" {
		answer = answerPlaceholder
	}
	sb.WriteString(answer)
	sb.WriteString("\n")

	if thinking := clipTail(m.Reasoning, thinkingBudget); thinking != "" {
		sb.WriteString("\n")
		sb.WriteString(thinkingLabel)
		sb.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(thinking, "\n"), "\n") {
			sb.WriteString("> ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	if len(m.Tools) > 0 {
		sb.WriteString("\n")
		sb.WriteString(toolsHeading)
		sb.WriteString("\n")
		for _, t := range m.Tools {
			writeTool(&sb, t)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(statusRule)
	sb.WriteString("\n")
	sb.WriteString(statusLine(m.Status, m.Note))
	sb.WriteString("\n")

	return sb.String()
}

func writeTool(sb *strings.Builder, t Tool) {
	name := t.Name
	if name == "" {
		name = "tool"
	}
	fmt.Fprintf(sb, "- %s %s (%s)\n", statusIcon(t.Status), name, t.Status)
	if t.Title != "" {
		fmt.Fprintf(sb, "  %s\n", t.Title)
	}

	// Inputs and outputs only once the call reached a terminal state;
	// mid-flight snapshots churn too fast to be worth an edit each.
	if t.Status != "completed" && t.Status != "error" {
		return
	}
	if in := clipTail(t.Input, toolInputBudget); in != "" {
		fmt.Fprintf(sb, "  in: `%s`\n", flattenInline(in))
	}
	if out := clipTail(t.Output, toolOutBudget); out != "" {
		fmt.Fprintf(sb, "  out: `%s`\n", flattenInline(out))
	}
	if errMsg := clipTail(t.Error, toolErrBudget); errMsg != "" {
		fmt.Fprintf(sb, "  error: %s\n", flattenInline(errMsg))
	}
}

func statusLine(status, note string) string {
	line := statusIcon(status) + " " + status
	if note = clipTail(note, noteBudget); note != "" {
		line += ": " + flattenInline(note)
	}
	return line
}

func statusIcon(status string) string {
	switch status {
	case "streaming", "running":
		return "⏳"
	case "done", "completed":
		return "✅"
	case "aborted":
		return "⛔"
	case "error":
		return "❌"
	case "pending":
		return "•"
	default:
		return "•"
	}
}

// clipTail limits s to at most budget runes, keeping the trailing portion.
func clipTail(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return "…" + string(runes[len(runes)-budget:])
}

// flattenInline collapses newlines so a field fits on one markdown line.
func flattenInline(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
