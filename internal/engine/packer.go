// Package engine drives the per-session decision loop: it packs the
// session's task list and claimed messages into a bounded prompt, asks
// the model for tool calls, and applies them against the task ledger
// inside a single transaction.
package engine

import (
	"fmt"
	"strings"

	"github.com/basket/taskweave/internal/persistence"
)

// RenderTask renders one task line for the packed task section. The
// leading number is the 1-based position the model uses as task_id.
func RenderTask(t persistence.Task) string {
	return fmt.Sprintf("- %d. [%s] %s", t.Position, t.Status, t.Description)
}

// RenderMessage renders one message as "role: text". Non-text parts are
// skipped; storage keeps them intact.
func RenderMessage(m persistence.Message) string {
	return m.Role + ": " + m.Text()
}

// PackTaskSection renders the session's current task list, one line per
// task in position order. Byte-stable for a given input.
func PackTaskSection(tasks []persistence.Task) string {
	if len(tasks) == 0 {
		return "(no tasks yet)"
	}
	lines := make([]string, len(tasks))
	for i, t := range tasks {
		lines[i] = RenderTask(t)
	}
	return strings.Join(lines, "\n")
}

// PackPreviousSection renders already-processed messages that precede
// the claimed batch, oldest first. These carry no ids; the model cannot
// address them with tools.
func PackPreviousSection(messages []persistence.Message) string {
	if len(messages) == 0 {
		return "(none)"
	}
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = RenderMessage(m)
	}
	return strings.Join(lines, "\n")
}

// PackCurrentSection renders the claimed batch with 0-based ids. The id
// shown here is the only handle tools accept for message references.
func PackCurrentSection(messages []persistence.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = fmt.Sprintf("<message id=%d> %s </message>", i, RenderMessage(m))
	}
	return strings.Join(lines, "\n")
}

// BuildPrompt assembles the full user prompt from the three packed
// sections. Task state is re-read each round, so the task section
// reflects mutations from earlier rounds of the same run.
func BuildPrompt(taskSection, previousSection, currentSection string) string {
	var b strings.Builder
	b.WriteString("## Current Tasks\n")
	b.WriteString(taskSection)
	b.WriteString("\n\n## Previous Messages\n")
	b.WriteString(previousSection)
	b.WriteString("\n\n## Current Messages\n")
	b.WriteString(currentSection)
	b.WriteString("\n")
	return b.String()
}
