package agent

import (
	"fmt"
	"strings"
	"time"
)

// systemPrompt assembles the mode-specific instructions sent as the first
// message of every provider call.
func (a *Agent) systemPrompt() string {
	var b strings.Builder

	switch a.mode() {
	case "orchestrator":
		b.WriteString("You are an orchestrator agent. Break the user's request into concrete steps, " +
			"use the available tools to carry them out, and report the outcome. " +
			"Call one tool at a time and wait for its result before deciding the next step.")
	case "chat":
		b.WriteString("You are a helpful assistant. Answer directly and concisely. " +
			"Use tools only when the answer genuinely requires them.")
	default:
		b.WriteString("You are a capable agent working inside the user's workspace. " +
			"Use the available tools when they help, and answer plainly when they do not.")
	}

	fmt.Fprintf(&b, "\n\nWorkspace: %s", a.ws.Path)
	fmt.Fprintf(&b, "\nCurrent time: %s", time.Now().Format("2006-01-02 15:04 MST"))
	b.WriteString("\nIf a required detail is missing, ask the user with the ask_followup_question tool " +
		"instead of guessing.")

	return b.String()
}
