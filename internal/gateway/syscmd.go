package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dawei-ai/dawei/internal/agent"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

const (
	sysCmdTimeout   = 30 * time.Second
	sysCmdMaxOutput = 100 << 10
)

// allowedBinaries is the closed set of programs a "!" message may run.
// Commands execute argv-style with no shell, cwd = workspace root.
var allowedBinaries = map[string]bool{
	"ls":     true,
	"pwd":    true,
	"cat":    true,
	"head":   true,
	"tail":   true,
	"wc":     true,
	"echo":   true,
	"date":   true,
	"whoami": true,
	"git":    true,
	"grep":   true,
	"find":   true,
}

// commandResult is the full outcome of one system command, recorded in
// the conversation as a structured assistant message.
type commandResult struct {
	Command       string `json:"command"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr,omitempty"`
	ExitCode      int    `json:"exit_code"`
	ExecutionTime int64  `json:"execution_time"`
	Cwd           string `json:"cwd"`
}

// handleSystemCommand runs a shell-prefixed message directly and streams
// the output back as content. When the message targets an existing
// conversation, the command and its structured result are recorded there
// too.
func (s *Server) handleSystemCommand(c *Client, a *agent.Agent, convID, commandLine string) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		c.SendError(protocol.ErrCodeValidation, "empty command", true)
		return
	}
	if !allowedBinaries[argv[0]] {
		c.SendError(protocol.ErrCodeValidation,
			fmt.Sprintf("command %q is not allowed", argv[0]), true)
		return
	}

	go func() {
		res := runSystemCommand(a.Workspace().Path, argv)

		output := res.Stdout
		if res.Stderr != "" {
			if output != "" {
				output += "\n"
			}
			output += res.Stderr
		}

		if convID != "" {
			if _, ok := a.Workspace().Conversations.Get(convID); ok {
				structured, _ := json.MarshalIndent(res, "", "  ")
				a.Workspace().Conversations.Append(convID,
					conversation.NewUserMessage("!"+commandLine),
					conversation.NewAssistantMessage(string(structured), nil))
			}
		}

		c.Send(protocol.NewFrame(protocol.TypeStreamContent, c.SessionID,
			protocol.StreamTextPayload{Content: output}))
		c.Send(protocol.NewFrame(protocol.TypeAgentComplete, c.SessionID,
			protocol.AgentCompletePayload{
				ResultSummary:   fmt.Sprintf("$ %s (exit %d)", res.Command, res.ExitCode),
				TotalDurationMs: res.ExecutionTime,
			}))
	}()
}

func runSystemCommand(dir string, argv []string) commandResult {
	ctx, cancel := context.WithTimeout(context.Background(), sysCmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()

	res := commandResult{
		Command:       strings.Join(argv, " "),
		Stdout:        truncateOutput(stdout.String()),
		Stderr:        truncateOutput(stderr.String()),
		ExecutionTime: time.Since(started).Milliseconds(),
		Cwd:           dir,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// The command never ran (not found, context cut it off).
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

func truncateOutput(s string) string {
	if len(s) <= sysCmdMaxOutput {
		return s
	}
	return s[:sysCmdMaxOutput] + "\n... output truncated at 100KB"
}
