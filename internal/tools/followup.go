package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/dawei-ai/dawei/internal/bus"
	"github.com/dawei-ai/dawei/pkg/protocol"
)

// FollowupBroker suspends a tool call until the user answers a question.
// Ask blocks the calling executor goroutine; Resolve is invoked from the
// gateway when the followup_response frame arrives.
type FollowupBroker struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending map[string]chan string // tool call id → answer
}

// NewFollowupBroker builds a broker publishing questions on b.
func NewFollowupBroker(b *bus.Bus) *FollowupBroker {
	return &FollowupBroker{bus: b, pending: make(map[string]chan string)}
}

// Ask publishes the question and blocks until Resolve or ctx done.
func (f *FollowupBroker) Ask(ctx context.Context, taskID, callID, question string, options []string) (string, error) {
	ch := make(chan string, 1)

	f.mu.Lock()
	if _, exists := f.pending[callID]; exists {
		f.mu.Unlock()
		return "", fmt.Errorf("followup already pending for call %s", callID)
	}
	f.pending[callID] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, callID)
		f.mu.Unlock()
	}()

	f.bus.Publish(bus.Event{
		Type:   protocol.TypeFollowupQuestion,
		TaskID: taskID,
		Payload: protocol.FollowupQuestionPayload{
			Question:    question,
			Suggestions: options,
			TaskID:      taskID,
			ToolCallID:  callID,
		},
	})

	select {
	case answer := <-ch:
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers the user's answer. Unknown call IDs report false.
func (f *FollowupBroker) Resolve(callID, answer string) bool {
	f.mu.Lock()
	ch, ok := f.pending[callID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- answer:
		return true
	default:
		return false
	}
}

// PendingCount reports outstanding questions, for shutdown diagnostics.
func (f *FollowupBroker) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
