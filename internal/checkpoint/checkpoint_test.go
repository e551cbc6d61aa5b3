package checkpoint

import (
	"testing"
	"time"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/taskgraph"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), config.PersistConfig{
		MaxRetryAttempts: 1,
		RetryBaseDelay:   time.Millisecond,
	})
}

func snapshot(t *testing.T) (conversation.Conversation, taskgraph.Snapshot) {
	t.Helper()
	conv := conversation.Conversation{
		ID:       "conv-1",
		Messages: []conversation.Message{conversation.NewUserMessage("hello")},
	}
	g := taskgraph.New()
	g.CreateRoot("main")
	return conv, g.Export()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	conv, graph := snapshot(t)

	cp, err := s.Save("/ws", "before refactor", conv, graph)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Label != "before refactor" || got.Workspace != "/ws" {
		t.Errorf("checkpoint = %+v", got)
	}
	if len(got.Conversation.Messages) != 1 || got.Conversation.Messages[0].Content != "hello" {
		t.Errorf("conversation = %+v", got.Conversation)
	}
	if len(got.Graph.Nodes) != 1 {
		t.Errorf("graph nodes = %d", len(got.Graph.Nodes))
	}

	restored := taskgraph.New()
	restored.Import(got.Graph)
	if _, ok := restored.Root(); !ok {
		t.Error("imported graph lost its root")
	}
}

func TestLoadMissing(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load("nope"); err == nil {
		t.Error("missing checkpoint loaded")
	}
}

func TestListNewestFirstAndDelete(t *testing.T) {
	s := newStore(t)
	conv, graph := snapshot(t)

	first, _ := s.Save("/ws", "one", conv, graph)
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Save("/ws", "two", conv, graph)

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("list order = %v, %v", list[0].Label, list[1].Label)
	}

	if err := s.Delete(first.ID); err != nil {
		t.Fatal(err)
	}
	list, _ = s.List()
	if len(list) != 1 || list[0].ID != second.ID {
		t.Errorf("list after delete = %+v", list)
	}
}
