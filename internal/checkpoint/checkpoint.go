// Package checkpoint snapshots a conversation and its task graph so a
// session can be restored later. Checkpoints live under the dawei home,
// not the workspace, and survive workspace teardown.
package checkpoint

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dawei-ai/dawei/internal/config"
	"github.com/dawei-ai/dawei/internal/conversation"
	"github.com/dawei-ai/dawei/internal/persist"
	"github.com/dawei-ai/dawei/internal/taskgraph"
)

const resourceType = "checkpoints"

// Checkpoint is one saved session snapshot.
type Checkpoint struct {
	ID           string                    `json:"id"`
	Label        string                    `json:"label,omitempty"`
	Workspace    string                    `json:"workspace"`
	CreatedAt    time.Time                 `json:"created_at"`
	Conversation conversation.Conversation `json:"conversation"`
	Graph        taskgraph.Snapshot        `json:"graph"`
}

// Store reads and writes checkpoints under {home}/checkpoints.
type Store struct {
	persist *persist.Manager
}

// NewStore builds a store rooted at the dawei home directory.
func NewStore(home string, cfg config.PersistConfig) *Store {
	return &Store{persist: persist.NewAt(home, cfg)}
}

// Save snapshots the conversation and graph under a fresh checkpoint ID.
func (s *Store) Save(workspace, label string, conv conversation.Conversation, graph taskgraph.Snapshot) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:           uuid.NewString(),
		Label:        label,
		Workspace:    workspace,
		CreatedAt:    time.Now().UTC(),
		Conversation: conv,
		Graph:        graph,
	}
	if err := s.persist.Save(resourceType, cp.ID, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load reads one checkpoint by ID.
func (s *Store) Load(id string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.persist.Load(resourceType, id, &cp); err != nil {
		if err == persist.ErrNotFound {
			return nil, fmt.Errorf("checkpoint %s not found", id)
		}
		return nil, err
	}
	return &cp, nil
}

// List returns all checkpoints, newest first.
func (s *Store) List() ([]*Checkpoint, error) {
	ids, err := s.persist.List(resourceType)
	if err != nil {
		return nil, err
	}
	var out []*Checkpoint
	for _, id := range ids {
		var cp Checkpoint
		if err := s.persist.Load(resourceType, id, &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a checkpoint.
func (s *Store) Delete(id string) error {
	return s.persist.Delete(resourceType, id)
}
