package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawei-ai/dawei/internal/persist"
)

const minAutoSaveInterval = 5 * time.Second

// Conversation is one message history with identity and bookkeeping.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store holds a workspace's conversations in memory and persists them
// through the persistence manager. A background loop saves any
// conversation whose message count changed since its last save.
type Store struct {
	persist *persist.Manager

	mu        sync.RWMutex
	convs     map[string]*Conversation
	lastSaved map[string]int // conversation id → message count at last save

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewStore builds the store and starts the auto-save loop. interval is
// clamped to a 5s floor.
func NewStore(pm *persist.Manager, interval time.Duration) *Store {
	if interval < minAutoSaveInterval {
		interval = minAutoSaveInterval
	}
	s := &Store{
		persist:   pm,
		convs:     make(map[string]*Conversation),
		lastSaved: make(map[string]int),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.autoSaveLoop(interval)
	return s
}

// Create starts a new conversation.
func (s *Store) Create(title string) *Conversation {
	now := time.Now().UTC()
	c := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.convs[c.ID] = c
	s.mu.Unlock()
	return c
}

// Get returns a conversation, loading it from disk on a miss.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.RLock()
	c, ok := s.convs[id]
	s.mu.RUnlock()
	if ok {
		return c, true
	}

	var loaded Conversation
	if err := s.persist.Load(persist.TypeConversation, id, &loaded); err != nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.convs[id]; ok {
		return existing, true
	}
	s.convs[id] = &loaded
	s.lastSaved[id] = len(loaded.Messages)
	return &loaded, true
}

// Append adds messages to a conversation and bumps its update time.
func (s *Store) Append(id string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return
	}
	c.Messages = append(c.Messages, msgs...)
	c.UpdatedAt = time.Now().UTC()
}

// Messages returns a copy of a conversation's history.
func (s *Store) Messages(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Save persists one conversation immediately.
func (s *Store) Save(ctx context.Context, id string) error {
	s.mu.RLock()
	c, ok := s.convs[id]
	var snapshot Conversation
	var count int
	if ok {
		snapshot = *c
		snapshot.Messages = append([]Message(nil), c.Messages...)
		count = len(c.Messages)
	}
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.persist.Save(persist.TypeConversation, id, &snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSaved[id] = count
	s.mu.Unlock()
	return nil
}

// Close stops the auto-save loop and flushes every dirty conversation.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Store) autoSaveLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.saveDirty()
		case <-s.stop:
			s.saveDirty()
			return
		}
	}
}

func (s *Store) saveDirty() {
	s.mu.RLock()
	var dirty []string
	for id, c := range s.convs {
		if len(c.Messages) != s.lastSaved[id] {
			dirty = append(dirty, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range dirty {
		if err := s.Save(context.Background(), id); err != nil {
			slog.Error("conversation auto-save failed", "conversation", id, "error", err)
		}
	}
}
