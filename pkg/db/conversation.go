// Conversation id mapping between chat posts and remote assistant threads
package db

import (
	"sort"
	"sync"
	"time"
)

// Conversation maps a chat-platform post to its remote assistant thread.
// RemoteID is assigned once, on first contact, and never changes.
type Conversation struct {
	LocalID   string    `json:"local_id"`
	RemoteID  string    `json:"remote_id"`
	ForumID   string    `json:"forum_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore is the local -> remote conversation table. Entries live
// for the process lifetime.
type ConversationStore interface {
	Get(localID string) (*Conversation, bool)
	// Put records the mapping. It returns false and leaves the table unchanged
	// when localID is already mapped.
	Put(conv *Conversation) bool
	List() []*Conversation
	Len() int
}

// MemoryConversationStore is a mutex-guarded in-memory ConversationStore.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	now   func() time.Time
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		convs: make(map[string]*Conversation),
		now:   time.Now,
	}
}

func (s *MemoryConversationStore) Get(localID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[localID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (s *MemoryConversationStore) Put(conv *Conversation) bool {
	if conv == nil || conv.LocalID == "" || conv.RemoteID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.convs[conv.LocalID]; exists {
		return false
	}
	cp := *conv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.convs[conv.LocalID] = &cp
	return true
}

// List returns a snapshot ordered by creation time.
func (s *MemoryConversationStore) List() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		cp := *c
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}
