package db

import (
	"fmt"
	"sync"
	"testing"
)

func TestMemoryConversationStore_PutOnce(t *testing.T) {
	s := NewMemoryConversationStore()

	if _, ok := s.Get("post-1"); ok {
		t.Fatalf("expected miss for unknown post")
	}
	if !s.Put(&Conversation{LocalID: "post-1", RemoteID: "thread_a"}) {
		t.Fatalf("first Put should succeed")
	}
	if s.Put(&Conversation{LocalID: "post-1", RemoteID: "thread_b"}) {
		t.Fatalf("second Put for the same post should be rejected")
	}

	got, ok := s.Get("post-1")
	if !ok || got.RemoteID != "thread_a" {
		t.Fatalf("Get() = %+v, %v; want thread_a", got, ok)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}
}

func TestMemoryConversationStore_RejectsIncomplete(t *testing.T) {
	s := NewMemoryConversationStore()
	tests := []*Conversation{
		nil,
		{LocalID: "", RemoteID: "thread"},
		{LocalID: "post", RemoteID: ""},
	}
	for i, c := range tests {
		if s.Put(c) {
			t.Errorf("case %d: Put(%+v) = true, want false", i, c)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestMemoryConversationStore_GetReturnsCopy(t *testing.T) {
	s := NewMemoryConversationStore()
	s.Put(&Conversation{LocalID: "p", RemoteID: "t"})
	c, _ := s.Get("p")
	c.RemoteID = "mutated"
	again, _ := s.Get("p")
	if again.RemoteID != "t" {
		t.Fatalf("stored entry was mutated through Get result")
	}
}

func TestMemoryConversationStore_ConcurrentPut(t *testing.T) {
	s := NewMemoryConversationStore()
	var wg sync.WaitGroup
	wins := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			remote := fmt.Sprintf("thread_%d", i)
			if s.Put(&Conversation{LocalID: "same", RemoteID: remote}) {
				wins <- remote
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if got, _ := s.Get("same"); got.RemoteID != winners[0] {
		t.Fatalf("stored %q, winner %q", got.RemoteID, winners[0])
	}
	if len(s.List()) != 1 {
		t.Fatalf("List() length = %d, want 1", len(s.List()))
	}
}
