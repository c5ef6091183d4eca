package brainsync

import "testing"

func TestMemoryCache(t *testing.T) {
	t.Run("reads are copies", func(t *testing.T) {
		c := NewMemoryCache()
		c.UpdateMessages("c1", func(list []Message) []Message {
			return append(list, Message{ID: "m1", Reactions: []Reaction{{Emoji: "👍"}}})
		})
		got := c.Messages("c1")
		got[0].Reactions[0].Emoji = "x"
		got[0].Content = "changed"
		if m, _ := c.Message("c1", "m1"); m.Content != "" || m.Reactions[0].Emoji != "👍" {
			t.Fatalf("cache mutated through a read: %+v", m)
		}
	})

	t.Run("search", func(t *testing.T) {
		c := NewMemoryCache()
		c.UpdateMessages("c1", func([]Message) []Message {
			return []Message{{ID: "1", Content: "Hello there"}, {ID: "2", Content: "bye"}, {ID: "3", Content: "hello again"}}
		})
		c.UpdateMessages("c2", func([]Message) []Message {
			return []Message{{ID: "4", Content: "HELLO"}}
		})
		if n := len(c.SearchMessages("hello", "", 0)); n != 3 {
			t.Fatalf("expected 3 matches, got %d", n)
		}
		if n := len(c.SearchMessages("hello", "c1", 0)); n != 2 {
			t.Fatalf("expected 2 matches in c1, got %d", n)
		}
		if n := len(c.SearchMessages("hello", "", 1)); n != 1 {
			t.Fatalf("expected limit applied, got %d", n)
		}
	})

	t.Run("invalidation", func(t *testing.T) {
		c := NewMemoryCache()
		var seen []string
		c.OnInvalidate(func(key string) { seen = append(seen, key) })

		c.Invalidate(KeyUnread)
		c.Invalidate(MessagesKey("c1"))
		c.Invalidate(KeyUnread)
		if !c.IsStale(KeyUnread) || c.Invalidations(KeyUnread) != 2 {
			t.Fatal("expected unread stale and counted twice")
		}
		c.MarkFresh(KeyUnread)
		if c.IsStale(KeyUnread) || !c.IsStale(MessagesKey("c1")) {
			t.Fatal("MarkFresh cleared the wrong key")
		}
		if len(seen) != 3 || seen[1] != "messages:c1" {
			t.Fatalf("unexpected hook calls %v", seen)
		}
		if keyKind(MessagesKey("c1")) != "messages" || keyKind(KeyUnread) != KeyUnread {
			t.Fatal("unexpected key kinds")
		}
	})

	t.Run("conversations are deep copied", func(t *testing.T) {
		c := NewMemoryCache()
		parts := []UserSummary{{ID: "u1"}}
		c.SetConversations([]Conversation{{ID: "c1", Participants: parts}})
		parts[0].Name = "mutated"
		if c.Conversations()[0].Participants[0].Name != "" {
			t.Fatal("caller slice shared with the cache")
		}
	})
}
