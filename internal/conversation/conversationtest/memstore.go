// Package conversationtest provides an in-memory conversation.Store for
// tests.
package conversationtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/salon/internal/conversation"
)

// MemoryStore keeps conversations in a map. WithTx snapshots the whole
// state and restores it when fn fails.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[key]*conversation.Conversation
	messages      map[key][]*conversation.Message
	now           func() time.Time

	// FailOn makes the named operation (e.g. "CreateMessage") return the
	// error instead of running.
	FailOn map[string]error
	// Calls records the operations executed, in order.
	Calls []string
}

type key struct{ id, owner string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[key]*conversation.Conversation{},
		messages:      map[key][]*conversation.Message{},
		now:           time.Now,
		FailOn:        map[string]error{},
	}
}

func (s *MemoryStore) record(op string) error {
	s.Calls = append(s.Calls, op)
	return s.FailOn[op]
}

// Seed inserts c and its messages directly.
func (s *MemoryStore) Seed(c *conversation.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.Messages = nil
	s.conversations[key{c.ID, c.OwnerID}] = &cp
	for _, m := range c.Messages {
		mc := *m
		mc.OwnerID = c.OwnerID
		mc.ConversationID = c.ID
		s.messages[key{c.ID, c.OwnerID}] = append(s.messages[key{c.ID, c.OwnerID}], &mc)
	}
}

// Messages returns a copy of the stored messages of a conversation.
func (s *MemoryStore) Messages(id, ownerID string) []*conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedMessages(key{id, ownerID})
}

func (s *MemoryStore) sortedMessages(k key) []*conversation.Message {
	src := s.messages[k]
	out := make([]*conversation.Message, 0, len(src))
	for _, m := range src {
		mc := *m
		out = append(out, &mc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) GetConversation(ctx context.Context, id, ownerID string) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := s.conversations[key{id, ownerID}]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	cp := *c
	cp.Messages = s.sortedMessages(key{id, ownerID})
	return &cp, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateConversation"); err != nil {
		return err
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	cp.Messages = nil
	s.conversations[key{c.ID, c.OwnerID}] = &cp
	return nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id, ownerID string, upd conversation.Update) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpdateConversation"); err != nil {
		return nil, err
	}
	c, ok := s.conversations[key{id, ownerID}]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		d := *upd.Description
		c.Description = &d
	}
	c.UpdatedAt = s.now()
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SetPinned(ctx context.Context, id, ownerID string, pinned bool) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetPinned"); err != nil {
		return nil, err
	}
	c, ok := s.conversations[key{id, ownerID}]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	c.IsPinned = pinned
	c.UpdatedAt = s.now()
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeleteConversation"); err != nil {
		return err
	}
	k := key{id, ownerID}
	if _, ok := s.conversations[k]; !ok {
		return conversation.ErrConversationNotFound
	}
	delete(s.conversations, k)
	delete(s.messages, k)
	return nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, opts conversation.ListOptions) ([]*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListConversations"); err != nil {
		return nil, err
	}

	out := []*conversation.Conversation{}
	for k, c := range s.conversations {
		if k.owner != opts.OwnerID || (opts.AgentID != "" && c.AgentID != opts.AgentID) {
			continue
		}
		cp := *c
		if opts.IncludeMessages {
			cp.Messages = s.sortedMessages(k)
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPinned != out[j].IsPinned {
			return out[i].IsPinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset >= len(out) {
		return []*conversation.Conversation{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateMessage"); err != nil {
		return err
	}
	k := key{m.ConversationID, m.OwnerID}
	if _, ok := s.conversations[k]; !ok {
		return conversation.ErrConversationNotFound
	}
	m.CreatedAt = s.now()
	m.UpdatedAt = m.CreatedAt
	mc := *m
	s.messages[k] = append(s.messages[k], &mc)
	return nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, ids []string, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DeleteMessages"); err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for k, msgs := range s.messages {
		if k.owner != ownerID {
			continue
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		s.messages[k] = kept
	}
	return nil
}

// WithTx fails with ctx.Err() on a done context, as sql.DB.BeginTx does.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx conversation.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	convs := make(map[key]*conversation.Conversation, len(s.conversations))
	for k, c := range s.conversations {
		cp := *c
		convs[k] = &cp
	}
	msgs := make(map[key][]*conversation.Message, len(s.messages))
	for k, list := range s.messages {
		msgs[k] = append([]*conversation.Message(nil), list...)
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.conversations = convs
		s.messages = msgs
		s.mu.Unlock()
		return err
	}
	return nil
}

var _ conversation.Store = (*MemoryStore)(nil)
