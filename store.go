package chatsync

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// conversationStore is the in-memory model of conversations and their
// messages. Every mutation replaces whole snapshots under the write lock,
// so readers never observe a half-applied change. The conversation order
// is recomputed at the end of each mutation.
type conversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	order         []string
	messages      map[string][]*Message
	byClient      map[string]string // clientId -> conversationId
	byServer      map[string]string // serverId -> conversationId
	active        string

	// onChange is invoked with the store lock held; it must not call back
	// into the store.
	onChange func(Change)
}

func newConversationStore() *conversationStore {
	return &conversationStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		byClient:      make(map[string]string),
		byServer:      make(map[string]string),
	}
}

// ============================================================================
// Mutations
// ============================================================================

// UpsertConversation inserts or replaces a conversation snapshot. On a
// replace the store keeps what it owns locally: the unread counter, the
// archive flag, and the pin state unless the snapshot sets it. Activity
// never moves backwards.
func (s *conversationStore) UpsertConversation(c Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if c.UnreadCount < 0 {
		return fmt.Errorf("%w: negative unread count", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := c
	next.IsOnline = false
	if prev, ok := s.conversations[c.ID]; ok {
		next.UnreadCount = prev.UnreadCount
		next.IsArchived = prev.IsArchived
		next.IsPinned = next.IsPinned || prev.IsPinned
		if next.LastActivityAt.Before(prev.LastActivityAt) {
			next.LastActivityAt = prev.LastActivityAt
			next.LastMessagePreview = prev.LastMessagePreview
		}
	}
	s.conversations[c.ID] = &next
	s.reorderLocked()
	s.emit(ChangeConversations, c.ID)
	return nil
}

// AppendMessage adds a message to the end of its conversation. A message
// whose clientId or serverId is already known returns ErrDuplicateEvent.
// A counterpart message on a conversation other than the active one bumps
// the unread counter; self messages never do.
func (s *conversationStore) AppendMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, m.ConversationID)
	}
	if _, dup := s.byClient[m.ClientID]; m.ClientID != "" && dup {
		return ErrDuplicateEvent
	}
	if _, dup := s.byServer[m.ServerID]; m.ServerID != "" && dup {
		return ErrDuplicateEvent
	}

	s.messages[m.ConversationID] = append(slices.Clone(s.messages[m.ConversationID]), m.clone())
	s.index(m)

	next := *conv
	next.IsArchived = false
	if !m.CreatedAt.Before(next.LastActivityAt) {
		next.LastActivityAt = m.CreatedAt
		next.LastMessagePreview = m.preview()
	}
	if m.Sender == SenderCounterpart && s.active != m.ConversationID {
		next.UnreadCount++
	}
	s.conversations[m.ConversationID] = &next

	s.reorderLocked()
	s.emit(ChangeMessages, m.ConversationID)
	return nil
}

// UpdateMessageStatus moves a message forward through its lifecycle.
// Transitions that do not advance return ErrDuplicateEvent and leave the
// message untouched. cause is recorded on failure and cleared otherwise.
func (s *conversationStore) UpdateMessageStatus(ref MessageRef, status MessageStatus, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, idx, ok := s.lookupLocked(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
	}
	cur := s.messages[convID][idx]
	if !cur.Status.advances(status) {
		return ErrDuplicateEvent
	}
	next := cur.clone()
	next.Status = status
	next.Err = nil
	if status == StatusFailed {
		next.Err = cause
	}
	s.replaceLocked(convID, idx, next)
	return nil
}

// Acknowledge binds a server id to a pending message and marks it sent.
// When the server echoed the send as a new message before acking, the
// echo is folded into the pending message so the send appears once.
func (s *conversationStore) Acknowledge(clientID, serverID string) error {
	if clientID == "" || serverID == "" {
		return fmt.Errorf("%w: ack needs clientId and serverId", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, idx, ok := s.lookupLocked(ByClientID(clientID))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, ByClientID(clientID))
	}
	cur := s.messages[convID][idx]
	if cur.ServerID != "" || cur.Status != StatusSending {
		return ErrDuplicateEvent
	}
	next := cur.clone()
	next.ServerID = serverID
	next.Status = StatusSent
	next.Err = nil

	list := slices.Clone(s.messages[convID])
	if owner, taken := s.byServer[serverID]; taken {
		echo := -1
		if owner == convID {
			_, echo, _ = lo.FindIndexOf(list, func(m *Message) bool { return m.ServerID == serverID })
		}
		if echo < 0 || list[echo].ClientID != "" || list[echo].Sender != SenderSelf {
			return fmt.Errorf("%w: server id %s", ErrServerIDConflict, serverID)
		}
		if StatusSent.advances(list[echo].Status) {
			next.Status = list[echo].Status
		}
		list = slices.Delete(list, echo, echo+1)
		if echo < idx {
			idx--
		}
	}
	list[idx] = next
	s.messages[convID] = list
	s.byServer[serverID] = convID
	s.emit(ChangeMessages, convID)
	return nil
}

// SetUnread raises the unread counter to a server-reported value. It never
// lowers it; only MarkRead does. The active conversation keeps zero.
func (s *conversationStore) SetUnread(conversationID string, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative unread count", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if n <= cur.UnreadCount || s.active == conversationID {
		return nil
	}
	next := *cur
	next.UnreadCount = n
	s.conversations[conversationID] = &next
	s.reorderLocked()
	s.emit(ChangeConversations, conversationID)
	return nil
}

// MarkRead clears the unread counter.
func (s *conversationStore) MarkRead(conversationID string) error {
	return s.updateConversation(conversationID, ChangeConversations, func(c *Conversation) {
		c.UnreadCount = 0
	})
}

func (s *conversationStore) SetPinned(conversationID string, pinned bool) error {
	return s.updateConversation(conversationID, ChangeConversations, func(c *Conversation) {
		c.IsPinned = pinned
	})
}

// Archive hides a conversation from the list. Its messages stay in memory
// until the session ends.
func (s *conversationStore) Archive(conversationID string) error {
	return s.updateConversation(conversationID, ChangeConversations, func(c *Conversation) {
		c.IsArchived = true
		if s.active == c.ID {
			s.active = ""
		}
	})
}

// SetActive records the conversation the user is looking at. An empty id
// means none.
func (s *conversationStore) SetActive(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; conversationID != "" && !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	s.active = conversationID
	return nil
}

// Reorder recomputes the display order. Every mutation already does this;
// it is for callers that applied a batch.
func (s *conversationStore) Reorder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reorderLocked()
	s.emit(ChangeConversations, "")
}

// SeedMessages merges a page of history in front of the live messages.
// Messages already known by clientId or serverId are skipped. It returns
// the number of messages added. Seeding never touches unread counters.
func (s *conversationStore) SeedMessages(conversationID string, history []Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	fresh := make([]*Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ServerID == "" || seen[m.ServerID] {
			continue
		}
		if _, dup := s.byServer[m.ServerID]; dup {
			continue
		}
		if _, dup := s.byClient[m.ClientID]; m.ClientID != "" && dup {
			continue
		}
		seen[m.ServerID] = true
		m.ConversationID = conversationID
		fresh = append(fresh, m.clone())
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	slices.SortStableFunc(fresh, func(a, b *Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, m := range fresh {
		s.index(*m)
	}
	s.messages[conversationID] = append(fresh, s.messages[conversationID]...)

	newest := fresh[len(fresh)-1]
	if newest.CreatedAt.After(conv.LastActivityAt) {
		next := *conv
		next.LastActivityAt = newest.CreatedAt
		next.LastMessagePreview = newest.preview()
		s.conversations[conversationID] = &next
		s.reorderLocked()
	}
	s.emit(ChangeMessages, conversationID)
	return len(fresh), nil
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns non-archived conversations in display order.
func (s *conversationStore) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		if c := s.conversations[id]; !c.IsArchived {
			out = append(out, *c)
		}
	}
	return out
}

// Conversation returns one conversation, archived or not.
func (s *conversationStore) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Messages returns the messages of a conversation in display order.
func (s *conversationStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.messages[conversationID], func(m *Message, _ int) Message { return *m.clone() })
}

// Message looks up a single message.
func (s *conversationStore) Message(ref MessageRef) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, idx, ok := s.lookupLocked(ref)
	if !ok {
		return Message{}, false
	}
	return *s.messages[convID][idx].clone(), true
}

func (s *conversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Search returns up to limit messages whose text contains query, case
// insensitively. An empty conversationID searches everything.
func (s *conversationStore) Search(query, conversationID string, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.order
	if conversationID != "" {
		ids = []string{conversationID}
	}
	var results []Message
	for _, id := range ids {
		for _, m := range s.messages[id] {
			if strings.Contains(strings.ToLower(m.Text), q) {
				results = append(results, *m.clone())
				if len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

// ============================================================================
// Internals
// ============================================================================

func (s *conversationStore) updateConversation(id string, kind ChangeKind, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	next := *cur
	fn(&next)
	s.conversations[id] = &next
	s.reorderLocked()
	s.emit(kind, id)
	return nil
}

func (s *conversationStore) replaceLocked(convID string, idx int, next *Message) {
	list := slices.Clone(s.messages[convID])
	list[idx] = next
	s.messages[convID] = list
	s.emit(ChangeMessages, convID)
}

func (s *conversationStore) lookupLocked(ref MessageRef) (string, int, bool) {
	var convID string
	var match func(*Message) bool
	switch {
	case ref.ClientID != "":
		convID = s.byClient[ref.ClientID]
		match = func(m *Message) bool { return m.ClientID == ref.ClientID }
	case ref.ServerID != "":
		convID = s.byServer[ref.ServerID]
		match = func(m *Message) bool { return m.ServerID == ref.ServerID }
	default:
		return "", 0, false
	}
	if convID == "" {
		return "", 0, false
	}
	_, idx, ok := lo.FindIndexOf(s.messages[convID], match)
	return convID, idx, ok
}

func (s *conversationStore) index(m Message) {
	if m.ClientID != "" {
		s.byClient[m.ClientID] = m.ConversationID
	}
	if m.ServerID != "" {
		s.byServer[m.ServerID] = m.ConversationID
	}
}

// reorderLocked sorts by pinned, then has-unread, then recency. The id is
// a final tie-break so the order is total.
func (s *conversationStore) reorderLocked() {
	convs := lo.Values(s.conversations)
	slices.SortFunc(convs, func(a, b *Conversation) int {
		if a.IsPinned != b.IsPinned {
			return boolDesc(a.IsPinned)
		}
		if ua, ub := a.UnreadCount > 0, b.UnreadCount > 0; ua != ub {
			return boolDesc(ua)
		}
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	s.order = lo.Map(convs, func(c *Conversation, _ int) string { return c.ID })
}

func boolDesc(first bool) int {
	if first {
		return -1
	}
	return 1
}

func (s *conversationStore) emit(kind ChangeKind, conversationID string) {
	if s.onChange != nil {
		s.onChange(Change{Kind: kind, ConversationID: conversationID})
	}
}
