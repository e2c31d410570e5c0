// Package memory is an in-process Store used by tests and the dev mode.
// It mirrors the badger adapter's semantics, including cursor paging, so
// the two are interchangeable behind core.Store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

type Store struct {
	mu sync.Mutex

	convs    map[domain.ConversationID]*domain.Conversation
	msgs     map[domain.ConversationID][]*domain.Message
	byID     map[domain.MessageID]*domain.Message
	byKey    map[string]domain.MessageID
	meetings map[domain.MeetingID]*domain.MeetingSession
	active   map[domain.ConversationID]domain.MeetingID

	lastStamp time.Time
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		convs:    make(map[domain.ConversationID]*domain.Conversation),
		msgs:     make(map[domain.ConversationID][]*domain.Message),
		byID:     make(map[domain.MessageID]*domain.Message),
		byKey:    make(map[string]domain.MessageID),
		meetings: make(map[domain.MeetingID]*domain.MeetingSession),
		active:   make(map[domain.ConversationID]domain.MeetingID),
	}
}

func (s *Store) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return fmt.Errorf("conversation %s exists: %w", conv.ID, domain.ErrConflict)
	}
	s.convs[conv.ID] = cloneConv(conv)
	return nil
}

func (s *Store) Conversation(_ context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return cloneConv(conv), nil
}

func (s *Store) ConversationsFor(_ context.Context, pid domain.PrincipalID) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Conversation
	for _, conv := range s.convs {
		if conv.Participant(pid) != nil {
			out = append(out, cloneConv(conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) TouchConversation(_ context.Context, id domain.ConversationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return nil
}

func (s *Store) AppendMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[msg.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
	}
	stored := cloneMsg(msg)
	stored.ID = domain.MessageID(uuid.NewString())
	stored.SentAt = s.stamp()
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], stored)
	s.byID[stored.ID] = stored
	if stored.ClientKey != "" {
		s.byKey[dedupeKey(stored.ConversationID, stored.SenderID, stored.ClientKey)] = stored.ID
	}
	return cloneMsg(stored), nil
}

func (s *Store) Message(_ context.Context, id domain.MessageID) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return cloneMsg(msg), nil
}

func (s *Store) UpdateMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[msg.ID]
	if !ok {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrNotFound)
	}
	stored.Content = msg.Content
	stored.EditedAt = msg.EditedAt
	return nil
}

func (s *Store) MessageByClientKey(_ context.Context, conv domain.ConversationID, sender domain.PrincipalID, key string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[dedupeKey(conv, sender, key)]
	if !ok {
		return nil, fmt.Errorf("client key %s: %w", key, domain.ErrNotFound)
	}
	return cloneMsg(s.byID[id]), nil
}

func (s *Store) Messages(_ context.Context, conv domain.ConversationID, cursor string, limit int) ([]*domain.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv]; !ok {
		return nil, "", fmt.Errorf("conversation %s: %w", conv, domain.ErrNotFound)
	}
	if limit <= 0 {
		limit = 50
	}
	msgs := s.msgs[conv]

	// Walk newest-first; the cursor is the sort key of the last message
	// the previous page returned.
	var out []*domain.Message
	next := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		k := sortKey(msgs[i])
		if cursor != "" && k >= cursor {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, cloneMsg(msgs[i]))
		next = k
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (s *Store) IncrementUnread(_ context.Context, conv domain.ConversationID, exclude domain.PrincipalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conv, domain.ErrNotFound)
	}
	for _, p := range c.Participants {
		if p.PrincipalID == exclude || !p.Active() {
			continue
		}
		p.UnreadCount++
	}
	return nil
}

func (s *Store) ResetUnread(_ context.Context, conv domain.ConversationID, pid domain.PrincipalID, at time.Time) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conv, domain.ErrNotFound)
	}
	p := c.Participant(pid)
	if p == nil {
		return nil, fmt.Errorf("participant %s: %w", pid, domain.ErrNotFound)
	}
	p.UnreadCount = 0
	t := at
	p.LastReadAt = &t
	cp := *p
	return &cp, nil
}

func (s *Store) UnreadCounts(_ context.Context, pid domain.PrincipalID) (map[domain.ConversationID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ConversationID]int)
	for id, conv := range s.convs {
		if p := conv.Participant(pid); p != nil && p.Active() {
			out[id] = p.UnreadCount
		}
	}
	return out, nil
}

func (s *Store) CreateMeeting(_ context.Context, m *domain.MeetingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[m.ConversationID]; ok {
		return fmt.Errorf("conversation %s has an active meeting: %w", m.ConversationID, domain.ErrConflict)
	}
	s.meetings[m.ID] = cloneMeeting(m)
	if m.Status == domain.MeetingActive {
		s.active[m.ConversationID] = m.ID
	}
	return nil
}

func (s *Store) Meeting(_ context.Context, id domain.MeetingID) (*domain.MeetingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, domain.ErrNotFound)
	}
	return cloneMeeting(m), nil
}

func (s *Store) ActiveMeeting(_ context.Context, conv domain.ConversationID) (*domain.MeetingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[conv]
	if !ok {
		return nil, fmt.Errorf("no active meeting for %s: %w", conv, domain.ErrNotFound)
	}
	return cloneMeeting(s.meetings[id]), nil
}

func (s *Store) UpdateMeeting(_ context.Context, m *domain.MeetingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; !ok {
		return fmt.Errorf("meeting %s: %w", m.ID, domain.ErrNotFound)
	}
	s.meetings[m.ID] = cloneMeeting(m)
	if m.Status == domain.MeetingEnded && s.active[m.ConversationID] == m.ID {
		delete(s.active, m.ConversationID)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// stamp returns a server timestamp that is strictly increasing, so two
// messages appended in the same nanosecond still sort in append order.
func (s *Store) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

// keyEscaper mirrors the badger adapter: ids are opaque and may contain
// the joiner.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func dedupeKey(conv domain.ConversationID, sender domain.PrincipalID, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyEscaper.Replace(string(conv)), keyEscaper.Replace(string(sender)), key)
}

func sortKey(m *domain.Message) string {
	return fmt.Sprintf("%019d:%s", m.SentAt.UnixNano(), m.ID)
}

func cloneConv(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Participants = make([]*domain.Participant, len(c.Participants))
	for i, p := range c.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}
	return &cp
}

func cloneMsg(m *domain.Message) *domain.Message {
	cp := *m
	cp.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

func cloneMeeting(m *domain.MeetingSession) *domain.MeetingSession {
	cp := *m
	cp.Roster = make([]*domain.MeetingParticipant, len(m.Roster))
	for i, e := range m.Roster {
		ec := *e
		cp.Roster[i] = &ec
	}
	return &cp
}
