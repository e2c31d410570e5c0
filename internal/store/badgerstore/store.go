// Package badgerstore persists the data model in BadgerDB.
//
// Message keys are formatted as "msg:{conversation}:{timestamp_padded}:{uuid}":
// the 19-digit zero-padded nanosecond timestamp makes lexicographic order
// chronological, and the uuid disconnects collisions when two messages land
// in the same nanosecond. Cursor paging rides the same keys.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lessonlink/realtime/internal/core"
	"github.com/lessonlink/realtime/internal/domain"
)

const maxStamp = "9999999999999999999"

// keyEscaper protects ':' as the key-segment separator: conversation and
// principal ids are opaque and may contain it, and a raw id inside a
// scan prefix would bleed one prefix into another.
var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

func seg(s string) string { return keyEscaper.Replace(s) }

type Store struct {
	db           *badger.DB
	dedupeWindow time.Duration

	mu        sync.Mutex
	lastStamp time.Time
}

var _ core.Store = (*Store)(nil)

// Open opens (or creates) the database at dir. An empty dir opens an
// in-memory instance, which tests use.
func Open(dir string, dedupeWindow time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, errors.Join(err, domain.ErrTransient))
	}
	log.Info().Str("module", "store.badger").Str("dir", dir).Msg("store opened")
	return &Store{db: db, dedupeWindow: dedupeWindow}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func convKey(id domain.ConversationID) []byte {
	return []byte("conv:" + string(id))
}

func convIdxKey(pid domain.PrincipalID, id domain.ConversationID) []byte {
	return fmt.Appendf(nil, "convidx:%s:%s", seg(string(pid)), id)
}

func msgKey(conv domain.ConversationID, at time.Time, id domain.MessageID) []byte {
	return fmt.Appendf(nil, "msg:%s:%019d:%s", seg(string(conv)), at.UnixNano(), id)
}

func msgRefKey(id domain.MessageID) []byte {
	return []byte("msgref:" + string(id))
}

func dedupeKey(conv domain.ConversationID, sender domain.PrincipalID, key string) []byte {
	return fmt.Appendf(nil, "dedupe:%s:%s:%s", seg(string(conv)), seg(string(sender)), key)
}

func meetingKey(id domain.MeetingID) []byte {
	return []byte("meet:" + string(id))
}

func activeMeetingKey(conv domain.ConversationID) []byte {
	return []byte("meetact:" + string(conv))
}

func (s *Store) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conv.ID)); err == nil {
			return fmt.Errorf("conversation %s exists: %w", conv.ID, domain.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, convKey(conv.ID), conv); err != nil {
			return err
		}
		for _, p := range conv.Participants {
			if err := txn.Set(convIdxKey(p.PrincipalID, conv.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(err)
}

func (s *Store) Conversation(_ context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, convKey(id), &conv)
	})
	if err != nil {
		return nil, wrapNotFound(err, "conversation %s", id)
	}
	return &conv, nil
}

func (s *Store) ConversationsFor(_ context.Context, pid domain.PrincipalID) ([]*domain.Conversation, error) {
	prefix := fmt.Appendf(nil, "convidx:%s:", seg(string(pid)))
	var ids []domain.ConversationID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, domain.ConversationID(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]*domain.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Conversation(context.Background(), id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	// Most recently touched first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.After(out[j-1].UpdatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *Store) TouchConversation(ctx context.Context, id domain.ConversationID, at time.Time) error {
	return s.mutateConversation(id, func(conv *domain.Conversation) error {
		if at.After(conv.UpdatedAt) {
			conv.UpdatedAt = at
		}
		return nil
	})
}

func (s *Store) AppendMessage(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	stored := *msg
	stored.ID = domain.MessageID(uuid.NewString())
	stored.SentAt = s.stamp()

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(stored.ConversationID)); err != nil {
			return err
		}
		key := msgKey(stored.ConversationID, stored.SentAt, stored.ID)
		if err := setJSON(txn, key, &stored); err != nil {
			return err
		}
		if err := txn.Set(msgRefKey(stored.ID), key); err != nil {
			return err
		}
		if stored.ClientKey != "" {
			entry := badger.NewEntry(dedupeKey(stored.ConversationID, stored.SenderID, stored.ClientKey), key)
			if s.dedupeWindow > 0 {
				entry = entry.WithTTL(s.dedupeWindow)
			}
			return txn.SetEntry(entry)
		}
		return nil
	})
	if err != nil {
		return nil, wrapNotFound(err, "conversation %s", msg.ConversationID)
	}
	return &stored, nil
}

func (s *Store) Message(_ context.Context, id domain.MessageID) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := getBytes(txn, msgRefKey(id))
		if err != nil {
			return err
		}
		return getJSON(txn, key, &msg)
	})
	if err != nil {
		return nil, wrapNotFound(err, "message %s", id)
	}
	return &msg, nil
}

func (s *Store) UpdateMessage(_ context.Context, msg *domain.Message) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key, err := getBytes(txn, msgRefKey(msg.ID))
		if err != nil {
			return err
		}
		var stored domain.Message
		if err := getJSON(txn, key, &stored); err != nil {
			return err
		}
		stored.Content = msg.Content
		stored.EditedAt = msg.EditedAt
		return setJSON(txn, key, &stored)
	})
	return wrapNotFound(err, "message %s", msg.ID)
}

func (s *Store) MessageByClientKey(_ context.Context, conv domain.ConversationID, sender domain.PrincipalID, key string) (*domain.Message, error) {
	var msg domain.Message
	err := s.db.View(func(txn *badger.Txn) error {
		ref, err := getBytes(txn, dedupeKey(conv, sender, key))
		if err != nil {
			return err
		}
		return getJSON(txn, ref, &msg)
	})
	if err != nil {
		return nil, wrapNotFound(err, "client key %s", key)
	}
	return &msg, nil
}

// Messages pages newest-first via a reverse prefix scan; the cursor is
// the key suffix (padded timestamp + uuid) of the last returned message.
func (s *Store) Messages(_ context.Context, conv domain.ConversationID, cursor string, limit int) ([]*domain.Message, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if _, err := s.Conversation(context.Background(), conv); err != nil {
		return nil, "", err
	}
	prefix := fmt.Appendf(nil, "msg:%s:", seg(string(conv)))
	var out []*domain.Message
	next := ""
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), []byte(maxStamp)...)
		if cursor != "" {
			seek = append(append([]byte{}, prefix...), []byte(cursor)...)
		}
		it.Seek(seek)
		if cursor != "" && it.ValidForPrefix(prefix) {
			it.Next()
		}
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(out) == limit {
				return nil
			}
			item := it.Item()
			var msg domain.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, &msg)
			next = string(item.Key()[len(prefix):])
		}
		next = ""
		return nil
	})
	if err != nil {
		return nil, "", wrap(err)
	}
	return out, next, nil
}

func (s *Store) IncrementUnread(_ context.Context, conv domain.ConversationID, exclude domain.PrincipalID) error {
	return s.mutateConversation(conv, func(c *domain.Conversation) error {
		for _, p := range c.Participants {
			if p.PrincipalID == exclude || !p.Active() {
				continue
			}
			p.UnreadCount++
		}
		return nil
	})
}

func (s *Store) ResetUnread(_ context.Context, conv domain.ConversationID, pid domain.PrincipalID, at time.Time) (*domain.Participant, error) {
	var out *domain.Participant
	err := s.mutateConversation(conv, func(c *domain.Conversation) error {
		p := c.Participant(pid)
		if p == nil {
			return fmt.Errorf("participant %s: %w", pid, domain.ErrNotFound)
		}
		p.UnreadCount = 0
		t := at
		p.LastReadAt = &t
		cp := *p
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UnreadCounts(ctx context.Context, pid domain.PrincipalID) (map[domain.ConversationID]int, error) {
	convs, err := s.ConversationsFor(ctx, pid)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ConversationID]int, len(convs))
	for _, conv := range convs {
		if p := conv.Participant(pid); p != nil && p.Active() {
			out[conv.ID] = p.UnreadCount
		}
	}
	return out, nil
}

func (s *Store) CreateMeeting(_ context.Context, m *domain.MeetingSession) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(activeMeetingKey(m.ConversationID)); err == nil {
			return fmt.Errorf("conversation %s has an active meeting: %w", m.ConversationID, domain.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, meetingKey(m.ID), m); err != nil {
			return err
		}
		if m.Status == domain.MeetingActive {
			return txn.Set(activeMeetingKey(m.ConversationID), []byte(m.ID))
		}
		return nil
	})
	return wrap(err)
}

func (s *Store) Meeting(_ context.Context, id domain.MeetingID) (*domain.MeetingSession, error) {
	var m domain.MeetingSession
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, meetingKey(id), &m)
	})
	if err != nil {
		return nil, wrapNotFound(err, "meeting %s", id)
	}
	return &m, nil
}

func (s *Store) ActiveMeeting(ctx context.Context, conv domain.ConversationID) (*domain.MeetingSession, error) {
	var id []byte
	err := s.db.View(func(txn *badger.Txn) error {
		b, err := getBytes(txn, activeMeetingKey(conv))
		id = b
		return err
	})
	if err != nil {
		return nil, wrapNotFound(err, "no active meeting for %s", conv)
	}
	return s.Meeting(ctx, domain.MeetingID(id))
}

func (s *Store) UpdateMeeting(_ context.Context, m *domain.MeetingSession) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(meetingKey(m.ID)); err != nil {
			return err
		}
		if err := setJSON(txn, meetingKey(m.ID), m); err != nil {
			return err
		}
		if m.Status == domain.MeetingEnded {
			cur, err := getBytes(txn, activeMeetingKey(m.ConversationID))
			if err == nil && string(cur) == string(m.ID) {
				return txn.Delete(activeMeetingKey(m.ConversationID))
			}
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	return wrapNotFound(err, "meeting %s", m.ID)
}

func (s *Store) mutateConversation(id domain.ConversationID, fn func(*domain.Conversation) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var conv domain.Conversation
		if err := getJSON(txn, convKey(id), &conv); err != nil {
			return err
		}
		if err := fn(&conv); err != nil {
			return err
		}
		return setJSON(txn, convKey(id), &conv)
	})
	return wrapNotFound(err, "conversation %s", id)
}

// stamp returns a strictly increasing server timestamp so message keys
// never collide on the padded-nanosecond segment within this process.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

func getBytes(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := getBytes(txn, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

// wrap classifies a badger error as transient unless it already carries
// a taxonomy sentinel.
func wrap(err error) error {
	if err == nil || domain.Terminal(err) {
		return err
	}
	return errors.Join(err, domain.ErrTransient)
}

func wrapNotFound(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf(format+": %w", append(args, domain.ErrNotFound)...)
	}
	return wrap(err)
}
