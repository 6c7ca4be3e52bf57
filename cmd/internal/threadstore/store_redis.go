package threadstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"marketsync/cmd/identity/ids"
)

const redisTxRetries = 5

// RedisStore is a Store backed by Redis, keyed by the store paths.
//
//	{prefix}conversations/{id}                 hash: participants + summary fields
//	{prefix}conversations/{id}/messages        hash: message id -> JSON record
//	{prefix}conversations/{id}/message_index   zset (score 0): message ids, lexical = creation order
//
// Writes PUBLISH the conversation id on {prefix}conversations/{id}/messages after EXEC.
// The client is owned by the caller; Close is a no-op.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ids    *ids.Generator
	now    func() time.Time
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key and channel (useful for shared instances and tests).
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("threadstore: nil redis client")
	}
	st := &RedisStore{
		rdb: rdb,
		ids: ids.NewGenerator(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	return st, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// redisMessage is the stored JSON form of a message. CreatedAt is unix millis; nil while pending.
type redisMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
	CreatedAt  *int64 `json:"createdAt"`
	IsRead     bool   `json:"isRead"`
}

func toRedisMessage(m Message) redisMessage {
	out := redisMessage{ID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID, Text: m.Text, IsRead: m.IsRead}
	if !m.CreatedAt.IsZero() {
		ms := m.CreatedAt.UnixMilli()
		out.CreatedAt = &ms
	}
	return out
}

func (r redisMessage) message() Message {
	m := Message{ID: r.ID, SenderID: r.SenderID, ReceiverID: r.ReceiverID, Text: r.Text, IsRead: r.IsRead}
	if r.CreatedAt != nil {
		m.CreatedAt = time.UnixMilli(*r.CreatedAt).UTC()
	}
	return m
}

func (s *RedisStore) convKey(id string) string { return s.prefix + ConversationPath(id) }
func (s *RedisStore) msgsKey(id string) string { return s.prefix + MessagesPath(id) }
func (s *RedisStore) indexKey(id string) string {
	return s.prefix + ConversationPath(id) + "/message_index"
}

// ChannelName is the pub/sub channel announcing changes to one conversation.
func (s *RedisStore) ChannelName(conversationID string) string {
	return s.prefix + MessagesPath(conversationID)
}

// ReadConversation reads the conversation hash.
func (s *RedisStore) ReadConversation(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	fields, err := s.rdb.HGetAll(ctx, s.convKey(id)).Result()
	if err != nil {
		return Conversation{}, err
	}
	return decodeConversation(id, fields)
}

// EnsureConversation creates the conversation hash if absent (HSETNX on participants).
func (s *RedisStore) EnsureConversation(ctx context.Context, participants []string) (Conversation, error) {
	pair, err := NormalizeParticipants(participants)
	if err != nil {
		return Conversation{}, err
	}
	id := ConversationID(pair[0], pair[1])

	raw, err := json.Marshal(pair)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.rdb.HSetNX(ctx, s.convKey(id), "participants", string(raw)).Err(); err != nil {
		return Conversation{}, err
	}
	return s.ReadConversation(ctx, id)
}

// WriteMessage stores m and the summary in one MULTI/EXEC, guarded by WATCH on the conversation hash.
func (s *RedisStore) WriteMessage(ctx context.Context, conversationID string, m Message) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}

	convKey := s.convKey(conversationID)
	var id string

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, convKey).Result()
		if err != nil {
			return err
		}
		conv, err := decodeConversation(conversationID, fields)
		if err != nil {
			return err
		}
		if err := validateWrite(conv, m); err != nil {
			return err
		}

		now := s.now()
		id, err = s.ids.New(now)
		if err != nil {
			return err
		}

		rec := m
		rec.ID = id
		rec.IsRead = false
		rec.CreatedAt = summaryTime(m, now)
		raw, err := json.Marshal(toRedisMessage(rec))
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.msgsKey(conversationID), id, string(raw))
			pipe.ZAdd(ctx, s.indexKey(conversationID), redis.Z{Score: 0, Member: id})
			pipe.HSet(ctx, convKey,
				"lastMessage", rec.Text,
				"lastMessageId", id,
				"lastMessageTime", strconv.FormatInt(rec.CreatedAt.UnixMilli(), 10),
				"lastSenderId", rec.SenderID,
				"lastMessageRead", "false",
			)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, convKey); err != nil {
		return "", err
	}
	if err := s.rdb.Publish(ctx, s.ChannelName(conversationID), conversationID).Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

// MarkRead flips isRead on one message record.
func (s *RedisStore) MarkRead(ctx context.Context, conversationID, messageID string) error {
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}

	convKey := s.convKey(conversationID)
	msgsKey := s.msgsKey(conversationID)
	changed := false

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, msgsKey, messageID).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec redisMessage
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("threadstore: decode message %s: %w", messageID, err)
		}
		if rec.IsRead {
			return nil
		}
		lastID, err := tx.HGet(ctx, convKey, "lastMessageId").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		rec.IsRead = true
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, msgsKey, messageID, string(updated))
			if lastID == messageID {
				pipe.HSet(ctx, convKey, "lastMessageRead", "true")
			}
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	if err := s.watch(ctx, txf, msgsKey, convKey); err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.rdb.Publish(ctx, s.ChannelName(conversationID), conversationID).Err()
}

// SubscribeMessages subscribes to the conversation channel and re-reads the bounded snapshot per publish.
func (s *RedisStore) SubscribeMessages(ctx context.Context, conversationID string, limit int) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	limit = normalizeLimit(limit)

	ps := s.rdb.Subscribe(ctx, s.ChannelName(conversationID))
	// Wait for the subscribe confirmation so the first read cannot miss a publish.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	initial, err := s.readMessages(ctx, conversationID, limit)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(conversationID)
	sub.stop = cancel
	sub.publish(initial)

	go func() {
		defer sub.Unsubscribe()
		defer func() { _ = ps.Close() }()

		ch := ps.Channel()
		for {
			select {
			case <-loopCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					sub.fail(errors.New("threadstore: pubsub closed"))
					return
				}
			}

			msgs, err := s.readMessages(loopCtx, conversationID, limit)
			if err != nil {
				if loopCtx.Err() == nil {
					sub.fail(fmt.Errorf("threadstore: reload snapshot: %w", err))
				}
				return
			}
			if !sub.publish(msgs) {
				return
			}
		}
	}()

	return sub, nil
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for range redisTxRetries {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("threadstore: transaction contention on %s", strings.Join(keys, ","))
}

// readMessages returns the most recent limit messages in creation order.
func (s *RedisStore) readMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	idsDesc, err := s.rdb.ZRevRange(ctx, s.indexKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(idsDesc) == 0 {
		return []Message{}, nil
	}
	slices.Reverse(idsDesc)

	vals, err := s.rdb.HMGet(ctx, s.msgsKey(conversationID), idsDesc...).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Indexed but not yet visible in the hash.
			continue
		}
		var rec redisMessage
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("threadstore: decode message %s: %w", idsDesc[i], err)
		}
		msgs = append(msgs, rec.message())
	}
	return msgs, nil
}

func decodeConversation(id string, fields map[string]string) (Conversation, error) {
	if len(fields) == 0 {
		return Conversation{}, ErrNotFound
	}

	c := Conversation{
		ID:              id,
		LastMessage:     fields["lastMessage"],
		LastMessageID:   fields["lastMessageId"],
		LastSenderID:    fields["lastSenderId"],
		LastMessageRead: fields["lastMessageRead"] == "true",
	}
	if raw := fields["participants"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Participants); err != nil {
			return Conversation{}, fmt.Errorf("threadstore: decode participants of %s: %w", id, err)
		}
	}
	if raw := fields["lastMessageTime"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Conversation{}, fmt.Errorf("threadstore: decode lastMessageTime of %s: %w", id, err)
		}
		c.LastMessageTime = time.UnixMilli(ms).UTC()
	}
	return c, nil
}
