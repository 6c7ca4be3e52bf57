package threadstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketsync/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Live subscriptions:
//   - Every committed write issues pg_notify on "<schema>_messages" with the conversation id as payload.
//   - Each subscription holds one pool connection in LISTEN and re-reads the bounded snapshot per notification.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	ids    *ids.Generator
	now    func() time.Time
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "marketsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("threadstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("threadstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "marketsync",
		ids:    ids.NewGenerator(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("threadstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// NotifyChannel is the LISTEN/NOTIFY channel carrying conversation ids of changed threads.
func (s *PostgresStore) NotifyChannel() string {
	return s.schema + "_messages"
}

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id                TEXT PRIMARY KEY,
  participants      TEXT[] NOT NULL,
  last_message      TEXT NOT NULL DEFAULT '',
  last_message_id   TEXT NOT NULL DEFAULT '',
  last_message_time TIMESTAMPTZ,
  last_sender_id    TEXT NOT NULL DEFAULT '',
  last_message_read BOOLEAN NOT NULL DEFAULT false,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  id              TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  receiver_id     TEXT NOT NULL,
  text            TEXT NOT NULL,
  created_at      TIMESTAMPTZ,
  is_read         BOOLEAN NOT NULL DEFAULT false,

  PRIMARY KEY (conversation_id, id),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) > 0 AND char_length(text) <= %d)
);`,
		pgx.Identifier{s.schema}.Sanitize(),
		conversations,
		messages, conversations, MaxTextChars,
	)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("threadstore: ensure schema: %w", err)
	}
	return nil
}

// ReadConversation reads conversations/{id}.
func (s *PostgresStore) ReadConversation(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	return readConversation(ctx, s.pool, pgIdent(s.schema, "conversations"), id, false)
}

// EnsureConversation inserts the participant pair's record if absent.
func (s *PostgresStore) EnsureConversation(ctx context.Context, participants []string) (Conversation, error) {
	pair, err := NormalizeParticipants(participants)
	if err != nil {
		return Conversation{}, err
	}
	id := ConversationID(pair[0], pair[1])

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, participants) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`,
		id, pair,
	); err != nil {
		return Conversation{}, err
	}
	return s.ReadConversation(ctx, id)
}

// WriteMessage inserts m and updates the summary in one transaction, then notifies listeners on commit.
func (s *PostgresStore) WriteMessage(ctx context.Context, conversationID string, m Message) (string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	// Row lock serializes writers per conversation so summary and id order agree.
	conv, err := readConversation(ctx, tx, conversations, conversationID, true)
	if err != nil {
		return "", err
	}
	if err := validateWrite(conv, m); err != nil {
		return "", err
	}

	now := s.now()
	id, err := s.ids.New(now)
	if err != nil {
		return "", err
	}
	createdAt := summaryTime(m, now)

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (conversation_id, id, sender_id, receiver_id, text, created_at, is_read)
		 VALUES ($1, $2, $3, $4, $5, $6, false)`,
		conversationID, id, m.SenderID, m.ReceiverID, m.Text, createdAt,
	); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET last_message = $2,
		        last_message_id = $3,
		        last_message_time = $4,
		        last_sender_id = $5,
		        last_message_read = false
		  WHERE id = $1`,
		conversationID, m.Text, id, createdAt, m.SenderID,
	); err != nil {
		return "", fmt.Errorf("update summary: %w", err)
	}

	if err := s.notify(ctx, tx, conversationID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// MarkRead flips is_read for one message. Already-read messages commit nothing and notify nobody.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, messageID string) error {
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var wasRead bool
	err = tx.QueryRow(ctx,
		`SELECT is_read FROM `+messages+` WHERE conversation_id = $1 AND id = $2 FOR UPDATE`,
		conversationID, messageID,
	).Scan(&wasRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if wasRead {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET is_read = true WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+` SET last_message_read = true WHERE id = $1 AND last_message_id = $2`,
		conversationID, messageID,
	); err != nil {
		return err
	}

	if err := s.notify(ctx, tx, conversationID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SubscribeMessages listens for changes to one conversation and re-delivers its bounded snapshot.
func (s *PostgresStore) SubscribeMessages(ctx context.Context, conversationID string, limit int) (*Subscription, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	limit = normalizeLimit(limit)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.NotifyChannel()}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	// LISTEN precedes the first read so no commit between them is missed.
	initial, err := s.readMessages(ctx, conversationID, limit)
	if err != nil {
		_ = conn.Hijack().Close(context.Background())
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(conversationID)
	sub.stop = cancel
	sub.publish(initial)

	go func() {
		defer sub.Unsubscribe()
		// The connection is left in LISTEN state, so it never goes back to the pool.
		defer func() { _ = conn.Hijack().Close(context.Background()) }()

		for {
			n, err := conn.Conn().WaitForNotification(loopCtx)
			if err != nil {
				if loopCtx.Err() == nil {
					sub.fail(fmt.Errorf("threadstore: listener: %w", err))
				}
				return
			}
			if n.Payload != conversationID {
				continue
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

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, conversationID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.NotifyChannel(), conversationID); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// readMessages returns the most recent limit messages in creation order.
func (s *PostgresStore) readMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, text, created_at, is_read
		   FROM (
		     SELECT id, sender_id, receiver_id, text, created_at, is_read
		       FROM `+pgIdent(s.schema, "messages")+`
		      WHERE conversation_id = $1
		      ORDER BY id DESC
		      LIMIT $2
		   ) recent
		  ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			createdAt *time.Time
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &createdAt, &m.IsRead); err != nil {
			return nil, err
		}
		if createdAt != nil {
			m.CreatedAt = createdAt.UTC()
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readConversation(ctx context.Context, q pgQueryer, table, id string, forUpdate bool) (Conversation, error) {
	sql := `SELECT id, participants, last_message, last_message_id, last_message_time, last_sender_id, last_message_read
	          FROM ` + table + `
	         WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		c        Conversation
		lastTime *time.Time
	)
	err := q.QueryRow(ctx, sql, id).Scan(
		&c.ID, &c.Participants, &c.LastMessage, &c.LastMessageID, &lastTime, &c.LastSenderID, &c.LastMessageRead,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if lastTime != nil {
		c.LastMessageTime = lastTime.UTC()
	}
	return c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
