package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"basegraph.app/parley/core/db"
	"basegraph.app/parley/internal/model"
)

type messageStore struct {
	db db.DBTX
}

func NewMessageStore(conn db.DBTX) MessageStore {
	return &messageStore{db: conn}
}

const messageColumns = `conversation_id, id, sender, type, content, received_at, replies_to, answered_by, error, seen_at, metadata, created_at`

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m        model.Message
		errJSON  []byte
		metaJSON []byte
	)
	err := row.Scan(&m.ConversationID, &m.ID, &m.Sender, &m.Type, &m.Content, &m.ReceivedAt,
		&m.RepliesTo, &m.AnsweredBy, &errJSON, &m.SeenAt, &metaJSON, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		m.Error = &model.MessageError{}
		if err := json.Unmarshal(errJSON, m.Error); err != nil {
			return nil, fmt.Errorf("decoding error marker: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		m.Metadata = &model.ReplyMetadata{}
		if err := json.Unmarshal(metaJSON, m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &m, nil
}

// Append stores the message with its original receipt time. Duplicate ids, and
// a second reply to the same message, are ignored and reported as not created.
func (s *messageStore) Append(ctx context.Context, msg *model.Message) (bool, error) {
	var metaJSON []byte
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return false, fmt.Errorf("encoding metadata: %w", err)
		}
		metaJSON = data
	}

	var createdAt time.Time
	err := s.db.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, id, sender, type, content, received_at, replies_to, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING created_at`,
		msg.ConversationID, msg.ID, msg.Sender, msg.Type, msg.Content, msg.ReceivedAt, msg.RepliesTo, metaJSON,
	).Scan(&createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("append message %s/%s: %w", msg.ConversationID, msg.ID, err)
	}
	msg.CreatedAt = createdAt
	return true, nil
}

func (s *messageStore) Get(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %s/%s: %w", conversationID, messageID, err)
	}
	return m, nil
}

func (s *messageStore) FindReply(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND replies_to = $2`,
		conversationID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find reply to %s/%s: %w", conversationID, messageID, err)
	}
	return m, nil
}

// ListBefore orders the log by position, not write time: a reply sits right
// after the message it answers, however late it was stored.
func (s *messageStore) ListBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixed("m", messageColumns)+` FROM messages m
		LEFT JOIN messages u ON u.conversation_id = m.conversation_id AND u.id = m.replies_to
		WHERE m.conversation_id = $1 AND COALESCE(u.received_at, m.received_at) < $2
		ORDER BY COALESCE(u.received_at, m.received_at) DESC, (m.replies_to IS NOT NULL) DESC, m.created_at DESC
		LIMIT $3`,
		conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// MarkAnswered links the reply and clears any earlier error marker.
func (s *messageStore) MarkAnswered(ctx context.Context, conversationID, messageID, replyID string) error {
	return s.update(ctx, conversationID, messageID,
		`UPDATE messages SET answered_by = $3, error = NULL WHERE conversation_id = $1 AND id = $2`, replyID)
}

func (s *messageStore) MarkFailed(ctx context.Context, conversationID, messageID string, marker model.MessageError) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("encoding error marker: %w", err)
	}
	return s.update(ctx, conversationID, messageID,
		`UPDATE messages SET error = $3 WHERE conversation_id = $1 AND id = $2`, data)
}

func (s *messageStore) MarkSeen(ctx context.Context, conversationID, messageID string, at time.Time) error {
	return s.update(ctx, conversationID, messageID,
		`UPDATE messages SET seen_at = COALESCE(seen_at, $3) WHERE conversation_id = $1 AND id = $2`, at)
}

func (s *messageStore) update(ctx context.Context, conversationID, messageID, sql string, value any) error {
	tag, err := s.db.Exec(ctx, sql, conversationID, messageID, value)
	if err != nil {
		return fmt.Errorf("update message %s/%s: %w", conversationID, messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
