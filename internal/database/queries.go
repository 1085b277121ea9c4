package database

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100

	selectMessageQuery = "SELECT m.id, m.conversation_id, m.sender_id, u.name, u.image, m.content, m.message_type, " +
		"m.reply_to_id, m.client_msg_id, m.edited, m.is_deleted, m.created_at, m.updated_at " +
		"FROM messages m JOIN users u ON u.id = m.sender_id "
	reactionColumns = "r.id, r.message_id, m.conversation_id, r.user_id, u.name, r.emoji, r.created_at"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.SenderName,
		&msg.SenderImage,
		&msg.Content,
		&msg.MessageType,
		&msg.ReplyToId,
		&msg.ClientMsgId,
		&msg.Edited,
		&msg.IsDeleted,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	return msg, err
}

func scanReaction(row scanner) (Reaction, error) {
	var r Reaction
	err := row.Scan(
		&r.Id,
		&r.MessageId,
		&r.ConversationId,
		&r.UserId,
		&r.UserName,
		&r.Emoji,
		&r.CreatedAt,
	)
	return r, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *PgChatRepository) UpsertUser(params UpsertUserParams) (User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRow(
		"INSERT INTO users (id, name, image, created_at, updated_at) VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, image = EXCLUDED.image, updated_at = EXCLUDED.updated_at "+
			"RETURNING id, name, image, created_at, updated_at",
		params.Id,
		params.Name,
		params.Image,
		now,
	)

	var u User
	err := row.Scan(&u.Id, &u.Name, &u.Image, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (db *PgChatRepository) IsConversationMember(conversationId, userId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)",
		conversationId,
		userId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}

	return exists, nil
}

// MessageConversationId returns sql.ErrNoRows if the message does not exist.
func (db *PgChatRepository) MessageConversationId(messageId string) (string, error) {
	var conversationId string
	err := db.conn.QueryRow("SELECT conversation_id FROM messages WHERE id = $1", messageId).Scan(&conversationId)
	return conversationId, err
}

// CreateMessage stores the message, bumps the conversation and returns the
// message expanded with its sender and reply target.
func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO messages (id, conversation_id, sender_id, content, message_type, reply_to_id, client_msg_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)",
		params.Id,
		params.ConversationId,
		params.SenderId,
		params.Content,
		params.MessageType,
		nullString(params.ReplyToId),
		nullString(params.ClientMsgId),
		now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.Exec("UPDATE conversations SET updated_at = $2 WHERE id = $1", params.ConversationId, now)
	if err != nil {
		return Message{}, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return db.GetMessage(params.Id)
}

func (db *PgChatRepository) GetMessage(id string) (Message, error) {
	msg, err := scanMessage(db.conn.QueryRow(selectMessageQuery+"WHERE m.id = $1", id))
	if err != nil {
		return Message{}, err
	}

	if msg.ReplyToId.Valid {
		reply, err := scanMessage(db.conn.QueryRow(selectMessageQuery+"WHERE m.id = $1", msg.ReplyToId.String))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("failed to get reply target: %w", err)
		}
		if err == nil {
			msg.ReplyTo = &reply
		}
	}

	messages := []Message{msg}
	if err := db.expand(messages); err != nil {
		return Message{}, err
	}

	return messages[0], nil
}

// GetMessages returns up to limit messages created before the given time,
// oldest first. A zero before means now.
func (db *PgChatRepository) GetMessages(conversationId string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	limit = min(limit, maxMessageLimit)
	if before.IsZero() {
		before = time.Now().UTC()
	}

	rows, err := db.conn.Query(
		selectMessageQuery+"WHERE m.conversation_id = $1 AND m.created_at < $2 ORDER BY m.created_at DESC LIMIT $3",
		conversationId,
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	slices.Reverse(messages)
	if err := db.expand(messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// expand loads the reactions and attachments of messages in place.
func (db *PgChatRepository) expand(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, len(messages))
	index := make(map[string]int, len(messages))
	for i, m := range messages {
		ids[i] = m.Id
		index[m.Id] = i
		messages[i].Reactions = []Reaction{}
		messages[i].Attachments = []Attachment{}
	}

	rows, err := db.conn.Query(
		"SELECT "+reactionColumns+" FROM message_reactions r "+
			"JOIN messages m ON m.id = r.message_id JOIN users u ON u.id = r.user_id "+
			"WHERE r.message_id = ANY($1) ORDER BY r.created_at",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to query reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return fmt.Errorf("failed to scan reaction: %w", err)
		}
		i := index[r.MessageId]
		messages[i].Reactions = append(messages[i].Reactions, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	attRows, err := db.conn.Query(
		"SELECT id, message_id, file_name, file_url, file_type, file_size, created_at FROM message_attachments "+
			"WHERE message_id = ANY($1) ORDER BY created_at",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer attRows.Close()

	for attRows.Next() {
		var a Attachment
		if err := attRows.Scan(&a.Id, &a.MessageId, &a.FileName, &a.FileUrl, &a.FileType, &a.FileSize, &a.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		i := index[a.MessageId]
		messages[i].Attachments = append(messages[i].Attachments, a)
	}

	return attRows.Err()
}

// CreateReaction returns ErrDuplicate if the user already reacted to the
// message with the same emoji.
func (db *PgChatRepository) CreateReaction(params ReactionParams) (Reaction, error) {
	row := db.conn.QueryRow(
		"WITH r AS ("+
			"INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, message_id, user_id, emoji, created_at) "+
			"SELECT "+reactionColumns+" FROM r JOIN messages m ON m.id = r.message_id JOIN users u ON u.id = r.user_id",
		params.Id,
		params.MessageId,
		params.UserId,
		params.Emoji,
		time.Now().UTC(),
	)

	r, err := scanReaction(row)
	if isUniqueViolation(err) {
		return Reaction{}, ErrDuplicate
	}
	return r, err
}

// DeleteReaction returns sql.ErrNoRows if there was nothing to remove.
func (db *PgChatRepository) DeleteReaction(params ReactionParams) (Reaction, error) {
	row := db.conn.QueryRow(
		"WITH r AS ("+
			"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3 "+
			"RETURNING id, message_id, user_id, emoji, created_at) "+
			"SELECT "+reactionColumns+" FROM r JOIN messages m ON m.id = r.message_id JOIN users u ON u.id = r.user_id",
		params.MessageId,
		params.UserId,
		params.Emoji,
	)

	return scanReaction(row)
}
