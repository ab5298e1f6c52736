package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GetOrCreateConversation resolves the conversation row for a canonicalized
// conversation id, creating it on first contact. The unique constraint on
// conversation_id makes the create race-safe across concurrent consumers.
func (r *Repository) GetOrCreateConversation(ctx context.Context, conversationID, participant1, participant2 string) (*Conversation, error) {
	insert := `
		INSERT INTO relay_conversations (conversation_id, participant1_address, participant2_address)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO NOTHING
	`

	if _, err := r.db.Pool().Exec(ctx, insert, conversationID, participant1, participant2); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	query := `
		SELECT id, conversation_id, participant1_address, participant2_address,
			last_message_at, created_at
		FROM relay_conversations
		WHERE conversation_id = $1
	`

	var conv Conversation
	err := r.db.Pool().QueryRow(ctx, query, conversationID).Scan(
		&conv.ID,
		&conv.ConversationID,
		&conv.Participant1,
		&conv.Participant2,
		&conv.LastMessageAt,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return &conv, nil
}

// GetConversation fetches a conversation by its canonical id.
func (r *Repository) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	query := `
		SELECT id, conversation_id, participant1_address, participant2_address,
			last_message_at, created_at
		FROM relay_conversations
		WHERE conversation_id = $1
	`

	var conv Conversation
	err := r.db.Pool().QueryRow(ctx, query, conversationID).Scan(
		&conv.ID,
		&conv.ConversationID,
		&conv.Participant1,
		&conv.Participant2,
		&conv.LastMessageAt,
		&conv.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("conversation not found: %s", conversationID)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	return &conv, nil
}

// InsertMessage persists an encrypted message and bumps the conversation's
// last_message_at in one transaction. Returns false when the source id was
// already stored (broker redelivery).
func (r *Repository) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO relay_messages (
			id, source_id, conversation_id, sender_address, recipient_address,
			ciphertext, nonce
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_id) DO NOTHING
	`

	tag, err := tx.Exec(ctx, insert,
		msg.ID,
		msg.SourceID,
		msg.ConversationID,
		msg.Sender,
		msg.Recipient,
		msg.Ciphertext,
		msg.Nonce,
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Replay: nothing persisted, nothing to bump.
		return false, nil
	}

	touch := `
		UPDATE relay_conversations
		SET last_message_at = NOW()
		WHERE conversation_id = $1
	`
	if _, err := tx.Exec(ctx, touch, msg.ConversationID); err != nil {
		return false, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("message persisted",
		zap.String("message_id", msg.ID.String()),
		zap.Int64("source_id", msg.SourceID),
		zap.String("conversation_id", msg.ConversationID),
	)

	return true, nil
}

// ListMessages retrieves a conversation's messages newest first. Content
// comes back as ciphertext; decryption happens in the read path after the
// caller's participation has been verified.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	query := `
		SELECT id, source_id, conversation_id, sender_address, recipient_address,
			ciphertext, nonce, created_at
		FROM relay_messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID,
			&msg.SourceID,
			&msg.ConversationID,
			&msg.Sender,
			&msg.Recipient,
			&msg.Ciphertext,
			&msg.Nonce,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// ListConversations retrieves conversations a user participates in, most
// recently active first.
func (r *Repository) ListConversations(ctx context.Context, userAddress string, limit, offset int) ([]*Conversation, error) {
	query := `
		SELECT id, conversation_id, participant1_address, participant2_address,
			last_message_at, created_at
		FROM relay_conversations
		WHERE participant1_address = $1 OR participant2_address = $1
		ORDER BY last_message_at DESC NULLS LAST
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userAddress, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		err := rows.Scan(
			&conv.ID,
			&conv.ConversationID,
			&conv.Participant1,
			&conv.Participant2,
			&conv.LastMessageAt,
			&conv.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return conversations, nil
}
