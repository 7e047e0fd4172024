package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatpad/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);`

type Database struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath))
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateConversation(ctx context.Context, title, systemPrompt string) (*models.Conversation, error) {
	now := db.now()
	conv := &models.Conversation{
		Title:        title,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query := `
        INSERT INTO conversations (title, system_prompt, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        RETURNING id`

	err := db.db.QueryRowContext(ctx, query, title, systemPrompt, now, now).Scan(&conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *Database) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	query := `
        SELECT id, title, system_prompt, created_at, updated_at
        FROM conversations
        WHERE id = ?`

	var conv models.Conversation
	err := db.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns all conversations, most recently active first.
// Ties on updated_at break on id so the ordering is stable.
func (db *Database) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	query := `
        SELECT c.id, c.title, c.system_prompt, c.created_at, c.updated_at,
               COUNT(m.id) AS message_count
        FROM conversations c
        LEFT JOIN messages m ON m.conversation_id = c.id
        GROUP BY c.id
        ORDER BY c.updated_at DESC, c.id DESC`

	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.Title, &conv.SystemPrompt,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.MessageCount)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateConversation applies a partial update; nil fields are left untouched.
func (db *Database) UpdateConversation(ctx context.Context, id int64, title, systemPrompt *string) error {
	query := `
        UPDATE conversations
        SET title = COALESCE(?, title),
            system_prompt = COALESCE(?, system_prompt),
            updated_at = ?
        WHERE id = ?`

	result, err := db.db.ExecContext(ctx, query, title, systemPrompt, db.now(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *Database) DeleteConversation(ctx context.Context, id int64) error {
	// ON DELETE CASCADE removes the conversation's messages.
	result, err := db.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores a message at the next position of the conversation
// and bumps the conversation's updated_at in the same transaction.
func (db *Database) AppendMessage(ctx context.Context, convID int64, role, content string) (*models.Message, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := convExists(ctx, tx, convID); err != nil {
		return nil, err
	}

	now := db.now()
	msg := &models.Message{
		ConvID:    convID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}

	query := `
        INSERT INTO messages (conversation_id, role, content, created_at)
        VALUES (?, ?, ?, ?)
        RETURNING id`

	if err := tx.QueryRowContext(ctx, query, convID, role, content, now).Scan(&msg.ID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, convID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *Database) ListMessages(ctx context.Context, convID int64) ([]models.Message, error) {
	if err := convExists(ctx, db.db, convID); err != nil {
		return nil, err
	}

	query := `
        SELECT id, conversation_id, role, content, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY id ASC`

	rows, err := db.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(&msg.ID, &msg.ConvID, &msg.Role, &msg.Content, &msg.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// TruncateMessages deletes all but the conversation's first keep messages in
// a single transaction, so a concurrent reader sees either the full
// transcript or the truncated one. Deleted ids are never reused.
func (db *Database) TruncateMessages(ctx context.Context, convID int64, keep int) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := convExists(ctx, tx, convID); err != nil {
		return err
	}

	if keep <= 0 {
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", convID)
	} else {
		// Find the id of the keep-th message; everything past it goes.
		var cut int64
		row := tx.QueryRowContext(ctx, `
            SELECT id FROM messages
            WHERE conversation_id = ?
            ORDER BY id ASC
            LIMIT 1 OFFSET ?`, convID, keep-1)
		switch scanErr := row.Scan(&cut); {
		case errors.Is(scanErr, sql.ErrNoRows):
			// Fewer than keep messages; nothing to truncate.
			return tx.Commit()
		case scanErr != nil:
			return scanErr
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ? AND id > ?", convID, cut)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", db.now(), convID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceMessages swaps the conversation's entire transcript for msgs in one
// transaction.
func (db *Database) ReplaceMessages(ctx context.Context, convID int64, msgs []models.ChatMessage) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := convExists(ctx, tx, convID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", convID); err != nil {
		return err
	}

	now := db.now()
	for _, msg := range msgs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO messages (conversation_id, role, content, created_at)
            VALUES (?, ?, ?, ?)`, convID, msg.Role, msg.Content, now)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, convID); err != nil {
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func convExists(ctx context.Context, q querier, convID int64) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", convID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
