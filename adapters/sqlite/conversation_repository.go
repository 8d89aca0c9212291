package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

// ConversationRepository is a SQLite-backed store of conversations and their messages
type ConversationRepository struct {
	db     *sql.DB
	logger *zap.Logger
	clock  func() time.Time
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// Open creates the database file if needed and initializes the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*ConversationRepository, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	r := &ConversationRepository{db: db, logger: logger, clock: time.Now}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Conversation store opened", zap.String("path", path))
	return r, nil
}

func (r *ConversationRepository) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    display_name TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (r *ConversationRepository) Close() error {
	return r.db.Close()
}

// GetOrCreateConversation implements repositories.ConversationRepository
func (r *ConversationRepository) GetOrCreateConversation(ctx context.Context, id, displayName string) (*entities.Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	now := r.clock().UTC().UnixMilli()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations(id, display_name, created_at, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}

	var (
		conv               entities.Conversation
		name               sql.NullString
		created, updatedAt int64
	)
	err = r.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &name, &created, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.DisplayName = name.String
	conv.CreatedAt = time.UnixMilli(created).UTC()
	conv.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &conv, nil
}

// AppendMessage implements repositories.ConversationRepository
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *entities.Message) error {
	return r.AppendMessages(ctx, msg)
}

// AppendMessages implements repositories.ConversationRepository. Either every
// message is stored or none is.
func (r *ConversationRepository) AppendMessages(ctx context.Context, msgs ...*entities.Message) error {
	now := r.clock().UTC()
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return err
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(msgs))
	for i, msg := range msgs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(conversation_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		ids[i], _ = res.LastInsertId()

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			msg.CreatedAt.UnixMilli(), msg.ConversationID); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}

	for i, msg := range msgs {
		msg.ID = ids[i]
	}
	return nil
}

// GetRecentMessages implements repositories.ConversationRepository
func (r *ConversationRepository) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []entities.Message
	for rows.Next() {
		var (
			m       entities.Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = entities.Role(role)
		m.CreatedAt = time.UnixMilli(created).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
