package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

const (
	titleMaxRunes       = 50
	defaultTitle        = "New Conversation"
	DefaultListLimit    = 50
	connectPingTimeout  = 5 * time.Second
	defaultMaxPoolConns = 10
)

// Connect creates a pgx pool for the history database and pings it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history database URL: %w", err)
	}
	if poolCfg.MaxConns == 0 || poolCfg.MaxConns > defaultMaxPoolConns {
		poolCfg.MaxConns = defaultMaxPoolConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create history pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	return pool, nil
}

// PostgresRepository implements workflow.ConversationStore on PostgreSQL.
type PostgresRepository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(log *slog.Logger, pool *pgxpool.Pool) *PostgresRepository {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &PostgresRepository{log: log, pool: pool}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) ConversationExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO conversations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// SaveMessage appends a message and bumps the conversation's updated_at in
// one transaction.
func (r *PostgresRepository) SaveMessage(ctx context.Context, conversationID, role, content string, extras *workflow.MessageExtras) error {
	var extrasJSON []byte
	if extras != nil {
		var err error
		if extrasJSON, err = json.Marshal(extras); err != nil {
			return fmt.Errorf("failed to encode message extras: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, content, extras)
		VALUES ($1, $2, $3, $4)
	`, conversationID, role, content, extrasJSON); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, conversationID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit most recent messages in chronological
// order. A limit of zero or less returns all messages.
func (r *PostgresRepository) GetMessages(ctx context.Context, conversationID string, limit int) ([]workflow.Message, error) {
	query := `
		SELECT id, role, content, extras, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY id DESC
	`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessage(row pgx.CollectableRow) (workflow.Message, error) {
	var (
		m          workflow.Message
		extrasJSON []byte
	)
	if err := row.Scan(&m.ID, &m.Role, &m.Content, &extrasJSON, &m.CreatedAt); err != nil {
		return m, err
	}
	if len(extrasJSON) > 0 {
		m.Extras = &workflow.MessageExtras{}
		if err := json.Unmarshal(extrasJSON, m.Extras); err != nil {
			return m, fmt.Errorf("failed to decode message extras: %w", err)
		}
	}
	return m, nil
}

func (r *PostgresRepository) SaveQueryRecord(ctx context.Context, rec workflow.QueryRecord) error {
	var conversationID *string
	if rec.ConversationID != "" {
		conversationID = &rec.ConversationID
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO query_history
			(conversation_id, question, intent, generated_sql, success, row_count, retry_count, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, conversationID, rec.Question, string(rec.Intent), rec.SQL, rec.Success, rec.RowCount, rec.RetryCount, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to save query record: %w", err)
	}
	return nil
}

// GetSuccessfulQueries returns the most recent successful queries, newest
// first, skipping excludeConversationID when it is non-empty.
func (r *PostgresRepository) GetSuccessfulQueries(ctx context.Context, limit int, excludeConversationID string) ([]workflow.QueryRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(conversation_id, ''), question, COALESCE(intent, ''), generated_sql,
		       row_count, retry_count, created_at
		FROM query_history
		WHERE success
		  AND ($2 = '' OR conversation_id IS NULL OR conversation_id <> $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit, excludeConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query successful queries: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.QueryRecord, error) {
		var (
			rec    workflow.QueryRecord
			intent string
		)
		err := row.Scan(&rec.ConversationID, &rec.Question, &intent, &rec.SQL, &rec.RowCount, &rec.RetryCount, &rec.CreatedAt)
		rec.Intent = workflow.Intent(intent)
		rec.Success = true
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan successful queries: %w", err)
	}
	return recs, nil
}

// ListConversations returns conversation summaries, most recently updated first.
func (r *PostgresRepository) ListConversations(ctx context.Context, limit int) ([]workflow.Conversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.created_at, c.updated_at,
		       (SELECT m.content FROM conversation_messages m
		        WHERE m.conversation_id = c.id AND m.role = 'user'
		        ORDER BY m.id ASC LIMIT 1)
		FROM conversations c
		ORDER BY c.updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (workflow.Conversation, error) {
		var (
			c     workflow.Conversation
			first *string
		)
		err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &first)
		c.Title = Title(first)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversations: %w", err)
	}
	return convs, nil
}

// GetConversation returns a conversation with all of its messages, or
// workflow.ErrConversationNotFound.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*workflow.Conversation, error) {
	c := &workflow.Conversation{ID: id}
	err := r.pool.QueryRow(ctx, `SELECT created_at, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, workflow.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	msgs, err := r.GetMessages(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	c.Messages = msgs

	var firstUser *string
	for _, m := range msgs {
		if m.Role == workflow.RoleUser {
			firstUser = &m.Content
			break
		}
	}
	c.Title = Title(firstUser)
	return c, nil
}

// Title derives a conversation title from its first user message.
func Title(firstUserMessage *string) string {
	if firstUserMessage == nil {
		return defaultTitle
	}
	runes := []rune(*firstUserMessage)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + "..."
	}
	return *firstUserMessage
}
