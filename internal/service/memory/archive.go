package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/luoxiaohei/rolechat/internal/model/chat"
)

const archiveSchema = `CREATE TABLE IF NOT EXISTS message_history (
	message_id text PRIMARY KEY,
	session_id text NOT NULL,
	role       text NOT NULL,
	content    text NOT NULL,
	user_id    text,
	user_name  text,
	role_id    text,
	role_name  text,
	emotion    text,
	action     text,
	created_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_history_session
	ON message_history (session_id, created_at)`

const insertEntrySQL = `INSERT INTO message_history
	(message_id, session_id, role, content, user_id, user_name, role_id, role_name, emotion, action, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (message_id) DO NOTHING`

const historySQL = `SELECT message_id, session_id, role, content,
	COALESCE(user_id, ''), COALESCE(user_name, ''), COALESCE(role_id, ''),
	COALESCE(role_name, ''), COALESCE(emotion, ''), COALESCE(action, ''), created_at
	FROM message_history
	WHERE session_id = $1
	ORDER BY created_at ASC
	LIMIT $2`

// PgArchive 用 PostgreSQL 实现冷端归档。
type PgArchive struct {
	pool *pgxpool.Pool
}

// NewPgArchive 连接归档库并确保表结构存在。
func NewPgArchive(ctx context.Context, dsn string) (*PgArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect archive: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}

	if _, err := pool.Exec(ctx, archiveSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}

	return &PgArchive{pool: pool}, nil
}

// Insert 归档一条记录，按 message_id 幂等。
func (a *PgArchive) Insert(ctx context.Context, entry chat.Entry) error {
	_, err := a.pool.Exec(ctx, insertEntrySQL,
		entry.MessageID, entry.SessionID, entry.Role, entry.Content,
		nullable(entry.UserID), nullable(entry.UserName),
		nullable(entry.RoleID), nullable(entry.RoleName),
		nullable(entry.Emotion), nullable(entry.Action),
		entry.Timestamp,
	)
	return err
}

// History 按时间升序返回会话的归档记录。
func (a *PgArchive) History(ctx context.Context, sessionID string, limit int) ([]chat.Entry, error) {
	rows, err := a.pool.Query(ctx, historySQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []chat.Entry
	for rows.Next() {
		var e chat.Entry
		if err := rows.Scan(&e.MessageID, &e.SessionID, &e.Role, &e.Content,
			&e.UserID, &e.UserName, &e.RoleID, &e.RoleName,
			&e.Emotion, &e.Action, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close 释放连接池。
func (a *PgArchive) Close() {
	a.pool.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
