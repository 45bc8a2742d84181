// Package pg is the managed-mode store engine over PostgreSQL. The schema
// is owned by golang-migrate (migrations/postgres, `nanoclaw migrate up`);
// this package assumes it is applied.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Store implements store.Store over PostgreSQL.
type Store struct {
	db *sql.DB
}

// New connects and pings. DSN comes from the environment only.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) RegisterGroup(ctx context.Context, g store.RegisteredGroup) error {
	var cc any
	if g.Container != nil {
		b, err := json.Marshal(g.Container)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		cc = string(b)
	}
	var reqTrig any
	if g.RequiresTrigger != nil {
		reqTrig = *g.RequiresTrigger
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, name, folder, server_folder, trigger_pattern, requires_trigger, added_at, backend, container_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (jid) DO UPDATE SET
			name = EXCLUDED.name,
			folder = EXCLUDED.folder,
			server_folder = EXCLUDED.server_folder,
			trigger_pattern = EXCLUDED.trigger_pattern,
			requires_trigger = EXCLUDED.requires_trigger,
			backend = EXCLUDED.backend,
			container_config = EXCLUDED.container_config`,
		g.JID, g.Name, g.Folder, g.ServerFolder, g.TriggerPattern, reqTrig, g.AddedAt.UTC(), g.Backend, cc)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

const groupCols = `jid, name, folder, server_folder, trigger_pattern, requires_trigger, added_at, backend, container_config`

func scanGroup(row interface{ Scan(...any) error }) (*store.RegisteredGroup, error) {
	var g store.RegisteredGroup
	var reqTrig sql.NullBool
	var cc sql.NullString
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.ServerFolder, &g.TriggerPattern, &reqTrig, &g.AddedAt, &g.Backend, &cc); err != nil {
		return nil, err
	}
	if reqTrig.Valid {
		v := reqTrig.Bool
		g.RequiresTrigger = &v
	}
	if cc.Valid && cc.String != "" {
		var over store.ContainerOverrides
		if err := json.Unmarshal([]byte(cc.String), &over); err != nil {
			return nil, fmt.Errorf("parse container config: %w", err)
		}
		g.Container = &over
	}
	return &g, nil
}

func (s *Store) GroupByJID(ctx context.Context, jid string) (*store.RegisteredGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupCols+` FROM groups WHERE jid = $1`, jid))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("group by jid: %w", err)
	}
	return g, nil
}

func (s *Store) GroupByFolder(ctx context.Context, folder string) (*store.RegisteredGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupCols+` FROM groups WHERE folder = $1`, folder))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("group by folder: %w", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]store.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupCols+` FROM groups ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []store.RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *Store) RenameGroup(ctx context.Context, jid, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET name = $1 WHERE jid = $2`, name, jid)
	if err != nil {
		return fmt.Errorf("rename group: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteGroup(ctx context.Context, jid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = $1`, jid)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) InsertMessage(ctx context.Context, m store.Message) error {
	var srcTS any
	if m.SourceTimestamp != nil {
		srcTS = *m.SourceTimestamp
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_jid, id, sender, sender_name, content, timestamp, source_timestamp, is_from_me, is_bot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chat_jid, id) DO NOTHING`,
		m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, m.Timestamp.UTC(), srcTS, m.IsFromMe, m.IsBot)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageCols = `chat_jid, id, sender, sender_name, content, timestamp, source_timestamp, is_from_me, is_bot`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	var src sql.NullFloat64
	if err := row.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &src, &m.IsFromMe, &m.IsBot); err != nil {
		return m, err
	}
	if src.Valid {
		v := src.Float64
		m.SourceTimestamp = &v
	}
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, chatJID string, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE chat_jid = $1 ORDER BY timestamp DESC LIMIT $2`, chatJID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) MessagesSince(ctx context.Context, chatJID string, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE chat_jid = $1 AND timestamp > $2 ORDER BY timestamp`, chatJID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Cursor(ctx context.Context, chatJID string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_processed FROM cursors WHERE chat_jid = $1`, chatJID).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: %w", err)
	}
	return t, nil
}

func (s *Store) SetCursor(ctx context.Context, chatJID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (chat_jid, last_processed) VALUES ($1, $2)
		ON CONFLICT (chat_jid) DO UPDATE SET last_processed = EXCLUDED.last_processed`,
		chatJID, t.UTC())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *Store) SessionID(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE group_folder = $1`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return id, nil
}

func (s *Store) SetSessionID(ctx context.Context, folder, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (group_folder) DO UPDATE SET session_id = EXCLUDED.session_id, updated_at = now()`,
		folder, id)
	if err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

func (s *Store) UpsertChat(ctx context.Context, c store.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, channel, is_group, last_message_time) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name != '' THEN EXCLUDED.name ELSE chats.name END,
			channel = EXCLUDED.channel,
			is_group = EXCLUDED.is_group,
			last_message_time = EXCLUDED.last_message_time`,
		c.JID, c.Name, c.Channel, c.IsGroup, c.LastMessageTime.UTC())
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context) ([]store.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jid, name, channel, is_group, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.Channel, &c.IsGroup, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t store.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, chat_jid, group_folder, prompt, schedule, status, created_at, last_run, next_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.ChatJID, t.GroupFolder, t.Prompt, t.Schedule, t.Status, t.CreatedAt.UTC(), nullTime(t.LastRun), nullTime(t.NextRun))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskCols = `id, chat_jid, group_folder, prompt, schedule, status, created_at, last_run, next_run`

func scanTask(row interface{ Scan(...any) error }) (store.ScheduledTask, error) {
	var t store.ScheduledTask
	var last, next sql.NullTime
	if err := row.Scan(&t.ID, &t.ChatJID, &t.GroupFolder, &t.Prompt, &t.Schedule, &t.Status, &t.CreatedAt, &last, &next); err != nil {
		return t, err
	}
	if last.Valid {
		v := last.Time
		t.LastRun = &v
	}
	if next.Valid {
		v := next.Time
		t.NextRun = &v
	}
	return t, nil
}

func (s *Store) TaskByID(ctx context.Context, id string) (*store.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM scheduled_tasks WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task by id: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, folder string) ([]store.ScheduledTask, error) {
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks ORDER BY created_at`
	args := []any{}
	if folder != "" {
		q = `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE group_folder = $1 ORDER BY created_at`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) MarkTaskRun(ctx context.Context, id string, last time.Time, next *time.Time) error {
	status := store.TaskStatusActive
	if next == nil {
		status = store.TaskStatusDone
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET last_run = $1, next_run = $2, status = $3 WHERE id = $4`,
		last.UTC(), nullTime(next), status, id)
	if err != nil {
		return fmt.Errorf("mark task run: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM scheduled_tasks
		WHERE status = $1 AND next_run IS NOT NULL AND next_run <= $2
		ORDER BY next_run`, store.TaskStatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]store.ScheduledTask, error) {
	var out []store.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
