// Package sqlite is the default store engine, a single-file database via
// the pure-Go modernc driver. The schema is applied at open; migrations are
// only needed for the managed PostgreSQL engine.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	jid              TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	folder           TEXT NOT NULL UNIQUE,
	server_folder    TEXT NOT NULL DEFAULT '',
	trigger_pattern  TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER,
	added_at         TEXT NOT NULL,
	backend          TEXT NOT NULL DEFAULT '',
	container_config TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	chat_jid         TEXT NOT NULL,
	id               TEXT NOT NULL,
	sender           TEXT NOT NULL DEFAULT '',
	sender_name      TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	timestamp        TEXT NOT NULL,
	source_timestamp REAL,
	is_from_me       INTEGER NOT NULL DEFAULT 0,
	is_bot           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_jid, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_jid, timestamp);
CREATE TABLE IF NOT EXISTS cursors (
	chat_jid       TEXT PRIMARY KEY,
	last_processed TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	jid               TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	channel           TEXT NOT NULL DEFAULT '',
	is_group          INTEGER NOT NULL DEFAULT 0,
	last_message_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id           TEXT PRIMARY KEY,
	chat_jid     TEXT NOT NULL,
	group_folder TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	schedule     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active',
	created_at   TEXT NOT NULL,
	last_run     TEXT,
	next_run     TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);
`

// Store implements store.Store over a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. WAL keeps readers unblocked during writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc/sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

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
		reqTrig = boolInt(*g.RequiresTrigger)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, name, folder, server_folder, trigger_pattern, requires_trigger, added_at, backend, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			server_folder = excluded.server_folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			backend = excluded.backend,
			container_config = excluded.container_config`,
		g.JID, g.Name, g.Folder, g.ServerFolder, g.TriggerPattern, reqTrig, fmtTime(g.AddedAt), g.Backend, cc)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

const groupCols = `jid, name, folder, server_folder, trigger_pattern, requires_trigger, added_at, backend, container_config`

func scanGroup(row interface{ Scan(...any) error }) (*store.RegisteredGroup, error) {
	var g store.RegisteredGroup
	var reqTrig sql.NullInt64
	var added string
	var cc sql.NullString
	if err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.ServerFolder, &g.TriggerPattern, &reqTrig, &added, &g.Backend, &cc); err != nil {
		return nil, err
	}
	if reqTrig.Valid {
		v := reqTrig.Int64 != 0
		g.RequiresTrigger = &v
	}
	t, err := parseTime(added)
	if err != nil {
		return nil, fmt.Errorf("parse added_at: %w", err)
	}
	g.AddedAt = t
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
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupCols+` FROM groups WHERE jid = ?`, jid))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("group by jid: %w", err)
	}
	return g, nil
}

func (s *Store) GroupByFolder(ctx context.Context, folder string) (*store.RegisteredGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupCols+` FROM groups WHERE folder = ?`, folder))
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
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET name = ? WHERE jid = ?`, name, jid)
	if err != nil {
		return fmt.Errorf("rename group: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteGroup(ctx context.Context, jid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = ?`, jid)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_jid, id) DO NOTHING`,
		m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, fmtTime(m.Timestamp), srcTS, boolInt(m.IsFromMe), boolInt(m.IsBot))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageCols = `chat_jid, id, sender, sender_name, content, timestamp, source_timestamp, is_from_me, is_bot`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	var ts string
	var src sql.NullFloat64
	var fromMe, isBot int
	if err := row.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &ts, &src, &fromMe, &isBot); err != nil {
		return m, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return m, fmt.Errorf("parse timestamp: %w", err)
	}
	m.Timestamp = t
	if src.Valid {
		v := src.Float64
		m.SourceTimestamp = &v
	}
	m.IsFromMe = fromMe != 0
	m.IsBot = isBot != 0
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, chatJID string, limit int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE chat_jid = ? ORDER BY timestamp DESC LIMIT ?`, chatJID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *Store) MessagesSince(ctx context.Context, chatJID string, since time.Time) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE chat_jid = ? AND timestamp > ? ORDER BY timestamp`, chatJID, fmtTime(since))
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
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT last_processed FROM cursors WHERE chat_jid = ?`, chatJID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor: %w", err)
	}
	return parseTime(ts)
}

func (s *Store) SetCursor(ctx context.Context, chatJID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (chat_jid, last_processed) VALUES (?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET last_processed = excluded.last_processed`,
		chatJID, fmtTime(t))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *Store) SessionID(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE group_folder = ?`, folder).Scan(&id)
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
		INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, id, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set session id: %w", err)
	}
	return nil
}

func (s *Store) UpsertChat(ctx context.Context, c store.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, channel, is_group, last_message_time) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel = excluded.channel,
			is_group = excluded.is_group,
			last_message_time = excluded.last_message_time`,
		c.JID, c.Name, c.Channel, boolInt(c.IsGroup), fmtTime(c.LastMessageTime))
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
		var isGroup int
		var last string
		if err := rows.Scan(&c.JID, &c.Name, &c.Channel, &isGroup, &last); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		t, err := parseTime(last)
		if err != nil {
			return nil, err
		}
		c.LastMessageTime = t
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t store.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, chat_jid, group_folder, prompt, schedule, status, created_at, last_run, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChatJID, t.GroupFolder, t.Prompt, t.Schedule, t.Status, fmtTime(t.CreatedAt), nullTime(t.LastRun), nullTime(t.NextRun))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskCols = `id, chat_jid, group_folder, prompt, schedule, status, created_at, last_run, next_run`

func scanTask(row interface{ Scan(...any) error }) (store.ScheduledTask, error) {
	var t store.ScheduledTask
	var created string
	var last, next sql.NullString
	if err := row.Scan(&t.ID, &t.ChatJID, &t.GroupFolder, &t.Prompt, &t.Schedule, &t.Status, &created, &last, &next); err != nil {
		return t, err
	}
	ct, err := parseTime(created)
	if err != nil {
		return t, err
	}
	t.CreatedAt = ct
	if last.Valid {
		lt, err := parseTime(last.String)
		if err != nil {
			return t, err
		}
		t.LastRun = &lt
	}
	if next.Valid {
		nt, err := parseTime(next.String)
		if err != nil {
			return t, err
		}
		t.NextRun = &nt
	}
	return t, nil
}

func (s *Store) TaskByID(ctx context.Context, id string) (*store.ScheduledTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM scheduled_tasks WHERE id = ?`, id))
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
		q = `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at`
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
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
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
		UPDATE scheduled_tasks SET last_run = ?, next_run = ?, status = ? WHERE id = ?`,
		fmtTime(last), nullTime(next), status, id)
	if err != nil {
		return fmt.Errorf("mark task run: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskCols+` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, store.TaskStatusActive, fmtTime(now))
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
