package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"command_center/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	sent_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_type ON commands(type, seq);
CREATE INDEX IF NOT EXISTS idx_commands_source ON commands(source, seq);
CREATE INDEX IF NOT EXISTS idx_commands_target ON commands(target, seq);

CREATE TABLE IF NOT EXISTS bus_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_events_type ON bus_events(type, id);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_task ON decision_log(task_id, id);

CREATE TABLE IF NOT EXISTS file_change_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	path TEXT NOT NULL,
	allowed INTEGER NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_change_log_agent ON file_change_log(agent_id, id);
`

const defaultListLimit = 300

// Store is the audit journal: an append-only record of bus traffic,
// coordinator decisions and workspace file changes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// AppendCommand records a command envelope. Re-recording the same id is a no-op.
func (s *Store) AppendCommand(ctx context.Context, cmd domain.Command) error {
	payload := string(cmd.Payload)
	if payload == "" {
		payload = "{}"
	}
	sentAt := cmd.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO commands(id, type, source, target, priority, payload, sent_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, string(cmd.Type), cmd.Source, cmd.Target, cmd.Priority, payload, sentAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

type CommandQuery struct {
	Type domain.CommandType
	// AgentID matches either the source or the target.
	AgentID string
	Limit   int
}

// ListCommands returns recorded commands, newest first.
func (s *Store) ListCommands(ctx context.Context, q CommandQuery) ([]domain.Command, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var where []string
	var args []any
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.AgentID != "" {
		where = append(where, "(source = ? OR target = ?)")
		args = append(args, q.AgentID, q.AgentID)
	}
	query := `SELECT id, type, source, target, priority, payload, sent_at FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Command, 0)
	for rows.Next() {
		var item domain.Command
		var kind, payload string
		var sentAt int64
		if err := rows.Scan(&item.ID, &kind, &item.Source, &item.Target, &item.Priority, &payload, &sentAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		item.Type = domain.CommandType(kind)
		item.Payload = []byte(payload)
		item.Timestamp = unixMilliToTime(sentAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return result, nil
}

func (s *Store) AppendEvent(ctx context.Context, rec domain.BusEventRecord) error {
	detail := string(rec.Detail)
	if detail == "" {
		detail = "{}"
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO bus_events(type, agent_id, detail, created_at) VALUES(?, ?, ?, ?)`,
		string(rec.Type), rec.AgentID, detail, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns recorded bus events, newest first. An empty type
// matches every event.
func (s *Store) ListEvents(ctx context.Context, eventType domain.EventType, limit int) ([]domain.BusEventRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, type, agent_id, detail, created_at FROM bus_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BusEventRecord, 0)
	for rows.Next() {
		var item domain.BusEventRecord
		var kind, detail string
		var createdAt int64
		if err := rows.Scan(&item.ID, &kind, &item.AgentID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Type = domain.EventType(kind)
		item.Detail = []byte(detail)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(task_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Actor, entry.Action, entry.Reason, payload, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns decisions newest first, for one task or for all
// when taskID is empty.
func (s *Store) ListDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, task_id, actor, action, reason, payload, created_at FROM decision_log`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) LogFileChange(ctx context.Context, entry domain.FileChangeLog) error {
	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO file_change_log(agent_id, operation, path, allowed, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.AgentID, string(entry.Operation), entry.Path, allowed, entry.Reason, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log file change: %w", err)
	}
	return nil
}

func (s *Store) ListFileChanges(ctx context.Context, agentID string, limit int) ([]domain.FileChangeLog, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, agent_id, operation, path, allowed, reason, created_at FROM file_change_log`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file changes: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FileChangeLog, 0)
	for rows.Next() {
		var item domain.FileChangeLog
		var op string
		var allowed int
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.AgentID, &op, &item.Path, &allowed, &item.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		item.Operation = domain.FileOperation(op)
		item.Allowed = allowed == 1
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file changes: %w", err)
	}
	return result, nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
