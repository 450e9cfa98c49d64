// Package eventstore is the durable, SQLite-backed event log (§3
// "Event Log", §4.6 "Event Store"): one thread per streaming element,
// cumulative messages, tool executions, thinking traces, and the raw
// append-only event feed used for replay.
package eventstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store serializes all writes behind a single mutex, matching the
// "single writer per instance" concurrency note in §4.6: the
// broadcaster and multiple task runners all write concurrently, but
// sqlite3's driver does not tolerate concurrent writers on one
// connection, and we'd rather serialize explicitly than rely on
// SQLITE_BUSY retries.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the event store database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // enforce single-writer discipline at the pool level

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS threads (
		thread_id  TEXT PRIMARY KEY,
		element_id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id          TEXT PRIMARY KEY,
		thread_id           TEXT NOT NULL,
		role                TEXT NOT NULL,
		content             TEXT NOT NULL,
		status              TEXT NOT NULL,
		timestamp           TEXT NOT NULL,
		cancellation_reason TEXT,
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, timestamp);

	CREATE TABLE IF NOT EXISTS tool_executions (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL,
		tool_name  TEXT NOT NULL,
		args       TEXT NOT NULL,
		result     TEXT,
		status     TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time   TEXT,
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tools_thread ON tool_executions(thread_id, start_time);

	CREATE TABLE IF NOT EXISTS thinking_events (
		id        TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		message   TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id)
	);
	CREATE INDEX IF NOT EXISTS idx_thinking_thread ON thinking_events(thread_id, timestamp);

	CREATE TABLE IF NOT EXISTS raw_events (
		id         TEXT PRIMARY KEY,
		element_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_element ON raw_events(element_id, event_type, timestamp);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_element_seq ON raw_events(element_id, seq);

	CREATE TABLE IF NOT EXISTS element_sequences (
		element_id TEXT PRIMARY KEY,
		next_seq   INTEGER NOT NULL
	);
	`)
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// EnsureThread returns the thread for elementID, creating it if
// absent. Idempotent (§4.6).
func (s *Store) EnsureThread(elementID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	if err == nil {
		return threadID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("eventstore: ensure thread: %w", err)
	}

	threadID = newID()
	now := nowString()
	_, err = s.db.Exec(`
		INSERT INTO threads (thread_id, element_id, created_at, updated_at) VALUES (?, ?, ?, ?)
	`, threadID, elementID, now, now)
	if err != nil {
		return "", fmt.Errorf("eventstore: ensure thread: insert: %w", err)
	}
	return threadID, nil
}

func (s *Store) touchThread(threadID string) error {
	_, err := s.db.Exec(`UPDATE threads SET updated_at = ? WHERE thread_id = ?`, nowString(), threadID)
	return err
}

// nextSeq returns the next per-element sequence number, for replay-gap
// detection: a subscriber that observes seq jump from 4 to 6 knows it
// missed event 5 and can request a replay. Caller must hold s.mu.
func (s *Store) nextSeq(elementID string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(`SELECT next_seq FROM element_sequences WHERE element_id = ?`, elementID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		seq = 0
	} else if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`
		INSERT INTO element_sequences (element_id, next_seq) VALUES (?, ?)
		ON CONFLICT(element_id) DO UPDATE SET next_seq = excluded.next_seq
	`, elementID, seq+1); err != nil {
		return 0, err
	}
	return seq, nil
}

// StoreEvent appends a raw event for elementID and returns its
// per-element sequence number.
func (s *Store) StoreEvent(elementID, eventType, eventData string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq(elementID)
	if err != nil {
		return 0, fmt.Errorf("eventstore: store event: seq: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO raw_events (id, element_id, seq, event_type, event_data, timestamp) VALUES (?, ?, ?, ?, ?, ?)
	`, newID(), elementID, seq, eventType, eventData, nowString())
	if err != nil {
		return 0, fmt.Errorf("eventstore: store event: %w", err)
	}
	return seq, nil
}

// StoreMessageStart creates a new streaming message in a thread.
func (s *Store) StoreMessageStart(threadID, role string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{
		MessageID: newID(),
		ThreadID:  threadID,
		Role:      role,
		Status:    MessageStreaming,
		Timestamp: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (message_id, thread_id, role, content, status, timestamp) VALUES (?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.ThreadID, m.Role, "", m.Status, m.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("eventstore: store message start: %w", err)
	}
	_ = s.touchThread(threadID)
	return m, nil
}

// UpdateMessageContent replaces a streaming message's cumulative
// content. Called once per delta; content is never appended to here,
// only replaced, matching the "content is cumulative" invariant (§3).
func (s *Store) UpdateMessageContent(messageID, cumulativeText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE messages SET content = ? WHERE message_id = ?`, cumulativeText, messageID)
	if err != nil {
		return fmt.Errorf("eventstore: update message content: %w", err)
	}
	return nil
}

// MarkMessageComplete transitions a message from streaming to
// complete exactly once.
func (s *Store) MarkMessageComplete(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE message_id = ? AND status = ?`,
		MessageComplete, messageID, MessageStreaming)
	if err != nil {
		return fmt.Errorf("eventstore: mark message complete: %w", err)
	}
	return nil
}

// MarkMessageCancelled transitions a message from streaming to
// cancelled, recording the reason.
func (s *Store) MarkMessageCancelled(messageID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE messages SET status = ?, cancellation_reason = ? WHERE message_id = ? AND status = ?
	`, MessageCancelled, reason, messageID, MessageStreaming)
	if err != nil {
		return fmt.Errorf("eventstore: mark message cancelled: %w", err)
	}
	return nil
}

// StoreToolStart records the start of a tool invocation.
func (s *Store) StoreToolStart(threadID, toolName, args string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := newID()
	_, err := s.db.Exec(`
		INSERT INTO tool_executions (id, thread_id, tool_name, args, status, start_time) VALUES (?, ?, ?, ?, ?, ?)
	`, id, threadID, toolName, args, ToolRunning, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("eventstore: store tool start: %w", err)
	}
	_ = s.touchThread(threadID)
	return id, nil
}

// UpdateToolEnd records a tool invocation's terminal result and status.
func (s *Store) UpdateToolEnd(id, result string, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := ToolSucceeded
	if failed {
		status = ToolFailed
	}
	_, err := s.db.Exec(`
		UPDATE tool_executions SET result = ?, status = ?, end_time = ? WHERE id = ?
	`, result, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("eventstore: update tool end: %w", err)
	}
	return nil
}

// StoreThinking appends a thinking trace to a thread.
func (s *Store) StoreThinking(threadID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO thinking_events (id, thread_id, message, timestamp) VALUES (?, ?, ?, ?)
	`, newID(), threadID, message, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("eventstore: store thinking: %w", err)
	}
	_ = s.touchThread(threadID)
	return nil
}

// GetThreadHistory reconstructs a thread's full history ordered by
// timestamp within each category, for replay on subscriber reconnect.
func (s *Store) GetThreadHistory(elementID string) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return &History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: get thread history: %w", err)
	}

	h := &History{}

	msgRows, err := s.db.Query(`
		SELECT message_id, thread_id, role, content, status, timestamp, cancellation_reason
		FROM messages WHERE thread_id = ? ORDER BY timestamp ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get thread history: messages: %w", err)
	}
	for msgRows.Next() {
		var m Message
		var ts string
		var reason sql.NullString
		if err := msgRows.Scan(&m.MessageID, &m.ThreadID, &m.Role, &m.Content, &m.Status, &ts, &reason); err != nil {
			msgRows.Close()
			return nil, fmt.Errorf("eventstore: get thread history: scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if reason.Valid {
			m.CancellationReason = reason.String
		}
		h.Messages = append(h.Messages, &m)
	}
	msgRows.Close()
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	thinkRows, err := s.db.Query(`
		SELECT id, thread_id, message, timestamp FROM thinking_events WHERE thread_id = ? ORDER BY timestamp ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get thread history: thinking: %w", err)
	}
	for thinkRows.Next() {
		var t ThinkingEvent
		var ts string
		if err := thinkRows.Scan(&t.ID, &t.ThreadID, &t.Message, &ts); err != nil {
			thinkRows.Close()
			return nil, fmt.Errorf("eventstore: get thread history: scan thinking: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		h.Thinking = append(h.Thinking, &t)
	}
	thinkRows.Close()
	if err := thinkRows.Err(); err != nil {
		return nil, err
	}

	toolRows, err := s.db.Query(`
		SELECT id, thread_id, tool_name, args, result, status, start_time, end_time
		FROM tool_executions WHERE thread_id = ? ORDER BY start_time ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get thread history: tools: %w", err)
	}
	for toolRows.Next() {
		var te ToolExecution
		var result, endTime sql.NullString
		var startTime string
		if err := toolRows.Scan(&te.ID, &te.ThreadID, &te.ToolName, &te.Args, &result, &te.Status, &startTime, &endTime); err != nil {
			toolRows.Close()
			return nil, fmt.Errorf("eventstore: get thread history: scan tool: %w", err)
		}
		te.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
		if endTime.Valid {
			te.EndTime, _ = time.Parse(time.RFC3339Nano, endTime.String)
		}
		if result.Valid {
			te.Result = result.String
		}
		h.Tools = append(h.Tools, &te)
	}
	toolRows.Close()
	if err := toolRows.Err(); err != nil {
		return nil, err
	}

	return h, nil
}

// GetRawEvents returns every event persisted for elementID in exact
// seq order, the raw material for the webhook/replay surface's
// messages.snapshot reconstruction.
func (s *Store) GetRawEvents(elementID string) ([]*RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, element_id, event_type, event_data, timestamp
		FROM raw_events WHERE element_id = ? ORDER BY seq ASC
	`, elementID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get raw events: %w", err)
	}
	defer rows.Close()

	var events []*RawEvent
	for rows.Next() {
		var ev RawEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ElementID, &ev.EventType, &ev.EventData, &ts); err != nil {
			return nil, fmt.Errorf("eventstore: get raw events: scan: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ClearElementHistory deletes a thread and all its messages, tool
// executions, and thinking events, and wipes elementID's raw event
// log and sequence counter so a subsequent replay returns empty
// (§8's "clear_history(id) followed by replay returns empty history"
// round-trip property).
func (s *Store) ClearElementHistory(elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var threadID string
	err := s.db.QueryRow(`SELECT thread_id FROM threads WHERE element_id = ?`, elementID).Scan(&threadID)
	hasThread := true
	if errors.Is(err, sql.ErrNoRows) {
		hasThread = false
	} else if err != nil {
		return fmt.Errorf("eventstore: clear element history: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("eventstore: clear element history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if hasThread {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE thread_id = ?`,
			`DELETE FROM tool_executions WHERE thread_id = ?`,
			`DELETE FROM thinking_events WHERE thread_id = ?`,
			`DELETE FROM threads WHERE thread_id = ?`,
		} {
			if _, err := tx.Exec(stmt, threadID); err != nil {
				return fmt.Errorf("eventstore: clear element history: %w", err)
			}
		}
	}
	for _, stmt := range []string{
		`DELETE FROM raw_events WHERE element_id = ?`,
		`DELETE FROM element_sequences WHERE element_id = ?`,
	} {
		if _, err := tx.Exec(stmt, elementID); err != nil {
			return fmt.Errorf("eventstore: clear element history: %w", err)
		}
	}
	return tx.Commit()
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
