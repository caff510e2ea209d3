package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/conversation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// SQLiteStore persists checkpoints in a SQLite database
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath, defaulting to ~/.threadagent/threads.db
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".threadagent", "threads.db")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("SQLite checkpoint store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reads the messages of a thread in insertion order
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	ctx, span := tracing.StartSpan(tracing.WithThreadID(ctx, threadID), "checkpoint.load",
		attribute.String("backend", BackendSQLite),
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()

	cp, err := s.load(ctx, threadID)
	tracing.RecordError(span, err)
	observability.RecordCheckpointLoad(BackendSQLite, time.Since(start), err)
	return cp, err
}

func (s *SQLiteStore) load(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{ThreadID: threadID}

	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT version, updated_at FROM threads WHERE id = ?", threadID,
	).Scan(&cp.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to query thread: %w", err)
	}
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]conversation.Message, 0, cp.Version)
	for rows.Next() {
		var (
			msg        conversation.Message
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID, &createdAt); err != nil {
			return Checkpoint{}, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = conversation.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.Timestamp = time.Unix(0, createdAt).UTC()
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return Checkpoint{}, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read messages: %w", err)
	}

	cp.State = conversation.New(msgs...)
	return cp, nil
}

// Save appends the messages of state past baseVersion in one transaction
func (s *SQLiteStore) Save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	ctx, span := tracing.StartSpan(tracing.WithThreadID(ctx, threadID), "checkpoint.save",
		attribute.String("backend", BackendSQLite),
		attribute.String("thread_id", threadID),
		attribute.Int("base_version", baseVersion),
	)
	defer span.End()
	start := time.Now()

	version, err := s.save(ctx, threadID, state, baseVersion)
	tracing.RecordError(span, err)
	observability.RecordCheckpointSave(BackendSQLite, time.Since(start), err)
	return version, err
}

func (s *SQLiteStore) save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (version int, err error) {
	if err := ValidateThreadID(threadID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stored := 0
	err = tx.QueryRowContext(ctx, "SELECT version FROM threads WHERE id = ?", threadID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to query thread version: %w", err)
	}
	exists := err == nil
	err = nil

	if err = checkAppend(stored, state, baseVersion); err != nil {
		return 0, err
	}

	fresh := state.Since(baseVersion)
	if len(fresh) == 0 {
		if err = tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit: %w", err)
		}
		return baseVersion, nil
	}

	now := s.now().UnixNano()
	if exists {
		_, err = tx.ExecContext(ctx, "UPDATE threads SET version = ?, updated_at = ? WHERE id = ?",
			baseVersion+len(fresh), now, threadID)
	} else {
		_, err = tx.ExecContext(ctx, "INSERT INTO threads (id, version, created_at, updated_at) VALUES (?, ?, ?, ?)",
			threadID, len(fresh), now, now)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update thread: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (thread_id, seq, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range fresh {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, mErr := json.Marshal(msg.ToolCalls)
			if mErr != nil {
				err = fmt.Errorf("failed to encode tool calls: %w", mErr)
				return 0, err
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		var toolCallID sql.NullString
		if msg.ToolCallID != "" {
			toolCallID = sql.NullString{String: msg.ToolCallID, Valid: true}
		}

		if _, err = stmt.ExecContext(ctx, threadID, baseVersion+i, string(msg.Role), msg.Content,
			toolCalls, toolCallID, msg.Timestamp.UnixNano()); err != nil {
			return 0, fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	version = baseVersion + len(fresh)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("appended", len(fresh)).
		Int("version", version).
		Msg("Checkpoint saved")

	return version, nil
}

// List summarizes the stored threads, most recently updated first
func (s *SQLiteStore) List(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, version, updated_at FROM threads")
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	infos := []ThreadInfo{}
	for rows.Next() {
		var (
			info      ThreadInfo
			updatedAt int64
		)
		if err := rows.Scan(&info.ThreadID, &info.Messages, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updatedAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read threads: %w", err)
	}

	sortThreads(infos)
	return infos, nil
}

// Delete removes a thread and its messages
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
