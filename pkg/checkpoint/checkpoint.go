package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/threadagent/pkg/conversation"
)

var (
	// ErrVersionConflict is returned when the stored version differs from the caller's base version.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrNotAppendOnly is returned when the state to save is shorter than its base version.
	ErrNotAppendOnly = errors.New("state is shorter than its base version")
	// ErrInvalidThreadID is returned for empty or path-unsafe thread ids.
	ErrInvalidThreadID = errors.New("invalid thread id")
)

const (
	BackendMemory = "memory"
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Checkpoint is the persisted state of one thread
type Checkpoint struct {
	ThreadID  string             `json:"threadId"`
	State     conversation.State `json:"messages"`
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// ThreadInfo summarizes a stored thread
type ThreadInfo struct {
	ThreadID  string    `json:"threadId" yaml:"thread_id"`
	Messages  int       `json:"messages" yaml:"messages"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// Checkpointer loads and saves thread state.
//
// Load returns an empty checkpoint with Version 0 for unknown threads.
// Save appends state.Since(baseVersion) and returns the new version.
type Checkpointer interface {
	Load(ctx context.Context, threadID string) (Checkpoint, error)
	Save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error)
	List(ctx context.Context) ([]ThreadInfo, error)
	Delete(ctx context.Context, threadID string) error
	Close() error
}

// Open creates the Checkpointer for backend. path is a directory for jsonl
// and a database file for sqlite; it is ignored for memory.
func Open(backend, path string) (Checkpointer, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSONL:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

// ValidateThreadID checks that id is usable as a storage key
func ValidateThreadID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidThreadID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: longer than 128 characters", ErrInvalidThreadID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidThreadID)
	}
	if strings.ContainsAny(id, "/\\") || id != filepath.Base(id) {
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidThreadID)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidThreadID)
	}
	return nil
}

// checkAppend validates a save request against the stored version
func checkAppend(stored int, state conversation.State, baseVersion int) error {
	if baseVersion < 0 || state.Len() < baseVersion {
		return fmt.Errorf("%w: state has %d messages, base version %d", ErrNotAppendOnly, state.Len(), baseVersion)
	}
	if stored != baseVersion {
		return fmt.Errorf("%w: stored version %d, base version %d", ErrVersionConflict, stored, baseVersion)
	}
	return nil
}
