package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	threadFileExt  = ".jsonl"
	lockDirName    = ".locks"
	lockRetryDelay = 10 * time.Millisecond
)

// fileEntry is one JSONL line in a thread file
type fileEntry struct {
	ThreadID string               `json:"threadId"`
	Message  conversation.Message `json:"message"`
}

// FileStore persists each thread as an append-only JSONL file. Several
// processes may share dir: writes hold an exclusive lock on a per-thread lock
// file and reads hold a shared one.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, defaulting to ~/.threadagent/threads
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".threadagent", "threads")
	}

	if err := os.MkdirAll(filepath.Join(dir, lockDirName), 0700); err != nil {
		return nil, fmt.Errorf("failed to create threads directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("File checkpoint store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (fs *FileStore) threadPath(threadID string) string {
	return filepath.Join(fs.dir, threadID+threadFileExt)
}

// fileLock returns the cross-process lock of a thread. Lock files outlive
// Delete so a writer never locks a file that another process has unlinked.
func (fs *FileStore) fileLock(threadID string) *flock.Flock {
	return flock.New(filepath.Join(fs.dir, lockDirName, threadID+".lock"))
}

// lockFile blocks until fl is held or ctx ends
func lockFile(ctx context.Context, fl *flock.Flock, shared bool) error {
	var locked bool
	var err error
	if shared {
		locked, err = fl.TryRLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fl.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("failed to lock thread file: %w", err)
	}
	if !locked {
		return errors.New("failed to lock thread file")
	}
	return nil
}

func (fs *FileStore) getWriteLock(threadID string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, exists := fs.writeLocks[threadID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[threadID] = lock
	return lock
}

// Load reads a thread file. Unknown threads load as an empty checkpoint.
func (fs *FileStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	ctx, span := tracing.StartSpan(tracing.WithThreadID(ctx, threadID), "checkpoint.load",
		attribute.String("backend", BackendJSONL),
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()

	cp, err := fs.load(ctx, threadID)
	tracing.RecordError(span, err)
	observability.RecordCheckpointLoad(BackendJSONL, time.Since(start), err)
	return cp, err
}

func (fs *FileStore) load(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	msgs, modTime, err := fs.readThreadShared(ctx, threadID)
	if err != nil {
		return Checkpoint{}, err
	}

	return Checkpoint{
		ThreadID:  threadID,
		State:     conversation.New(msgs...),
		Version:   len(msgs),
		UpdatedAt: modTime,
	}, nil
}

// readThreadShared reads a thread under a shared file lock so a concurrent
// append is never seen half written
func (fs *FileStore) readThreadShared(ctx context.Context, threadID string) ([]conversation.Message, time.Time, error) {
	fl := fs.fileLock(threadID)
	if err := lockFile(ctx, fl, true); err != nil {
		return nil, time.Time{}, err
	}
	defer fl.Unlock()

	return fs.readThread(ctx, threadID)
}

// readThread returns the valid messages of a thread file, skipping corrupt lines
func (fs *FileStore) readThread(ctx context.Context, threadID string) ([]conversation.Message, time.Time, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	file, err := os.Open(fs.threadPath(threadID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("failed to open thread file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat thread file: %w", err)
	}

	var msgs []conversation.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry fileEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if err := entry.Message.Validate(); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid entry, skipping")
			continue
		}

		msgs = append(msgs, entry.Message)
	}

	if err := scanner.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read thread file: %w", err)
	}

	return msgs, info.ModTime().UTC(), nil
}

// Save appends the messages of state past baseVersion to the thread file
func (fs *FileStore) Save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	ctx, span := tracing.StartSpan(tracing.WithThreadID(ctx, threadID), "checkpoint.save",
		attribute.String("backend", BackendJSONL),
		attribute.String("thread_id", threadID),
		attribute.Int("base_version", baseVersion),
	)
	defer span.End()
	start := time.Now()

	version, err := fs.save(ctx, threadID, state, baseVersion)
	tracing.RecordError(span, err)
	observability.RecordCheckpointSave(BackendJSONL, time.Since(start), err)
	return version, err
}

func (fs *FileStore) save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lock := fs.getWriteLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	fl := fs.fileLock(threadID)
	if err := lockFile(ctx, fl, false); err != nil {
		return 0, err
	}
	defer fl.Unlock()

	stored, _, err := fs.readThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if err := checkAppend(len(stored), state, baseVersion); err != nil {
		return 0, err
	}

	fresh := state.Since(baseVersion)
	if len(fresh) == 0 {
		return baseVersion, nil
	}

	var buf []byte
	for _, msg := range fresh {
		data, err := json.Marshal(fileEntry{ThreadID: threadID, Message: msg})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	file, err := os.OpenFile(fs.threadPath(threadID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open thread file: %w", err)
	}
	defer file.Close()

	// One write per save keeps a batch together on crash.
	if _, err := file.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write messages: %w", err)
	}
	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}

	version := len(stored) + len(fresh)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("appended", len(fresh)).
		Int("version", version).
		Msg("Checkpoint saved")

	return version, nil
}

// List summarizes every thread file in the store directory
func (fs *FileStore) List(ctx context.Context) ([]ThreadInfo, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ThreadInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	infos := make([]ThreadInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), threadFileExt) {
			continue
		}

		threadID := strings.TrimSuffix(entry.Name(), threadFileExt)
		msgs, modTime, err := fs.readThreadShared(ctx, threadID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn().Str("thread_id", threadID).Err(err).Msg("Failed to read thread, skipping")
			continue
		}
		infos = append(infos, ThreadInfo{ThreadID: threadID, Messages: len(msgs), UpdatedAt: modTime})
	}

	sortThreads(infos)
	return infos, nil
}

// Delete removes a thread file. Deleting an unknown thread is not an error.
func (fs *FileStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	lock := fs.getWriteLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	fl := fs.fileLock(threadID)
	if err := lockFile(ctx, fl, false); err != nil {
		return err
	}
	defer fl.Unlock()

	if err := os.Remove(fs.threadPath(threadID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete thread file: %w", err)
	}

	fs.locksMu.Lock()
	delete(fs.writeLocks, threadID)
	fs.locksMu.Unlock()

	logger := tracing.LoggerFromContext(tracing.WithThreadID(ctx, threadID), log.Logger)
	logger.Info().Msg("Thread deleted")
	return nil
}

// Close is a no-op; files are opened per call
func (fs *FileStore) Close() error {
	return nil
}
