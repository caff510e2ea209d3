package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/pkg/conversation"
)

type memoryThread struct {
	state     conversation.State
	updatedAt time.Time
}

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]memoryThread
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	observability.EnsureRegistered()
	return &MemoryStore{
		threads: make(map[string]memoryThread),
		now:     time.Now,
	}
}

// Load returns a copy of the stored thread; unknown threads are empty
func (m *MemoryStore) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	start := time.Now()
	cp, err := m.load(ctx, threadID)
	observability.RecordCheckpointLoad(BackendMemory, time.Since(start), err)
	return cp, err
}

func (m *MemoryStore) load(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return Checkpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[threadID]
	if !ok {
		return Checkpoint{ThreadID: threadID}, nil
	}
	return Checkpoint{
		ThreadID:  threadID,
		State:     conversation.New(t.state.Messages()...),
		Version:   t.state.Len(),
		UpdatedAt: t.updatedAt,
	}, nil
}

// Save appends the messages of state past baseVersion
func (m *MemoryStore) Save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	start := time.Now()
	version, err := m.save(ctx, threadID, state, baseVersion)
	observability.RecordCheckpointSave(BackendMemory, time.Since(start), err)
	return version, err
}

func (m *MemoryStore) save(ctx context.Context, threadID string, state conversation.State, baseVersion int) (int, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.threads[threadID]
	if err := checkAppend(t.state.Len(), state, baseVersion); err != nil {
		return 0, err
	}

	fresh := state.Since(baseVersion)
	if len(fresh) == 0 {
		return baseVersion, nil
	}

	t.state = conversation.Append(t.state, fresh...)
	t.updatedAt = m.now()
	m.threads[threadID] = t
	return t.state.Len(), nil
}

// List summarizes the stored threads, most recently updated first
func (m *MemoryStore) List(ctx context.Context) ([]ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]ThreadInfo, 0, len(m.threads))
	for id, t := range m.threads {
		infos = append(infos, ThreadInfo{ThreadID: id, Messages: t.state.Len(), UpdatedAt: t.updatedAt})
	}
	sortThreads(infos)
	return infos, nil
}

// Delete drops a thread
func (m *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

// sortThreads orders by most recently updated first
func sortThreads(infos []ThreadInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].ThreadID < infos[j].ThreadID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}
