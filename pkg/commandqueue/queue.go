package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/threadagent/internal/observability"
	"github.com/harun/threadagent/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned when a task is enqueued after Close, and to tasks
// still waiting when Close is called.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation to be executed on a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter reports a task still queued after this long. Zero disables it.
	WarnAfter time.Duration
	// OnWait receives the report. When nil the queue logs a warning instead.
	OnWait func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState holds the FIFO for a single lane. Lanes run one task at a time.
type laneState struct {
	queue   []*taskRecord
	running bool
}

// CommandQueue serializes tasks per lane. Different lanes run in parallel.
// A lane is created on first use and dropped once it drains.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty CommandQueue
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnqueueWithContext adds a task to the lane and blocks until it finishes.
// If ctx is done while the task is still queued, the task is removed and never runs.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	cq.processLaneLocked(lane, ls)
	cq.mu.Unlock()

	logger.Debug().Str("taskId", record.id).Int("queueSize", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	select {
	case result := <-record.result:
		tracing.RecordError(span, result.err)
		return result.value, result.err
	case <-ctx.Done():
		if cq.remove(lane, record.id) {
			tracing.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		}
		// Already running; the task sees the same ctx and will return shortly.
		result := <-record.result
		tracing.RecordError(span, result.err)
		return result.value, result.err
	}
}

// processLaneLocked starts the head of the lane if nothing is running. cq.mu must be held.
func (cq *CommandQueue) processLaneLocked(lane string, ls *laneState) {
	if ls.running {
		return
	}
	if len(ls.queue) == 0 {
		delete(cq.lanes, lane)
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	cq.wg.Add(1)
	go cq.executeTask(lane, record)
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(startTime)

	cq.mu.Lock()
	queueSize := 0
	if ls, ok := cq.lanes[lane]; ok {
		ls.running = false
		queueSize = len(ls.queue)
		cq.processLaneLocked(lane, ls)
	}
	cq.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
}

// remove drops a still-queued task. It reports false if the task already started.
func (cq *CommandQueue) remove(lane, taskID string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r.id == taskID {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			if !ls.running && len(ls.queue) == 0 {
				delete(cq.lanes, lane)
			}
			return true
		}
	}
	return false
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		queuePos := cq.position(lane, record.id)
		if queuePos < 0 {
			return
		}
		wait := time.Since(record.enqueuedAt)
		if record.options.OnWait != nil {
			record.options.OnWait(wait, queuePos)
			return
		}
		log.Warn().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("wait", wait).
			Int("queuePos", queuePos).
			Msg("Task waiting longer than expected")
	case <-cq.ctx.Done():
	}
}

func (cq *CommandQueue) position(lane, taskID string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return -1
	}
	for i, r := range ls.queue {
		if r.id == taskID {
			return i
		}
	}
	return -1
}

// GetQueueSize returns the number of waiting tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// IsRunning reports whether a task is executing on lane
func (cq *CommandQueue) IsRunning(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	return ok && ls.running
}

func (cq *CommandQueue) laneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Close cancels running tasks, rejects new ones and waits for in-flight work.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for lane, ls := range cq.lanes {
		for _, record := range ls.queue {
			record.result <- taskResult{err: ErrClosed}
		}
		ls.queue = nil
		if !ls.running {
			delete(cq.lanes, lane)
		}
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
