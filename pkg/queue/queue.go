// Package queue implements the four-lane priority task queue on top of the
// shared store's ordered sets: ready (queue:main), processing, delayed, and
// dead-letter. Lane transitions go through the store's atomic ZMove guarded
// by a per-task lock, which is the control plane's sole double-dispatch
// protection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// Lane keys in the shared store.
const (
	LaneReady      = "queue:main"
	LaneProcessing = "queue:processing"
	LaneDelayed    = "queue:delayed"
	LaneDeadLetter = "queue:dlq"
)

const (
	taskKeyPrefix  = "task:"
	batchKeyPrefix = "batch:"
	taskTTL        = 24 * time.Hour
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull indicates the ready lane reached its configured max size.
	ErrQueueFull = errors.New("queue full")

	// ErrTaskNotFound indicates no record exists for the task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask indicates the task failed admission validation.
	ErrInvalidTask = errors.New("invalid task")
)

// Queue is the priority queue. All mutations are idempotent with respect to
// duplicate requests for the same task id.
type Queue struct {
	store   store.Store
	cfg     *config.QueueConfig
	bus     *events.Bus
	metrics *telemetry.Metrics

	nonce atomic.Uint64
	locks keyedMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a queue on the given store. bus and metrics may not be nil.
func New(st store.Store, cfg *config.QueueConfig, bus *events.Bus, metrics *telemetry.Metrics) *Queue {
	return &Queue{
		store:   st,
		cfg:     cfg,
		bus:     bus,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delayed-lane promoter and the stale-task reaper.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.runLoop(ctx, q.cfg.PromoteInterval, "promote", func(c context.Context) error {
		_, err := q.PromoteDelayed(c)
		return err
	})
	go q.runLoop(ctx, q.cfg.ReapInterval, "reap", func(c context.Context) error {
		_, err := q.ReapStale(c)
		return err
	})
}

// Stop terminates the background loops. Safe to call multiple times.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue) runLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				slog.Error("Queue maintenance failed", "loop", name, "error", err)
			}
		}
	}
}

// Enqueue admits a task. Tasks with a future ScheduledFor go to the delayed
// lane; everything else to ready. Re-enqueueing an id already present in a
// lane is a no-op.
func (q *Queue) Enqueue(ctx context.Context, task *model.Task) error {
	if task.ID == "" || task.Type == "" {
		return fmt.Errorf("%w: id and type are required", ErrInvalidTask)
	}
	if task.Constraints.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidTask)
	}

	unlock := q.locks.lock(task.ID)
	defer unlock()

	if lane, err := q.laneOf(ctx, task.ID); err != nil {
		return err
	} else if lane != "" {
		return nil // duplicate admission
	}

	size, err := q.store.ZCard(ctx, LaneReady)
	if err != nil {
		return fmt.Errorf("checking queue size: %w", err)
	}
	if int(size) >= q.cfg.MaxSize {
		return ErrQueueFull
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = model.TaskStatusPending
	if err := q.SaveTask(ctx, task); err != nil {
		return err
	}

	now := time.Now()
	if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
		if err := q.store.ZAdd(ctx, LaneDelayed, task.ID, float64(task.ScheduledFor.UnixMilli())); err != nil {
			return err
		}
	} else {
		if err := q.store.ZAdd(ctx, LaneReady, task.ID, q.score(task)); err != nil {
			return err
		}
	}

	q.metrics.TaskSubmissions.Inc()
	q.bus.Publish(events.TaskSubmitted, task.ID, map[string]any{"priority": string(task.Priority)})
	return nil
}

// DequeueBatch pops up to n ready tasks whose required capabilities are a
// subset of capabilitySet, moves them to processing, and stamps StartedAt.
// A nil capabilitySet matches every task.
func (q *Queue) DequeueBatch(ctx context.Context, n int, capabilitySet []string) ([]*model.Task, error) {
	if n <= 0 {
		n = q.cfg.BatchSize
	}

	// Over-fetch so capability filtering still fills the batch.
	candidates, err := q.store.ZRangeByScore(ctx, LaneReady, store.ScoreMin, store.ScoreMax, int64(n*4), true)
	if err != nil {
		return nil, err
	}

	caps := toSet(capabilitySet)
	now := time.Now()
	var out []*model.Task
	for _, cand := range candidates {
		if len(out) >= n {
			break
		}
		task, err := q.claimReady(ctx, cand.Member, caps, now)
		if err != nil {
			slog.Warn("Failed to claim ready task", "task_id", cand.Member, "error", err)
			continue
		}
		if task != nil {
			out = append(out, task)
		}
	}
	return out, nil
}

// claimReady moves one task from ready to processing if it matches caps.
// Returns (nil, nil) when the task does not match or was claimed concurrently.
func (q *Queue) claimReady(ctx context.Context, id string, caps map[string]bool, now time.Time) (*model.Task, error) {
	unlock := q.locks.lock(id)
	defer unlock()

	task, err := q.Task(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		// Dangling lane entry without a record: drop it.
		_, _ = q.store.ZRem(ctx, LaneReady, id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if caps != nil && !subset(task.RequiredCapabilities, caps) {
		return nil, nil
	}

	moved, err := q.store.ZMove(ctx, LaneReady, LaneProcessing, id, float64(now.UnixMilli()))
	if err != nil || !moved {
		return nil, err
	}

	started := now
	task.StartedAt = &started
	if err := q.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	q.metrics.TaskWaitTime.Observe(now.Sub(task.CreatedAt).Seconds())
	return task, nil
}

// Requeue returns a processing or assigned task to the front of the ready
// lane, clearing its start and assignment. Used on agent loss and when no
// candidate agent exists.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	unlock := q.locks.lock(id)
	defer unlock()

	task, err := q.Task(ctx, id)
	if err != nil {
		return err
	}

	task.Status = model.TaskStatusPending
	task.AssignedAgent = ""
	task.StartedAt = nil
	if err := q.SaveTask(ctx, task); err != nil {
		return err
	}

	// Head of the lane: the maximum score of the task's priority band, so it
	// outranks every same-priority peer without crossing into the next band.
	headScore := float64(task.Priority.Base()*priorityBand + maxAgeBonus)
	if moved, err := q.store.ZMove(ctx, LaneProcessing, LaneReady, id, headScore); err != nil {
		return err
	} else if !moved {
		return q.store.ZAdd(ctx, LaneReady, id, headScore)
	}
	return nil
}

// Complete removes the task from processing and marks it completed. Completing
// an already-terminal task is a no-op.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	unlock := q.locks.lock(id)
	defer unlock()

	task, err := q.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	for _, lane := range []string{LaneProcessing, LaneReady} {
		if _, err := q.store.ZRem(ctx, lane, id); err != nil {
			return err
		}
	}
	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.Result = result
	task.AssignedAgent = ""
	if err := q.SaveTask(ctx, task); err != nil {
		return err
	}

	if task.StartedAt != nil {
		q.metrics.TaskDuration.Observe(now.Sub(*task.StartedAt).Seconds())
	}
	q.bus.Publish(events.TaskCompleted, id, nil)
	return q.checkBatch(ctx, task.BatchID)
}

// Fail applies the retry policy: under budget the task is pushed to the
// delayed lane with exponential backoff; over budget it goes to dead-letter
// (when enabled) and is marked failed.
func (q *Queue) Fail(ctx context.Context, id string, taskErr string) error {
	unlock := q.locks.lock(id)
	defer unlock()

	task, err := q.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	for _, lane := range []string{LaneProcessing, LaneReady} {
		if _, err := q.store.ZRem(ctx, lane, id); err != nil {
			return err
		}
	}
	task.Error = taskErr
	task.AssignedAgent = ""

	maxRetries := q.cfg.MaxRetries
	if task.Constraints.MaxRetries != nil {
		maxRetries = *task.Constraints.MaxRetries
	}
	if task.RetryCount < maxRetries {
		task.RetryCount++
		delay := q.cfg.RetryDelay << (task.RetryCount - 1)
		next := time.Now().Add(delay)
		task.ScheduledFor = &next
		task.Status = model.TaskStatusPending
		task.StartedAt = nil
		if err := q.SaveTask(ctx, task); err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, LaneDelayed, id, float64(next.UnixMilli())); err != nil {
			return err
		}
		q.metrics.TaskRetries.Inc()
		q.bus.Publish(events.TaskRetry, id, map[string]any{"retry_count": task.RetryCount, "delay": delay.String()})
		return nil
	}

	now := time.Now()
	task.Status = model.TaskStatusFailed
	task.CompletedAt = &now
	if err := q.SaveTask(ctx, task); err != nil {
		return err
	}
	if q.cfg.DeadLetterQueue {
		if err := q.store.ZAdd(ctx, LaneDeadLetter, id, float64(now.UnixMilli())); err != nil {
			return err
		}
		q.metrics.DeadLettered.Inc()
	}
	q.bus.Publish(events.TaskFailed, id, map[string]any{"error": taskErr})
	return q.checkBatch(ctx, task.BatchID)
}

// Cancel removes the task from whichever lane holds it and marks it
// cancelled. Idempotent; cancelling an unknown id returns ErrTaskNotFound.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	unlock := q.locks.lock(id)
	defer unlock()

	task, err := q.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == model.TaskStatusCancelled {
		return nil
	}

	for _, lane := range []string{LaneReady, LaneProcessing, LaneDelayed, LaneDeadLetter} {
		if _, err := q.store.ZRem(ctx, lane, id); err != nil {
			return err
		}
	}
	now := time.Now()
	task.Status = model.TaskStatusCancelled
	task.CompletedAt = &now
	task.AssignedAgent = ""
	return q.SaveTask(ctx, task)
}

// PromoteDelayed moves ripe delayed tasks to the ready lane. Returns the
// number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	ripe, err := q.store.ZRangeByScore(ctx, LaneDelayed, store.ScoreMin, float64(time.Now().UnixMilli()), 0, false)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, member := range ripe {
		unlock := q.locks.lock(member.Member)
		task, err := q.Task(ctx, member.Member)
		if err != nil {
			unlock()
			_, _ = q.store.ZRem(ctx, LaneDelayed, member.Member)
			continue
		}
		moved, err := q.store.ZMove(ctx, LaneDelayed, LaneReady, member.Member, q.score(task))
		unlock()
		if err != nil {
			return promoted, err
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// ReapStale returns processing tasks without progress past the visibility
// timeout to the ready lane and emits taskStale for each. Returns the ids
// reaped so the conductor can clear dangling assignments.
func (q *Queue) ReapStale(ctx context.Context) ([]string, error) {
	cutoff := float64(time.Now().Add(-q.cfg.VisibilityTimeout).UnixMilli())
	stale, err := q.store.ZRangeByScore(ctx, LaneProcessing, store.ScoreMin, cutoff, 0, false)
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, member := range stale {
		if err := q.Requeue(ctx, member.Member); err != nil {
			slog.Warn("Failed to reap stale task", "task_id", member.Member, "error", err)
			continue
		}
		reaped = append(reaped, member.Member)
		q.bus.Publish(events.TaskStale, member.Member, nil)
	}
	return reaped, nil
}

// Depths returns the current size of each lane and refreshes the depth gauges.
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 4)
	for lane, label := range map[string]string{
		LaneReady:      "ready",
		LaneProcessing: "processing",
		LaneDelayed:    "delayed",
		LaneDeadLetter: "dead_letter",
	} {
		n, err := q.store.ZCard(ctx, lane)
		if err != nil {
			return nil, err
		}
		depths[label] = n
		q.metrics.QueueDepth.WithLabelValues(label).Set(float64(n))
	}
	return depths, nil
}

// Task loads a task record by id.
func (q *Queue) Task(ctx context.Context, id string) (*model.Task, error) {
	raw, err := q.store.Get(ctx, taskKeyPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decoding task %s: %w", id, err)
	}
	return &task, nil
}

// Tasks loads every live task record. Records expire with their TTL, so this
// covers roughly the last day of activity.
func (q *Queue) Tasks(ctx context.Context) ([]*model.Task, error) {
	keys, err := q.store.Keys(ctx, taskKeyPrefix)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(keys))
	for _, key := range keys {
		task, err := q.Task(ctx, strings.TrimPrefix(key, taskKeyPrefix))
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SaveTask persists a task record with the standard TTL.
func (q *Queue) SaveTask(ctx context.Context, task *model.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	return q.store.Set(ctx, taskKeyPrefix+task.ID, raw, taskTTL)
}

// RegisterBatch records the member set of a batch so completion can be
// detected. Called by workflow submission.
func (q *Queue) RegisterBatch(ctx context.Context, batchID string, taskIDs []string) error {
	raw, err := json.Marshal(taskIDs)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, batchKeyPrefix+batchID, raw, taskTTL)
}

// checkBatch emits batchCompleted once every member of the batch is terminal.
func (q *Queue) checkBatch(ctx context.Context, batchID string) error {
	if batchID == "" {
		return nil
	}
	raw, err := q.store.Get(ctx, batchKeyPrefix+batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		task, err := q.Task(ctx, id)
		if err != nil {
			return nil // member record expired; treat batch as untrackable
		}
		if !task.Status.Terminal() {
			return nil
		}
	}
	q.bus.Publish(events.BatchCompleted, batchID, map[string]any{"tasks": len(ids)})
	return q.store.Delete(ctx, batchKeyPrefix+batchID)
}

// laneOf reports which lane currently holds the task ("" when none).
func (q *Queue) laneOf(ctx context.Context, id string) (string, error) {
	for _, lane := range []string{LaneReady, LaneProcessing, LaneDelayed, LaneDeadLetter} {
		if _, ok, err := q.store.ZScore(ctx, lane, id); err != nil {
			return "", err
		} else if ok {
			return lane, nil
		}
	}
	return "", nil
}

func toSet(items []string) map[string]bool {
	if items == nil {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func subset(required []string, available map[string]bool) bool {
	for _, r := range required {
		if !available[r] {
			return false
		}
	}
	return true
}
