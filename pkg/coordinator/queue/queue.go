// Package queue implements the durable task channel between the Event
// Ingestor and workers (spec §4.1, §4.9, §9 "Message passing between
// Ingestor and Workers. Treat the queue as a durable channel; never share
// mutable state in-process. The coordinator is the only serialization
// point."). Tasks are persisted to LevelDB so a coordinator restart does not
// lose pending work, and GET /tasks/poll is served as a blocking pop with a
// caller-supplied timeout (spec §4.7), clipped to 120s server-side (spec §5).
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

const MaxPollTimeout = 120 * time.Second

// Task is a unit of work pushed for a worker to claim. It carries every
// field a worker needs to drive a request end to end without a second
// round trip to the coordinator for request details — compile (Source),
// execute (Limits, Format, InputData), and secrets resolution
// (SecretsRef) all travel on the same polled task, matching
// original_source/worker/src/api_client.rs's Task::Compile /
// Task::Execute variants, which both embed resource_limits inline rather
// than making the worker fetch them separately.
type Task struct {
	TaskID     string           `json:"task_id"`
	RequestID  uint64           `json:"request_id"`
	DataIDHex  string           `json:"data_id"`
	Source     chain.SourceRef  `json:"source"`
	Limits     chain.ResourceLimits `json:"limits"`
	Format     chain.ResponseFormat `json:"response_format"`
	InputData  []byte           `json:"input_data,omitempty"`
	SecretsRef *chain.SecretsRef `json:"secrets_ref,omitempty"`
	CreatedAt  int64            `json:"created_at"`
}

type Queue struct {
	db *leveldb.DB

	mu      sync.Mutex
	waiters []chan Task
}

func Open(path string) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: opening leveldb: %w", err)
	}
	q := &Queue{db: db}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func taskKey(taskID string) []byte { return []byte("task:" + taskID) }

// idempotent dedup keys live outside the hot task key-space so a request
// that was already enqueued (by block_height,request_id) is never pushed
// twice, per spec §4.1 "push an idempotent Compile task to the queue".
func dedupKey(blockHeight uint64, requestID uint64) []byte {
	return []byte(fmt.Sprintf("dedup:%d:%d", blockHeight, requestID))
}

// Push enqueues a task, deduping by (block_height, request_id) per spec
// §4.1. Returns (false, nil) if the task was already enqueued.
func (q *Queue) Push(blockHeight uint64, t Task) (bool, error) {
	dk := dedupKey(blockHeight, t.RequestID)
	if _, err := q.db.Get(dk, nil); err == nil {
		return false, nil
	}

	b, err := json.Marshal(t)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Put(taskKey(t.TaskID), b)
	batch.Put(dk, []byte(t.TaskID))
	if err := q.db.Write(batch, nil); err != nil {
		return false, err
	}

	q.mu.Lock()
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w <- t
		return true, nil
	}
	q.mu.Unlock()
	return true, nil
}

// Pop performs a blocking long-poll pop with the given timeout, clipped to
// MaxPollTimeout (spec §4.7, §5). Returns (Task{}, false, nil) on timeout.
func (q *Queue) Pop(timeout time.Duration) (Task, bool, error) {
	if timeout > MaxPollTimeout {
		timeout = MaxPollTimeout
	}

	if t, ok, err := q.popAny(); err != nil || ok {
		return t, ok, err
	}

	ch := make(chan Task, 1)
	q.mu.Lock()
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case t := <-ch:
		_ = q.remove(t.TaskID)
		return t, true, nil
	case <-time.After(timeout):
		q.removeWaiter(ch)
		return Task{}, false, nil
	}
}

func (q *Queue) popAny() (Task, bool, error) {
	iter := q.db.NewIterator(util.BytesPrefix([]byte("task:")), nil)
	defer iter.Release()
	if !iter.Next() {
		return Task{}, false, iter.Error()
	}
	var t Task
	if err := json.Unmarshal(iter.Value(), &t); err != nil {
		return Task{}, false, err
	}
	if err := q.remove(t.TaskID); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (q *Queue) remove(taskID string) error {
	return q.db.Delete(taskKey(taskID), nil)
}

func (q *Queue) removeWaiter(target chan Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
