package outbox

import (
	"context"
	"sync"
	"time"
)

// Task is deferred work. Run is called again on every retry, so it must be
// safe to repeat.
type Task struct {
	ID         string
	Name       string
	Run        func(ctx context.Context) error
	RetryAt    time.Time
	RetryCount int
	MaxRetries int
	LastError  string
}

type Queue struct {
	items []*Task
	dead  []*Task
	now   func() time.Time
	mu    sync.Mutex
}

func NewQueue() *Queue {
	return &Queue{
		items: make([]*Task, 0),
		now:   time.Now,
	}
}

func (q *Queue) Enqueue(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, task)
}

// Dequeue removes and returns the first task that is due, or nil.
func (q *Queue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, task := range q.items {
		if !task.RetryAt.After(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return task
		}
	}
	return nil
}

// Bury keeps a task that ran out of retries for inspection.
func (q *Queue) Bury(task *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, task)
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Pending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*Task, len(q.items))
	copy(result, q.items)
	return result
}

func (q *Queue) Dead() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*Task, len(q.dead))
	copy(result, q.dead)
	return result
}
