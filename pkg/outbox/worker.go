package outbox

import (
	"context"
	"time"
)

// RunPending runs every task that is due and returns how many succeeded.
// Failed tasks go back to the queue with a doubled delay, or are buried once
// they used up their retries or failed permanently.
func (o *Outbox) RunPending(ctx context.Context) int {
	done := 0
	var retry []*Task
	for {
		task := o.queue.Dequeue()
		if task == nil {
			break
		}
		err := task.Run(ctx)
		if err == nil {
			done++
			o.log.Info("deferred task completed", "task", task.Name, "task_id", task.ID, "retries", task.RetryCount)
			continue
		}

		task.RetryCount++
		task.LastError = err.Error()
		if task.RetryCount >= task.MaxRetries || Permanent(err) {
			o.queue.Bury(task)
			o.log.Error("deferred task abandoned", "task", task.Name, "task_id", task.ID, "retries", task.RetryCount, "error", err)
			continue
		}
		task.RetryAt = o.queue.now().Add(o.baseDelay * time.Duration(1<<task.RetryCount))
		retry = append(retry, task)
		o.log.Warn("deferred task failed", "task", task.Name, "task_id", task.ID, "retries", task.RetryCount, "error", err)
	}
	for _, task := range retry {
		o.queue.Enqueue(task)
	}
	return done
}

// Run processes due tasks every interval until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunPending(ctx)
		}
	}
}
