package recovery

import (
	"context"
	"fmt"
	"time"
)

const retryBatchSize = 100

// remediateQueues repairs each failing queue: park stuck active jobs, retry
// failed jobs, and trim old completed entries. Stuck jobs move to the failed
// set first so the retry pass in the same run puts them back on the wait
// list. Every sub-step is isolated; a failing step contributes an error
// message and the rest still run.
func (e *Engine) remediateQueues(ctx context.Context, queueNames []string) (actions []string, ok bool) {
	ok = true
	if e.queueRepair == nil {
		return []string{"queue remediation skipped: no queue backend configured"}, false
	}

	for _, name := range queueNames {
		queueName := name

		action, stepOK := e.runStep("queue", "requeue stuck jobs", func() (string, error) {
			return e.requeueStuckJobs(ctx, queueName)
		})
		actions = append(actions, action)
		ok = ok && stepOK

		action, stepOK = e.runStep("queue", "retry failed jobs", func() (string, error) {
			return e.retryFailedJobs(ctx, queueName)
		})
		actions = append(actions, action)
		ok = ok && stepOK

		action, stepOK = e.runStep("queue", "clean completed jobs", func() (string, error) {
			removed, err := e.queueRepair.CleanCompleted(ctx, queueName, e.cfg.CompletedRetention)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("cleaned %d completed jobs from %s", removed, queueName), nil
		})
		actions = append(actions, action)
		ok = ok && stepOK
	}
	return actions, ok
}

func (e *Engine) retryFailedJobs(ctx context.Context, queueName string) (string, error) {
	ids, err := e.queueRepair.GetFailedIDs(ctx, queueName, retryBatchSize)
	if err != nil {
		return "", fmt.Errorf("list failed jobs for %s: %w", queueName, err)
	}

	retried := 0
	for _, id := range ids {
		if err := e.queueRepair.Retry(ctx, queueName, id); err != nil {
			return "", fmt.Errorf("retry job %s on %s after %d retried: %w", id, queueName, retried, err)
		}
		retried++
	}
	return fmt.Sprintf("retried %d failed jobs on %s", retried, queueName), nil
}

// requeueStuckJobs moves active jobs past their staleness window to the
// failed set, where the retry step that follows picks them up. The window
// depends on the queue class: short-job queues get the short window, long-job
// queues the long one.
func (e *Engine) requeueStuckJobs(ctx context.Context, queueName string) (string, error) {
	jobs, err := e.queueRepair.GetActive(ctx, queueName)
	if err != nil {
		return "", fmt.Errorf("list active jobs for %s: %w", queueName, err)
	}

	window := e.stuckWindow(queueName)
	cutoff := time.Now().Add(-window)
	moved := 0
	for _, job := range jobs {
		if job.ProcessedOn.IsZero() || job.ProcessedOn.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("stuck in active state for over %s", window)
		if err := e.queueRepair.MoveToFailed(ctx, queueName, job.ID, reason); err != nil {
			return "", fmt.Errorf("move stuck job %s on %s: %w", job.ID, queueName, err)
		}
		moved++
	}
	return fmt.Sprintf("moved %d stuck jobs to failed on %s", moved, queueName), nil
}

func (e *Engine) stuckWindow(queueName string) time.Duration {
	for _, q := range e.queues {
		if q.Name == queueName && q.Class == "long" {
			return e.cfg.StuckActiveLong
		}
	}
	return e.cfg.StuckActiveShort
}
