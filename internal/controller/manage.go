package controller

import (
	"context"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// CancelJob 使用者取消任務。執行中的 client 在下一次回報時才會看到取消。
// 尚未被認領的任務直接視為完成。
func (c *Controller) CancelJob(ctx context.Context, buildKey string, id types.JobID) (*types.Job, error) {
	return c.manage(ctx, buildKey, id, "Canceled", func(job *types.Job) {
		job.Status = types.StatusCanceled
		job.Complete = job.Complete || job.ClientID == nil
	})
}

// InvalidateJob 捨棄任務目前的結果並重新排入佇列。
// sameClient 為 true 時只有原本的認領者可以重新認領。
func (c *Controller) InvalidateJob(ctx context.Context, buildKey string, id types.JobID, sameClient bool) (*types.Job, error) {
	return c.manage(ctx, buildKey, id, "Invalidated", func(job *types.Job) {
		job.Status = types.StatusNotStarted
		job.Invalidated = true
		job.SameClient = sameClient
		job.Complete = false
		job.Seconds = 0
	})
}

func (c *Controller) manage(ctx context.Context, buildKey string, id types.JobID, description string, mutate func(*types.Job)) (*types.Job, error) {
	var (
		out *types.Job
		n   notices
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		n = notices{}
		user, err := authenticate(tx, buildKey)
		if err != nil {
			return err
		}
		job, err := ownedJob(tx, user, id)
		if err != nil {
			return err
		}
		mutate(job)
		job.UpdatedAt = c.now()
		if err := tx.SaveJob(job); err != nil {
			return err
		}
		event, err := c.RecomputeEvent(tx, job.EventID)
		if err != nil {
			return err
		}
		recipe, err := tx.Recipe(job.RecipeID)
		if err != nil {
			return err
		}
		n.commitStatus(c, user, event, job, recipe, description)
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("job updated by user", "jobID", id, "action", description, "status", out.Status)
	c.flush(ctx, &n)
	return out, nil
}
