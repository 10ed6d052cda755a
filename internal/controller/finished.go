package controller

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/ci-dispatch/internal/commands"
	"github.com/ChuLiYu/ci-dispatch/internal/jobinfo"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// FinishReport client 回報任務結束
type FinishReport struct {
	BuildKey   string
	ClientName string
	JobID      types.JobID
	Seconds    float64
	Complete   bool
}

// FinishResult job_finished 的回應
type FinishResult struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Job     types.Status `json:"job_status"`
}

// JobFinished 任務結束：解析輸出、分類狀態、聚合到事件，
// 並讓同事件中前置條件已滿足的任務進入佇列。
//
// 已失效且尚未重新認領的任務直接回應，不做任何變更。
func (c *Controller) JobFinished(ctx context.Context, r FinishReport) (*FinishResult, error) {
	var (
		result   *FinishResult
		finished bool
		n        notices
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		n, finished = notices{}, false
		user, err := authenticate(tx, r.BuildKey)
		if err != nil {
			return err
		}
		job, err := ownedJob(tx, user, r.JobID)
		if err != nil {
			return err
		}
		if _, err := claimant(tx, user, job, r.ClientName); err != nil {
			return err
		}
		if job.Invalidated && job.Status == types.StatusNotStarted {
			result = &FinishResult{Status: "OK", Message: "job was invalidated, result ignored", Job: job.Status}
			return nil
		}

		steps, err := tx.StepResults(job.ID)
		if err != nil {
			return err
		}
		outputs := make([]string, len(steps))
		for i, s := range steps {
			outputs[i] = s.Output
		}
		info := jobinfo.ParseOutput(outputs...)
		job.OS = info.OS
		job.LoadedModules = info.Modules
		job.Seconds = r.Seconds
		job.Complete = r.Complete
		if err := c.RecomputeJob(tx, job); err != nil {
			return err
		}

		event, err := c.RecomputeEvent(tx, job.EventID)
		if err != nil {
			return err
		}
		readied, err := c.makeJobsReady(tx, job.EventID)
		if err != nil {
			return err
		}
		if readied > 0 {
			log.Info("jobs became ready", "eventID", job.EventID, "count", readied)
		}

		recipe, err := tx.Recipe(job.RecipeID)
		if err != nil {
			return err
		}
		var pr *types.PullRequest
		if event.PullRequestID != nil {
			if pr, err = tx.PullRequest(*event.PullRequestID); err != nil {
				return err
			}
		}

		n.commitStatus(c, user, event, job, recipe, finishedDescription(job))
		if c.config.RemoteUpdate && (job.Status.IsFailure() || event.CommentsURL != "") {
			n.commands = append(n.commands, commands.Job{
				Label:   jobLabel(recipe, job),
				HeadSHA: event.Head.SHA,
				Target:  commands.TargetFor(event, pr),
				Session: session(user),
				Steps:   indexedSteps(recipe.Steps),
				Results: steps,
			})
		}
		result = &FinishResult{Status: "OK", Message: "Finished", Job: job.Status}
		finished = true
		return nil
	})
	if err != nil {
		log.Debug("job finished rejected", "jobID", r.JobID, "client", r.ClientName, "error", err)
		return nil, err
	}

	if finished {
		c.metrics.RecordJobFinished(string(result.Job))
		log.Info("job finished", "jobID", r.JobID, "status", result.Job, "seconds", r.Seconds)
	}
	c.flush(ctx, &n)
	return result, nil
}

func finishedDescription(job *types.Job) string {
	if !job.Complete {
		return "Incomplete"
	}
	switch job.Status {
	case types.StatusSuccess:
		return fmt.Sprintf("Passed in %.0fs", job.Seconds)
	case types.StatusFailedOK:
		return fmt.Sprintf("Failed but allowed in %.0fs", job.Seconds)
	case types.StatusFailed:
		return fmt.Sprintf("Failed in %.0fs", job.Seconds)
	case types.StatusCanceled:
		return "Canceled"
	default:
		return string(job.Status)
	}
}

// indexedSteps 步驟結果的 position 為 recipe 中的索引
func indexedSteps(steps []types.Step) []types.Step {
	out := make([]types.Step, len(steps))
	for i, s := range steps {
		s.Position = i
		out[i] = s
	}
	return out
}
