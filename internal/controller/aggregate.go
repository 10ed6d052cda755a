package controller

import (
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// ============================================================================
// 狀態聚合：step → job → event → PR/branch
//
// 每一層只有一個 recompute 入口，呼叫端不直接指定父層狀態。
// ============================================================================

// RunningStatus 任務執行中（尚未 complete）的狀態。
// 使用者設定的 canceled / not_started 會保留，其餘一律為 running。
func RunningStatus(job *types.Job) types.Status {
	switch job.Status {
	case types.StatusCanceled, types.StatusNotStarted:
		return job.Status
	}
	return types.StatusRunning
}

// ClassifyJob 任務結束時的完整分類：合併所有步驟狀態，
// 若結果為 failed 但每個 failed 步驟都允許失敗，降為 failed_ok。
func ClassifyJob(steps []*types.StepResult) types.Status {
	if len(steps) == 0 {
		return types.StatusSuccess
	}
	statuses := make([]types.Status, len(steps))
	for i, s := range steps {
		statuses[i] = s.Status
	}
	status := types.Fold(statuses...)
	if status != types.StatusFailed {
		return status
	}
	for _, s := range steps {
		if s.Status == types.StatusFailed && !s.AllowedToFail {
			return types.StatusFailed
		}
	}
	return types.StatusFailedOK
}

// RecomputeJob 依任務目前階段重新計算狀態並儲存
func (c *Controller) RecomputeJob(tx store.Tx, job *types.Job) error {
	if job.Complete {
		if job.Status != types.StatusCanceled {
			steps, err := tx.StepResults(job.ID)
			if err != nil {
				return err
			}
			job.Status = ClassifyJob(steps)
		}
	} else {
		job.Status = RunningStatus(job)
	}
	job.UpdatedAt = c.now()
	return tx.SaveJob(job)
}

// RecomputeEvent 以 active 任務重新計算事件狀態，並在事件沒有更新的兄弟事件時
// 鏡像到 PR 或分支。回傳更新後的事件。
func (c *Controller) RecomputeEvent(tx store.Tx, eventID types.EventID) (*types.Event, error) {
	event, err := tx.Event(eventID)
	if err != nil {
		return nil, err
	}
	jobs, err := tx.EventJobs(eventID)
	if err != nil {
		return nil, err
	}

	var statuses []types.Status
	complete := false
	for _, j := range jobs {
		if !j.Active {
			continue
		}
		if len(statuses) == 0 {
			complete = true
		}
		statuses = append(statuses, j.Status)
		complete = complete && j.Complete
	}
	event.Status = types.Fold(statuses...)
	event.Complete = complete
	event.UpdatedAt = c.now()
	if err := tx.SaveEvent(event); err != nil {
		return nil, err
	}

	siblings, err := tx.SiblingEvents(event)
	if err != nil {
		return nil, err
	}
	if !IsAuthoritative(event, siblings) {
		log.Debug("newer sibling event exists, not cascading", "eventID", event.ID)
		return event, nil
	}
	return event, c.cascade(tx, event)
}

// cascade 將事件狀態鏡像到 PR（PR 事件）或分支（push 事件）
func (c *Controller) cascade(tx store.Tx, event *types.Event) error {
	switch {
	case event.Cause == types.CausePullRequest && event.PullRequestID != nil:
		pr, err := tx.PullRequest(*event.PullRequestID)
		if err != nil {
			return err
		}
		pr.Status = event.Status
		pr.UpdatedAt = c.now()
		return tx.SavePullRequest(pr)
	case event.Cause == types.CausePush && event.BranchID != nil:
		branch, err := tx.Branch(*event.BranchID)
		if err != nil {
			return err
		}
		branch.Status = event.Status
		branch.UpdatedAt = c.now()
		return tx.SaveBranch(branch)
	}
	return nil
}

// makeJobsReady 將同事件中前置 recipe 已完成的任務標為 ready，回傳變更數
func (c *Controller) makeJobsReady(tx store.Tx, eventID types.EventID) (int, error) {
	jobs, err := tx.EventJobs(eventID)
	if err != nil {
		return 0, err
	}

	// 每個 recipe 在此事件中的任務是否全部成功完成
	passed := make(map[types.RecipeID]bool)
	for _, j := range jobs {
		if !j.Active {
			continue
		}
		ok := j.Complete && (j.Status == types.StatusSuccess || j.Status == types.StatusFailedOK)
		if prev, seen := passed[j.RecipeID]; seen {
			ok = ok && prev
		}
		passed[j.RecipeID] = ok
	}

	changed := 0
	for _, j := range jobs {
		if j.Ready || !j.Active {
			continue
		}
		recipe, err := tx.Recipe(j.RecipeID)
		if err != nil {
			return changed, err
		}
		satisfied := true
		for _, dep := range recipe.DependsOn {
			if ok, found := passed[dep]; found && !ok {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		j.Ready = true
		j.UpdatedAt = c.now()
		if err := tx.SaveJob(j); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
