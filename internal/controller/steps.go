package controller

import (
	"context"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// ============================================================================
// 步驟狀態機
//
//	not_started → running → {success, failed_ok, failed, canceled}
//
// 任務被取消或失效時，回報仍會被接受，但步驟狀態改為任務本身的狀態。
// ============================================================================

// StepReport client 對單一步驟的回報
type StepReport struct {
	BuildKey   string
	ClientName string
	ResultID   types.StepResultID
	StepNum    int
	Output     string
	Time       float64
	Complete   bool
	ExitStatus int
}

// reportKind 回報種類
type reportKind int

const (
	reportStart reportKind = iota
	reportUpdate
	reportComplete
)

func (k reportKind) String() string {
	switch k {
	case reportStart:
		return "start"
	case reportUpdate:
		return "update"
	default:
		return "complete"
	}
}

// StartStep 步驟開始：輸出以回報內容取代
func (c *Controller) StartStep(ctx context.Context, r StepReport) error {
	_, err := c.reportStep(ctx, reportStart, r)
	return err
}

// UpdateStep 步驟進度：附加輸出，狀態維持 running（或任務被強制的狀態）
func (c *Controller) UpdateStep(ctx context.Context, r StepReport) error {
	_, err := c.reportStep(ctx, reportUpdate, r)
	return err
}

// CompleteStep 步驟結束，回傳 client 是否應繼續下一個步驟
func (c *Controller) CompleteStep(ctx context.Context, r StepReport) (bool, error) {
	return c.reportStep(ctx, reportComplete, r)
}

func (c *Controller) reportStep(ctx context.Context, kind reportKind, r StepReport) (bool, error) {
	var (
		next   bool
		status types.Status
		n      notices
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		n = notices{}
		user, err := authenticate(tx, r.BuildKey)
		if err != nil {
			return err
		}
		// 先鎖任務再鎖步驟，與 ClaimJob 的順序一致
		jobID, err := tx.StepResultJob(r.ResultID)
		if err != nil {
			return badRequest(err)
		}
		job, err := ownedJob(tx, user, jobID)
		if err != nil {
			return err
		}
		step, err := tx.StepResult(r.ResultID)
		if err != nil {
			return badRequest(err)
		}
		if step.JobID != job.ID {
			return badRequest(store.ErrStepNotFound)
		}
		if _, err := claimant(tx, user, job, r.ClientName); err != nil {
			return err
		}
		if r.StepNum != step.Position {
			return ErrStepNumMismatch
		}
		if kind == reportStart && job.Complete {
			return ErrJobComplete
		}
		if err := checkOrder(tx, job, step); err != nil {
			return err
		}

		switch kind {
		case reportStart:
			step.Output = r.Output
			step.Complete = false
		default:
			step.Output += r.Output
		}
		step.ExitStatus = r.ExitStatus
		step.Seconds = r.Time

		next = applyTransition(kind, job, step, r.ExitStatus)
		status = step.Status
		step.UpdatedAt = c.now()
		if err := tx.SaveStepResult(step); err != nil {
			return err
		}

		if err := c.RecomputeJob(tx, job); err != nil {
			return err
		}
		event, err := c.RecomputeEvent(tx, job.EventID)
		if err != nil {
			return err
		}

		if kind != reportUpdate {
			recipe, err := tx.Recipe(job.RecipeID)
			if err != nil {
				return err
			}
			n.commitStatus(c, user, event, job, recipe, stepDescription(kind, step))
		}
		return nil
	})
	if err != nil {
		log.Debug("step report rejected", "kind", kind, "stepResultID", r.ResultID, "error", err)
		return false, err
	}

	if kind == reportComplete {
		c.metrics.RecordStepCompleted(string(status))
	}
	c.flush(ctx, &n)
	return next, nil
}

// applyTransition 依回報種類設定步驟狀態，回傳是否繼續下一步驟
func applyTransition(kind reportKind, job *types.Job, step *types.StepResult, exitStatus int) bool {
	forced := job.Status == types.StatusCanceled || job.Status == types.StatusNotStarted
	switch kind {
	case reportStart, reportUpdate:
		if forced {
			step.Status = job.Status
		} else {
			step.Status = types.StatusRunning
		}
		return true
	}

	step.Complete = true
	if forced {
		step.Status = job.Status
		return false
	}
	step.Status = CompletedStatus(exitStatus, step.AllowedToFail)
	return NextStep(step.Status, step.AbortOnFailure)
}

// CompletedStatus 步驟結束時的狀態
func CompletedStatus(exitStatus int, allowedToFail bool) types.Status {
	switch {
	case exitStatus == 0:
		return types.StatusSuccess
	case allowedToFail:
		return types.StatusFailedOK
	default:
		return types.StatusFailed
	}
}

// NextStep 除非步驟失敗且設定 abort_on_failure，否則繼續
func NextStep(status types.Status, abortOnFailure bool) bool {
	return !(status.IsFailure() && abortOnFailure)
}

// checkOrder 任務執行中時，步驟必須依 position 順序回報
func checkOrder(tx store.Tx, job *types.Job, step *types.StepResult) error {
	if job.Status != types.StatusRunning {
		return nil
	}
	steps, err := tx.StepResults(job.ID)
	if err != nil {
		return err
	}
	for _, other := range steps {
		if other.ID == step.ID {
			continue
		}
		if other.Position < step.Position && !other.Status.IsTerminal() {
			return ErrStepOutOfOrder
		}
		if other.Status == types.StatusRunning {
			return ErrStepOutOfOrder
		}
	}
	return nil
}

func stepDescription(kind reportKind, step *types.StepResult) string {
	switch {
	case kind == reportStart:
		return "Running " + step.Name
	case step.Status == types.StatusSuccess:
		return step.Name + " passed"
	case step.Status == types.StatusFailedOK:
		return step.Name + " failed (allowed)"
	case step.Status == types.StatusFailed:
		return step.Name + " failed"
	default:
		return step.Name + " " + string(step.Status)
	}
}
