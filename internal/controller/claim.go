package controller

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// ClaimRequest 認領參數
type ClaimRequest struct {
	BuildKey   string
	Config     string
	ClientName string
	JobID      types.JobID
	IP         string
}

// StepDescription client 執行單一步驟所需的資料
type StepDescription struct {
	StepResultID   types.StepResultID `json:"step_result_id"`
	StepNum        int                `json:"step_num"`
	Name           string             `json:"step_name"`
	Script         string             `json:"script"`
	Environment    map[string]string  `json:"environment"`
	AbortOnFailure bool               `json:"abort_on_failure"`
	AllowedToFail  bool               `json:"allowed_to_fail"`
}

// JobDescription 認領成功時回傳給 client 的完整任務描述
type JobDescription struct {
	JobID          types.JobID       `json:"job_id"`
	Status         string            `json:"status"`
	Config         string            `json:"config"`
	RecipeName     string            `json:"recipe_name"`
	RecipeSHA      string            `json:"recipe_sha"`
	Environment    map[string]string `json:"environment"`
	PrestepSources []string          `json:"prestep_sources"`
	Steps          []StepDescription `json:"steps"`
}

// ClaimJob 將任務指派給 client。
//
// 前置條件依序檢查：
//  1. build key 對應到使用者
//  2. 任務存在且屬於該使用者
//  3. 任務的 config 與請求相同
//  4. same_client 失效任務只允許原認領者
//  5. 任務可被認領（active、ready，且尚未開始或認領者已被釋放）
//
// 檢查與指派在同一個交易內完成，兩個 client 同時認領時只有一個成功。
func (c *Controller) ClaimJob(ctx context.Context, req ClaimRequest) (*JobDescription, error) {
	start := time.Now()
	var (
		desc *JobDescription
		n    notices
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		n = notices{}
		user, err := authenticate(tx, req.BuildKey)
		if err != nil {
			return err
		}
		job, err := ownedJob(tx, user, req.JobID)
		if err != nil {
			return err
		}
		if job.Config != req.Config {
			return ErrConfigMismatch
		}
		if err := checkOwner(tx, job, req.ClientName); err != nil {
			return err
		}
		if !job.Claimable() {
			return ErrNotClaimable
		}

		client, err := c.ensureClient(tx, user, req.ClientName, req.IP)
		if err != nil {
			return err
		}
		recipe, err := tx.Recipe(job.RecipeID)
		if err != nil {
			return err
		}
		event, err := tx.Event(job.EventID)
		if err != nil {
			return err
		}

		job.ClientID = &client.ID
		job.Status = types.StatusRunning
		job.Complete = false
		job.RecipeSHA = RecipeSHA(recipe)
		job.UpdatedAt = c.now()
		if err := tx.SaveJob(job); err != nil {
			return err
		}

		results, err := c.resetStepResults(tx, job, recipe)
		if err != nil {
			return err
		}
		if _, err := c.RecomputeEvent(tx, job.EventID); err != nil {
			return err
		}

		var pr *types.PullRequest
		if event.PullRequestID != nil {
			if pr, err = tx.PullRequest(*event.PullRequestID); err != nil {
				return err
			}
		}
		desc = describe(job, recipe, event, pr, results)
		n.commitStatus(c, user, event, job, recipe, "Running on "+client.Name)
		return nil
	})
	if err != nil {
		c.metrics.RecordClaimRejected(rejectionReason(err))
		log.Debug("claim rejected", "jobID", req.JobID, "client", req.ClientName, "error", err)
		return nil, err
	}

	c.metrics.RecordClaim(time.Since(start).Seconds())
	log.Info("job claimed", "jobID", req.JobID, "client", req.ClientName, "config", req.Config)
	c.flush(ctx, &n)
	return desc, nil
}

// checkOwner same_client 的失效任務不可被其他 client 認領
func checkOwner(tx store.Tx, job *types.Job, clientName string) error {
	if !job.Invalidated || !job.SameClient || job.ClientID == nil {
		return nil
	}
	owner, err := tx.ClientByID(*job.ClientID)
	if err != nil {
		return err
	}
	if owner.Name != clientName {
		return ErrOwnedByOther
	}
	return nil
}


// resetStepResults 清除舊的執行紀錄，依 recipe 步驟建立新的
func (c *Controller) resetStepResults(tx store.Tx, job *types.Job, recipe *types.Recipe) ([]*types.StepResult, error) {
	if err := tx.DeleteStepResults(job.ID); err != nil {
		return nil, err
	}
	results := make([]*types.StepResult, 0, len(recipe.Steps))
	for i, step := range recipe.Steps {
		r := &types.StepResult{
			JobID:          job.ID,
			Name:           step.Name,
			Position:       i,
			Status:         types.StatusNotStarted,
			AbortOnFailure: step.AbortOnFailure,
			AllowedToFail:  step.AllowedToFail,
			UpdatedAt:      c.now(),
		}
		if err := tx.SaveStepResult(r); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// describe 組出 client 所需的任務描述與環境變數
func describe(job *types.Job, recipe *types.Recipe, event *types.Event, pr *types.PullRequest, results []*types.StepResult) *JobDescription {
	env := make(map[string]string, len(recipe.Environment)+10)
	for k, v := range recipe.Environment {
		env[k] = v
	}
	env["CI_JOB_ID"] = strconv.FormatInt(int64(job.ID), 10)
	env["CI_RECIPE_NAME"] = recipe.Name
	env["CI_BUILD_CONFIG"] = job.Config
	env["CI_EVENT_CAUSE"] = string(event.Cause)
	env["CI_HEAD_REPO"] = event.Head.Owner + "/" + event.Head.Repo
	env["CI_HEAD_REF"] = event.Head.Ref
	env["CI_HEAD_SHA"] = event.Head.SHA
	env["CI_BASE_REPO"] = event.Base.Owner + "/" + event.Base.Repo
	env["CI_BASE_REF"] = event.Base.Ref
	env["CI_BASE_SHA"] = event.Base.SHA
	if pr != nil {
		env["CI_PR_NUM"] = strconv.Itoa(pr.Number)
	}

	desc := &JobDescription{
		JobID:          job.ID,
		Status:         "OK",
		Config:         job.Config,
		RecipeName:     recipe.Name,
		RecipeSHA:      job.RecipeSHA,
		Environment:    env,
		PrestepSources: append([]string{}, recipe.PrestepSources...),
		Steps:          make([]StepDescription, len(results)),
	}
	for i, r := range results {
		step := recipe.Steps[i]
		stepEnv := make(map[string]string, len(step.Environment)+4)
		for k, v := range step.Environment {
			stepEnv[k] = v
		}
		stepEnv["CI_STEP_NAME"] = step.Name
		stepEnv["CI_STEP_NUM"] = strconv.Itoa(i)
		stepEnv["CI_STEP_ABORT_ON_FAILURE"] = strconv.FormatBool(step.AbortOnFailure)
		stepEnv["CI_STEP_ALLOWED_TO_FAIL"] = strconv.FormatBool(step.AllowedToFail)
		desc.Steps[i] = StepDescription{
			StepResultID:   r.ID,
			StepNum:        r.Position,
			Name:           step.Name,
			Script:         step.Script,
			Environment:    stepEnv,
			AbortOnFailure: step.AbortOnFailure,
			AllowedToFail:  step.AllowedToFail,
		}
	}
	return desc
}

// recipeContent recipe 中影響執行結果的欄位
type recipeContent struct {
	Name           string            `json:"name"`
	Environment    map[string]string `json:"environment"`
	PrestepSources []string          `json:"prestep_sources"`
	Steps          []types.Step      `json:"steps"`
}

// RecipeSHA recipe 內容的 SHA-1（40 碼 hex）。map 欄位由 encoding/json 依鍵排序。
func RecipeSHA(r *types.Recipe) string {
	// 只含字串、整數與布林，Marshal 不會失敗
	b, _ := json.Marshal(recipeContent{
		Name:           r.Name,
		Environment:    r.Environment,
		PrestepSources: r.PrestepSources,
		Steps:          r.Steps,
	})
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
