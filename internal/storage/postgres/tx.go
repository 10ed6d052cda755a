package postgres

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// pgTx 包裝單一 gorm 交易
type pgTx struct {
	db       *gorm.DB
	writable bool
}

var _ store.Tx = (*pgTx)(nil)

// first 查詢單筆；查無資料時回傳 notFound
func first[M any](db *gorm.DB, dst *M, notFound error, query string, args ...any) error {
	err := db.Where(query, args...).First(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return err
}

// locked 可寫入交易中的列鎖
func (tx *pgTx) locked() *gorm.DB {
	if tx.writable {
		return tx.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx.db
}

// save ID 為零時新增，否則整列覆寫
func (tx *pgTx) save(m any, isNew bool) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if isNew {
		return tx.db.Create(m).Error
	}
	return tx.db.Save(m).Error
}

// ============================================================================
// User / Client
// ============================================================================

func (tx *pgTx) UserByBuildKey(buildKey string) (*types.User, error) {
	var m UserModel
	if err := first(tx.db, &m, store.ErrUnknownBuildKey, "build_key = ?", buildKey); err != nil {
		return nil, err
	}
	return modelToUser(&m), nil
}

func (tx *pgTx) User(id types.UserID) (*types.User, error) {
	var m UserModel
	if err := first(tx.db, &m, store.ErrUserNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToUser(&m), nil
}

func (tx *pgTx) SaveUser(u *types.User) error {
	m := userToModel(u)
	if err := tx.save(m, u.ID == 0); err != nil {
		return err
	}
	u.ID = types.UserID(m.ID)
	return nil
}

func (tx *pgTx) Client(userID types.UserID, name string) (*types.Client, error) {
	var m ClientModel
	if err := first(tx.db, &m, store.ErrClientNotFound, "user_id = ? AND name = ?", int64(userID), name); err != nil {
		return nil, err
	}
	return modelToClient(&m), nil
}

func (tx *pgTx) ClientByID(id types.ClientID) (*types.Client, error) {
	var m ClientModel
	if err := first(tx.db, &m, store.ErrClientNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToClient(&m), nil
}

func (tx *pgTx) SaveClient(c *types.Client) error {
	m := clientToModel(c)
	if err := tx.save(m, c.ID == 0); err != nil {
		return err
	}
	c.ID = types.ClientID(m.ID)
	return nil
}

// ============================================================================
// Recipe / Event
// ============================================================================

func (tx *pgTx) Recipe(id types.RecipeID) (*types.Recipe, error) {
	var m RecipeModel
	if err := first(tx.db, &m, store.ErrRecipeNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToRecipe(&m)
}

func (tx *pgTx) Recipes(userID types.UserID) ([]*types.Recipe, error) {
	var models []RecipeModel
	if err := tx.db.Where("user_id = ?", int64(userID)).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Recipe, 0, len(models))
	for i := range models {
		r, err := modelToRecipe(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (tx *pgTx) SaveRecipe(r *types.Recipe) error {
	m := recipeToModel(r)
	if err := tx.save(m, r.ID == 0); err != nil {
		return err
	}
	r.ID = types.RecipeID(m.ID)
	r.CreatedAt = m.CreatedAt
	return nil
}

func (tx *pgTx) Event(id types.EventID) (*types.Event, error) {
	var m EventModel
	if err := first(tx.locked(), &m, store.ErrEventNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToEvent(&m)
}

func (tx *pgTx) SaveEvent(e *types.Event) error {
	m := eventToModel(e)
	if err := tx.save(m, e.ID == 0); err != nil {
		return err
	}
	e.ID = types.EventID(m.ID)
	e.CreatedAt = m.CreatedAt
	return nil
}

func (tx *pgTx) SiblingEvents(e *types.Event) ([]*types.Event, error) {
	q := tx.db.Where("id <> ? AND cause = ?", int64(e.ID), string(e.Cause))
	switch {
	case e.Cause == types.CausePullRequest && e.PullRequestID != nil:
		q = q.Where("pull_request_id = ?", int64(*e.PullRequestID))
	case e.Cause == types.CausePush && e.BranchID != nil:
		q = q.Where("branch_id = ?", int64(*e.BranchID))
	default:
		return nil, nil
	}
	var models []EventModel
	if err := q.Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return toEvents(models)
}

func toEvents(models []EventModel) ([]*types.Event, error) {
	out := make([]*types.Event, 0, len(models))
	for i := range models {
		e, err := modelToEvent(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ============================================================================
// Job / StepResult
// ============================================================================

func (tx *pgTx) Job(id types.JobID) (*types.Job, error) {
	var m JobModel
	if err := first(tx.locked(), &m, store.ErrJobNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToJob(&m)
}

func (tx *pgTx) SaveJob(j *types.Job) error {
	m := jobToModel(j)
	if err := tx.save(m, j.ID == 0); err != nil {
		return err
	}
	j.ID = types.JobID(m.ID)
	j.CreatedAt = m.CreatedAt
	return nil
}

func (tx *pgTx) EventJobs(eventID types.EventID) ([]*types.Job, error) {
	var models []JobModel
	if err := tx.db.Where("event_id = ?", int64(eventID)).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return toJobs(models)
}

func (tx *pgTx) ReadyJobs(userID types.UserID, config string) ([]*types.Job, error) {
	var models []JobModel
	err := tx.db.
		Where("user_id = ? AND config = ?", int64(userID), config).
		Where("active AND ready").
		Where("(status = ? OR (status = ? AND client_id IS NULL))", string(types.StatusNotStarted), string(types.StatusRunning)).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toJobs(models)
}

func toJobs(models []JobModel) ([]*types.Job, error) {
	out := make([]*types.Job, 0, len(models))
	for i := range models {
		j, err := modelToJob(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (tx *pgTx) StepResult(id types.StepResultID) (*types.StepResult, error) {
	var m StepResultModel
	if err := first(tx.locked(), &m, store.ErrStepNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToStep(&m), nil
}

// StepResultJob 不加鎖，呼叫端先鎖任務再以 StepResult 鎖步驟
func (tx *pgTx) StepResultJob(id types.StepResultID) (types.JobID, error) {
	var m StepResultModel
	if err := first(tx.db.Select("id", "job_id"), &m, store.ErrStepNotFound, "id = ?", int64(id)); err != nil {
		return 0, err
	}
	return types.JobID(m.JobID), nil
}

func (tx *pgTx) StepResults(jobID types.JobID) ([]*types.StepResult, error) {
	var models []StepResultModel
	if err := tx.db.Where("job_id = ?", int64(jobID)).Order("position, id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.StepResult, len(models))
	for i := range models {
		out[i] = modelToStep(&models[i])
	}
	return out, nil
}

func (tx *pgTx) SaveStepResult(s *types.StepResult) error {
	m := stepToModel(s)
	if err := tx.save(m, s.ID == 0); err != nil {
		return err
	}
	s.ID = types.StepResultID(m.ID)
	return nil
}

func (tx *pgTx) DeleteStepResults(jobID types.JobID) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return tx.db.Where("job_id = ?", int64(jobID)).Delete(&StepResultModel{}).Error
}

// ============================================================================
// PullRequest / Branch
// ============================================================================

func (tx *pgTx) PullRequest(id types.PullRequestID) (*types.PullRequest, error) {
	var m PullRequestModel
	if err := first(tx.locked(), &m, store.ErrPullRequestNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToPR(&m), nil
}

func (tx *pgTx) PullRequestByURL(url string) (*types.PullRequest, error) {
	var m PullRequestModel
	if err := first(tx.db, &m, store.ErrPullRequestNotFound, "url = ?", url); err != nil {
		return nil, err
	}
	return modelToPR(&m), nil
}

func (tx *pgTx) SavePullRequest(p *types.PullRequest) error {
	m := prToModel(p)
	if err := tx.save(m, p.ID == 0); err != nil {
		return err
	}
	p.ID = types.PullRequestID(m.ID)
	return nil
}

func (tx *pgTx) Branch(id types.BranchID) (*types.Branch, error) {
	var m BranchModel
	if err := first(tx.locked(), &m, store.ErrBranchNotFound, "id = ?", int64(id)); err != nil {
		return nil, err
	}
	return modelToBranch(&m), nil
}

func (tx *pgTx) BranchByName(owner, repo, name string) (*types.Branch, error) {
	var m BranchModel
	if err := first(tx.db, &m, store.ErrBranchNotFound, "owner = ? AND repo = ? AND name = ?", owner, repo, name); err != nil {
		return nil, err
	}
	return modelToBranch(&m), nil
}

func (tx *pgTx) SaveBranch(b *types.Branch) error {
	m := branchToModel(b)
	if err := tx.save(m, b.ID == 0); err != nil {
		return err
	}
	b.ID = types.BranchID(m.ID)
	return nil
}
