package jobmanager

import (
	"sort"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// memTx 記憶體交易。staged 中值為 nil 的項目代表刪除。
type memTx struct {
	jm       *JobManager
	writable bool
	staged   types.SnapshotData
}

var _ store.Tx = (*memTx)(nil)

func newTx(jm *JobManager, writable bool) *memTx {
	return &memTx{jm: jm, writable: writable, staged: types.NewSnapshotData()}
}

func (tx *memTx) committed() *types.SnapshotData {
	return &tx.jm.data
}

func (tx *memTx) empty() bool {
	s := &tx.staged
	return len(s.Users) == 0 && len(s.Clients) == 0 && len(s.Recipes) == 0 &&
		len(s.Events) == 0 && len(s.Jobs) == 0 && len(s.StepResults) == 0 &&
		len(s.PullRequests) == 0 && len(s.Branches) == 0
}

// ============================================================================
// 泛型輔助
// ============================================================================

func lookup[K comparable, V any](committed, staged map[K]*V, id K) (*V, bool) {
	if v, ok := staged[id]; ok {
		return v, v != nil
	}
	v, ok := committed[id]
	return v, ok
}

// each 走訪交易內可見的所有項目，staged 優先
func each[K comparable, V any](committed, staged map[K]*V, fn func(*V)) {
	for _, v := range staged {
		if v != nil {
			fn(v)
		}
	}
	for id, v := range committed {
		if _, ok := staged[id]; !ok {
			fn(v)
		}
	}
}

func (tx *memTx) checkWritable() error {
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// ============================================================================
// User
// ============================================================================

func (tx *memTx) UserByBuildKey(buildKey string) (*types.User, error) {
	var found *types.User
	each(tx.committed().Users, tx.staged.Users, func(u *types.User) {
		if u.BuildKey == buildKey && (found == nil || u.ID < found.ID) {
			found = u
		}
	})
	if found == nil {
		return nil, store.ErrUnknownBuildKey
	}
	return found.Clone(), nil
}

func (tx *memTx) User(id types.UserID) (*types.User, error) {
	u, ok := lookup(tx.committed().Users, tx.staged.Users, id)
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (tx *memTx) SaveUser(u *types.User) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if u.ID == 0 {
		u.ID = types.UserID(tx.jm.allocID(wal.KindUser))
	}
	tx.staged.Users[u.ID] = u.Clone()
	return nil
}

// ============================================================================
// Client
// ============================================================================

func (tx *memTx) Client(userID types.UserID, name string) (*types.Client, error) {
	var found *types.Client
	each(tx.committed().Clients, tx.staged.Clients, func(c *types.Client) {
		if c.UserID == userID && c.Name == name {
			found = c
		}
	})
	if found == nil {
		return nil, store.ErrClientNotFound
	}
	return found.Clone(), nil
}

func (tx *memTx) ClientByID(id types.ClientID) (*types.Client, error) {
	c, ok := lookup(tx.committed().Clients, tx.staged.Clients, id)
	if !ok {
		return nil, store.ErrClientNotFound
	}
	return c.Clone(), nil
}

func (tx *memTx) SaveClient(c *types.Client) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if c.ID == 0 {
		c.ID = types.ClientID(tx.jm.allocID(wal.KindClient))
	}
	tx.staged.Clients[c.ID] = c.Clone()
	return nil
}

// ============================================================================
// Recipe
// ============================================================================

func (tx *memTx) Recipe(id types.RecipeID) (*types.Recipe, error) {
	r, ok := lookup(tx.committed().Recipes, tx.staged.Recipes, id)
	if !ok {
		return nil, store.ErrRecipeNotFound
	}
	return r.Clone(), nil
}

func (tx *memTx) Recipes(userID types.UserID) ([]*types.Recipe, error) {
	var out []*types.Recipe
	each(tx.committed().Recipes, tx.staged.Recipes, func(r *types.Recipe) {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) SaveRecipe(r *types.Recipe) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if r.ID == 0 {
		r.ID = types.RecipeID(tx.jm.allocID(wal.KindRecipe))
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	tx.staged.Recipes[r.ID] = r.Clone()
	return nil
}

// ============================================================================
// Event
// ============================================================================

func (tx *memTx) Event(id types.EventID) (*types.Event, error) {
	e, ok := lookup(tx.committed().Events, tx.staged.Events, id)
	if !ok {
		return nil, store.ErrEventNotFound
	}
	return e.Clone(), nil
}

func (tx *memTx) SaveEvent(e *types.Event) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if e.ID == 0 {
		e.ID = types.EventID(tx.jm.allocID(wal.KindEvent))
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	tx.staged.Events[e.ID] = e.Clone()
	return nil
}

func (tx *memTx) SiblingEvents(e *types.Event) ([]*types.Event, error) {
	var out []*types.Event
	each(tx.committed().Events, tx.staged.Events, func(other *types.Event) {
		if other.ID != e.ID && sameTarget(e, other) {
			out = append(out, other.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// sameTarget PR 事件比對 PR，push 事件比對分支
func sameTarget(a, b *types.Event) bool {
	if a.Cause != b.Cause {
		return false
	}
	switch a.Cause {
	case types.CausePullRequest:
		return a.PullRequestID != nil && b.PullRequestID != nil && *a.PullRequestID == *b.PullRequestID
	case types.CausePush:
		return a.BranchID != nil && b.BranchID != nil && *a.BranchID == *b.BranchID
	}
	return false
}

// ============================================================================
// Job
// ============================================================================

func (tx *memTx) Job(id types.JobID) (*types.Job, error) {
	j, ok := lookup(tx.committed().Jobs, tx.staged.Jobs, id)
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (tx *memTx) SaveJob(j *types.Job) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if j.ID == 0 {
		j.ID = types.JobID(tx.jm.allocID(wal.KindJob))
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	tx.staged.Jobs[j.ID] = j.Clone()
	return nil
}

func (tx *memTx) EventJobs(eventID types.EventID) ([]*types.Job, error) {
	var out []*types.Job
	each(tx.committed().Jobs, tx.staged.Jobs, func(j *types.Job) {
		if j.EventID == eventID {
			out = append(out, j.Clone())
		}
	})
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (tx *memTx) ReadyJobs(userID types.UserID, config string) ([]*types.Job, error) {
	var out []*types.Job
	each(tx.committed().Jobs, tx.staged.Jobs, func(j *types.Job) {
		if j.UserID == userID && j.Config == config && j.Claimable() {
			out = append(out, j.Clone())
		}
	})
	return out, nil
}

// ============================================================================
// StepResult
// ============================================================================

func (tx *memTx) StepResult(id types.StepResultID) (*types.StepResult, error) {
	s, ok := lookup(tx.committed().StepResults, tx.staged.StepResults, id)
	if !ok {
		return nil, store.ErrStepNotFound
	}
	return s.Clone(), nil
}

func (tx *memTx) StepResultJob(id types.StepResultID) (types.JobID, error) {
	s, ok := lookup(tx.committed().StepResults, tx.staged.StepResults, id)
	if !ok {
		return 0, store.ErrStepNotFound
	}
	return s.JobID, nil
}

func (tx *memTx) StepResults(jobID types.JobID) ([]*types.StepResult, error) {
	var out []*types.StepResult
	each(tx.committed().StepResults, tx.staged.StepResults, func(s *types.StepResult) {
		if s.JobID == jobID {
			out = append(out, s.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) SaveStepResult(s *types.StepResult) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if s.ID == 0 {
		s.ID = types.StepResultID(tx.jm.allocID(wal.KindStepResult))
	}
	tx.staged.StepResults[s.ID] = s.Clone()
	return nil
}

func (tx *memTx) DeleteStepResults(jobID types.JobID) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	var ids []types.StepResultID
	each(tx.committed().StepResults, tx.staged.StepResults, func(s *types.StepResult) {
		if s.JobID == jobID {
			ids = append(ids, s.ID)
		}
	})
	for _, id := range ids {
		tx.staged.StepResults[id] = nil
	}
	return nil
}

// ============================================================================
// PullRequest / Branch
// ============================================================================

func (tx *memTx) PullRequest(id types.PullRequestID) (*types.PullRequest, error) {
	p, ok := lookup(tx.committed().PullRequests, tx.staged.PullRequests, id)
	if !ok {
		return nil, store.ErrPullRequestNotFound
	}
	return p.Clone(), nil
}

func (tx *memTx) PullRequestByURL(url string) (*types.PullRequest, error) {
	var found *types.PullRequest
	each(tx.committed().PullRequests, tx.staged.PullRequests, func(p *types.PullRequest) {
		if p.URL == url {
			found = p
		}
	})
	if found == nil {
		return nil, store.ErrPullRequestNotFound
	}
	return found.Clone(), nil
}

func (tx *memTx) SavePullRequest(p *types.PullRequest) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if p.ID == 0 {
		p.ID = types.PullRequestID(tx.jm.allocID(wal.KindPullRequest))
	}
	tx.staged.PullRequests[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) Branch(id types.BranchID) (*types.Branch, error) {
	b, ok := lookup(tx.committed().Branches, tx.staged.Branches, id)
	if !ok {
		return nil, store.ErrBranchNotFound
	}
	return b.Clone(), nil
}

func (tx *memTx) BranchByName(owner, repo, name string) (*types.Branch, error) {
	var found *types.Branch
	each(tx.committed().Branches, tx.staged.Branches, func(b *types.Branch) {
		if b.Owner == owner && b.Repo == repo && b.Name == name {
			found = b
		}
	})
	if found == nil {
		return nil, store.ErrBranchNotFound
	}
	return found.Clone(), nil
}

func (tx *memTx) SaveBranch(b *types.Branch) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if b.ID == 0 {
		b.ID = types.BranchID(tx.jm.allocID(wal.KindBranch))
	}
	tx.staged.Branches[b.ID] = b.Clone()
	return nil
}
