package controller

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	testBuildKey = "123"
	testConfig   = "linux-gnu"
	testClient   = "client-one"
	testSHA      = "1234abcd5678ef901234abcd5678ef901234abcd"
)

type fixture struct {
	t    *testing.T
	ctx  context.Context
	ctl  *Controller
	jm   *jobmanager.JobManager
	api  *hosting.Recorder
	now  time.Time
	user *types.User
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:   t,
		ctx: context.Background(),
		jm:  jobmanager.NewJobManager(),
		api: &hosting.Recorder{},
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	defaults := []Option{
		WithHosting(f.api),
		WithConfig(Config{RemoteUpdate: true, BaseURL: "https://ci.example.com"}),
		WithClock(func() time.Time { return f.now }),
	}
	f.ctl = New(f.jm, append(defaults, opts...)...)
	f.update(func(tx store.Tx) error {
		f.user = &types.User{Name: "moosebuild", BuildKey: testBuildKey, Token: "tok"}
		return tx.SaveUser(f.user)
	})
	return f
}

// tick 讓時鐘前進一秒並回傳新的時間
func (f *fixture) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fixture) update(fn func(tx store.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.jm.Update(f.ctx, fn))
}

func (f *fixture) view(fn func(tx store.Tx) error) {
	f.t.Helper()
	require.NoError(f.t, f.jm.View(f.ctx, fn))
}

func step(name string, abort, allowed bool) types.Step {
	return types.Step{Name: name, Script: "echo " + name, AbortOnFailure: abort, AllowedToFail: allowed}
}

func (f *fixture) addRecipe(name string, priority int, steps ...types.Step) *types.Recipe {
	f.t.Helper()
	if len(steps) == 0 {
		steps = []types.Step{step("build", true, false)}
	}
	r := &types.Recipe{
		UserID:       f.user.ID,
		Name:         name,
		Priority:     priority,
		Causes:       []types.Cause{types.CausePush, types.CausePullRequest},
		BuildConfigs: []string{testConfig},
		Steps:        steps,
		Active:       true,
		CreatedAt:    f.tick(),
	}
	f.update(func(tx store.Tx) error { return tx.SaveRecipe(r) })
	return r
}

func (f *fixture) addPR(url string) *types.PullRequest {
	f.t.Helper()
	pr := &types.PullRequest{
		Number:            1,
		URL:               url,
		ReviewCommentsURL: url + "/review_comments",
		Status:            types.StatusNotStarted,
	}
	f.update(func(tx store.Tx) error { return tx.SavePullRequest(pr) })
	return pr
}

func (f *fixture) addEvent(pr *types.PullRequest) *types.Event {
	f.t.Helper()
	e := &types.Event{
		UserID:    f.user.ID,
		Cause:     types.CausePullRequest,
		Head:      types.Commit{Owner: "idaholab", Repo: "moose", Ref: "devel", SHA: testSHA},
		Status:    types.StatusNotStarted,
		CreatedAt: f.tick(),
	}
	if pr != nil {
		e.PullRequestID = &pr.ID
		e.CommentsURL = pr.URL + "/comments"
	} else {
		e.Cause = types.CausePush
	}
	f.update(func(tx store.Tx) error { return tx.SaveEvent(e) })
	return e
}

func (f *fixture) addJob(e *types.Event, r *types.Recipe, mods ...func(*types.Job)) *types.Job {
	f.t.Helper()
	j := &types.Job{
		EventID:   e.ID,
		RecipeID:  r.ID,
		UserID:    f.user.ID,
		Config:    testConfig,
		Status:    types.StatusNotStarted,
		Active:    true,
		Ready:     true,
		OS:        types.OSInfo{Name: types.OtherOS},
		CreatedAt: f.tick(),
	}
	for _, m := range mods {
		m(j)
	}
	f.update(func(tx store.Tx) error { return tx.SaveJob(j) })
	return j
}

// simpleJob 建立 recipe / PR / event / job 一組
func (f *fixture) simpleJob(steps ...types.Step) (*types.Job, *types.Event, *types.PullRequest) {
	f.t.Helper()
	r := f.addRecipe("Test Recipe", 1, steps...)
	pr := f.addPR("https://api.github.com/repos/idaholab/moose/pulls/1")
	e := f.addEvent(pr)
	return f.addJob(e, r), e, pr
}

func (f *fixture) job(id types.JobID) *types.Job {
	f.t.Helper()
	var j *types.Job
	f.view(func(tx store.Tx) error {
		var err error
		j, err = tx.Job(id)
		return err
	})
	return j
}

func (f *fixture) event(id types.EventID) *types.Event {
	f.t.Helper()
	var e *types.Event
	f.view(func(tx store.Tx) error {
		var err error
		e, err = tx.Event(id)
		return err
	})
	return e
}

func (f *fixture) pr(id types.PullRequestID) *types.PullRequest {
	f.t.Helper()
	var p *types.PullRequest
	f.view(func(tx store.Tx) error {
		var err error
		p, err = tx.PullRequest(id)
		return err
	})
	return p
}

func (f *fixture) steps(id types.JobID) []*types.StepResult {
	f.t.Helper()
	var out []*types.StepResult
	f.view(func(tx store.Tx) error {
		var err error
		out, err = tx.StepResults(id)
		return err
	})
	return out
}

// mutateJob 直接修改任務，模擬管理介面的操作
func (f *fixture) mutateJob(id types.JobID, fn func(*types.Job)) {
	f.t.Helper()
	f.update(func(tx store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		fn(j)
		return tx.SaveJob(j)
	})
}

func (f *fixture) claim(id types.JobID, client string) (*JobDescription, error) {
	return f.ctl.ClaimJob(f.ctx, ClaimRequest{
		BuildKey: testBuildKey, Config: testConfig, ClientName: client, JobID: id,
	})
}

func (f *fixture) mustClaim(id types.JobID, client string) *JobDescription {
	f.t.Helper()
	desc, err := f.claim(id, client)
	require.NoError(f.t, err)
	return desc
}

func (f *fixture) report(s *types.StepResult, exit int, output string) StepReport {
	return StepReport{
		BuildKey:   testBuildKey,
		ClientName: testClient,
		ResultID:   s.ID,
		StepNum:    s.Position,
		Output:     output,
		Time:       1,
		ExitStatus: exit,
	}
}

// runStep 依序回報 start / complete，回傳 next_step
func (f *fixture) runStep(s *types.StepResult, exit int, output string) bool {
	f.t.Helper()
	require.NoError(f.t, f.ctl.StartStep(f.ctx, f.report(s, 0, output)))
	next, err := f.ctl.CompleteStep(f.ctx, f.report(s, exit, ""))
	require.NoError(f.t, err)
	return next
}

func (f *fixture) finish(id types.JobID, client string) (*FinishResult, error) {
	return f.ctl.JobFinished(f.ctx, FinishReport{
		BuildKey: testBuildKey, ClientName: client, JobID: id, Seconds: 10, Complete: true,
	})
}
