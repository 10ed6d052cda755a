package controller

import (
	"testing"

	"github.com/ChuLiYu/ci-dispatch/internal/commands"
	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lsbOutput = `Distributor ID:	Ubuntu
Description:	Ubuntu 20.04.6 LTS
Release:	20.04
Codename:	focal

Currently Loaded Modules:
  1) gcc/9.3.0   2) openmpi/4.0
`

func TestJobFinishedSuccess(t *testing.T) {
	f := newFixture(t)
	job, e, pr := f.simpleJob(step("env", false, false), step("build", true, false))
	f.mustClaim(job.ID, testClient)
	steps := f.steps(job.ID)
	f.runStep(steps[0], 0, lsbOutput)
	f.runStep(steps[1], 0, "built\n")

	res, err := f.finish(job.ID, testClient)
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, types.StatusSuccess, res.Job)

	j := f.job(job.ID)
	assert.Equal(t, types.StatusSuccess, j.Status)
	assert.True(t, j.Complete)
	assert.Equal(t, 10.0, j.Seconds)
	assert.Equal(t, types.OSInfo{Name: "Ubuntu", Version: "20.04", Other: "focal"}, j.OS)
	assert.Equal(t, []string{"gcc/9.3.0", "openmpi/4.0"}, j.LoadedModules)

	ev := f.event(e.ID)
	assert.Equal(t, types.StatusSuccess, ev.Status)
	assert.True(t, ev.Complete)
	assert.Equal(t, types.StatusSuccess, f.pr(pr.ID).Status)

	calls := f.api.Calls("UpdateCommitStatus")
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, hosting.StateSuccess, last.Status.State)
	assert.Equal(t, "Passed in 10s", last.Status.Description)
}

func TestJobFinishedClassification(t *testing.T) {
	tests := []struct {
		name    string
		allowed bool
		want    types.Status
	}{
		{"allowed failure", true, types.StatusFailedOK},
		{"hard failure", false, types.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job, e, _ := f.simpleJob(step("check", false, tt.allowed), step("build", false, false))
			f.mustClaim(job.ID, testClient)
			steps := f.steps(job.ID)
			f.runStep(steps[0], 1, "no markers here")
			f.runStep(steps[1], 0, "")

			res, err := f.finish(job.ID, testClient)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Job)

			j := f.job(job.ID)
			assert.Equal(t, tt.want, j.Status)
			assert.Equal(t, types.OSInfo{Name: types.OtherOS}, j.OS)
			assert.Empty(t, j.LoadedModules)
			assert.Equal(t, tt.want, f.event(e.ID).Status)
		})
	}
}

func TestJobFinishedStaleEventKeepsPRStatus(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("Test Recipe", 1)
	pr := f.addPR("https://api.github.com/repos/idaholab/moose/pulls/7")
	e1 := f.addEvent(pr)
	old := f.addJob(e1, r)
	f.mustClaim(old.ID, testClient)

	// 較新的事件已完成並把 PR 設為 success
	e2 := f.addEvent(pr)
	current := f.addJob(e2, r)
	f.mustClaim(current.ID, testClient)
	f.runStep(f.steps(current.ID)[0], 0, "")
	_, err := f.finish(current.ID, testClient)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuccess, f.pr(pr.ID).Status)

	f.runStep(f.steps(old.ID)[0], 1, "")
	res, err := f.finish(old.ID, testClient)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, res.Job)
	assert.Equal(t, types.StatusFailed, f.job(old.ID).Status)
	assert.Equal(t, types.StatusFailed, f.event(e1.ID).Status)
	assert.Equal(t, types.StatusSuccess, f.pr(pr.ID).Status)
	assert.Equal(t, types.StatusSuccess, f.event(e2.ID).Status)
}

func TestJobFinishedMakesJobsReady(t *testing.T) {
	f := newFixture(t)
	job, e, _ := f.simpleJob()
	other := f.addRecipe("Other Recipe", 1)
	waiting := f.addJob(e, other, func(j *types.Job) { j.Ready = false })

	f.mustClaim(job.ID, testClient)
	f.runStep(f.steps(job.ID)[0], 0, "")
	_, err := f.finish(job.ID, testClient)
	require.NoError(t, err)

	assert.True(t, f.job(waiting.ID).Ready)
	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{waiting.ID}, queueIDs(q))
	// 事件尚有未完成的任務
	assert.False(t, f.event(e.ID).Complete)
}

func TestJobFinishedValidation(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)
	f.update(func(tx store.Tx) error {
		return tx.SaveClient(&types.Client{UserID: f.user.ID, Name: "client-two"})
	})

	_, err := f.ctl.JobFinished(f.ctx, FinishReport{BuildKey: "bad", ClientName: testClient, JobID: job.ID})
	assert.ErrorIs(t, err, store.ErrUnauthorized)
	_, err = f.finish(9999, testClient)
	assert.ErrorIs(t, err, store.ErrBadRequest)
	_, err = f.finish(job.ID, "nobody")
	assert.ErrorIs(t, err, store.ErrBadRequest)
	_, err = f.finish(job.ID, "client-two")
	assert.ErrorIs(t, err, ErrClientMismatch)

	j := f.job(job.ID)
	assert.Equal(t, types.StatusRunning, j.Status)
	assert.False(t, j.Complete)
}

func TestJobFinishedInvalidatedIgnored(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)
	_, err := f.ctl.InvalidateJob(f.ctx, testBuildKey, job.ID, false)
	require.NoError(t, err)

	res, err := f.finish(job.ID, testClient)
	require.NoError(t, err)
	assert.Equal(t, "OK", res.Status)
	assert.Contains(t, res.Message, "invalidated")

	j := f.job(job.ID)
	assert.Equal(t, types.StatusNotStarted, j.Status)
	assert.False(t, j.Complete)
}

func TestJobFinishedCanceled(t *testing.T) {
	f := newFixture(t)
	job, e, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)
	_, err := f.ctl.CancelJob(f.ctx, testBuildKey, job.ID)
	require.NoError(t, err)

	_, err = f.ctl.CompleteStep(f.ctx, f.report(f.steps(job.ID)[0], 0, ""))
	require.NoError(t, err)
	res, err := f.finish(job.ID, testClient)
	require.NoError(t, err)

	assert.Equal(t, types.StatusCanceled, res.Job)
	assert.True(t, f.job(job.ID).Complete)
	assert.Equal(t, types.StatusCanceled, f.event(e.ID).Status)
}

func TestJobFinishedRunsPostProcessor(t *testing.T) {
	f := newFixture(t)
	submodule := step("update", false, false)
	submodule.Environment = map[string]string{commands.EnvPostOnSubmoduleUpdate: "1"}
	job, e, pr := f.simpleJob(submodule, step("report", false, false))
	f.mustClaim(job.ID, testClient)
	steps := f.steps(job.ID)
	f.runStep(steps[0], 0, "CI_CLIENT_SUBMODULE_UPDATES=libmesh petsc\n")
	f.runStep(steps[1], 0, "CI_CLIENT_POST_MESSAGE=All tests passed\n")
	f.api.Reset()

	_, err := f.finish(job.ID, testClient)
	require.NoError(t, err)

	comments := f.api.Calls("PostPRComment")
	require.Len(t, comments, 1)
	assert.Equal(t, e.CommentsURL, comments[0].URL)
	assert.Contains(t, comments[0].Message, "Test Recipe:linux-gnu")
	assert.Contains(t, comments[0].Message, "All tests passed")

	reviews := f.api.Calls("PostPRReviewComment")
	require.Len(t, reviews, 2)
	assert.Equal(t, pr.ReviewCommentsURL, reviews[0].URL)
	assert.Equal(t, "libmesh", reviews[0].Path)
	assert.Equal(t, "petsc", reviews[1].Path)
	assert.Equal(t, commands.SubmoduleCommentPosition, reviews[0].Position)
	assert.Equal(t, testSHA, reviews[0].SHA)
}

func TestJobFinishedPushEventSkipsComments(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	e := f.addEvent(nil)
	job := f.addJob(e, r)
	f.mustClaim(job.ID, testClient)
	f.runStep(f.steps(job.ID)[0], 1, "CI_CLIENT_POST_MESSAGE=hello\n")
	f.api.Reset()

	_, err := f.finish(job.ID, testClient)
	require.NoError(t, err)
	assert.Empty(t, f.api.Calls("PostPRComment"))
	assert.Len(t, f.api.Calls("UpdateCommitStatus"), 1)
}

func TestJobFinishedRemoteUpdateDisabled(t *testing.T) {
	f := newFixture(t, WithConfig(Config{RemoteUpdate: false}))
	job, _, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)
	f.runStep(f.steps(job.ID)[0], 0, "CI_CLIENT_POST_MESSAGE=hello\n")

	_, err := f.finish(job.ID, testClient)
	require.NoError(t, err)
	assert.Empty(t, f.api.Calls())
}
