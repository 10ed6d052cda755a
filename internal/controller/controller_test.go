package controller

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/internal/metrics"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 佇列
// ============================================================================

func queueIDs(q []QueuedJob) []types.JobID {
	ids := make([]types.JobID, len(q))
	for i, j := range q {
		ids[i] = j.ID
	}
	return ids
}

func TestReadyJobsOrdering(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("default", 1)
	r2 := f.addRecipe("high", 10)
	r3 := f.addRecipe("medium", 5)
	r4 := f.addRecipe("low", 1)
	e := f.addEvent(nil)

	job := f.addJob(e, r)
	job2 := f.addJob(e, r2)
	job3 := f.addJob(e, r3)
	job4 := f.addJob(e, r4)

	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{job2.ID, job3.ID, job.ID, job4.ID}, queueIDs(q))
	assert.Equal(t, "high", q[0].RecipeName)
	assert.Equal(t, 10, q[0].Priority)
}

func TestReadyJobsTieBreakOnID(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	e := f.addEvent(nil)
	created := f.tick()
	a := f.addJob(e, r, func(j *types.Job) { j.CreatedAt = created })
	b := f.addJob(e, r, func(j *types.Job) { j.CreatedAt = created })

	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{a.ID, b.ID}, queueIDs(q))
}

func TestReadyJobsFilters(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	e := f.addEvent(nil)

	ready := f.addJob(e, r)
	f.addJob(e, r, func(j *types.Job) { j.Active = false })
	f.addJob(e, r, func(j *types.Job) { j.Ready = false })
	f.addJob(e, r, func(j *types.Job) { j.Config = "mac" })
	owner := types.ClientID(99)
	f.addJob(e, r, func(j *types.Job) { j.Status = types.StatusRunning; j.ClientID = &owner })
	f.addJob(e, r, func(j *types.Job) { j.Status = types.StatusCanceled })

	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{ready.ID}, queueIDs(q))
}

func TestReadyJobsListsReleasedJobs(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	e := f.addEvent(nil)
	released := f.addJob(e, r, func(j *types.Job) { j.Status = types.StatusRunning })

	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	require.Equal(t, []types.JobID{released.ID}, queueIDs(q))

	// 佇列中的任務都能認領
	f.mustClaim(released.ID, testClient)
	q, err = f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Empty(t, q)
}

func TestReadyJobsUnknownBuildKey(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	f.addJob(f.addEvent(nil), r)

	q, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: "bad", Config: testConfig})
	require.NoError(t, err)
	assert.NotNil(t, q)
	assert.Empty(t, q)
}

func TestReadyJobsRegistersClient(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctl.ReadyJobs(f.ctx, PollRequest{
		BuildKey: testBuildKey, Config: testConfig, ClientName: "new-client", IP: "10.0.0.1",
	})
	require.NoError(t, err)

	var client *types.Client
	f.view(func(tx store.Tx) error {
		var err error
		client, err = tx.Client(f.user.ID, "new-client")
		return err
	})
	assert.Equal(t, "10.0.0.1", client.IP)
	assert.Equal(t, f.now, client.LastSeen)

	// 間隔內的輪詢不重寫 LastSeen
	first := f.now
	f.now = f.now.Add(5 * time.Second)
	_, err = f.ctl.ReadyJobs(f.ctx, PollRequest{
		BuildKey: testBuildKey, Config: testConfig, ClientName: "new-client", IP: "10.0.0.1",
	})
	require.NoError(t, err)
	f.view(func(tx store.Tx) error {
		var err error
		client, err = tx.Client(f.user.ID, "new-client")
		return err
	})
	assert.Equal(t, first, client.LastSeen)
}

// countingStore 計算寫入交易次數
type countingStore struct {
	store.Store
	updates int
}

func (s *countingStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.updates++
	return s.Store.Update(ctx, fn)
}

func TestReadyJobsWritesOnlyWhenClientDue(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	job := f.addJob(f.addEvent(nil), r)
	cs := &countingStore{Store: f.jm}
	f.ctl = New(cs, WithClock(func() time.Time { return f.now }))
	poll := PollRequest{BuildKey: testBuildKey, Config: testConfig, ClientName: "poller", IP: "10.0.0.2"}

	tests := []struct {
		name    string
		advance time.Duration
		ip      string
		writes  int
	}{
		{"new client is registered", 0, "10.0.0.2", 1},
		{"fresh client reads only", 5 * time.Second, "10.0.0.2", 0},
		{"no client name reads only", 0, "", 0},
		{"ip change is recorded", 0, "10.0.0.3", 1},
		{"stale client is touched", clientSeenInterval, "10.0.0.3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.now = f.now.Add(tt.advance)
			req := poll
			req.IP = tt.ip
			if tt.ip == "" {
				req.ClientName = ""
			}
			cs.updates = 0
			q, err := f.ctl.ReadyJobs(f.ctx, req)
			require.NoError(t, err)
			assert.Equal(t, []types.JobID{job.ID}, queueIDs(q))
			assert.Equal(t, tt.writes, cs.updates)
		})
	}

	var client *types.Client
	f.view(func(tx store.Tx) error {
		var err error
		client, err = tx.Client(f.user.ID, "poller")
		return err
	})
	assert.Equal(t, "10.0.0.3", client.IP)
	assert.Equal(t, f.now, client.LastSeen)
}

func TestReadyJobsSameClientVisibility(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)
	_, err := f.ctl.InvalidateJob(f.ctx, testBuildKey, job.ID, true)
	require.NoError(t, err)

	other, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig, ClientName: "client-two"})
	require.NoError(t, err)
	assert.Empty(t, other)

	anonymous, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig})
	require.NoError(t, err)
	assert.Empty(t, anonymous)

	owner, err := f.ctl.ReadyJobs(f.ctx, PollRequest{BuildKey: testBuildKey, Config: testConfig, ClientName: testClient})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{job.ID}, queueIDs(owner))
}

func TestSortQueue(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := []QueuedJob{
		{ID: 4, Priority: 1, Created: base.Add(3 * time.Second)},
		{ID: 1, Priority: 1, Created: base},
		{ID: 3, Priority: 5, Created: base.Add(2 * time.Second)},
		{ID: 2, Priority: 10, Created: base.Add(time.Second)},
	}
	SortQueue(q)
	assert.Equal(t, []types.JobID{2, 3, 1, 4}, queueIDs(q))
}

// ============================================================================
// 認領
// ============================================================================

func TestClaimJobPreconditions(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()

	tests := []struct {
		name    string
		req     ClaimRequest
		wantErr error
	}{
		{
			name:    "unknown build key",
			req:     ClaimRequest{BuildKey: "bad", Config: testConfig, ClientName: testClient, JobID: job.ID},
			wantErr: store.ErrUnauthorized,
		},
		{
			name:    "unknown job",
			req:     ClaimRequest{BuildKey: testBuildKey, Config: testConfig, ClientName: testClient, JobID: 9999},
			wantErr: store.ErrBadRequest,
		},
		{
			name:    "wrong config",
			req:     ClaimRequest{BuildKey: testBuildKey, Config: "mac", ClientName: testClient, JobID: job.ID},
			wantErr: ErrConfigMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := f.ctl.ClaimJob(f.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, desc)

			// 驗證失敗不可改變任務
			j := f.job(job.ID)
			assert.Equal(t, types.StatusNotStarted, j.Status)
			assert.Nil(t, j.ClientID)
		})
	}
}

func TestClaimJobOtherUsersJob(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()
	f.update(func(tx store.Tx) error {
		return tx.SaveUser(&types.User{Name: "other", BuildKey: "456"})
	})

	_, err := f.ctl.ClaimJob(f.ctx, ClaimRequest{BuildKey: "456", Config: testConfig, ClientName: testClient, JobID: job.ID})
	assert.ErrorIs(t, err, store.ErrBadRequest)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimJobSuccess(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("Test Recipe", 1,
		types.Step{Name: "fetch", Script: "git fetch", Environment: map[string]string{"DEPTH": "1"}},
		step("build", true, false),
	)
	f.update(func(tx store.Tx) error {
		r.Environment = map[string]string{"METHOD": "opt"}
		r.PrestepSources = []string{"prestep.sh"}
		return tx.SaveRecipe(r)
	})
	pr := f.addPR("https://api.github.com/repos/idaholab/moose/pulls/1")
	e := f.addEvent(pr)
	job := f.addJob(e, r)

	desc := f.mustClaim(job.ID, testClient)

	assert.Equal(t, job.ID, desc.JobID)
	assert.Equal(t, "OK", desc.Status)
	assert.Equal(t, "Test Recipe", desc.RecipeName)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), desc.RecipeSHA)
	assert.Equal(t, []string{"prestep.sh"}, desc.PrestepSources)
	assert.Equal(t, "opt", desc.Environment["METHOD"])
	assert.Equal(t, testSHA, desc.Environment["CI_HEAD_SHA"])
	assert.Equal(t, "1", desc.Environment["CI_PR_NUM"])
	require.Len(t, desc.Steps, 2)
	assert.Equal(t, 0, desc.Steps[0].StepNum)
	assert.Equal(t, "git fetch", desc.Steps[0].Script)
	assert.Equal(t, "1", desc.Steps[0].Environment["DEPTH"])
	assert.Equal(t, "fetch", desc.Steps[0].Environment["CI_STEP_NAME"])
	assert.True(t, desc.Steps[1].AbortOnFailure)

	j := f.job(job.ID)
	assert.Equal(t, types.StatusRunning, j.Status)
	require.NotNil(t, j.ClientID)
	assert.Equal(t, desc.RecipeSHA, j.RecipeSHA)

	results := f.steps(job.ID)
	require.Len(t, results, 2)
	for i, s := range results {
		assert.Equal(t, i, s.Position)
		assert.Equal(t, types.StatusNotStarted, s.Status)
		assert.Equal(t, desc.Steps[i].StepResultID, s.ID)
	}

	assert.Equal(t, types.StatusRunning, f.event(e.ID).Status)
	assert.Equal(t, types.StatusRunning, f.pr(pr.ID).Status)

	calls := f.api.Calls("UpdateCommitStatus")
	require.Len(t, calls, 1)
	assert.Equal(t, hosting.StatePending, calls[0].Status.State)
	assert.Equal(t, testSHA, calls[0].Status.Commit.SHA)
	assert.Equal(t, "ci-dispatch/Test Recipe:linux-gnu", calls[0].Status.Context)
	assert.Equal(t, fmt.Sprintf("https://ci.example.com/job/%d", job.ID), calls[0].Status.TargetURL)
	assert.Equal(t, "tok", calls[0].Session.Token)
}

func TestClaimJobNewerSiblingKeepsPRStatus(t *testing.T) {
	f := newFixture(t)
	job, e, pr := f.simpleJob()

	newer := f.addEvent(pr)
	f.update(func(tx store.Tx) error {
		newer.Status = types.StatusSuccess
		if err := tx.SaveEvent(newer); err != nil {
			return err
		}
		p, err := tx.PullRequest(pr.ID)
		if err != nil {
			return err
		}
		p.Status = types.StatusSuccess
		return tx.SavePullRequest(p)
	})

	f.mustClaim(job.ID, testClient)

	assert.Equal(t, types.StatusRunning, f.job(job.ID).Status)
	assert.Equal(t, types.StatusRunning, f.event(e.ID).Status)
	assert.Equal(t, types.StatusSuccess, f.pr(pr.ID).Status)
	assert.Equal(t, types.StatusSuccess, f.event(newer.ID).Status)
}

func TestClaimJobAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()
	f.mustClaim(job.ID, testClient)

	_, err := f.claim(job.ID, "client-two")
	assert.ErrorIs(t, err, ErrNotClaimable)
	_, err = f.claim(job.ID, testClient)
	assert.ErrorIs(t, err, ErrNotClaimable)

	// 管理者釋放認領者後可再被認領
	f.mutateJob(job.ID, func(j *types.Job) { j.ClientID = nil })
	f.mustClaim(job.ID, "client-two")
}

func TestClaimJobNotReadyOrInactive(t *testing.T) {
	f := newFixture(t)
	r := f.addRecipe("r", 1)
	e := f.addEvent(nil)
	notReady := f.addJob(e, r, func(j *types.Job) { j.Ready = false })
	inactive := f.addJob(e, r, func(j *types.Job) { j.Active = false })

	_, err := f.claim(notReady.ID, testClient)
	assert.ErrorIs(t, err, ErrNotClaimable)
	_, err = f.claim(inactive.ID, testClient)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestClaimJobSameClientAfterInvalidate(t *testing.T) {
	tests := []struct {
		name       string
		sameClient bool
		claimer    string
		wantErr    error
	}{
		{"same client required, original claims", true, testClient, nil},
		{"same client required, other claims", true, "client-two", ErrOwnedByOther},
		{"any client, other claims", false, "client-two", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job, _, _ := f.simpleJob()
			f.mustClaim(job.ID, testClient)
			_, err := f.ctl.InvalidateJob(f.ctx, testBuildKey, job.ID, tt.sameClient)
			require.NoError(t, err)

			_, err = f.claim(job.ID, tt.claimer)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, types.StatusNotStarted, f.job(job.ID).Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusRunning, f.job(job.ID).Status)
		})
	}
}

func TestClaimJobReplacesStepResults(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob(step("a", false, false), step("b", false, false))
	f.mustClaim(job.ID, testClient)
	first := f.steps(job.ID)
	f.runStep(first[0], 0, "old output")

	_, err := f.ctl.InvalidateJob(f.ctx, testBuildKey, job.ID, false)
	require.NoError(t, err)
	f.mustClaim(job.ID, testClient)

	second := f.steps(job.ID)
	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.Empty(t, second[0].Output)
	assert.Equal(t, types.StatusNotStarted, second[0].Status)
}

func TestClaimJobConcurrent(t *testing.T) {
	f := newFixture(t)
	job, _, _ := f.simpleJob()

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ctl.ClaimJob(context.Background(), ClaimRequest{
				BuildKey: testBuildKey, Config: testConfig,
				ClientName: fmt.Sprintf("client-%d", i), JobID: job.ID,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrBadRequest):
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, rejected)
}

func TestClaimMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetrics(metrics.NewCollector(reg)))
	job, _, _ := f.simpleJob()

	f.mustClaim(job.ID, testClient)
	_, err := f.claim(job.ID, "client-two")
	require.Error(t, err)

	expected := `
# HELP ci_claims_total Total number of successful job claims
# TYPE ci_claims_total counter
ci_claims_total 1
# HELP ci_claim_rejections_total Total number of rejected job claims
# TYPE ci_claim_rejections_total counter
ci_claim_rejections_total{reason="not_claimable"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ci_claims_total", "ci_claim_rejections_total"))
}

func TestRecipeSHAStable(t *testing.T) {
	r := &types.Recipe{
		Name:        "r",
		Environment: map[string]string{"B": "2", "A": "1"},
		Steps:       []types.Step{step("build", true, false)},
	}
	sha := RecipeSHA(r)
	assert.Len(t, sha, 40)
	assert.Equal(t, sha, RecipeSHA(r.Clone()))

	// 不影響執行內容的欄位不改變 SHA
	r.Priority = 99
	assert.Equal(t, sha, RecipeSHA(r))

	r.Steps[0].Script = "make -j8"
	assert.NotEqual(t, sha, RecipeSHA(r))
}
