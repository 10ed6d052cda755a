package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// openTestStore 需要 CI_DISPATCH_TEST_DSN 指向可寫入的 Postgres
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CI_DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("CI_DISPATCH_TEST_DSN not set")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed 建立一個使用者、一個 recipe、一個 PR 事件與一個 ready 的任務。
// build key 每次隨機產生，測試之間互不干擾。
func seed(t *testing.T, s *Store) (*types.User, *types.Job) {
	t.Helper()
	ctx := context.Background()
	var user *types.User
	var job *types.Job
	err := s.Update(ctx, func(tx store.Tx) error {
		user = &types.User{Name: "moosebuild", BuildKey: uuid.NewString()}
		if err := tx.SaveUser(user); err != nil {
			return err
		}
		recipe := &types.Recipe{
			UserID:       user.ID,
			Name:         "Test Recipe",
			Priority:     1,
			Causes:       []types.Cause{types.CausePullRequest},
			BuildConfigs: []string{"linux-gnu"},
			Steps:        []types.Step{{Name: "build", Script: "make"}},
			Environment:  map[string]string{"METHOD": "opt"},
			Active:       true,
		}
		if err := tx.SaveRecipe(recipe); err != nil {
			return err
		}
		pr := &types.PullRequest{
			Number: 1,
			URL:    "https://api.github.com/repos/idaholab/moose/pulls/" + user.BuildKey,
			Status: types.StatusNotStarted,
		}
		if err := tx.SavePullRequest(pr); err != nil {
			return err
		}
		event := &types.Event{
			UserID:        user.ID,
			Cause:         types.CausePullRequest,
			Head:          types.Commit{Owner: "user", Repo: "moose", Ref: "feature", SHA: "abc1234"},
			PullRequestID: &pr.ID,
			Status:        types.StatusNotStarted,
		}
		if err := tx.SaveEvent(event); err != nil {
			return err
		}
		job = &types.Job{
			EventID:  event.ID,
			RecipeID: recipe.ID,
			UserID:   user.ID,
			Config:   "linux-gnu",
			Status:   types.StatusNotStarted,
			Ready:    true,
			Active:   true,
		}
		return tx.SaveJob(job)
	})
	require.NoError(t, err)
	return user, job
}

func TestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	user, job := seed(t, s)

	err := s.View(context.Background(), func(tx store.Tx) error {
		u, err := tx.UserByBuildKey(user.BuildKey)
		require.NoError(t, err)
		assert.Equal(t, user.ID, u.ID)

		j, err := tx.Job(job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusNotStarted, j.Status)
		assert.True(t, j.Ready)

		r, err := tx.Recipe(j.RecipeID)
		require.NoError(t, err)
		assert.Equal(t, "opt", r.Environment["METHOD"])
		require.Len(t, r.Steps, 1)
		assert.Equal(t, "make", r.Steps[0].Script)

		ready, err := tx.ReadyJobs(user.ID, "linux-gnu")
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, job.ID, ready[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestNotFoundErrors(t *testing.T) {
	s := openTestStore(t)

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.UserByBuildKey(uuid.NewString())
		assert.ErrorIs(t, err, store.ErrUnauthorized)
		_, err = tx.Job(-1)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = tx.PullRequestByURL("https://nowhere/" + uuid.NewString())
		assert.ErrorIs(t, err, store.ErrPullRequestNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBack(t *testing.T) {
	s := openTestStore(t)
	_, job := seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		j, err := tx.Job(job.ID)
		if err != nil {
			return err
		}
		j.Status = types.StatusRunning
		if err := tx.SaveJob(j); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		j, err := tx.Job(job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusNotStarted, j.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestViewRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.SaveUser(&types.User{Name: "x", BuildKey: uuid.NewString()})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestStepResultsOrdered(t *testing.T) {
	s := openTestStore(t)
	_, job := seed(t, s)
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		for _, pos := range []int{2, 0, 1} {
			sr := &types.StepResult{JobID: job.ID, Position: pos, Status: types.StatusNotStarted}
			if err := tx.SaveStepResult(sr); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx store.Tx) error {
		steps, err := tx.StepResults(job.ID)
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, sr := range steps {
			assert.Equal(t, i, sr.Position)
		}
		return tx.DeleteStepResults(job.ID)
	})
	require.NoError(t, err)
}

// 多個 client 同時認領同一任務時只有一個成功
func TestConcurrentClaim(t *testing.T) {
	s := openTestStore(t)
	user, job := seed(t, s)
	ctl := controller.New(s, controller.WithClock(time.Now))

	const racers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ctl.ClaimJob(context.Background(), controller.ClaimRequest{
				BuildKey:   user.BuildKey,
				Config:     "linux-gnu",
				ClientName: "client-" + string(rune('a'+i)),
				JobID:      job.ID,
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Jobs, 1)
	assert.GreaterOrEqual(t, stats.JobStatus[string(types.StatusRunning)], 1)
}

func TestReadyJobsIncludesReleased(t *testing.T) {
	s := openTestStore(t)
	user, job := seed(t, s)
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		j, err := tx.Job(job.ID)
		if err != nil {
			return err
		}
		j.Status = types.StatusRunning
		return tx.SaveJob(j)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		ready, err := tx.ReadyJobs(user.ID, "linux-gnu")
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, job.ID, ready[0].ID)
		assert.True(t, ready[0].Claimable())
		return nil
	})
	require.NoError(t, err)
}

// 同一任務上的步驟回報與重新認領同時進行時不會互相死鎖
func TestStepReportsRaceReclaim(t *testing.T) {
	s := openTestStore(t)
	user, job := seed(t, s)
	ctx := context.Background()
	ctl := controller.New(s, controller.WithClock(time.Now))

	desc, err := ctl.ClaimJob(ctx, controller.ClaimRequest{
		BuildKey: user.BuildKey, Config: "linux-gnu", ClientName: "box", JobID: job.ID,
	})
	require.NoError(t, err)
	require.Len(t, desc.Steps, 1)

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			var stepID types.StepResultID
			_ = s.View(ctx, func(tx store.Tx) error {
				steps, err := tx.StepResults(job.ID)
				if err == nil && len(steps) > 0 {
					stepID = steps[0].ID
				}
				return err
			})
			err := ctl.UpdateStep(ctx, controller.StepReport{
				BuildKey: user.BuildKey, ClientName: "box", ResultID: stepID, Output: "x",
			})
			if err != nil && !errors.Is(err, store.ErrBadRequest) {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := ctl.InvalidateJob(ctx, user.BuildKey, job.ID, true); err != nil {
				errs <- err
				continue
			}
			_, err := ctl.ClaimJob(ctx, controller.ClaimRequest{
				BuildKey: user.BuildKey, Config: "linux-gnu", ClientName: "box", JobID: job.ID,
			})
			if err != nil && !errors.Is(err, store.ErrBadRequest) {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}
