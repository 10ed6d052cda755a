package hosting_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	path string
	auth string
	body map[string]any
}

// newServer returns a test server that reports every request on the channel.
func newServer(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	reqs := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		reqs <- c
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestPostPRComment(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	gh := hosting.NewGitHub("default-token", srv.URL, time.Second)

	err := gh.PostPRComment(context.Background(), hosting.Session{Token: "user-token"},
		srv.URL+"/repos/o/r/issues/1/comments", "hello")
	require.NoError(t, err)
	got := <-reqs

	assert.Equal(t, "/repos/o/r/issues/1/comments", got.path)
	assert.Equal(t, "Bearer user-token", got.auth)
	assert.Equal(t, "hello", got.body["body"])
}

func TestPostPRReviewComment(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	gh := hosting.NewGitHub("default-token", srv.URL, time.Second)

	err := gh.PostPRReviewComment(context.Background(), hosting.Session{},
		srv.URL+"/repos/o/r/pulls/1/comments", "abc123", "libmesh", 2, "careful")
	require.NoError(t, err)
	got := <-reqs

	assert.Equal(t, "Bearer default-token", got.auth, "falls back to the adapter token")
	assert.Equal(t, "abc123", got.body["commit_id"])
	assert.Equal(t, "libmesh", got.body["path"])
	assert.Equal(t, float64(2), got.body["position"])
}

func TestUpdateCommitStatus(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	gh := hosting.NewGitHub("", srv.URL, time.Second)

	err := gh.UpdateCommitStatus(context.Background(), hosting.Session{Token: "t"}, hosting.CommitStatus{
		Commit:      types.Commit{Owner: "idaholab", Repo: "moose", SHA: "deadbeef"},
		State:       hosting.StateFailure,
		Description: strings.Repeat("x", 200),
		Context:     "ci-dispatch/linux",
	})
	require.NoError(t, err)
	got := <-reqs

	assert.Equal(t, "/repos/idaholab/moose/statuses/deadbeef", got.path)
	assert.Equal(t, "failure", got.body["state"])
	assert.Equal(t, "ci-dispatch/linux", got.body["context"])
	assert.Len(t, got.body["description"], 140)
}

func TestUpdateCommitStatusIncompleteCommit(t *testing.T) {
	srv, reqs := newServer(t, http.StatusCreated)
	gh := hosting.NewGitHub("", srv.URL, time.Second)

	err := gh.UpdateCommitStatus(context.Background(), hosting.Session{}, hosting.CommitStatus{
		Commit: types.Commit{SHA: "deadbeef"},
	})
	assert.Error(t, err)
	assert.Empty(t, reqs)
}

func TestAPIErrorStatus(t *testing.T) {
	srv, _ := newServer(t, http.StatusUnprocessableEntity)
	gh := hosting.NewGitHub("", srv.URL, time.Second)

	err := gh.PostPRComment(context.Background(), hosting.Session{}, srv.URL+"/x", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestStateFor(t *testing.T) {
	tests := map[types.Status]hosting.State{
		types.StatusNotStarted: hosting.StatePending,
		types.StatusRunning:    hosting.StatePending,
		types.StatusSuccess:    hosting.StateSuccess,
		types.StatusFailedOK:   hosting.StateSuccess,
		types.StatusFailed:     hosting.StateFailure,
		types.StatusCanceled:   hosting.StateError,
	}
	for status, want := range tests {
		assert.Equal(t, want, hosting.StateFor(status), "status %s", status)
	}
}

func TestRecorder(t *testing.T) {
	rec := &hosting.Recorder{}
	ctx := context.Background()

	require.NoError(t, rec.PostPRComment(ctx, hosting.Session{}, "u", "m"))
	require.NoError(t, rec.UpdateCommitStatus(ctx, hosting.Session{}, hosting.CommitStatus{State: hosting.StatePending}))

	assert.Len(t, rec.Calls(), 2)
	assert.Len(t, rec.Calls("PostPRComment"), 1)

	rec.Reset()
	assert.Empty(t, rec.Calls())
}
