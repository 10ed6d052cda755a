package integration

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/fixtures"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/internal/worker"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

const (
	buildKey = "123"
	seedPath = "../../configs/seed.yaml"
)

// scriptExecutor 不啟動 shell；腳本含 "check_format" 時輸出留言指令並以 1 結束
type scriptExecutor struct{}

func (scriptExecutor) Run(ctx context.Context, script string, env map[string]string, out io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	fmt.Fprintf(out, "$ %s\n", script)
	if strings.Contains(script, "check_format") {
		fmt.Fprintln(out, "src/mesh.C needs formatting")
		fmt.Fprintln(out, "CI_CLIENT_POST_MESSAGE=Please run clang-format on src/mesh.C")
		return 1, nil
	}
	return 0, nil
}

// seedStore 載入範例種子（使用者、Build 與 Test 兩個 recipe），不建立種子事件
func seedStore(t testing.TB, st store.Store, ctrl *controller.Controller) {
	t.Helper()
	seed, err := fixtures.Load(seedPath)
	require.NoError(t, err)
	seed.Events = nil
	_, err = seed.Apply(context.Background(), st, ctrl)
	require.NoError(t, err)
}

// prEvent 第 n 個 PR 事件；每個事件產生 Build 與 Test 兩個任務
func prEvent(n int) controller.EventSpec {
	return controller.EventSpec{
		BuildKey: buildKey,
		Cause:    types.CausePullRequest,
		Head:     types.Commit{Owner: "dev", Repo: "moose", Ref: fmt.Sprintf("topic-%d", n), SHA: fmt.Sprintf("%040x", n+1)},
		Base:     types.Commit{Owner: "idaholab", Repo: "moose", Ref: "next", SHA: strings.Repeat("b", 40)},
		PullRequest: &controller.PullRequestSpec{
			Number: n,
			Title:  fmt.Sprintf("change %d", n),
			URL:    fmt.Sprintf("https://api.github.com/repos/idaholab/moose/pulls/%d", n),
		},
	}
}

func createEvents(t testing.TB, ctrl *controller.Controller, n int) []types.EventID {
	t.Helper()
	ids := make([]types.EventID, 0, n)
	for i := 1; i <= n; i++ {
		ev, _, err := ctrl.CreateEvent(context.Background(), prEvent(i))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}
	return ids
}

// runClients 啟動 clients 直到收到 want 筆結果
func runClients(t testing.TB, want int, sources []worker.JobSource, cfg worker.ClientConfig) []worker.Result {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan worker.Result)
	var wg sync.WaitGroup
	for i, src := range sources {
		src := src
		c := cfg
		c.ClientName = fmt.Sprintf("%s-%d", cfg.ClientName, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.NewClient(src, c).Run(ctx, results)
		}()
	}

	var got []worker.Result
	timeout := time.After(30 * time.Second)
	for len(got) < want {
		select {
		case r := <-results:
			got = append(got, r)
		case <-timeout:
			t.Fatalf("got %d of %d results before timeout", len(got), want)
		}
	}

	cancel()
	// 停止期間仍可能有結果送出
	go func() {
		for range results {
		}
	}()
	wg.Wait()
	close(results)
	return got
}
