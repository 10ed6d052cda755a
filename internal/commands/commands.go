// Package commands 處理步驟輸出中嵌入的指令（KEY=value 行），
// 並透過 hosting.API 回應到 Pull Request。
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

var log = slog.Default()

// 指令與對應的 recipe 步驟環境變數
const (
	KeySubmoduleUpdates = "CI_CLIENT_SUBMODULE_UPDATES"
	KeyPostMessage      = "CI_CLIENT_POST_MESSAGE"

	// EnvPostOnSubmoduleUpdate 步驟環境中設為 "1" 時才處理子模組指令
	EnvPostOnSubmoduleUpdate = "CI_SERVER_POST_ON_SUBMODULE_UPDATE"

	// SubmoduleCommentPosition 留言落在子模組 diff 的新 hash 行
	SubmoduleCommentPosition = 2
	SubmoduleCaution         = "**Caution!** This contains a submodule update"
)

var (
	submodulePattern = regexp.MustCompile(`(?m)^` + KeySubmoduleUpdates + `=(.*)$`)
	messagePattern   = regexp.MustCompile(`(?m)^` + KeyPostMessage + `=(.*)$`)
)

// Directives 從單一步驟輸出解析出的指令
type Directives struct {
	SubmoduleUpdates []string
	PostMessage      string
}

// Empty 沒有任何指令
func (d Directives) Empty() bool {
	return len(d.SubmoduleUpdates) == 0 && d.PostMessage == ""
}

// ParseDirectives 取每種指令第一次出現的值
func ParseDirectives(output string) Directives {
	output = strings.ReplaceAll(output, "\r\n", "\n")
	var d Directives
	if m := submodulePattern.FindStringSubmatch(output); m != nil {
		d.SubmoduleUpdates = strings.Fields(m[1])
	}
	if m := messagePattern.FindStringSubmatch(output); m != nil {
		d.PostMessage = strings.TrimSpace(m[1])
	}
	return d
}

// ============================================================================
// 事件目標
// ============================================================================

// Target 指令回應的對象。push 事件沒有留言能力。
type Target interface {
	target()
}

// PushTarget push 事件
type PushTarget struct{}

func (PushTarget) target() {}

// PullRequestTarget 可以留言的 PR 事件
type PullRequestTarget struct {
	CommentsURL       string
	ReviewCommentsURL string
	HeadSHA           string
}

func (PullRequestTarget) target() {}

// TargetFor 依事件原因建立目標；pr 可為 nil
func TargetFor(e *types.Event, pr *types.PullRequest) Target {
	if e.Cause != types.CausePullRequest {
		return PushTarget{}
	}
	t := PullRequestTarget{CommentsURL: e.CommentsURL, HeadSHA: e.Head.SHA}
	if pr != nil {
		t.ReviewCommentsURL = pr.ReviewCommentsURL
	}
	return t
}

// ============================================================================
// Processor
// ============================================================================

// Job 處理指令所需的任務資料
type Job struct {
	Label   string // 顯示於留言中的任務名稱
	HeadSHA string
	Target  Target
	Session hosting.Session
	Steps   []types.Step        // recipe 步驟定義，提供步驟環境
	Results []*types.StepResult // 依 position 排序
}

// Processor 將指令轉為 hosting 呼叫
type Processor struct {
	api hosting.API
}

// NewProcessor 建立 Processor
func NewProcessor(api hosting.API) *Processor {
	return &Processor{api: api}
}

// Process 逐步驟處理指令，回傳成功送出的呼叫數。
// 非 PR 目標直接略過；單一呼叫失敗不會中斷其他呼叫，錯誤合併回傳。
func (p *Processor) Process(ctx context.Context, job Job) (int, error) {
	pr, ok := job.Target.(PullRequestTarget)
	if !ok {
		return 0, nil
	}

	envByPos := make(map[int]map[string]string, len(job.Steps))
	for _, s := range job.Steps {
		envByPos[s.Position] = s.Environment
	}

	var (
		sent int
		errs []error
	)
	for _, result := range job.Results {
		d := ParseDirectives(result.Output)
		if d.Empty() {
			continue
		}

		if len(d.SubmoduleUpdates) > 0 && envByPos[result.Position][EnvPostOnSubmoduleUpdate] == "1" {
			n, err := p.postSubmoduleWarnings(ctx, job, pr, d.SubmoduleUpdates)
			sent += n
			if err != nil {
				errs = append(errs, err)
			}
		}

		if d.PostMessage != "" && pr.CommentsURL != "" {
			msg := fmt.Sprintf("Job %s on %s wanted to post the following:\n\n%s",
				job.Label, shortSHA(job.HeadSHA), d.PostMessage)
			if err := p.api.PostPRComment(ctx, job.Session, pr.CommentsURL, msg); err != nil {
				errs = append(errs, fmt.Errorf("post message: %w", err))
			} else {
				sent++
			}
		}
	}

	if len(errs) > 0 {
		log.Warn("command processing had failures", "job", job.Label, "sent", sent, "failed", len(errs))
	}
	return sent, errors.Join(errs...)
}

func (p *Processor) postSubmoduleWarnings(ctx context.Context, job Job, pr PullRequestTarget, paths []string) (int, error) {
	if pr.ReviewCommentsURL == "" {
		return 0, nil
	}
	sent := 0
	var errs []error
	for _, path := range paths {
		err := p.api.PostPRReviewComment(ctx, job.Session, pr.ReviewCommentsURL,
			job.HeadSHA, path, SubmoduleCommentPosition, SubmoduleCaution)
		if err != nil {
			errs = append(errs, fmt.Errorf("submodule %s: %w", path, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
