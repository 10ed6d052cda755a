package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// PullRequestSpec 事件所屬 PR 的代管資訊，以 URL 識別同一個 PR
type PullRequestSpec struct {
	Number            int    `json:"number" yaml:"number"`
	Title             string `json:"title" yaml:"title"`
	Username          string `json:"username" yaml:"username"`
	URL               string `json:"url" yaml:"url"`
	ReviewCommentsURL string `json:"review_comments_url" yaml:"review_comments_url"`
}

// EventSpec 新事件的描述
type EventSpec struct {
	BuildKey    string           `json:"build_key" yaml:"build_key"`
	Cause       types.Cause      `json:"cause" yaml:"cause"`
	Head        types.Commit     `json:"head" yaml:"head"`
	Base        types.Commit     `json:"base" yaml:"base"`
	PullRequest *PullRequestSpec `json:"pull_request,omitempty" yaml:"pull_request"`
	CommentsURL string           `json:"comments_url,omitempty" yaml:"comments_url"`
}

// Validate 檢查事件描述
func (s EventSpec) Validate() error {
	switch s.Cause {
	case types.CausePush:
	case types.CausePullRequest:
		if s.PullRequest == nil || s.PullRequest.URL == "" {
			return fmt.Errorf("%w: pull request event requires pull_request.url", store.ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown cause %q", store.ErrBadRequest, s.Cause)
	}
	if s.Head.SHA == "" {
		return fmt.Errorf("%w: head sha is required", store.ErrBadRequest)
	}
	return nil
}

// CreateEvent 儲存事件，並為每個符合原因的 active recipe × build config 建立任務。
// 沒有前置 recipe，或前置 recipe 未在此事件建立任務的任務立即 ready。
func (c *Controller) CreateEvent(ctx context.Context, spec EventSpec) (*types.Event, []*types.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}
	var (
		event *types.Event
		jobs  []*types.Job
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		jobs = nil
		user, err := authenticate(tx, spec.BuildKey)
		if err != nil {
			return err
		}
		recipes, err := tx.Recipes(user.ID)
		if err != nil {
			return err
		}

		now := c.now()
		event = &types.Event{
			UserID:      user.ID,
			Cause:       spec.Cause,
			Head:        spec.Head,
			Base:        spec.Base,
			Status:      types.StatusNotStarted,
			CommentsURL: spec.CommentsURL,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		switch spec.Cause {
		case types.CausePullRequest:
			pr, err := c.pullRequestFor(tx, spec.PullRequest)
			if err != nil {
				return err
			}
			event.PullRequestID = &pr.ID
		case types.CausePush:
			branch, err := c.branchFor(tx, spec.Head)
			if err != nil {
				return err
			}
			event.BranchID = &branch.ID
		}
		if err := tx.SaveEvent(event); err != nil {
			return err
		}

		for _, r := range recipes {
			if !r.Active || !r.Triggers(spec.Cause) {
				continue
			}
			for _, config := range r.BuildConfigs {
				job := &types.Job{
					EventID:   event.ID,
					RecipeID:  r.ID,
					UserID:    user.ID,
					Config:    config,
					Status:    types.StatusNotStarted,
					Active:    true,
					Ready:     len(r.DependsOn) == 0,
					OS:        types.OSInfo{Name: types.OtherOS},
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.SaveJob(job); err != nil {
					return err
				}
				jobs = append(jobs, job)
			}
		}
		if len(jobs) == 0 {
			return ErrNoMatchingJobs
		}
		// 前置 recipe 未在此事件展開時，依賴視為已滿足
		if _, err := c.makeJobsReady(tx, event.ID); err != nil {
			return err
		}
		for i, j := range jobs {
			if jobs[i], err = tx.Job(j.ID); err != nil {
				return err
			}
		}

		event, err = c.RecomputeEvent(tx, event.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("event created", "eventID", event.ID, "cause", event.Cause, "sha", event.Head.ShortSHA(), "jobs", len(jobs))
	return event, jobs, nil
}

// pullRequestFor 以 URL 取得或建立 PR，並更新標題等資訊
func (c *Controller) pullRequestFor(tx store.Tx, spec *PullRequestSpec) (*types.PullRequest, error) {
	pr, err := tx.PullRequestByURL(spec.URL)
	if errors.Is(err, store.ErrNotFound) {
		pr = &types.PullRequest{URL: spec.URL, Status: types.StatusNotStarted}
	} else if err != nil {
		return nil, err
	}
	pr.Number = spec.Number
	pr.Title = spec.Title
	pr.Username = spec.Username
	pr.ReviewCommentsURL = spec.ReviewCommentsURL
	pr.UpdatedAt = c.now()
	if err := tx.SavePullRequest(pr); err != nil {
		return nil, err
	}
	return pr, nil
}

// branchFor 以 owner/repo/ref 取得或建立分支
func (c *Controller) branchFor(tx store.Tx, head types.Commit) (*types.Branch, error) {
	branch, err := tx.BranchByName(head.Owner, head.Repo, head.Ref)
	if errors.Is(err, store.ErrNotFound) {
		branch = &types.Branch{Owner: head.Owner, Repo: head.Repo, Name: head.Ref, Status: types.StatusNotStarted}
		branch.UpdatedAt = c.now()
		if err := tx.SaveBranch(branch); err != nil {
			return nil, err
		}
		return branch, nil
	}
	return branch, err
}
