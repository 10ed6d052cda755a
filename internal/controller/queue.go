package controller

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// clientSeenInterval 輪詢時更新 client LastSeen 的最短間隔，避免每次輪詢都寫入
const clientSeenInterval = 30 * time.Second

// QueuedJob 佇列中的一筆任務
type QueuedJob struct {
	ID         types.JobID    `json:"id"`
	Config     string         `json:"config"`
	EventID    types.EventID  `json:"event_id"`
	RecipeID   types.RecipeID `json:"recipe_id"`
	RecipeName string         `json:"recipe_name"`
	Priority   int            `json:"priority"`
	Created    time.Time      `json:"created"`
}

// PollRequest 輪詢參數；ClientName 可為空
type PollRequest struct {
	BuildKey   string
	Config     string
	ClientName string
	IP         string
}

// ReadyJobs 回傳 client 可認領的任務，依 priority 由高至低、建立時間由早至晚排序。
// 未知的 build key 回傳空佇列。佇列在唯讀交易中讀取，只有 client 需要登記或
// LastSeen 到期時才另開寫入交易。
func (c *Controller) ReadyJobs(ctx context.Context, req PollRequest) ([]QueuedJob, error) {
	var (
		queue []QueuedJob
		touch bool
	)
	err := c.store.View(ctx, func(tx store.Tx) error {
		queue, touch = nil, false
		user, err := authenticate(tx, req.BuildKey)
		if err != nil {
			if errors.Is(err, store.ErrUnauthorized) {
				return nil
			}
			return err
		}

		var client *types.Client
		if req.ClientName != "" {
			client, err = tx.Client(user.ID, req.ClientName)
			switch {
			case errors.Is(err, store.ErrNotFound):
				client, touch = nil, true
			case err != nil:
				return err
			default:
				touch = !c.seenRecently(client, req.IP)
			}
		}

		jobs, err := tx.ReadyJobs(user.ID, req.Config)
		if err != nil {
			return err
		}

		recipes := make(map[types.RecipeID]*types.Recipe)
		for _, job := range jobs {
			if !eligible(job, client) {
				continue
			}
			recipe, ok := recipes[job.RecipeID]
			if !ok {
				if recipe, err = tx.Recipe(job.RecipeID); err != nil {
					return err
				}
				recipes[job.RecipeID] = recipe
			}
			queue = append(queue, QueuedJob{
				ID:         job.ID,
				Config:     job.Config,
				EventID:    job.EventID,
				RecipeID:   recipe.ID,
				RecipeName: recipe.Name,
				Priority:   recipe.Priority,
				Created:    job.CreatedAt,
			})
		}
		SortQueue(queue)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if touch {
		err = c.store.Update(ctx, func(tx store.Tx) error {
			user, err := authenticate(tx, req.BuildKey)
			if err != nil {
				return err
			}
			_, err = c.ensureClient(tx, user, req.ClientName, req.IP)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	c.metrics.SetReadyJobs(req.Config, len(queue))
	if queue == nil {
		queue = []QueuedJob{}
	}
	return queue, nil
}

// SortQueue 依 (priority DESC, created ASC, id ASC) 排序
func SortQueue(queue []QueuedJob) {
	sort.SliceStable(queue, func(i, j int) bool {
		a, b := queue[i], queue[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
}

// eligible 被標記 same_client 的失效任務只對原本的認領者可見
func eligible(job *types.Job, client *types.Client) bool {
	if !job.Invalidated || !job.SameClient || job.ClientID == nil {
		return true
	}
	return client != nil && *job.ClientID == client.ID
}

// ensureClient 取得或建立 client 紀錄，並更新 LastSeen
func (c *Controller) ensureClient(tx store.Tx, user *types.User, name, ip string) (*types.Client, error) {
	now := c.now()
	client, err := tx.Client(user.ID, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		client = &types.Client{UserID: user.ID, Name: name, IP: ip, LastSeen: now}
		log.Info("registering new client", "user", user.Name, "client", name)
	case err != nil:
		return nil, err
	case c.seenRecently(client, ip):
		return client, nil
	default:
		client.LastSeen = now
		if ip != "" {
			client.IP = ip
		}
	}
	if err := tx.SaveClient(client); err != nil {
		return nil, err
	}
	return client, nil
}

// seenRecently client 在間隔內出現過且 IP 未變，不需要重寫
func (c *Controller) seenRecently(client *types.Client, ip string) bool {
	return c.now().Sub(client.LastSeen) < clientSeenInterval && (ip == "" || ip == client.IP)
}
