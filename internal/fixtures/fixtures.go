// Package fixtures 從 YAML 種子檔建立使用者、recipe 與初始事件。
//
// serve 啟動時載入；已存在的使用者（依 build key）與 recipe（依名稱）會略過，
// 因此在從 WAL 恢復後重複載入不會產生重複資料。事件只在使用者是本次新建時建立。
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Seed 種子檔內容
type Seed struct {
	Users  []User                 `yaml:"users"`
	Events []controller.EventSpec `yaml:"events"`
}

// User 使用者與其 recipe
type User struct {
	Name     string   `yaml:"name"`
	BuildKey string   `yaml:"build_key"`
	Token    string   `yaml:"token"`
	Recipes  []Recipe `yaml:"recipes"`
}

// Recipe recipe 定義；DependsOn 以同一使用者下的 recipe 名稱指定
type Recipe struct {
	Name           string            `yaml:"name"`
	Priority       int               `yaml:"priority"`
	Causes         []types.Cause     `yaml:"causes"`
	BuildConfigs   []string          `yaml:"build_configs"`
	Environment    map[string]string `yaml:"environment"`
	PrestepSources []string          `yaml:"prestep_sources"`
	DependsOn      []string          `yaml:"depends_on"`
	Inactive       bool              `yaml:"inactive"`
	Steps          []types.Step      `yaml:"steps"`
}

// Result Apply 實際建立的數量
type Result struct {
	Users   int
	Recipes int
	Events  int
	Jobs    int
}

// Load 讀取並解析種子檔
func Load(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析種子內容
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for _, u := range seed.Users {
		if u.BuildKey == "" {
			return nil, fmt.Errorf("seed user %q has no build_key", u.Name)
		}
	}
	return &seed, nil
}

// Apply 寫入使用者與 recipe，再透過 ctrl 建立新使用者的事件
func (s *Seed) Apply(ctx context.Context, st store.Store, ctrl *controller.Controller) (Result, error) {
	var res Result
	created := make(map[string]bool)

	err := st.Update(ctx, func(tx store.Tx) error {
		res = Result{}
		clear(created)
		for _, u := range s.Users {
			user, err := tx.UserByBuildKey(u.BuildKey)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrUnknownBuildKey):
				user = &types.User{Name: u.Name, BuildKey: u.BuildKey, Token: u.Token}
				if err := tx.SaveUser(user); err != nil {
					return err
				}
				created[u.BuildKey] = true
				res.Users++
			default:
				return err
			}
			n, err := applyRecipes(tx, user.ID, u.Recipes)
			if err != nil {
				return fmt.Errorf("user %q: %w", u.Name, err)
			}
			res.Recipes += n
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	for _, spec := range s.Events {
		if !created[spec.BuildKey] {
			continue
		}
		_, jobs, err := ctrl.CreateEvent(ctx, spec)
		if err != nil {
			return res, fmt.Errorf("seed event %s: %w", spec.Head.SHA, err)
		}
		res.Events++
		res.Jobs += len(jobs)
	}

	slog.Info("fixtures applied", "users", res.Users, "recipes", res.Recipes, "events", res.Events, "jobs", res.Jobs)
	return res, nil
}

// applyRecipes 依序建立尚未存在的 recipe。depends_on 只能指向已存在或
// 在同一份清單中較早出現的 recipe。
func applyRecipes(tx store.Tx, userID types.UserID, recipes []Recipe) (int, error) {
	existing, err := tx.Recipes(userID)
	if err != nil {
		return 0, err
	}
	byName := make(map[string]types.RecipeID, len(existing))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}

	n := 0
	for _, r := range recipes {
		if _, ok := byName[r.Name]; ok {
			continue
		}
		deps := make([]types.RecipeID, 0, len(r.DependsOn))
		for _, name := range r.DependsOn {
			id, ok := byName[name]
			if !ok {
				return n, fmt.Errorf("recipe %q depends on unknown recipe %q", r.Name, name)
			}
			deps = append(deps, id)
		}
		steps := make([]types.Step, len(r.Steps))
		for i, step := range r.Steps {
			step.Position = i
			steps[i] = step
		}
		rec := &types.Recipe{
			UserID:         userID,
			Name:           r.Name,
			Priority:       r.Priority,
			Causes:         r.Causes,
			BuildConfigs:   r.BuildConfigs,
			Steps:          steps,
			Environment:    r.Environment,
			PrestepSources: r.PrestepSources,
			DependsOn:      deps,
			Active:         !r.Inactive,
		}
		if err := tx.SaveRecipe(rec); err != nil {
			return n, err
		}
		byName[r.Name] = rec.ID
		n++
	}
	return n, nil
}
