package postgres

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// UserModel users 資料表
type UserModel struct {
	ID       int64  `gorm:"primaryKey"`
	Name     string `gorm:"uniqueIndex"`
	BuildKey string `gorm:"uniqueIndex"`
	Token    string
}

func (UserModel) TableName() string { return "users" }

// ClientModel clients 資料表，(user_id, name) 唯一
type ClientModel struct {
	ID       int64  `gorm:"primaryKey"`
	UserID   int64  `gorm:"uniqueIndex:idx_client_user_name"`
	Name     string `gorm:"uniqueIndex:idx_client_user_name"`
	IP       string
	LastSeen time.Time
}

func (ClientModel) TableName() string { return "clients" }

// RecipeModel recipes 資料表；清單與 map 欄位以 JSON 儲存
type RecipeModel struct {
	ID             int64 `gorm:"primaryKey"`
	UserID         int64 `gorm:"index"`
	Name           string
	Priority       int
	Causes         datatypes.JSON
	BuildConfigs   datatypes.JSON
	Steps          datatypes.JSON
	Environment    datatypes.JSON
	PrestepSources datatypes.JSON
	DependsOn      datatypes.JSON
	Active         bool
	CreatedAt      time.Time
}

func (RecipeModel) TableName() string { return "recipes" }

// EventModel events 資料表
type EventModel struct {
	ID            int64 `gorm:"primaryKey"`
	UserID        int64 `gorm:"index"`
	Cause         string
	Head          datatypes.JSON
	Base          datatypes.JSON
	PullRequestID *int64 `gorm:"index"`
	BranchID      *int64 `gorm:"index"`
	Status        string
	Complete      bool
	CommentsURL   string
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (EventModel) TableName() string { return "events" }

// JobModel jobs 資料表；佇列查詢走 idx_job_queue
type JobModel struct {
	ID            int64  `gorm:"primaryKey"`
	EventID       int64  `gorm:"index"`
	RecipeID      int64  `gorm:"index"`
	UserID        int64  `gorm:"index:idx_job_queue"`
	Config        string `gorm:"index:idx_job_queue"`
	Status        string `gorm:"index:idx_job_queue"`
	Ready         bool
	Active        bool
	Complete      bool
	Invalidated   bool
	SameClient    bool
	ClientID      *int64
	RecipeSHA     string
	Seconds       float64
	OS            datatypes.JSON
	LoadedModules datatypes.JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (JobModel) TableName() string { return "jobs" }

// StepResultModel step_results 資料表
type StepResultModel struct {
	ID             int64 `gorm:"primaryKey"`
	JobID          int64 `gorm:"index"`
	Name           string
	Position       int
	Status         string
	ExitStatus     int
	Output         string `gorm:"type:text"`
	Seconds        float64
	AbortOnFailure bool
	AllowedToFail  bool
	Complete       bool
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false"`
}

func (StepResultModel) TableName() string { return "step_results" }

// PullRequestModel pull_requests 資料表
type PullRequestModel struct {
	ID                int64 `gorm:"primaryKey"`
	Number            int
	Title             string
	Username          string
	URL               string `gorm:"uniqueIndex"`
	ReviewCommentsURL string
	Status            string
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (PullRequestModel) TableName() string { return "pull_requests" }

// BranchModel branches 資料表
type BranchModel struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex:idx_branch"`
	Owner     string `gorm:"uniqueIndex:idx_branch"`
	Repo      string `gorm:"uniqueIndex:idx_branch"`
	Status    string
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (BranchModel) TableName() string { return "branches" }

// allModels AutoMigrate 的對象
func allModels() []any {
	return []any{
		&UserModel{},
		&ClientModel{},
		&RecipeModel{},
		&EventModel{},
		&JobModel{},
		&StepResultModel{},
		&PullRequestModel{},
		&BranchModel{},
	}
}

// ============================================================================
// 轉換
// ============================================================================

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

func fromJSON(data datatypes.JSON, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func userToModel(u *types.User) *UserModel {
	return &UserModel{ID: int64(u.ID), Name: u.Name, BuildKey: u.BuildKey, Token: u.Token}
}

func modelToUser(m *UserModel) *types.User {
	return &types.User{ID: types.UserID(m.ID), Name: m.Name, BuildKey: m.BuildKey, Token: m.Token}
}

func clientToModel(c *types.Client) *ClientModel {
	return &ClientModel{ID: int64(c.ID), UserID: int64(c.UserID), Name: c.Name, IP: c.IP, LastSeen: c.LastSeen}
}

func modelToClient(m *ClientModel) *types.Client {
	return &types.Client{
		ID: types.ClientID(m.ID), UserID: types.UserID(m.UserID),
		Name: m.Name, IP: m.IP, LastSeen: m.LastSeen,
	}
}

func recipeToModel(r *types.Recipe) *RecipeModel {
	return &RecipeModel{
		ID:             int64(r.ID),
		UserID:         int64(r.UserID),
		Name:           r.Name,
		Priority:       r.Priority,
		Causes:         toJSON(r.Causes),
		BuildConfigs:   toJSON(r.BuildConfigs),
		Steps:          toJSON(r.Steps),
		Environment:    toJSON(r.Environment),
		PrestepSources: toJSON(r.PrestepSources),
		DependsOn:      toJSON(r.DependsOn),
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
	}
}

func modelToRecipe(m *RecipeModel) (*types.Recipe, error) {
	r := &types.Recipe{
		ID:        types.RecipeID(m.ID),
		UserID:    types.UserID(m.UserID),
		Name:      m.Name,
		Priority:  m.Priority,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
	}
	for _, f := range []struct {
		data datatypes.JSON
		dst  any
	}{
		{m.Causes, &r.Causes},
		{m.BuildConfigs, &r.BuildConfigs},
		{m.Steps, &r.Steps},
		{m.Environment, &r.Environment},
		{m.PrestepSources, &r.PrestepSources},
		{m.DependsOn, &r.DependsOn},
	} {
		if err := fromJSON(f.data, f.dst); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func eventToModel(e *types.Event) *EventModel {
	m := &EventModel{
		ID:          int64(e.ID),
		UserID:      int64(e.UserID),
		Cause:       string(e.Cause),
		Head:        toJSON(e.Head),
		Base:        toJSON(e.Base),
		Status:      string(e.Status),
		Complete:    e.Complete,
		CommentsURL: e.CommentsURL,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.PullRequestID != nil {
		id := int64(*e.PullRequestID)
		m.PullRequestID = &id
	}
	if e.BranchID != nil {
		id := int64(*e.BranchID)
		m.BranchID = &id
	}
	return m
}

func modelToEvent(m *EventModel) (*types.Event, error) {
	e := &types.Event{
		ID:          types.EventID(m.ID),
		UserID:      types.UserID(m.UserID),
		Cause:       types.Cause(m.Cause),
		Status:      types.Status(m.Status),
		Complete:    m.Complete,
		CommentsURL: m.CommentsURL,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if err := fromJSON(m.Head, &e.Head); err != nil {
		return nil, err
	}
	if err := fromJSON(m.Base, &e.Base); err != nil {
		return nil, err
	}
	if m.PullRequestID != nil {
		id := types.PullRequestID(*m.PullRequestID)
		e.PullRequestID = &id
	}
	if m.BranchID != nil {
		id := types.BranchID(*m.BranchID)
		e.BranchID = &id
	}
	return e, nil
}

func jobToModel(j *types.Job) *JobModel {
	m := &JobModel{
		ID:            int64(j.ID),
		EventID:       int64(j.EventID),
		RecipeID:      int64(j.RecipeID),
		UserID:        int64(j.UserID),
		Config:        j.Config,
		Status:        string(j.Status),
		Ready:         j.Ready,
		Active:        j.Active,
		Complete:      j.Complete,
		Invalidated:   j.Invalidated,
		SameClient:    j.SameClient,
		RecipeSHA:     j.RecipeSHA,
		Seconds:       j.Seconds,
		OS:            toJSON(j.OS),
		LoadedModules: toJSON(j.LoadedModules),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.ClientID != nil {
		id := int64(*j.ClientID)
		m.ClientID = &id
	}
	return m
}

func modelToJob(m *JobModel) (*types.Job, error) {
	j := &types.Job{
		ID:          types.JobID(m.ID),
		EventID:     types.EventID(m.EventID),
		RecipeID:    types.RecipeID(m.RecipeID),
		UserID:      types.UserID(m.UserID),
		Config:      m.Config,
		Status:      types.Status(m.Status),
		Ready:       m.Ready,
		Active:      m.Active,
		Complete:    m.Complete,
		Invalidated: m.Invalidated,
		SameClient:  m.SameClient,
		RecipeSHA:   m.RecipeSHA,
		Seconds:     m.Seconds,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if err := fromJSON(m.OS, &j.OS); err != nil {
		return nil, err
	}
	if err := fromJSON(m.LoadedModules, &j.LoadedModules); err != nil {
		return nil, err
	}
	if m.ClientID != nil {
		id := types.ClientID(*m.ClientID)
		j.ClientID = &id
	}
	return j, nil
}

func stepToModel(s *types.StepResult) *StepResultModel {
	return &StepResultModel{
		ID:             int64(s.ID),
		JobID:          int64(s.JobID),
		Name:           s.Name,
		Position:       s.Position,
		Status:         string(s.Status),
		ExitStatus:     s.ExitStatus,
		Output:         s.Output,
		Seconds:        s.Seconds,
		AbortOnFailure: s.AbortOnFailure,
		AllowedToFail:  s.AllowedToFail,
		Complete:       s.Complete,
		UpdatedAt:      s.UpdatedAt,
	}
}

func modelToStep(m *StepResultModel) *types.StepResult {
	return &types.StepResult{
		ID:             types.StepResultID(m.ID),
		JobID:          types.JobID(m.JobID),
		Name:           m.Name,
		Position:       m.Position,
		Status:         types.Status(m.Status),
		ExitStatus:     m.ExitStatus,
		Output:         m.Output,
		Seconds:        m.Seconds,
		AbortOnFailure: m.AbortOnFailure,
		AllowedToFail:  m.AllowedToFail,
		Complete:       m.Complete,
		UpdatedAt:      m.UpdatedAt,
	}
}

func prToModel(p *types.PullRequest) *PullRequestModel {
	return &PullRequestModel{
		ID: int64(p.ID), Number: p.Number, Title: p.Title, Username: p.Username,
		URL: p.URL, ReviewCommentsURL: p.ReviewCommentsURL,
		Status: string(p.Status), UpdatedAt: p.UpdatedAt,
	}
}

func modelToPR(m *PullRequestModel) *types.PullRequest {
	return &types.PullRequest{
		ID: types.PullRequestID(m.ID), Number: m.Number, Title: m.Title, Username: m.Username,
		URL: m.URL, ReviewCommentsURL: m.ReviewCommentsURL,
		Status: types.Status(m.Status), UpdatedAt: m.UpdatedAt,
	}
}

func branchToModel(b *types.Branch) *BranchModel {
	return &BranchModel{
		ID: int64(b.ID), Name: b.Name, Owner: b.Owner, Repo: b.Repo,
		Status: string(b.Status), UpdatedAt: b.UpdatedAt,
	}
}

func modelToBranch(m *BranchModel) *types.Branch {
	return &types.Branch{
		ID: types.BranchID(m.ID), Name: m.Name, Owner: m.Owner, Repo: m.Repo,
		Status: types.Status(m.Status), UpdatedAt: m.UpdatedAt,
	}
}
