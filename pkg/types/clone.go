package types

// Clone 系列方法回傳深拷貝，儲存層交出的物件不與內部狀態共用記憶體

func (u *User) Clone() *User {
	c := *u
	return &c
}

func (c *Client) Clone() *Client {
	cp := *c
	return &cp
}

func (r *Recipe) Clone() *Recipe {
	c := *r
	c.Causes = append([]Cause(nil), r.Causes...)
	c.BuildConfigs = append([]string(nil), r.BuildConfigs...)
	c.PrestepSources = append([]string(nil), r.PrestepSources...)
	c.DependsOn = append([]RecipeID(nil), r.DependsOn...)
	c.Environment = cloneEnv(r.Environment)
	c.Steps = make([]Step, len(r.Steps))
	for i, s := range r.Steps {
		s.Environment = cloneEnv(s.Environment)
		c.Steps[i] = s
	}
	return &c
}

func (e *Event) Clone() *Event {
	c := *e
	if e.PullRequestID != nil {
		id := *e.PullRequestID
		c.PullRequestID = &id
	}
	if e.BranchID != nil {
		id := *e.BranchID
		c.BranchID = &id
	}
	return &c
}

func (j *Job) Clone() *Job {
	c := *j
	if j.ClientID != nil {
		id := *j.ClientID
		c.ClientID = &id
	}
	c.LoadedModules = append([]string(nil), j.LoadedModules...)
	return &c
}

func (s *StepResult) Clone() *StepResult {
	c := *s
	return &c
}

func (p *PullRequest) Clone() *PullRequest {
	c := *p
	return &c
}

func (b *Branch) Clone() *Branch {
	c := *b
	return &c
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
