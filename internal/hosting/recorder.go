package hosting

import (
	"context"
	"sync"
)

// Call is one recorded hosting request.
type Call struct {
	Method   string
	Session  Session
	URL      string
	SHA      string
	Path     string
	Position int
	Message  string
	Status   CommitStatus
}

// Recorder keeps every call in memory. Setting Err makes each call fail after
// being recorded. Used by tests and by `serve` when remote updates are off.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Err   error
}

func (r *Recorder) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.Err
}

func (r *Recorder) PostPRComment(_ context.Context, sess Session, url, message string) error {
	return r.record(Call{Method: "PostPRComment", Session: sess, URL: url, Message: message})
}

func (r *Recorder) PostPRReviewComment(_ context.Context, sess Session, url, sha, path string, position int, message string) error {
	return r.record(Call{
		Method: "PostPRReviewComment", Session: sess, URL: url,
		SHA: sha, Path: path, Position: position, Message: message,
	})
}

func (r *Recorder) UpdateCommitStatus(_ context.Context, sess Session, status CommitStatus) error {
	return r.record(Call{Method: "UpdateCommitStatus", Session: sess, Status: status})
}

// Calls returns a copy of the recorded calls, optionally filtered by method.
func (r *Recorder) Calls(method ...string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Call, 0, len(r.calls))
	for _, c := range r.calls {
		if len(method) == 0 || c.Method == method[0] {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
