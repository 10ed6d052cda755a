// ============================================================================
// Build client worker - runs one claimed job at a time
// ============================================================================
//
// Each Worker is a goroutine that:
//   1. Receives a claimed job from taskCh
//   2. Runs its steps in order with the Executor
//   3. Reports start / update / complete per step, then job_finished
//   4. Sends a Result to resultCh
//
// The dispatcher decides whether the next step runs (next_step); a canceled
// or invalidated job is noticed at the next step report.
//
// Reports after a timeout still go out on a context without the deadline so
// the dispatcher sees a terminal step instead of a job stuck in RUNNING.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
)

// DefaultUpdateInterval is how often running step output is flushed.
const DefaultUpdateInterval = 5 * time.Second

// Identity names the client to the dispatcher.
type Identity struct {
	BuildKey   string
	ClientName string
}

// Worker executes claimed jobs.
type Worker struct {
	id             int
	source         JobSource
	exec           Executor
	ident          Identity
	updateInterval time.Duration
	taskCh         <-chan Task
	resultCh       chan<- Result
}

func newWorker(id int, cfg PoolConfig, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	interval := cfg.UpdateInterval
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Worker{
		id:             id,
		source:         cfg.Source,
		exec:           cfg.Executor,
		ident:          cfg.Identity,
		updateInterval: interval,
		taskCh:         taskCh,
		resultCh:       resultCh,
	}
}

// Run is the worker loop; it returns when taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.runJob(task)

		select {
		case w.resultCh <- result:
		default:
			slog.Warn("result dropped, channel full", "worker", w.id, "jobID", result.JobID)
		}
	}
}

func (w *Worker) runJob(task Task) Result {
	start := time.Now()
	job := task.Job
	result := Result{JobID: job.JobID}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	reportCtx := context.WithoutCancel(ctx)

	slog.Info("running job", "worker", w.id, "jobID", job.JobID, "recipe", job.RecipeName, "steps", len(job.Steps))
	for _, step := range job.Steps {
		result.Steps++
		next, err := w.runStep(ctx, reportCtx, job, step)
		if err != nil {
			result.Error = err
		}
		if err != nil || !next {
			break
		}
	}

	res, err := w.source.JobFinished(reportCtx, controller.FinishReport{
		BuildKey:   w.ident.BuildKey,
		ClientName: w.ident.ClientName,
		JobID:      job.JobID,
		Seconds:    time.Since(start).Seconds(),
		Complete:   true,
	})
	if err != nil {
		if result.Error == nil {
			result.Error = fmt.Errorf("job_finished: %w", err)
		}
	} else {
		result.Status = res.Job
	}
	result.Duration = time.Since(start)
	slog.Info("job done", "worker", w.id, "jobID", job.JobID, "status", result.Status, "duration", result.Duration, "error", result.Error)
	return result
}

// runStep runs one step and reports it. It returns whether the next step
// should run.
func (w *Worker) runStep(ctx, reportCtx context.Context, job *controller.JobDescription, step controller.StepDescription) (bool, error) {
	report := func(output string, elapsed time.Duration) controller.StepReport {
		return controller.StepReport{
			BuildKey:   w.ident.BuildKey,
			ClientName: w.ident.ClientName,
			ResultID:   step.StepResultID,
			StepNum:    step.StepNum,
			Output:     output,
			Time:       elapsed.Seconds(),
		}
	}

	start := time.Now()
	if err := w.source.StartStep(reportCtx, report("", 0)); err != nil {
		return false, fmt.Errorf("start step %q: %w", step.Name, err)
	}

	env := make(map[string]string, len(job.Environment)+len(step.Environment))
	for k, v := range job.Environment {
		env[k] = v
	}
	for k, v := range step.Environment {
		env[k] = v
	}

	out := &outputBuffer{}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				chunk := out.drain()
				if chunk == "" {
					continue
				}
				if err := w.source.UpdateStep(reportCtx, report(chunk, time.Since(start))); err != nil {
					slog.Warn("step update failed", "jobID", job.JobID, "step", step.Name, "error", err)
				}
			}
		}
	}()

	exitStatus, runErr := w.exec.Run(ctx, step.Script, env, out)
	close(done)
	wg.Wait()

	if runErr != nil {
		fmt.Fprintf(out, "\nci-dispatch: step did not run to completion: %v\n", runErr)
		if exitStatus == 0 {
			exitStatus = -1
		}
	}

	final := report(out.drain(), time.Since(start))
	final.Complete = true
	final.ExitStatus = exitStatus
	next, err := w.source.CompleteStep(reportCtx, final)
	if err != nil {
		return false, fmt.Errorf("complete step %q: %w", step.Name, err)
	}
	if runErr != nil {
		return false, runErr
	}
	return next, nil
}
