// Package orchestrator is the coordinator that owns one deployment at
// a time from intake through finalization (spec §4.5): mutual
// exclusion via the KV store's atomic set-if-absent, task-boundary
// pause/cancel checks, resume, and the restart sweep.
//
// Grounded on pkg/daemon/daemon.go's struct-of-collaborators shape in
// the teacher repository - an explicit service context constructed at
// startup and passed through, per the "no ambient globals" design
// note.
package orchestrator

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/kvstore"
	"github.com/fluxcd/asg-orchestrator/internal/metrics"
	"github.com/fluxcd/asg-orchestrator/internal/pipeline"
	"github.com/fluxcd/asg-orchestrator/internal/tracker"
)

// Orchestrator is the fully-wired coordinator: the KV coordination
// store, the deployment document store, the pipeline engine, and the
// task tracker, plus the retry budget the tracker is started with.
type Orchestrator struct {
	KV       kvstore.Store
	Store    deploystore.Store
	Pipeline *pipeline.Engine
	Tracker  *tracker.Tracker
	Retries  int
	Logger   log.Logger
}

func (o *Orchestrator) retries() int {
	if o.Retries > 0 {
		return o.Retries
	}
	return tracker.DefaultRetries
}

func (o *Orchestrator) log(keyvals ...interface{}) {
	if o.Logger == nil {
		return
	}
	o.Logger.Log(keyvals...)
}

// Register enforces the mutual-exclusion invariants of spec §4.5
// (global lock, one in-flight deployment per application/environment/
// region) without beginning any task. Split out from Start so the
// HTTP intake adapter can give a caller an immediate 409/423 while the
// actual first-task dispatch happens off the enqueued id, on a queue
// worker (spec §4.7's "writes the document and enqueues" contract).
func (o *Orchestrator) Register(dep *depmodel.Deployment) error {
	held, err := o.KV.LockHeld()
	if err != nil {
		return err
	}
	if held {
		return depmodel.NewError(depmodel.KindLocked, "the global intake lock is held", nil)
	}

	ok, err := o.KV.RegisterInProgress(dep.Key(), dep.ID)
	if err != nil {
		return err
	}
	if !ok {
		return depmodel.NewError(depmodel.KindAlreadyInProgress,
			"a deployment for this application/environment/region is already in progress", nil)
	}
	metrics.DeploymentsInFlight.Add(1)
	return nil
}

// Dispatch begins the first task of a deployment already registered
// via Register - the queue-worker side of spec §4.5's steps 1-3.
func (o *Orchestrator) Dispatch(ctx context.Context, dep *depmodel.Deployment) error {
	return o.startTask(ctx, dep, dep.NextPending())
}

// Start is Register followed immediately by Dispatch, for callers
// (tests) that have no queue between the two. The restart sweep does
// not use it: it resumes through startTask directly, since its
// deployments are already registered in-progress.
func (o *Orchestrator) Start(ctx context.Context, dep *depmodel.Deployment) error {
	if err := o.Register(dep); err != nil {
		return err
	}
	return o.Dispatch(ctx, dep)
}

// startTask begins task, persisting the initial start bookkeeping and
// either finalizing it in-line (skip) or dispatching it to the
// tracker.
func (o *Orchestrator) startTask(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task) error {
	if task == nil {
		return o.finalize(ctx, dep)
	}

	skipped, err := o.Pipeline.StartTask(ctx, dep, task)
	if err != nil {
		return o.fail(ctx, dep, task, err)
	}
	if err := o.Store.UpdateTask(ctx, dep.ID, *task); err != nil {
		return err
	}
	if skipped {
		return o.taskFinished(ctx, dep, task)
	}

	o.Tracker.Track(ctx, dep.ID, *task, o.retries(), o.onTaskComplete, o.onTaskTimeout)
	return nil
}

// onTaskComplete is the tracker's terminal callback (spec §4.4): the
// remote status was one of completed/failed/terminated.
func (o *Orchestrator) onTaskComplete(id depmodel.ID, task depmodel.Task) {
	ctx := context.Background()
	dep, err := o.Store.Get(ctx, id)
	if err != nil {
		o.log("event", "load-failed", "deployment", id, "err", err)
		return
	}

	if err := o.Pipeline.FinishTask(ctx, dep, &task); err != nil {
		o.log("event", "finish-task-failed", "deployment", id, "task", task.TaskID, "err", err)
		o.failLoaded(ctx, dep, &task, err)
		return
	}
	if err := o.Store.UpdateTask(ctx, dep.ID, task); err != nil {
		o.log("event", "update-task-failed", "deployment", id, "task", task.TaskID, "err", err)
		return
	}
	metrics.TasksFinished.With(metrics.LabelAction, string(task.Action), metrics.LabelResult, string(task.Status)).Add(1)

	if task.Status != depmodel.StatusCompleted {
		o.failLoaded(ctx, dep, &task, errors.Errorf("task %s ended with status %s", task.TaskID, task.Status))
		return
	}

	// dep was reloaded fresh from the store; fold the tracker's merged
	// task back in before evaluating what's next, or NextPending would
	// still see this task's pre-completion status.
	if inMemory := dep.TaskByID(task.TaskID); inMemory != nil {
		*inMemory = task
	}

	if err := o.taskFinished(ctx, dep, &task); err != nil {
		o.log("event", "task-finished-failed", "deployment", id, "err", err)
	}
}

// onTaskTimeout is the tracker's retry-exhaustion callback.
func (o *Orchestrator) onTaskTimeout(id depmodel.ID, task depmodel.Task) {
	ctx := context.Background()
	dep, err := o.Store.Get(ctx, id)
	if err != nil {
		o.log("event", "load-failed", "deployment", id, "err", err)
		return
	}
	o.failLoaded(ctx, dep, &task, errors.Errorf("task %s exceeded its poll horizon", task.TaskID))
}

// taskFinished implements the task-boundary check of spec §4.5: on
// entry, before starting the next task, look for a cancel or pause
// request.
func (o *Orchestrator) taskFinished(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task) error {
	key := dep.Key()

	cancelled, err := o.KV.CancelRegistered(key)
	if err != nil {
		return err
	}
	if cancelled {
		return o.cancel(ctx, dep)
	}

	paused, err := o.KV.PauseRegistered(key)
	if err != nil {
		return err
	}
	if paused {
		return o.pause(ctx, dep)
	}

	return o.startTask(ctx, dep, dep.NextPending())
}

// cancel implements Testable Property 8's cancel branch: remaining
// tasks are marked skipped, end is set, and all coordination markers
// are cleared.
func (o *Orchestrator) cancel(ctx context.Context, dep *depmodel.Deployment) error {
	now := time.Now()
	for i := range dep.Tasks {
		if !dep.Tasks[i].Terminal() {
			dep.Tasks[i].Status = depmodel.StatusSkipped
			dep.Tasks[i].AppendLog("Skipping: deployment cancelled", now)
			dep.Tasks[i].End = &now
			if err := o.Store.UpdateTask(ctx, dep.ID, dep.Tasks[i]); err != nil {
				return err
			}
		}
	}
	dep.End = &now
	if err := o.Store.Upsert(ctx, dep); err != nil {
		return err
	}
	return o.endInFlight(dep.Key())
}

// pause implements Testable Property 8's pause branch: the deployment
// is moved to the paused set and no further task starts until resume.
func (o *Orchestrator) pause(ctx context.Context, dep *depmodel.Deployment) error {
	key := dep.Key()
	if err := o.KV.RegisterPaused(key, dep.ID); err != nil {
		return err
	}
	return o.KV.ClearPauseRequest(key)
}

// Resume implements spec §4.5's resume path: unregister cancel, drop
// the paused marker, and start the next task.
func (o *Orchestrator) Resume(ctx context.Context, key depmodel.Key) error {
	id, ok, err := o.KV.PausedID(key)
	if err != nil {
		return err
	}
	if !ok {
		return depmodel.NewError(depmodel.KindMissingASG, "no paused deployment for this application/environment/region", nil)
	}

	dep, err := o.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.KV.Resume(key); err != nil {
		return err
	}
	return o.startTask(ctx, dep, dep.NextPending())
}

// fail marks task and the deployment failed before the task's own
// UpdateTask write has happened yet (the pipeline handler itself
// errored, synchronously, before dispatch).
func (o *Orchestrator) fail(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task, cause error) error {
	if err := o.Store.UpdateTask(ctx, dep.ID, *task); err != nil {
		return err
	}
	return o.failLoaded(ctx, dep, task, cause)
}

// failLoaded finalizes a deployment whose failing task has already
// been persisted (or is about to be, via the caller). Per spec §7,
// unexpected-response and missing-asg failures are not retried; the
// pipeline is not restarted for this deployment.
func (o *Orchestrator) failLoaded(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task, cause error) error {
	o.log("event", "task-failed", "deployment", dep.ID, "task", task.TaskID, "err", cause)
	if inMemory := dep.TaskByID(task.TaskID); inMemory != nil {
		*inMemory = *task
	}
	now := time.Now()
	dep.End = &now
	if err := o.Store.Upsert(ctx, dep); err != nil {
		return err
	}
	return o.endInFlight(dep.Key())
}

// finalize is reached once every task in the list is terminal without
// an intervening cancel: the deployment completed the healthy path.
func (o *Orchestrator) finalize(ctx context.Context, dep *depmodel.Deployment) error {
	now := time.Now()
	dep.End = &now
	if err := o.Store.Upsert(ctx, dep); err != nil {
		return err
	}
	return o.endInFlight(dep.Key())
}

// endInFlight clears the in-progress coordination markers and adjusts
// the in-flight gauge together, so every path that ends a deployment
// keeps the two in step.
func (o *Orchestrator) endInFlight(key depmodel.Key) error {
	if err := o.KV.EndDeployment(key); err != nil {
		return err
	}
	metrics.DeploymentsInFlight.Add(-1)
	return nil
}

// RestartSweep implements spec §4.5's restart sweep: for each
// incomplete deployment whose in-progress mapping survived the
// restart, resume it from its first non-terminal task; otherwise log
// it as orphaned and leave it for human triage. Nothing is written to
// an orphaned deployment's document.
func (o *Orchestrator) RestartSweep(ctx context.Context) error {
	incomplete, err := o.Store.FindIncomplete(ctx)
	if err != nil {
		return err
	}

	for _, dep := range incomplete {
		key := dep.Key()
		id, ok, err := o.KV.InProgressID(key)
		if err != nil {
			o.log("event", "sweep-lookup-failed", "deployment", dep.ID, "err", err)
			continue
		}
		if !ok || id != dep.ID {
			o.log("event", "sweep-orphaned", "deployment", dep.ID, "key", key.String())
			continue
		}
		if err := o.startTask(ctx, dep, dep.NextPending()); err != nil {
			o.log("event", "sweep-restart-failed", "deployment", dep.ID, "err", err)
		}
	}
	return nil
}
