// Package tracker implements the task tracker (spec §4.4): after a
// scheduled delay, fetch a task's remote status, merge it into the
// stored task, and either complete, time out, or reschedule.
//
// The "recursion through a scheduler" design note is modeled as a
// chain of timers rather than true recursion or a long-held
// goroutine - grounded on pkg/daemon/loop.go's timer-driven event loop
// in the teacher repository. The default Scheduler uses in-process
// time.AfterFunc timers; pending polls are not persisted and are lost
// when the process exits.
package tracker

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/metrics"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
)

const (
	// DefaultPollInterval is the fixed delay between polls (spec §4.4).
	DefaultPollInterval = time.Second
	// DefaultRetries bounds the polling horizon to roughly one hour at
	// DefaultPollInterval (spec §4.4).
	DefaultRetries = 3600
)

// Fetcher retrieves a task document from the remote ASG service. Both
// *remoteasg.Client and *remoteasg.CachedClient satisfy it.
// lastSeenUpdateTime is the caller's most recently merged
// LastRemoteUpdate for this task, formatted as RFC 3339 (with
// nanoseconds); it is empty on the first poll. A caching Fetcher
// folds it into the cache key (spec §4.4) so a repeat poll against an
// unchanged remote document doesn't need a live round trip.
type Fetcher interface {
	FetchTask(ctx context.Context, taskURL, lastSeenUpdateTime string) (*remoteasg.TaskDoc, error)
}

// TaskUpdater persists the merged task back into the deployment
// document (spec §4.2's update_task, invoked from the tracker's own
// read-modify-write of the task it owns).
type TaskUpdater interface {
	UpdateTask(ctx context.Context, id depmodel.ID, task depmodel.Task) error
}

// Scheduler abstracts "run this after a delay" so tests can collapse
// the wait instead of racing real timers.
type Scheduler interface {
	After(d time.Duration, f func())
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration, f func()) { time.AfterFunc(d, f) }

// Callback is invoked with the final merged task, either on terminal
// remote status or on retry exhaustion.
type Callback func(id depmodel.ID, task depmodel.Task)

// Tracker polls the remote service for one task at a time until it
// reaches a terminal status or its retry budget is exhausted.
type Tracker struct {
	Fetcher      Fetcher
	Store        TaskUpdater
	Scheduler    Scheduler
	PollInterval time.Duration
	Logger       log.Logger
}

// New constructs a Tracker with the default poll interval and a
// real, wall-clock scheduler.
func New(fetcher Fetcher, store TaskUpdater, logger log.Logger) *Tracker {
	return &Tracker{
		Fetcher:      fetcher,
		Store:        store,
		Scheduler:    realScheduler{},
		PollInterval: DefaultPollInterval,
		Logger:       logger,
	}
}

// Track begins polling task, whose URL must already be set by the
// pipeline handler that started it. onComplete fires exactly once on
// a terminal remote status; onTimeout fires exactly once if retries
// is exhausted first (Testable Property 4).
func (t *Tracker) Track(ctx context.Context, id depmodel.ID, task depmodel.Task, retries int, onComplete, onTimeout Callback) {
	t.schedule(ctx, id, task, retries, onComplete, onTimeout)
}

func (t *Tracker) schedule(ctx context.Context, id depmodel.ID, task depmodel.Task, retries int, onComplete, onTimeout Callback) {
	t.Scheduler.After(t.pollInterval(), func() {
		t.poll(ctx, id, task, retries, onComplete, onTimeout)
	})
}

func (t *Tracker) pollInterval() time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return DefaultPollInterval
}

func (t *Tracker) poll(ctx context.Context, id depmodel.ID, task depmodel.Task, retries int, onComplete, onTimeout Callback) {
	doc, err := t.Fetcher.FetchTask(ctx, task.URL, lastSeenUpdateTime(task))
	if err != nil {
		metrics.TrackerPolls.With(metrics.LabelResult, metrics.ResultError).Add(1)
		if isTransient(err) {
			t.retryOrTimeout(ctx, id, task, retries, onComplete, onTimeout, err)
			return
		}
		t.log("event", "poll-failed", "deployment", id, "task", task.TaskID, "err", err)
		return
	}
	metrics.TrackerPolls.With(metrics.LabelResult, metrics.ResultSuccess).Add(1)

	merged, mergeErr := mergeTaskDoc(task, doc)
	if mergeErr != nil {
		t.log("event", "merge-failed", "deployment", id, "task", task.TaskID, "err", mergeErr)
		return
	}

	if err := t.Store.UpdateTask(ctx, id, merged); err != nil {
		if isTransient(err) {
			t.retryOrTimeout(ctx, id, merged, retries, onComplete, onTimeout, err)
			return
		}
		t.log("event", "store-update-failed", "deployment", id, "task", task.TaskID, "err", err)
		return
	}

	if doc.Terminal() {
		onComplete(id, merged)
		return
	}
	if retries <= 0 {
		onTimeout(id, merged)
		return
	}
	t.schedule(ctx, id, merged, retries-1, onComplete, onTimeout)
}

func (t *Tracker) retryOrTimeout(ctx context.Context, id depmodel.ID, task depmodel.Task, retries int, onComplete, onTimeout Callback, cause error) {
	if retries <= 0 {
		t.log("event", "poll-exhausted", "deployment", id, "task", task.TaskID, "err", cause)
		onTimeout(id, task)
		return
	}
	t.log("event", "poll-retry", "deployment", id, "task", task.TaskID, "retries-left", retries-1, "err", cause)
	t.schedule(ctx, id, task, retries-1, onComplete, onTimeout)
}

func (t *Tracker) log(keyvals ...interface{}) {
	if t.Logger == nil {
		return
	}
	t.Logger.Log(keyvals...)
}

// mergeTaskDoc folds the remote document's status and normalized log
// into the stored task via mergo, mirroring
// pkg/cluster/kubernetes/patch.go's mergo.Merge usage in the teacher
// repository. mergo.WithOverride is required because a non-zero
// remote status must replace the stored one, not be skipped as
// already-set.
func mergeTaskDoc(task depmodel.Task, doc *remoteasg.TaskDoc) (depmodel.Task, error) {
	patch := depmodel.Task{
		Status: depmodel.Status(doc.Status),
		Log:    normalizedLog(doc),
	}
	// An unparseable updateTime is diagnostic text, not pipeline
	// truth, so it's dropped rather than failing the merge - the same
	// treatment NormalizedLog gives a malformed log line.
	if updateTime, err := doc.ParsedUpdateTime(); err == nil && !updateTime.IsZero() {
		patch.LastRemoteUpdate = &updateTime
	}
	if err := mergo.Merge(&task, patch, mergo.WithOverride); err != nil {
		return task, errors.Wrap(err, "merging task document")
	}
	return task, nil
}

// lastSeenUpdateTime renders the task's last merged remote updateTime
// for the Fetcher's cache key. A task with no prior poll (or whose
// remote document never carried a parseable updateTime) has none.
func lastSeenUpdateTime(task depmodel.Task) string {
	if task.LastRemoteUpdate == nil {
		return ""
	}
	return task.LastRemoteUpdate.Format(time.RFC3339Nano)
}

func normalizedLog(doc *remoteasg.TaskDoc) []depmodel.LogEntry {
	entries := doc.NormalizedLog()
	out := make([]depmodel.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = depmodel.LogEntry{Timestamp: e.Timestamp, Message: e.Message}
	}
	return out
}

// isTransient classifies a poll failure per spec §4.4: network or
// persistence failures (tagged http/store) are recovered by
// decrementing the retry budget; anything else propagates.
func isTransient(err error) bool {
	if depmodel.IsKind(err, depmodel.KindTrackerTransient) {
		return true
	}
	if depmodel.IsKind(err, depmodel.KindUnexpectedResponse) || depmodel.IsKind(err, depmodel.KindMissingASG) {
		return false
	}
	var derr *depmodel.Error
	if errors.As(err, &derr) {
		return false
	}
	// A raw, unclassified error reaching here came from the HTTP
	// transport or the store's own transport layer failing outright
	// (connection refused, timeout) rather than the remote answering
	// with a diagnosable status - that is the http/store transient
	// case spec §4.4 describes.
	return true
}
