package orchestrator

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/kvstore"
	"github.com/fluxcd/asg-orchestrator/internal/pipeline"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
	"github.com/fluxcd/asg-orchestrator/internal/tracker"
)

// stubRemote answers every dispatch with an immediately-terminal
// TaskDoc so the tracker (using an immediate scheduler) resolves each
// task synchronously within Start/taskFinished.
type stubRemote struct {
	docs map[string]*remoteasg.TaskDoc
	next int
}

func (s *stubRemote) BuildForm(ctx context.Context, region string, params depmodel.Parameters, cfg remoteasg.TransformConfig) (url.Values, error) {
	return url.Values{}, nil
}

func (s *stubRemote) taskURLFor(action string) string {
	s.next++
	return "http://asg.internal/task/" + action + "-" + string(rune('0'+s.next))
}

func (s *stubRemote) SaveNewASG(ctx context.Context, region string, form url.Values) (string, error) {
	u := s.taskURLFor("create")
	s.docs[u] = &remoteasg.TaskDoc{Status: "completed", Log: []string{"2020-01-02_03:04:05 Creating auto scaling group 'foo-prod-v001'"}}
	return u, nil
}

func (s *stubRemote) CreateNextGroup(ctx context.Context, region string, form url.Values) (string, error) {
	u := s.taskURLFor("createnext")
	s.docs[u] = &remoteasg.TaskDoc{Status: "completed", Log: []string{"2020-01-02_03:04:05 Creating auto scaling group 'foo-prod-v002'"}}
	return u, nil
}

func (s *stubRemote) ClusterAction(ctx context.Context, region, action, name, ticket string) (string, error) {
	u := s.taskURLFor(action)
	s.docs[u] = &remoteasg.TaskDoc{Status: "completed"}
	return u, nil
}

func (s *stubRemote) StartHealthCheck(ctx context.Context, region, kind, name, ticket string) (string, error) {
	u := s.taskURLFor("health-" + kind)
	s.docs[u] = &remoteasg.TaskDoc{Status: "completed"}
	return u, nil
}

func (s *stubRemote) FetchTask(ctx context.Context, taskURL, lastSeenUpdateTime string) (*remoteasg.TaskDoc, error) {
	doc, ok := s.docs[taskURL]
	if !ok {
		return &remoteasg.TaskDoc{Status: "completed"}, nil
	}
	return doc, nil
}

type immediateScheduler struct{}

func (immediateScheduler) After(d time.Duration, f func()) { f() }

func newTestOrchestrator() (*Orchestrator, *stubRemote, deploystore.Store, kvstore.Store) {
	remote := &stubRemote{docs: map[string]*remoteasg.TaskDoc{}}
	store := deploystore.NewMemStore()
	kv := kvstore.NewMemStore()
	engine := &pipeline.Engine{Remote: remote, Store: store}
	trk := &tracker.Tracker{Fetcher: remote, Store: store, Scheduler: immediateScheduler{}, PollInterval: time.Millisecond}
	o := &Orchestrator{KV: kv, Store: store, Pipeline: engine, Tracker: trk, Retries: 5}
	return o, remote, store, kv
}

func newFreshDeployment() *depmodel.Deployment {
	return &depmodel.Deployment{
		ID:          "dep-1",
		Application: "foo",
		Environment: "prod",
		Region:      "eu-west-1",
		Parameters: depmodel.Parameters{
			"min":                      1,
			"health_check_type":        "ELB",
			"selected_load_balancers":  []interface{}{"lb-1"},
			"selected_security_groups": []interface{}{"sg-1"},
		},
		Tasks:   depmodel.NewStandardTaskList(func(i int) string { return "task-" + string(rune('a'+i)) }),
		Created: time.Now(),
	}
}

func TestStartRunsHealthyPathToCompletion(t *testing.T) {
	o, _, store, kv := newTestOrchestrator()
	dep := newFreshDeployment()
	require.NoError(t, store.Upsert(context.Background(), dep))

	require.NoError(t, o.Start(context.Background(), dep))

	got, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	require.NotNil(t, got.End)
	for i, task := range got.Tasks {
		if task.Action == depmodel.ActionDisableASG || task.Action == depmodel.ActionDeleteASG {
			assert.Equal(t, depmodel.StatusSkipped, task.Status, "task %d (%s)", i, task.Action)
			continue
		}
		assert.Equal(t, depmodel.StatusCompleted, task.Status, "task %d (%s)", i, task.Action)
	}
	name, ok := got.Parameters.String("new_asg_name")
	require.True(t, ok)
	assert.Equal(t, "foo-prod-v001", name)

	_, inProgress, err := kv.InProgressID(dep.Key())
	require.NoError(t, err)
	assert.False(t, inProgress)
}

func TestStartRejectsWhenAlreadyInProgress(t *testing.T) {
	o, _, store, kv := newTestOrchestrator()
	dep := newFreshDeployment()
	require.NoError(t, store.Upsert(context.Background(), dep))

	ok, err := kv.RegisterInProgress(dep.Key(), "other-dep")
	require.NoError(t, err)
	require.True(t, ok)

	err = o.Start(context.Background(), dep)
	require.Error(t, err)
	assert.True(t, depmodel.IsKind(err, depmodel.KindAlreadyInProgress))
}

func TestStartRejectsWhenLockHeld(t *testing.T) {
	o, _, store, kv := newTestOrchestrator()
	dep := newFreshDeployment()
	require.NoError(t, store.Upsert(context.Background(), dep))
	require.NoError(t, kv.SetLock())

	err := o.Start(context.Background(), dep)
	require.Error(t, err)
	assert.True(t, depmodel.IsKind(err, depmodel.KindLocked))
}

// TestCancelBoundarySkipsRemainingTasks exercises Testable Property
// 8's cancel branch: a cancel request registered before Start means
// the task-boundary check after the first task's completion tears the
// deployment down instead of starting the second task.
func TestCancelBoundarySkipsRemainingTasks(t *testing.T) {
	o, _, store, kv := newTestOrchestrator()
	dep := newFreshDeployment()
	require.NoError(t, store.Upsert(context.Background(), dep))

	registered, err := kv.RegisterCancel(dep.Key())
	require.NoError(t, err)
	require.True(t, registered)

	require.NoError(t, o.Start(context.Background(), dep))

	got, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	require.NotNil(t, got.End)
	assert.Equal(t, depmodel.StatusCompleted, got.Tasks[0].Status, "create-asg already finished before the boundary check")
	for i, task := range got.Tasks[1:] {
		assert.Equal(t, depmodel.StatusSkipped, task.Status, "task %d (%s)", i+1, task.Action)
		assert.NotNil(t, task.End)
	}

	_, inProgress, err := kv.InProgressID(dep.Key())
	require.NoError(t, err)
	assert.False(t, inProgress, "cancel must clear the in-progress mapping")

	cancelled, err := kv.CancelRegistered(dep.Key())
	require.NoError(t, err)
	assert.False(t, cancelled, "cancel request must be cleared once acted on")
}

// TestPauseBoundaryStopsBeforeNextTask exercises Testable Property
// 8's pause branch: a pause request registered before Start lets the
// first task finish but stops the second from ever starting, and
// Resume picks the deployment back up from there.
func TestPauseBoundaryStopsBeforeNextTask(t *testing.T) {
	o, _, store, kv := newTestOrchestrator()
	dep := newFreshDeployment()
	require.NoError(t, store.Upsert(context.Background(), dep))

	registered, err := kv.RegisterPause(dep.Key())
	require.NoError(t, err)
	require.True(t, registered)

	require.NoError(t, o.Start(context.Background(), dep))

	got, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	assert.Nil(t, got.End, "a paused deployment has not ended")
	assert.Equal(t, depmodel.StatusCompleted, got.Tasks[0].Status)
	assert.Equal(t, depmodel.StatusPending, got.Tasks[1].Status, "the boundary must stop before the next task starts")

	pausedID, paused, err := kv.PausedID(dep.Key())
	require.NoError(t, err)
	require.True(t, paused)
	assert.Equal(t, dep.ID, pausedID)

	pauseRequested, err := kv.PauseRegistered(dep.Key())
	require.NoError(t, err)
	assert.False(t, pauseRequested, "pause request must be cleared once acted on")

	require.NoError(t, o.Resume(context.Background(), dep.Key()))

	resumed, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed.End, "resume must run the deployment to completion")
	for i, task := range resumed.Tasks {
		if task.Action == depmodel.ActionDisableASG || task.Action == depmodel.ActionDeleteASG {
			assert.Equal(t, depmodel.StatusSkipped, task.Status, "task %d (%s)", i, task.Action)
			continue
		}
		assert.Equal(t, depmodel.StatusCompleted, task.Status, "task %d (%s)", i, task.Action)
	}

	_, stillPaused, err := kv.PausedID(dep.Key())
	require.NoError(t, err)
	assert.False(t, stillPaused, "resume must clear the paused mapping")
}

func TestSkipsELBHealthWhenNotELB(t *testing.T) {
	o, _, store, _ := newTestOrchestrator()
	dep := newFreshDeployment()
	dep.Parameters["health_check_type"] = "EC2"
	require.NoError(t, store.Upsert(context.Background(), dep))

	require.NoError(t, o.Start(context.Background(), dep))

	got, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	elbTask := got.TaskByID("task-" + string(rune('a'+3)))
	require.NotNil(t, elbTask)
	assert.Equal(t, depmodel.StatusSkipped, elbTask.Status)
	require.Len(t, elbTask.Log, 1)
	assert.Equal(t, "Skipping ELB healthcheck", elbTask.Log[0].Message)
}
