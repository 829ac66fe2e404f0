package pipeline

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
)

type stubRemote struct {
	saveNewASGURL      string
	createNextGroupURL string
	clusterActionURL   string
	healthCheckURL     string
	lastAction         string
	lastName           string
}

func (s *stubRemote) BuildForm(ctx context.Context, region string, params depmodel.Parameters, cfg remoteasg.TransformConfig) (url.Values, error) {
	return url.Values{}, nil
}

func (s *stubRemote) SaveNewASG(ctx context.Context, region string, form url.Values) (string, error) {
	return s.saveNewASGURL, nil
}

func (s *stubRemote) CreateNextGroup(ctx context.Context, region string, form url.Values) (string, error) {
	return s.createNextGroupURL, nil
}

func (s *stubRemote) ClusterAction(ctx context.Context, region, action, name, ticket string) (string, error) {
	s.lastAction = action
	s.lastName = name
	return s.clusterActionURL, nil
}

func (s *stubRemote) StartHealthCheck(ctx context.Context, region, kind, name, ticket string) (string, error) {
	return s.healthCheckURL, nil
}

func TestSkipInstanceHealthWhenMinMissing(t *testing.T) {
	skip, msg := skipInstanceHealth(depmodel.Parameters{})
	assert.True(t, skip)
	assert.Equal(t, "Skipping instance healthcheck", msg)
}

func TestSkipInstanceHealthWhenMinZero(t *testing.T) {
	skip, _ := skipInstanceHealth(depmodel.Parameters{"min": 0})
	assert.True(t, skip)
}

func TestNoSkipInstanceHealthWhenMinPositive(t *testing.T) {
	skip, _ := skipInstanceHealth(depmodel.Parameters{"min": 2})
	assert.False(t, skip)
}

func TestSkipELBHealthWhenNotELB(t *testing.T) {
	skip, msg := skipELBHealth(depmodel.Parameters{"health_check_type": "EC2"})
	assert.True(t, skip)
	assert.Equal(t, "Skipping ELB healthcheck", msg)
}

func TestSkipELBHealthWhenNoLoadBalancers(t *testing.T) {
	skip, _ := skipELBHealth(depmodel.Parameters{"health_check_type": "ELB"})
	assert.True(t, skip)
}

func TestNoSkipELBHealthWhenConfigured(t *testing.T) {
	skip, _ := skipELBHealth(depmodel.Parameters{"health_check_type": "ELB", "selected_load_balancers": []interface{}{"lb-1"}})
	assert.False(t, skip)
}

func TestSkipDisableAndDeleteWithoutPriorASG(t *testing.T) {
	for _, action := range []depmodel.Action{depmodel.ActionDisableASG, depmodel.ActionDeleteASG} {
		skip, _ := skipRules[action](depmodel.Parameters{})
		assert.True(t, skip, string(action))
	}
}

func TestExtractNewASGNameFromLog(t *testing.T) {
	task := &depmodel.Task{Log: []depmodel.LogEntry{{Message: "Creating auto scaling group 'foo-prod-v002'"}}}
	name, ok := extractNewASGName(task)
	require.True(t, ok)
	assert.Equal(t, "foo-prod-v002", name)
}

func TestExtractNewASGNameFromURLFallback(t *testing.T) {
	task := &depmodel.Task{URL: "http://asg.internal/eu-west-1/autoScaling/show/foo-prod"}
	name, ok := extractNewASGName(task)
	require.True(t, ok)
	assert.Equal(t, "foo-prod", name)
}

func TestFinishTaskOnlyActsOnCreateASG(t *testing.T) {
	store := deploystore.NewMemStore()
	dep := &depmodel.Deployment{ID: "dep-1", Parameters: depmodel.Parameters{}}
	require.NoError(t, store.Upsert(context.Background(), dep))

	e := &Engine{Store: store}
	task := &depmodel.Task{TaskID: "t1", Action: depmodel.ActionEnableASG, Status: depmodel.StatusCompleted}
	require.NoError(t, e.FinishTask(context.Background(), dep, task))
	_, ok := dep.Parameters.String("new_asg_name")
	assert.False(t, ok)
}

func TestFinishTaskExtractsAndPersistsNewASGName(t *testing.T) {
	store := deploystore.NewMemStore()
	dep := &depmodel.Deployment{ID: "dep-1", Parameters: depmodel.Parameters{}}
	require.NoError(t, store.Upsert(context.Background(), dep))

	e := &Engine{Store: store}
	task := &depmodel.Task{
		TaskID: "t1",
		Action: depmodel.ActionCreateASG,
		Status: depmodel.StatusCompleted,
		Log:    []depmodel.LogEntry{{Message: "Creating auto scaling group 'foo-prod-v002'"}},
	}
	require.NoError(t, e.FinishTask(context.Background(), dep, task))
	name, ok := dep.Parameters.String("new_asg_name")
	require.True(t, ok)
	assert.Equal(t, "foo-prod-v002", name)

	got, err := store.Get(context.Background(), dep.ID)
	require.NoError(t, err)
	storedName, ok := got.Parameters.String("new_asg_name")
	require.True(t, ok)
	assert.Equal(t, "foo-prod-v002", storedName)
}

func TestStartTaskDispatchesCreateASGWithoutPriorASG(t *testing.T) {
	remote := &stubRemote{saveNewASGURL: "http://asg.internal/eu-west-1/autoScaling/show/foo-prod"}
	e := &Engine{Remote: remote}
	dep := &depmodel.Deployment{Region: "eu-west-1", Parameters: depmodel.Parameters{}}
	task := &depmodel.Task{TaskID: "t1", Action: depmodel.ActionCreateASG}

	skipped, err := e.StartTask(context.Background(), dep, task)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, remote.saveNewASGURL, task.URL)
	assert.Equal(t, depmodel.StatusRunning, task.Status)
}

func TestStartTaskDispatchesCreateNextGroupWithPriorASG(t *testing.T) {
	remote := &stubRemote{createNextGroupURL: "http://asg.internal/eu-west-1/task/1"}
	e := &Engine{Remote: remote}
	dep := &depmodel.Deployment{Region: "eu-west-1", Parameters: depmodel.Parameters{"old_asg_name": "foo-prod-v001"}}
	task := &depmodel.Task{TaskID: "t1", Action: depmodel.ActionCreateASG}

	skipped, err := e.StartTask(context.Background(), dep, task)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, remote.createNextGroupURL, task.URL)
}

func TestStartTaskSkipsInstanceHealthWithoutMin(t *testing.T) {
	e := &Engine{Remote: &stubRemote{}}
	dep := &depmodel.Deployment{Parameters: depmodel.Parameters{}}
	task := &depmodel.Task{TaskID: "t2", Action: depmodel.ActionWaitForInstanceHealth}

	skipped, err := e.StartTask(context.Background(), dep, task)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, depmodel.StatusSkipped, task.Status)
	require.Len(t, task.Log, 1)
	assert.Equal(t, "Skipping instance healthcheck", task.Log[0].Message)
	assert.NotNil(t, task.End)
}

func TestStartTaskDisableTargetsOldASG(t *testing.T) {
	remote := &stubRemote{clusterActionURL: "http://asg.internal/eu-west-1/task/2"}
	e := &Engine{Remote: remote}
	dep := &depmodel.Deployment{ID: "dep-1", Region: "eu-west-1", Parameters: depmodel.Parameters{"old_asg_name": "foo-prod-v001"}}
	task := &depmodel.Task{TaskID: "t5", Action: depmodel.ActionDisableASG}

	skipped, err := e.StartTask(context.Background(), dep, task)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, "deactivate", remote.lastAction)
	assert.Equal(t, "foo-prod-v001", remote.lastName)
}

func TestStartTaskFailsWhenHandlerErrors(t *testing.T) {
	e := &Engine{Remote: &stubRemote{}}
	dep := &depmodel.Deployment{Parameters: depmodel.Parameters{}}
	task := &depmodel.Task{TaskID: "t3", Action: depmodel.ActionEnableASG}

	_, err := e.StartTask(context.Background(), dep, task)
	require.Error(t, err)
	assert.Equal(t, depmodel.StatusFailed, task.Status)
	assert.True(t, depmodel.IsKind(err, depmodel.KindMissingASG))
}

func TestStartTaskPanicsOnUnrecognizedAction(t *testing.T) {
	e := &Engine{Remote: &stubRemote{}}
	dep := &depmodel.Deployment{Parameters: depmodel.Parameters{}}
	task := &depmodel.Task{TaskID: "t4", Action: depmodel.Action("not-a-real-action")}

	assert.Panics(t, func() {
		e.StartTask(context.Background(), dep, task)
	})
}
