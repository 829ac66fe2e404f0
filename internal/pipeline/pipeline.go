// Package pipeline is the state machine that drives one deployment's
// fixed six-task list (spec §4.3): dispatch by action, skip
// evaluation, and the post-completion bookkeeping specific to
// create-asg. Dispatch is a closed sum type over depmodel.Action, per
// the "dynamic dispatch over action" design note - an unrecognized
// action is a programmer error, not a runtime possibility, and panics
// rather than propagating as a task failure.
//
// Grounded on pkg/release/releaser.go's stage pipeline and
// pkg/daemon/sync.go's guarded-call style in the teacher repository.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/asg-orchestrator/internal/deploystore"
	"github.com/fluxcd/asg-orchestrator/internal/depmodel"
	"github.com/fluxcd/asg-orchestrator/internal/metrics"
	"github.com/fluxcd/asg-orchestrator/internal/remoteasg"
)

// RemoteClient is the subset of *remoteasg.Client the pipeline
// dispatches to. Narrowed to an interface so handlers can be tested
// without a live HTTP server.
type RemoteClient interface {
	BuildForm(ctx context.Context, region string, params depmodel.Parameters, cfg remoteasg.TransformConfig) (url.Values, error)
	SaveNewASG(ctx context.Context, region string, form url.Values) (string, error)
	CreateNextGroup(ctx context.Context, region string, form url.Values) (string, error)
	ClusterAction(ctx context.Context, region, action, name, ticket string) (string, error)
	StartHealthCheck(ctx context.Context, region, kind, name, ticket string) (string, error)
}

// Engine dispatches and finishes tasks for one environment's worth of
// deployments. It holds no per-deployment state; every method takes
// the deployment and task explicitly.
type Engine struct {
	Remote          RemoteClient
	Store           deploystore.Store
	TransformConfig remoteasg.TransformConfig
	Logger          log.Logger
}

type handlerFunc func(ctx context.Context, e *Engine, dep *depmodel.Deployment) (taskURL string, err error)

type skipFunc func(params depmodel.Parameters) (skip bool, message string)

var handlers = map[depmodel.Action]handlerFunc{
	depmodel.ActionCreateASG:            handleCreateASG,
	depmodel.ActionWaitForInstanceHealth: handleWaitForInstanceHealth,
	depmodel.ActionEnableASG:            handleEnableASG,
	depmodel.ActionWaitForELBHealth:     handleWaitForELBHealth,
	depmodel.ActionDisableASG:           handleDisableASG,
	depmodel.ActionDeleteASG:            handleDeleteASG,
}

var skipRules = map[depmodel.Action]skipFunc{
	depmodel.ActionWaitForInstanceHealth: skipInstanceHealth,
	depmodel.ActionWaitForELBHealth:      skipELBHealth,
	depmodel.ActionDisableASG:            skipNoPriorASG("Skipping disable of previous ASG"),
	depmodel.ActionDeleteASG:             skipNoPriorASG("Skipping delete of previous ASG"),
}

// StartTask sets task.Start, evaluates the action's skip rule if any,
// and either finishes the task in-line (skip) or dispatches to the
// remote service and leaves task.URL set for the tracker to pick up.
// The caller is responsible for invoking the tracker once skipped is
// false.
func (e *Engine) StartTask(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task) (skipped bool, err error) {
	now := time.Now()
	task.Start = &now
	task.Status = depmodel.StatusRunning
	metrics.TasksStarted.With(metrics.LabelAction, string(task.Action)).Add(1)

	if skip, ok := skipRules[task.Action]; ok {
		if shouldSkip, message := skip(dep.Parameters); shouldSkip {
			task.Status = depmodel.StatusSkipped
			task.AppendLog(message, now)
			task.End = &now
			metrics.TasksFinished.With(metrics.LabelAction, string(task.Action), metrics.LabelResult, string(depmodel.StatusSkipped)).Add(1)
			return true, nil
		}
	}

	handler, ok := handlers[task.Action]
	if !ok {
		panic(fmt.Sprintf("pipeline: unrecognized action %q", task.Action))
	}

	taskURL, err := handler(ctx, e, dep)
	if err != nil {
		task.Status = depmodel.StatusFailed
		task.End = &now
		task.AppendLog(err.Error(), now)
		metrics.TasksFinished.With(metrics.LabelAction, string(task.Action), metrics.LabelResult, string(depmodel.StatusFailed)).Add(1)
		return false, err
	}
	task.URL = taskURL
	return false, nil
}

// FinishTask applies the action-specific post-completion bookkeeping
// spec §4.3 assigns to create-asg: extracting the new ASG's name and
// persisting it into the deployment's parameters. Every other action
// needs no post-processing beyond what the tracker already wrote.
func (e *Engine) FinishTask(ctx context.Context, dep *depmodel.Deployment, task *depmodel.Task) error {
	if task.Action != depmodel.ActionCreateASG || task.Status != depmodel.StatusCompleted {
		return nil
	}

	name, ok := extractNewASGName(task)
	if !ok {
		return depmodel.NewError(depmodel.KindUnexpectedResponse,
			"could not determine the new ASG's name from the create-asg task",
			errors.Errorf("task %s: no ASG name extractable from log or URL", task.TaskID))
	}

	patch := depmodel.Parameters{"new_asg_name": name}
	if err := e.Store.MergeParameters(ctx, dep.ID, patch); err != nil {
		return err
	}
	if dep.Parameters == nil {
		dep.Parameters = depmodel.Parameters{}
	}
	dep.Parameters["new_asg_name"] = name
	return nil
}

var newASGNamePattern = regexp.MustCompile(`Creating auto scaling group '([^']+)'`)

// extractNewASGName tries the CreateNextGroup path first (the name is
// buried in a log line) and falls back to the SaveNewASG path, where
// the task URL itself is the `.../autoScaling/show/{name}` location.
func extractNewASGName(task *depmodel.Task) (string, bool) {
	for _, entry := range task.Log {
		if m := newASGNamePattern.FindStringSubmatch(entry.Message); m != nil {
			return m[1], true
		}
	}
	trimmed := strings.TrimSuffix(task.URL, ".json")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:], true
	}
	return "", false
}

func handleCreateASG(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	form, err := e.Remote.BuildForm(ctx, dep.Region, dep.Parameters, e.TransformConfig)
	if err != nil {
		return "", err
	}
	if prior, ok := dep.Parameters.String("old_asg_name"); ok && prior != "" {
		return e.Remote.CreateNextGroup(ctx, dep.Region, form)
	}
	return e.Remote.SaveNewASG(ctx, dep.Region, form)
}

func handleWaitForInstanceHealth(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	name, ok := dep.Parameters.String("new_asg_name")
	if !ok || name == "" {
		return "", depmodel.NewError(depmodel.KindMissingASG, "no new ASG to healthcheck", nil)
	}
	return e.Remote.StartHealthCheck(ctx, dep.Region, "instance", name, string(dep.ID))
}

func handleEnableASG(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	name, ok := dep.Parameters.String("new_asg_name")
	if !ok || name == "" {
		return "", depmodel.NewError(depmodel.KindMissingASG, "no new ASG to enable", nil)
	}
	return e.Remote.ClusterAction(ctx, dep.Region, "activate", name, string(dep.ID))
}

func handleWaitForELBHealth(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	name, ok := dep.Parameters.String("new_asg_name")
	if !ok || name == "" {
		return "", depmodel.NewError(depmodel.KindMissingASG, "no new ASG to healthcheck", nil)
	}
	return e.Remote.StartHealthCheck(ctx, dep.Region, "elb", name, string(dep.ID))
}

func handleDisableASG(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	name, ok := dep.Parameters.String("old_asg_name")
	if !ok || name == "" {
		return "", depmodel.NewError(depmodel.KindMissingASG, "no previous ASG to disable", nil)
	}
	return e.Remote.ClusterAction(ctx, dep.Region, "deactivate", name, string(dep.ID))
}

func handleDeleteASG(ctx context.Context, e *Engine, dep *depmodel.Deployment) (string, error) {
	name, ok := dep.Parameters.String("old_asg_name")
	if !ok || name == "" {
		return "", depmodel.NewError(depmodel.KindMissingASG, "no previous ASG to delete", nil)
	}
	return e.Remote.ClusterAction(ctx, dep.Region, "delete", name, string(dep.ID))
}

// skipInstanceHealth implements Testable Property 3's first
// invariant: skip iff parameters.min is missing, null, or zero.
func skipInstanceHealth(params depmodel.Parameters) (bool, string) {
	min, ok := params.Int("min")
	if !ok || min == 0 {
		return true, "Skipping instance healthcheck"
	}
	return false, ""
}

// skipELBHealth implements Testable Property 3's second invariant:
// skip unless health_check_type is exactly ELB and at least one load
// balancer is selected.
func skipELBHealth(params depmodel.Parameters) (bool, string) {
	healthCheckType, _ := params.String("health_check_type")
	if healthCheckType != "ELB" {
		return true, "Skipping ELB healthcheck"
	}
	if len(params.Strings("selected_load_balancers")) == 0 {
		return true, "Skipping ELB healthcheck"
	}
	return false, ""
}

func skipNoPriorASG(message string) skipFunc {
	return func(params depmodel.Parameters) (bool, string) {
		prior, ok := params.String("old_asg_name")
		if !ok || prior == "" {
			return true, message
		}
		return false, ""
	}
}
