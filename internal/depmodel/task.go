package depmodel

import "time"

// Action is the closed set of task kinds the pipeline engine can
// dispatch. New actions require a new handler in internal/pipeline;
// there is deliberately no dynamic dispatch by string beyond this
// enum boundary.
type Action string

const (
	ActionCreateASG            Action = "create-asg"
	ActionWaitForInstanceHealth Action = "wait-for-instance-health"
	ActionEnableASG            Action = "enable-asg"
	ActionWaitForELBHealth     Action = "wait-for-elb-health"
	ActionDisableASG           Action = "disable-asg"
	ActionDeleteASG            Action = "delete-asg"
)

// StandardTaskOrder is the fixed task order for every deployment.
var StandardTaskOrder = []Action{
	ActionCreateASG,
	ActionWaitForInstanceHealth,
	ActionEnableASG,
	ActionWaitForELBHealth,
	ActionDisableASG,
	ActionDeleteASG,
}

// Status is a Task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
	StatusSkipped    Status = "skipped"
)

// LogEntry is a single line appended to a Task's log during its
// lifetime, either by a pipeline handler or by the tracker relaying
// lines from the remote task document.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Task is one element of a Deployment's ordered task list.
type Task struct {
	TaskID string    `json:"task_id"`
	Action Action    `json:"action"`
	Status Status    `json:"status"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
	// URL is the remote task resource the tracker polls, set once the
	// handler that started this task receives its 302 redirect.
	URL string     `json:"url,omitempty"`
	Log []LogEntry `json:"log"`
	// LastRemoteUpdate is the remote task document's own updateTime,
	// parsed by the tracker on each poll (spec §4.4). Zero if the
	// remote document never carried a parseable updateTime.
	LastRemoteUpdate *time.Time `json:"last_remote_update,omitempty"`
}

// Terminal reports whether the task will never change status again
// without operator intervention. Per the resolved Open Question in
// DESIGN.md, `pending` is deliberately excluded here: a pending task
// still needs to be picked up, it has simply not started yet.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusSkipped:
		return true
	default:
		return false
	}
}

func (t *Task) AppendLog(msg string, now time.Time) {
	t.Log = append(t.Log, LogEntry{Timestamp: now, Message: msg})
}
