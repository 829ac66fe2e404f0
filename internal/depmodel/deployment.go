package depmodel

import "time"

// ID identifies a Deployment document. It is opaque to every
// component except the store that generated it.
type ID string

// Key is the "app-env-region" coordination key used by kvstore's
// in-progress/paused/awaiting-* structures (spec §3).
type Key struct {
	Application string
	Environment string
	Region      string
}

func (k Key) String() string {
	return k.Application + "-" + k.Environment + "-" + k.Region
}

// Deployment is the authoritative, persistent record of one
// application/environment/region rollout.
type Deployment struct {
	ID          ID         `json:"deployment_id"`
	Application string     `json:"application"`
	Environment string     `json:"environment"`
	Region      string     `json:"region"`
	AMI         string     `json:"ami"`
	User        string     `json:"user"`
	Message     string     `json:"message"`
	Parameters  Parameters `json:"parameters"`
	Tasks       []Task     `json:"tasks"`
	Created     time.Time  `json:"created"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	// ConfigHash identifies the configuration revision (application
	// properties, launch data, commit hash) this deployment was built
	// from, so a restarted deployment can be audited against what was
	// current at intake time.
	ConfigHash string `json:"config_hash"`
}

func (d *Deployment) Key() Key {
	return Key{Application: d.Application, Environment: d.Environment, Region: d.Region}
}

// TaskByID returns a pointer into d.Tasks for in-place mutation, or
// nil if no task with that id exists.
func (d *Deployment) TaskByID(taskID string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].TaskID == taskID {
			return &d.Tasks[i]
		}
	}
	return nil
}

// NextPending returns the first task in list order that has not yet
// reached a terminal status, or nil if the list is exhausted.
func (d *Deployment) NextPending() *Task {
	for i := range d.Tasks {
		if !d.Tasks[i].Terminal() {
			return &d.Tasks[i]
		}
	}
	return nil
}

// Incomplete reports whether any task in the deployment has not
// reached a terminal status - the predicate behind deploystore's
// find_incomplete query (spec §4.2, Open Question 1).
func (d *Deployment) Incomplete() bool {
	return d.NextPending() != nil
}

// Broken reports whether the deployment has no End timestamp, the
// predicate behind deploystore's find_broken query.
func (d *Deployment) Broken() bool {
	return d.End == nil
}

// NewStandardTaskList builds the fixed, ordered task list every
// deployment starts with, all tasks pending (spec §4.3, Testable
// Property 1).
func NewStandardTaskList(idPrefix func(int) string) []Task {
	tasks := make([]Task, len(StandardTaskOrder))
	for i, action := range StandardTaskOrder {
		tasks[i] = Task{
			TaskID: idPrefix(i),
			Action: action,
			Status: StatusPending,
		}
	}
	return tasks
}
