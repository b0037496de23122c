package a2awire

import "github.com/tidwall/gjson"

// TaskState is the lifecycle state of an agent task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input-required"
	TaskAuthRequired  TaskState = "auth-required"
	TaskCompleted     TaskState = "completed"
	TaskCanceled      TaskState = "canceled"
	TaskFailed        TaskState = "failed"
	TaskRejected      TaskState = "rejected"
)

// Terminal reports whether a task in this state will never change state
// again.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCanceled, TaskFailed, TaskRejected:
		return true
	}
	return false
}

// TaskStatus carries the state of a task at one point in time.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is the result shape of message/send and tasks/get.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Status    TaskStatus `json:"status"`
}

// Final classifies one streamed response envelope and reports whether it
// ends the logical stream. Status-update events carry an explicit final
// flag; a task or status in a terminal state ends the stream even without
// it, and so does a JSON-RPC error. Backends may hold the transport open
// past the last event, so the relay closes on Final rather than waiting
// for EOF.
func Final(data []byte) bool {
	if gjson.GetBytes(data, "error").Exists() {
		return true
	}
	result := gjson.GetBytes(data, "result")
	if !result.Exists() {
		return false
	}
	if result.Get("final").Bool() {
		return true
	}
	return TaskState(result.Get("status.state").String()).Terminal()
}
