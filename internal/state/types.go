package state

import "time"

type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

func (s InvocationStatus) Terminal() bool {
	return s == InvocationCompleted || s == InvocationFailed
}

type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Live reports whether the task still counts against invocation completion.
func (s TaskStatus) Live() bool {
	return s == TaskCreated || s == TaskQueued || s == TaskAssigned || s == TaskRunning
}

// Invocation is one run of a graph version against a specific input object.
type Invocation struct {
	ID           string           `json:"id"`
	GraphID      string           `json:"graph_id"`
	GraphVersion int              `json:"graph_version"`
	Status       InvocationStatus `json:"status"`
	InputRef     string           `json:"input_ref"`
	OutputRef    string           `json:"output_ref,omitempty"`
	ErrorSummary string           `json:"error_summary,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Task is one execution of a single graph node within one invocation.
// InputRefs is ordered by the node's dependency declaration order, never by
// completion order. Expanded records that downstream successors were created
// after the task completed; it is what restart recovery scans for.
type Task struct {
	ID           string     `json:"id"`
	InvocationID string     `json:"invocation_id"`
	NodeID       string     `json:"node_id"`
	Function     string     `json:"function"`
	Image        string     `json:"image"`
	Status       TaskStatus `json:"status"`
	ExecutorID   string     `json:"executor_id,omitempty"`
	InputRefs    []string   `json:"input_refs,omitempty"`
	OutputRef    string     `json:"output_ref,omitempty"`
	Error        string     `json:"error,omitempty"`
	Retries      int        `json:"retries"`
	Expanded     bool       `json:"expanded"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
