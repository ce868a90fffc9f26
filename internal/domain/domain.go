package domain

import "errors"

type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

const (
	RoleUser   = "user"
	RoleWorker = "worker"
	RoleSystem = "system"
)

// Error codes carried by failed tasks.
const (
	CodeNoWorkerAvailable    = "NoWorkerAvailable"
	CodeWorkerExecutionError = "WorkerExecutionError"
	CodeTimeout              = "Timeout"
	CodeQueueFull            = "QueueFull"
)

var (
	ErrNoWorkerAvailable = errors.New("no worker available")
	ErrWorkerExecution   = errors.New("worker execution error")
	ErrTimeout           = errors.New("timeout")
	ErrQueueFull         = errors.New("queue full")
)

const ArtifactKindText = "text"

// TimeFormat is fixed width so timestamps sort lexically.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

type Message struct {
	Role    string `json:"role" enum:"user,worker,system"`
	Content string `json:"content"`
}

type Artifact struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps the code to its sentinel so callers can use errors.Is.
func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case CodeNoWorkerAvailable:
		return ErrNoWorkerAvailable
	case CodeWorkerExecutionError:
		return ErrWorkerExecution
	case CodeTimeout:
		return ErrTimeout
	case CodeQueueFull:
		return ErrQueueFull
	}
	return nil
}

type StatusChange struct {
	State State  `json:"state"`
	At    string `json:"at" format:"date-time"`
}

type Task struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	State      State          `json:"state" enum:"submitted,working,completed,failed,canceled"`
	Input      []Message      `json:"input"`
	Artifacts  []Artifact     `json:"artifacts"`
	Error      *TaskError     `json:"error,omitempty"`
	History    []StatusChange `json:"history"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (t Task) Clone() Task {
	out := t
	out.Input = append([]Message(nil), t.Input...)
	out.Artifacts = append([]Artifact(nil), t.Artifacts...)
	out.History = append([]StatusChange(nil), t.History...)
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}

// Text joins the content of all text artifacts.
func (t Task) Text() string {
	var out string
	for i, a := range t.Artifacts {
		if a.Kind != "" && a.Kind != ArtifactKindText {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += a.Content
	}
	return out
}

// Skill describes what a registered worker offers to submitters.
type Skill struct {
	Capability  string   `json:"capability"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Workers     int      `json:"workers"`
}
