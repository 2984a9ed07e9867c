package todos

import (
	"errors"
	"strings"
)

const (
	// TableProjects holds one record per project.
	TableProjects = "projects"
	// TableTasks holds one record per task.
	TableTasks = "tasks"
)

const (
	// CollectionProjects names the per-user projects collection in sync events.
	CollectionProjects = "projects"
	// CollectionTasks names the per-project tasks collection in sync events.
	CollectionTasks = "tasks"
)

var (
	// ErrMissingTitle indicates a create or update without a title.
	ErrMissingTitle = errors.New("todos: title is required")
	// ErrMissingID indicates an update without a record id.
	ErrMissingID = errors.New("todos: id is required")
	// ErrMissingParent indicates a task without a parent project.
	ErrMissingParent = errors.New("todos: parent project is required")
	// ErrProjectNotFound indicates an unknown project id.
	ErrProjectNotFound = errors.New("todos: project not found")
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("todos: task not found")
	// ErrForbidden indicates the record belongs to another user.
	ErrForbidden = errors.New("todos: record belongs to another user")
)

// Project is the stored project record.
type Project struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
	TasksSync   string `json:"tasksSync"`
}

// Task is the stored task record.
type Task struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Parent      string `json:"parent"`
	Creator     string `json:"creator"`
	Complete    bool   `json:"complete"`
}

// ProjectSummary is a project as listed to its owner.
type ProjectSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TaskSummary is a task as listed to its owner.
type TaskSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Parent      string `json:"parent"`
}

// ProjectList is a user's projects together with the token they were read at.
type ProjectList struct {
	Projects []ProjectSummary `json:"projects"`
	Sync     string           `json:"sync"`
}

// TaskList is a project's incomplete tasks together with the token they were read at.
type TaskList struct {
	Tasks []TaskSummary `json:"tasks"`
	Sync  string        `json:"sync"`
}

// SyncPair reports the collection token before and after a mutation.
type SyncPair struct {
	OldSync string `json:"oldSync"`
	NewSync string `json:"newSync"`
}

// Changed reports whether the mutation rotated a token.
func (p SyncPair) Changed() bool {
	return p.NewSync != "" && p.NewSync != p.OldSync
}

// ProjectInput carries the editable fields of a project.
type ProjectInput struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TaskInput carries the editable fields of a task.
type TaskInput struct {
	ID          string `json:"id"`
	Parent      string `json:"parent"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SyncEvent announces a token rotation of one collection.
type SyncEvent struct {
	UserID     string
	Collection string
	// ProjectID is set for task collections.
	ProjectID string
	OldSync   string
	NewSync   string
}

func isBlank(value string) bool {
	return strings.TrimSpace(value) == ""
}
