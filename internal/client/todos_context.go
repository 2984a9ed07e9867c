package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/todos"
	"go.uber.org/zap"
)

// ErrMissing indicates the server no longer holds the record being updated.
var ErrMissing = errors.New("client: record no longer exists")

type createdProject struct {
	ProjectID string `json:"projectId"`
	todos.SyncPair
}

type createdTask struct {
	TaskID string `json:"taskId"`
	todos.SyncPair
}

type taskCache struct {
	tasks []todos.TaskSummary
	sync  string
	// seen is the newest token announced by a sync event.
	seen string
}

func (c *taskCache) stale() bool {
	return c.seen != "" && c.seen != c.sync
}

// TodosContext caches the user's projects and the tasks of each visited
// project together with the sync tokens they were fetched at. A mutation
// whose oldSync equals the cached token is applied locally; any mismatch
// means another change interleaved and forces a refetch.
type TodosContext struct {
	client *Client
	logger *zap.Logger

	mu             sync.Mutex
	projects       []todos.ProjectSummary
	projectsSync   string
	projectsLoaded bool
	projectsSeen   string
	tasks          map[string]*taskCache

	projectObservers []func([]todos.ProjectSummary)
	taskObservers    []func(string, []todos.TaskSummary)
}

func NewTodosContext(client *Client) *TodosContext {
	return &TodosContext{
		client: client,
		logger: client.logger,
		tasks:  make(map[string]*taskCache),
	}
}

// OnUpdatedProjects registers fn to receive the project list after every
// sync or local patch.
func (t *TodosContext) OnUpdatedProjects(fn func([]todos.ProjectSummary)) {
	t.mu.Lock()
	t.projectObservers = append(t.projectObservers, fn)
	t.mu.Unlock()
}

// OnUpdatedTasks registers fn to receive a project's task list after every
// sync or local patch.
func (t *TodosContext) OnUpdatedTasks(fn func(projectID string, tasks []todos.TaskSummary)) {
	t.mu.Lock()
	t.taskObservers = append(t.taskObservers, fn)
	t.mu.Unlock()
}

// Projects returns the cached project list.
func (t *TodosContext) Projects() []todos.ProjectSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.projects)
}

// ProjectsSync returns the token the cached projects were fetched at.
func (t *TodosContext) ProjectsSync() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.projectsSync
}

// Tasks returns the cached tasks of projectID.
func (t *TodosContext) Tasks(projectID string) []todos.TaskSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cache, ok := t.tasks[projectID]; ok {
		return slices.Clone(cache.tasks)
	}
	return nil
}

// TasksSync returns the token the cached tasks of projectID were fetched at.
func (t *TodosContext) TasksSync(projectID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cache, ok := t.tasks[projectID]; ok {
		return cache.sync
	}
	return ""
}

// SyncProjects refreshes the project list. Unless force is set, a cached list
// is kept when the server's projects token still matches.
func (t *TodosContext) SyncProjects(ctx context.Context, force bool) ([]todos.ProjectSummary, error) {
	t.mu.Lock()
	cached := t.projectsLoaded && !t.projectsStale()
	cachedSync := t.projectsSync
	t.mu.Unlock()

	if cached && !force {
		token, err := t.client.exchangeText(ctx, http.MethodGet, "/projects/sync", "")
		if err != nil {
			return nil, err
		}
		if token == cachedSync {
			projects := t.Projects()
			t.notifyProjects(projects)
			return projects, nil
		}
	}

	var list todos.ProjectList
	if err := t.client.exchangeJSON(ctx, http.MethodGet, "/projects", nil, &list); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.projects = list.Projects
	t.projectsSync = list.Sync
	t.projectsLoaded = true
	t.projectsSeen = ""
	projects := slices.Clone(t.projects)
	t.mu.Unlock()

	t.notifyProjects(projects)
	return projects, nil
}

// CreateProject creates a project and returns its id.
func (t *TodosContext) CreateProject(ctx context.Context, title, description string) (string, error) {
	var created createdProject
	input := todos.ProjectInput{Title: title, Description: description}
	if err := t.client.exchangeJSON(ctx, http.MethodPost, "/projects/new", input, &created); err != nil {
		return "", err
	}
	summary := todos.ProjectSummary{ID: created.ProjectID, Title: title, Description: description}
	err := t.patchProjects(ctx, created.SyncPair, func(projects []todos.ProjectSummary) []todos.ProjectSummary {
		return append(projects, summary)
	})
	return created.ProjectID, err
}

// UpdateProject renames a project. ErrMissing is returned when the project
// was deleted elsewhere; the cached list is refetched in that case.
func (t *TodosContext) UpdateProject(ctx context.Context, projectID, title, description string) error {
	var pair todos.SyncPair
	input := todos.ProjectInput{ID: projectID, Title: title, Description: description}
	err := t.client.exchangeJSON(ctx, http.MethodPut, "/projects/update", input, &pair)
	if StatusOf(err) == http.StatusNotFound {
		if _, syncErr := t.SyncProjects(ctx, true); syncErr != nil {
			return syncErr
		}
		return ErrMissing
	}
	if err != nil {
		return err
	}
	return t.patchProjects(ctx, pair, func(projects []todos.ProjectSummary) []todos.ProjectSummary {
		for index := range projects {
			if projects[index].ID == projectID {
				projects[index].Title = title
				projects[index].Description = description
			}
		}
		return projects
	})
}

// DeleteProject deletes a project and forgets its cached tasks.
func (t *TodosContext) DeleteProject(ctx context.Context, projectID string) error {
	var pair todos.SyncPair
	if err := t.client.exchangeJSON(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, &pair); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.tasks, projectID)
	t.mu.Unlock()
	return t.patchProjects(ctx, pair, func(projects []todos.ProjectSummary) []todos.ProjectSummary {
		return slices.DeleteFunc(projects, func(project todos.ProjectSummary) bool {
			return project.ID == projectID
		})
	})
}

// SyncTasks refreshes the incomplete tasks of projectID. Unless force is set,
// a cached list is kept when the server's tasks token still matches.
func (t *TodosContext) SyncTasks(ctx context.Context, projectID string, force bool) ([]todos.TaskSummary, error) {
	query := "?parent=" + url.QueryEscape(projectID)

	t.mu.Lock()
	cache, cached := t.tasks[projectID]
	cachedSync := ""
	if cached {
		cached = !cache.stale()
		cachedSync = cache.sync
	}
	t.mu.Unlock()

	if cached && !force {
		token, err := t.client.exchangeText(ctx, http.MethodGet, "/tasks/sync"+query, "")
		if err != nil {
			return nil, err
		}
		if token == cachedSync {
			tasks := t.Tasks(projectID)
			t.notifyTasks(projectID, tasks)
			return tasks, nil
		}
	}

	var list todos.TaskList
	if err := t.client.exchangeJSON(ctx, http.MethodGet, "/tasks"+query, nil, &list); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.tasks[projectID] = &taskCache{tasks: list.Tasks, sync: list.Sync}
	tasks := slices.Clone(list.Tasks)
	t.mu.Unlock()

	t.notifyTasks(projectID, tasks)
	return tasks, nil
}

// CreateTask adds a task to projectID and returns its id.
func (t *TodosContext) CreateTask(ctx context.Context, projectID, title, description string) (string, error) {
	var created createdTask
	input := todos.TaskInput{Parent: projectID, Title: title, Description: description}
	if err := t.client.exchangeJSON(ctx, http.MethodPost, "/tasks/new", input, &created); err != nil {
		return "", err
	}
	summary := todos.TaskSummary{ID: created.TaskID, Title: title, Description: description, Parent: projectID}
	err := t.patchTasks(ctx, projectID, created.SyncPair, func(tasks []todos.TaskSummary) []todos.TaskSummary {
		return append(tasks, summary)
	})
	return created.TaskID, err
}

// CompleteTask completes a task, which drops it from the list.
func (t *TodosContext) CompleteTask(ctx context.Context, projectID, taskID string) error {
	var pair todos.SyncPair
	if err := t.client.exchangeJSON(ctx, http.MethodPut, "/tasks/complete/"+url.PathEscape(taskID), nil, &pair); err != nil {
		return err
	}
	return t.patchTasks(ctx, projectID, pair, withoutTask(taskID))
}

// UpdateTask edits a task's title and description.
func (t *TodosContext) UpdateTask(ctx context.Context, projectID, taskID, title, description string) error {
	var pair todos.SyncPair
	input := todos.TaskInput{ID: taskID, Title: title, Description: description}
	if err := t.client.exchangeJSON(ctx, http.MethodPut, "/tasks/update", input, &pair); err != nil {
		return err
	}
	return t.patchTasks(ctx, projectID, pair, func(tasks []todos.TaskSummary) []todos.TaskSummary {
		for index := range tasks {
			if tasks[index].ID == taskID {
				tasks[index].Title = title
				tasks[index].Description = description
			}
		}
		return tasks
	})
}

// DeleteTask deletes a task.
func (t *TodosContext) DeleteTask(ctx context.Context, projectID, taskID string) error {
	var pair todos.SyncPair
	if err := t.client.exchangeJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, &pair); err != nil {
		return err
	}
	return t.patchTasks(ctx, projectID, pair, withoutTask(taskID))
}

// Follow marks cached collections stale as sync events arrive, so the next
// sync refetches without asking for the token first. It returns when ctx ends
// or events is closed.
func (t *TodosContext) Follow(ctx context.Context, events <-chan todos.SyncEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			t.applyEvent(event)
		}
	}
}

func (t *TodosContext) applyEvent(event todos.SyncEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch event.Collection {
	case todos.CollectionProjects:
		if t.projectsLoaded {
			t.projectsSeen = event.NewSync
		}
	case todos.CollectionTasks:
		if cache, ok := t.tasks[event.ProjectID]; ok {
			cache.seen = event.NewSync
		}
	}
}

// Callers hold t.mu.
func (t *TodosContext) projectsStale() bool {
	return t.projectsSeen != "" && t.projectsSeen != t.projectsSync
}

func (t *TodosContext) patchProjects(ctx context.Context, pair todos.SyncPair, patch func([]todos.ProjectSummary) []todos.ProjectSummary) error {
	t.mu.Lock()
	if !t.projectsLoaded {
		t.mu.Unlock()
		return nil
	}
	if pair.OldSync != t.projectsSync {
		t.mu.Unlock()
		t.logger.Debug("projects token mismatch, resyncing",
			zap.String("cached", t.ProjectsSync()), zap.String("old_sync", pair.OldSync))
		_, err := t.SyncProjects(ctx, true)
		return err
	}
	t.projects = patch(slices.Clone(t.projects))
	t.projectsSync = pair.NewSync
	projects := slices.Clone(t.projects)
	t.mu.Unlock()

	t.notifyProjects(projects)
	return nil
}

func (t *TodosContext) patchTasks(ctx context.Context, projectID string, pair todos.SyncPair, patch func([]todos.TaskSummary) []todos.TaskSummary) error {
	t.mu.Lock()
	cache, ok := t.tasks[projectID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if pair.OldSync != cache.sync {
		t.mu.Unlock()
		t.logger.Debug("tasks token mismatch, resyncing",
			zap.String("project_id", projectID), zap.String("old_sync", pair.OldSync))
		_, err := t.SyncTasks(ctx, projectID, true)
		return err
	}
	cache.tasks = patch(slices.Clone(cache.tasks))
	cache.sync = pair.NewSync
	tasks := slices.Clone(cache.tasks)
	t.mu.Unlock()

	t.notifyTasks(projectID, tasks)
	return nil
}

func (t *TodosContext) notifyProjects(projects []todos.ProjectSummary) {
	t.mu.Lock()
	observers := slices.Clone(t.projectObservers)
	t.mu.Unlock()
	for _, observer := range observers {
		observer(slices.Clone(projects))
	}
}

func (t *TodosContext) notifyTasks(projectID string, tasks []todos.TaskSummary) {
	t.mu.Lock()
	observers := slices.Clone(t.taskObservers)
	t.mu.Unlock()
	for _, observer := range observers {
		observer(projectID, slices.Clone(tasks))
	}
}

func withoutTask(taskID string) func([]todos.TaskSummary) []todos.TaskSummary {
	return func(tasks []todos.TaskSummary) []todos.TaskSummary {
		return slices.DeleteFunc(tasks, func(task todos.TaskSummary) bool {
			return task.ID == taskID
		})
	}
}
