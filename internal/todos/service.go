// Package todos stores projects and tasks and maintains the sync tokens that
// version them: one projects token per user and one tasks token per project.
// Every mutation rotates the relevant token and reports the old and new value.
package todos

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/tables"
	"go.uber.org/zap"
)

var (
	errMissingDatabase   = errors.New("table database is required")
	errMissingAccounts   = errors.New("accounts are required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "todos.service.new"
	opListProjects   = "todos.list_projects"
	opProjectsSync   = "todos.projects_sync"
	opCreateProject  = "todos.create_project"
	opUpdateProject  = "todos.update_project"
	opDeleteProject  = "todos.delete_project"
	opListTasks      = "todos.list_tasks"
	opTasksSync      = "todos.tasks_sync"
	opCreateTask     = "todos.create_task"
	opCompleteTask   = "todos.complete_task"
	opUpdateTask     = "todos.update_task"
	opDeleteTask     = "todos.delete_task"
	reasonNotFound   = "not_found"
	reasonForbidden  = "forbidden"
	reasonQuery      = "query_failed"
	reasonWrite      = "write_failed"
	reasonIDFailed   = "id_failed"
	reasonSyncFailed = "sync_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Accounts owns the per-user projects token.
type Accounts interface {
	ProjectsSync(userID string) (string, error)
	RotateProjectsSync(userID string) (string, string, error)
}

// EventPublisher receives every token rotation.
type EventPublisher interface {
	Publish(event SyncEvent)
}

type ServiceConfig struct {
	Database   *tables.Database
	Accounts   Accounts
	IDProvider tables.IDProvider
	Publisher  EventPublisher
	Logger     *zap.Logger
}

type Service struct {
	mu         sync.Mutex
	db         *tables.Database
	accounts   Accounts
	idProvider tables.IDProvider
	publisher  EventPublisher
	logger     *zap.Logger
}

// NewService validates cfg and registers the projects and tasks tables.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opServiceNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if err := cfg.Database.EnsureTables(TableProjects, TableTasks); err != nil {
		return nil, newServiceError(opServiceNew, "ensure_tables_failed", err)
	}
	return &Service{
		db:         cfg.Database,
		accounts:   cfg.Accounts,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// ListProjects returns the projects created by userID and the user's projects token.
func (s *Service) ListProjects(userID string) (ProjectList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.accounts.ProjectsSync(userID)
	if err != nil {
		return ProjectList{}, newServiceError(opListProjects, reasonSyncFailed, err)
	}
	items, err := s.db.GetTableItems(TableProjects)
	if err != nil {
		s.logError(opListProjects, reasonQuery, err, zap.String("user_id", userID))
		return ProjectList{}, newServiceError(opListProjects, reasonQuery, err)
	}
	projects := make([]ProjectSummary, 0, len(items))
	for _, item := range items {
		var project Project
		if err := item.Decode(&project); err != nil {
			s.logError(opListProjects, reasonQuery, err, zap.String("project_id", item.ID))
			return ProjectList{}, newServiceError(opListProjects, reasonQuery, err)
		}
		if project.Creator != userID {
			continue
		}
		projects = append(projects, ProjectSummary{ID: item.ID, Title: project.Title, Description: project.Description})
	}
	return ProjectList{Projects: projects, Sync: token}, nil
}

// ProjectsSync returns the projects token of userID.
func (s *Service) ProjectsSync(userID string) (string, error) {
	token, err := s.accounts.ProjectsSync(userID)
	if err != nil {
		return "", newServiceError(opProjectsSync, reasonSyncFailed, err)
	}
	return token, nil
}

// CreateProject stores a new project owned by userID.
func (s *Service) CreateProject(userID string, input ProjectInput) (string, SyncPair, error) {
	if isBlank(input.Title) {
		return "", SyncPair{}, newServiceError(opCreateProject, "missing_title", ErrMissingTitle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasksSync, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateProject, reasonIDFailed, err)
		return "", SyncPair{}, newServiceError(opCreateProject, reasonIDFailed, err)
	}
	projectID, err := s.db.Add(TableProjects, Project{
		Title:       input.Title,
		Description: input.Description,
		Creator:     userID,
		TasksSync:   tasksSync,
	})
	if err != nil {
		s.logError(opCreateProject, reasonWrite, err, zap.String("user_id", userID))
		return "", SyncPair{}, newServiceError(opCreateProject, reasonWrite, err)
	}
	pair, err := s.rotateProjects(opCreateProject, userID)
	if err != nil {
		return "", SyncPair{}, err
	}
	return projectID, pair, nil
}

// UpdateProject replaces the title and description of a project, keeping its
// owner and tasks token.
func (s *Service) UpdateProject(userID string, input ProjectInput) (SyncPair, error) {
	if isBlank(input.ID) {
		return SyncPair{}, newServiceError(opUpdateProject, "missing_id", ErrMissingID)
	}
	if isBlank(input.Title) {
		return SyncPair{}, newServiceError(opUpdateProject, "missing_title", ErrMissingTitle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.ownedProject(opUpdateProject, userID, input.ID)
	if err != nil {
		return SyncPair{}, err
	}
	project.Title = input.Title
	project.Description = input.Description
	if err := s.db.Update(input.ID, project); err != nil {
		s.logError(opUpdateProject, reasonWrite, err, zap.String("project_id", input.ID))
		return SyncPair{}, newServiceError(opUpdateProject, reasonWrite, err)
	}
	return s.rotateProjects(opUpdateProject, userID)
}

// DeleteProject removes a project and every task under it. A missing project
// is not an error; the projects token rotates either way.
func (s *Service) DeleteProject(userID, projectID string) (SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.loadProject(opDeleteProject, projectID)
	switch {
	case errors.Is(err, ErrProjectNotFound):
		s.logger.Debug("deleting missing project", zap.String("project_id", projectID))
	case err != nil:
		return SyncPair{}, err
	case project.Creator != userID:
		return SyncPair{}, newServiceError(opDeleteProject, reasonForbidden, ErrForbidden)
	default:
		if err := s.removeProjectTasks(projectID); err != nil {
			s.logError(opDeleteProject, reasonWrite, err, zap.String("project_id", projectID))
			return SyncPair{}, newServiceError(opDeleteProject, reasonWrite, err)
		}
		if _, err := s.db.Remove(projectID); err != nil {
			s.logError(opDeleteProject, reasonWrite, err, zap.String("project_id", projectID))
			return SyncPair{}, newServiceError(opDeleteProject, reasonWrite, err)
		}
	}
	return s.rotateProjects(opDeleteProject, userID)
}

// ListTasks returns the incomplete tasks of a project owned by userID.
func (s *Service) ListTasks(userID, projectID string) (TaskList, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.ownedProject(opListTasks, userID, projectID)
	if err != nil {
		return TaskList{}, err
	}
	items, err := s.db.GetTableItems(TableTasks)
	if err != nil {
		s.logError(opListTasks, reasonQuery, err, zap.String("project_id", projectID))
		return TaskList{}, newServiceError(opListTasks, reasonQuery, err)
	}
	tasks := make([]TaskSummary, 0)
	for _, item := range items {
		var task Task
		if err := item.Decode(&task); err != nil {
			s.logError(opListTasks, reasonQuery, err, zap.String("task_id", item.ID))
			return TaskList{}, newServiceError(opListTasks, reasonQuery, err)
		}
		if task.Parent != projectID || task.Complete {
			continue
		}
		tasks = append(tasks, TaskSummary{ID: item.ID, Title: task.Title, Description: task.Description, Parent: task.Parent})
	}
	return TaskList{Tasks: tasks, Sync: project.TasksSync}, nil
}

// TasksSync returns the tasks token of a project owned by userID.
func (s *Service) TasksSync(userID, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.ownedProject(opTasksSync, userID, projectID)
	if err != nil {
		return "", err
	}
	return project.TasksSync, nil
}

// CreateTask stores a new incomplete task under input.Parent.
func (s *Service) CreateTask(userID string, input TaskInput) (string, SyncPair, error) {
	if isBlank(input.Parent) {
		return "", SyncPair{}, newServiceError(opCreateTask, "missing_parent", ErrMissingParent)
	}
	if isBlank(input.Title) {
		return "", SyncPair{}, newServiceError(opCreateTask, "missing_title", ErrMissingTitle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	project, err := s.ownedProject(opCreateTask, userID, input.Parent)
	if err != nil {
		return "", SyncPair{}, err
	}
	taskID, err := s.db.Add(TableTasks, Task{
		Title:       input.Title,
		Description: input.Description,
		Parent:      input.Parent,
		Creator:     userID,
	})
	if err != nil {
		s.logError(opCreateTask, reasonWrite, err, zap.String("project_id", input.Parent))
		return "", SyncPair{}, newServiceError(opCreateTask, reasonWrite, err)
	}
	pair, err := s.rotateTasks(opCreateTask, input.Parent, project)
	if err != nil {
		return "", SyncPair{}, err
	}
	return taskID, pair, nil
}

// CompleteTask marks a task complete, which hides it from ListTasks.
func (s *Service) CompleteTask(userID, taskID string) (SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.ownedTask(opCompleteTask, userID, taskID)
	if err != nil {
		return SyncPair{}, err
	}
	task.Complete = true
	if err := s.db.Update(taskID, task); err != nil {
		s.logError(opCompleteTask, reasonWrite, err, zap.String("task_id", taskID))
		return SyncPair{}, newServiceError(opCompleteTask, reasonWrite, err)
	}
	return s.rotateParentTasks(opCompleteTask, task.Parent)
}

// UpdateTask replaces the title and description of a task, keeping its
// owner, parent and completion flag.
func (s *Service) UpdateTask(userID string, input TaskInput) (SyncPair, error) {
	if isBlank(input.ID) {
		return SyncPair{}, newServiceError(opUpdateTask, "missing_id", ErrMissingID)
	}
	if isBlank(input.Title) {
		return SyncPair{}, newServiceError(opUpdateTask, "missing_title", ErrMissingTitle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.ownedTask(opUpdateTask, userID, input.ID)
	if err != nil {
		return SyncPair{}, err
	}
	task.Title = input.Title
	task.Description = input.Description
	if err := s.db.Update(input.ID, task); err != nil {
		s.logError(opUpdateTask, reasonWrite, err, zap.String("task_id", input.ID))
		return SyncPair{}, newServiceError(opUpdateTask, reasonWrite, err)
	}
	return s.rotateParentTasks(opUpdateTask, task.Parent)
}

// DeleteTask removes a task and rotates its project's tasks token. A missing
// task is not an error and rotates nothing, since no project is known.
func (s *Service) DeleteTask(userID, taskID string) (SyncPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.ownedTask(opDeleteTask, userID, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		s.logger.Debug("deleting missing task", zap.String("task_id", taskID))
		return SyncPair{}, nil
	}
	if err != nil {
		return SyncPair{}, err
	}
	if _, err := s.db.Remove(taskID); err != nil {
		s.logError(opDeleteTask, reasonWrite, err, zap.String("task_id", taskID))
		return SyncPair{}, newServiceError(opDeleteTask, reasonWrite, err)
	}
	return s.rotateParentTasks(opDeleteTask, task.Parent)
}

func (s *Service) loadProject(operation, projectID string) (Project, error) {
	var project Project
	record, err := s.db.Get(projectID)
	if errors.Is(err, tables.ErrNotFound) || (err == nil && record.Table() != TableProjects) {
		return Project{}, newServiceError(operation, reasonNotFound, ErrProjectNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQuery, err, zap.String("project_id", projectID))
		return Project{}, newServiceError(operation, reasonQuery, err)
	}
	if err := record.Decode(&project); err != nil {
		s.logError(operation, reasonQuery, err, zap.String("project_id", projectID))
		return Project{}, newServiceError(operation, reasonQuery, err)
	}
	return project, nil
}

func (s *Service) ownedProject(operation, userID, projectID string) (Project, error) {
	project, err := s.loadProject(operation, projectID)
	if err != nil {
		return Project{}, err
	}
	if project.Creator != userID {
		return Project{}, newServiceError(operation, reasonForbidden, ErrForbidden)
	}
	return project, nil
}

func (s *Service) ownedTask(operation, userID, taskID string) (Task, error) {
	var task Task
	record, err := s.db.Get(taskID)
	if errors.Is(err, tables.ErrNotFound) || (err == nil && record.Table() != TableTasks) {
		return Task{}, newServiceError(operation, reasonNotFound, ErrTaskNotFound)
	}
	if err != nil {
		s.logError(operation, reasonQuery, err, zap.String("task_id", taskID))
		return Task{}, newServiceError(operation, reasonQuery, err)
	}
	if err := record.Decode(&task); err != nil {
		s.logError(operation, reasonQuery, err, zap.String("task_id", taskID))
		return Task{}, newServiceError(operation, reasonQuery, err)
	}
	if task.Creator != userID {
		return Task{}, newServiceError(operation, reasonForbidden, ErrForbidden)
	}
	return task, nil
}

func (s *Service) removeProjectTasks(projectID string) error {
	items, err := s.db.GetTableItems(TableTasks)
	if err != nil {
		return err
	}
	for _, item := range items {
		var task Task
		if err := item.Decode(&task); err != nil {
			return err
		}
		if task.Parent != projectID {
			continue
		}
		if _, err := s.db.Remove(item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rotateProjects(operation, userID string) (SyncPair, error) {
	oldSync, newSync, err := s.accounts.RotateProjectsSync(userID)
	if err != nil {
		s.logError(operation, reasonSyncFailed, err, zap.String("user_id", userID))
		return SyncPair{}, newServiceError(operation, reasonSyncFailed, err)
	}
	pair := SyncPair{OldSync: oldSync, NewSync: newSync}
	s.publish(SyncEvent{UserID: userID, Collection: CollectionProjects, OldSync: oldSync, NewSync: newSync})
	return pair, nil
}

func (s *Service) rotateParentTasks(operation, projectID string) (SyncPair, error) {
	project, err := s.loadProject(operation, projectID)
	if err != nil {
		return SyncPair{}, err
	}
	return s.rotateTasks(operation, projectID, project)
}

func (s *Service) rotateTasks(operation, projectID string, project Project) (SyncPair, error) {
	newSync, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return SyncPair{}, newServiceError(operation, reasonIDFailed, err)
	}
	pair := SyncPair{OldSync: project.TasksSync, NewSync: newSync}
	project.TasksSync = newSync
	if err := s.db.Update(projectID, project); err != nil {
		s.logError(operation, reasonWrite, err, zap.String("project_id", projectID))
		return SyncPair{}, newServiceError(operation, reasonWrite, err)
	}
	s.publish(SyncEvent{
		UserID:     project.Creator,
		Collection: CollectionTasks,
		ProjectID:  projectID,
		OldSync:    pair.OldSync,
		NewSync:    pair.NewSync,
	})
	return pair, nil
}

func (s *Service) publish(event SyncEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("todos service error", attrs...)
}
