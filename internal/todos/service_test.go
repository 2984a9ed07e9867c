package todos

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/storage"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/users"
	"go.uber.org/zap"
)

type sequenceIDProvider struct {
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

type recordingPublisher struct {
	events []SyncEvent
}

func (p *recordingPublisher) Publish(event SyncEvent) {
	p.events = append(p.events, event)
}

type fixture struct {
	service   *Service
	accounts  *users.Service
	db        *tables.Database
	publisher *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ids := &sequenceIDProvider{}
	db, err := tables.Open(tables.Config{Store: storage.NewMemoryStore(), Name: "database", IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to open table database: %v", err)
	}
	accounts, err := users.NewService(users.ServiceConfig{Database: db, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to create accounts: %v", err)
	}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Accounts:   accounts,
		IDProvider: ids,
		Publisher:  publisher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create todos service: %v", err)
	}
	return fixture{service: service, accounts: accounts, db: db, publisher: publisher}
}

func (f fixture) newUser(t *testing.T, username string) string {
	t.Helper()
	apiKey, err := f.accounts.Register(username, "pw")
	if err != nil {
		t.Fatalf("register %s failed: %v", username, err)
	}
	userID, err := f.accounts.ResolveAPIKey(apiKey)
	if err != nil {
		t.Fatalf("resolve %s failed: %v", username, err)
	}
	return userID
}

func (f fixture) newProject(t *testing.T, userID, title string) string {
	t.Helper()
	projectID, _, err := f.service.CreateProject(userID, ProjectInput{Title: title})
	if err != nil {
		t.Fatalf("create project failed: %v", err)
	}
	return projectID
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name string
		cfg  ServiceConfig
		want error
	}{
		{name: "database", cfg: ServiceConfig{}, want: errMissingDatabase},
		{name: "accounts", cfg: ServiceConfig{Database: f.db}, want: errMissingAccounts},
		{name: "ids", cfg: ServiceConfig{Database: f.db, Accounts: f.accounts}, want: errMissingIDProvider},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewService(testCase.cfg); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestProjectMutationsChainSyncTokens(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	initial, err := f.service.ProjectsSync(userID)
	if err != nil {
		t.Fatalf("projects sync failed: %v", err)
	}

	projectID, created, err := f.service.CreateProject(userID, ProjectInput{Title: "P1", Description: "first"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.OldSync != initial || !created.Changed() {
		t.Fatalf("unexpected create pair %+v (initial %q)", created, initial)
	}

	updated, err := f.service.UpdateProject(userID, ProjectInput{ID: projectID, Title: "P1b"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.OldSync != created.NewSync {
		t.Fatalf("expected update to chain from %q, got %q", created.NewSync, updated.OldSync)
	}

	deleted, err := f.service.DeleteProject(userID, projectID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted.OldSync != updated.NewSync {
		t.Fatalf("expected delete to chain from %q, got %q", updated.NewSync, deleted.OldSync)
	}
	current, _ := f.service.ProjectsSync(userID)
	if current != deleted.NewSync {
		t.Fatalf("expected stored token %q, got %q", deleted.NewSync, current)
	}
	if len(f.publisher.events) != 3 || f.publisher.events[2].Collection != CollectionProjects {
		t.Fatalf("expected three projects events, got %+v", f.publisher.events)
	}
}

func TestListProjectsFiltersByCreator(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice")
	bob := f.newUser(t, "bob")
	f.newProject(t, alice, "A1")
	f.newProject(t, bob, "B1")
	f.newProject(t, alice, "A2")

	list, err := f.service.ListProjects(alice)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.Projects) != 2 || list.Projects[0].Title != "A1" || list.Projects[1].Title != "A2" {
		t.Fatalf("unexpected projects %+v", list.Projects)
	}
	token, _ := f.service.ProjectsSync(alice)
	if list.Sync != token {
		t.Fatalf("expected list sync %q, got %q", token, list.Sync)
	}
}

func TestCreateProjectRequiresTitle(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	_, _, err := f.service.CreateProject(userID, ProjectInput{Title: "  "})
	if !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "todos.create_project.missing_title" {
		t.Fatalf("unexpected code %v", err)
	}
}

func TestUpdateProjectValidatesAndAuthorizes(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice")
	bob := f.newUser(t, "bob")
	projectID := f.newProject(t, alice, "P1")

	testCases := []struct {
		name  string
		user  string
		input ProjectInput
		want  error
	}{
		{name: "missing-id", user: alice, input: ProjectInput{Title: "x"}, want: ErrMissingID},
		{name: "missing-title", user: alice, input: ProjectInput{ID: projectID}, want: ErrMissingTitle},
		{name: "unknown", user: alice, input: ProjectInput{ID: "nope", Title: "x"}, want: ErrProjectNotFound},
		{name: "other-user", user: bob, input: ProjectInput{ID: projectID, Title: "x"}, want: ErrForbidden},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := f.service.UpdateProject(testCase.user, testCase.input); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestUpdateProjectKeepsTasksSync(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	projectID := f.newProject(t, userID, "P1")
	before, _ := f.service.TasksSync(userID, projectID)

	if _, err := f.service.UpdateProject(userID, ProjectInput{ID: projectID, Title: "renamed", Description: "d"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	var stored Project
	if err := f.db.GetInto(projectID, &stored); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if stored.Title != "renamed" || stored.Creator != userID || stored.TasksSync != before {
		t.Fatalf("unexpected stored project %+v", stored)
	}
}

// Deleting a missing project succeeds and still rotates the token, unlike
// reads of a missing project which fail with not found.
func TestDeleteMissingProjectStillRotates(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	before, _ := f.service.ProjectsSync(userID)

	pair, err := f.service.DeleteProject(userID, "unknown-project")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if pair.OldSync != before || !pair.Changed() {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if _, err := f.service.ListTasks(userID, "unknown-project"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected reads of a missing project to fail, got %v", err)
	}
}

func TestDeleteProjectCascadesAndAuthorizes(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice")
	bob := f.newUser(t, "bob")
	doomed := f.newProject(t, alice, "doomed")
	kept := f.newProject(t, alice, "kept")
	doomedTask, _, _ := f.service.CreateTask(alice, TaskInput{Parent: doomed, Title: "t1"})
	keptTask, _, _ := f.service.CreateTask(alice, TaskInput{Parent: kept, Title: "t2"})

	if _, err := f.service.DeleteProject(bob, doomed); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.DeleteProject(alice, doomed); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := f.db.Get(doomedTask); !errors.Is(err, tables.ErrNotFound) {
		t.Fatalf("expected cascaded task removal, got %v", err)
	}
	if _, err := f.db.Get(keptTask); err != nil {
		t.Fatalf("unrelated task must survive: %v", err)
	}
	if _, err := f.db.Get(doomed); !errors.Is(err, tables.ErrNotFound) {
		t.Fatalf("expected project removal, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	projectID := f.newProject(t, userID, "P1")
	initial, _ := f.service.TasksSync(userID, projectID)

	taskID, created, err := f.service.CreateTask(userID, TaskInput{Parent: projectID, Title: "T1", Description: "d"})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if created.OldSync != initial || !created.Changed() {
		t.Fatalf("unexpected create pair %+v", created)
	}
	list, err := f.service.ListTasks(userID, projectID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != taskID || list.Tasks[0].Parent != projectID || list.Sync != created.NewSync {
		t.Fatalf("unexpected task list %+v", list)
	}

	updated, err := f.service.UpdateTask(userID, TaskInput{ID: taskID, Title: "T1b"})
	if err != nil {
		t.Fatalf("update task failed: %v", err)
	}
	if updated.OldSync != created.NewSync {
		t.Fatalf("expected chained token, got %+v", updated)
	}

	completed, err := f.service.CompleteTask(userID, taskID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.OldSync != updated.NewSync {
		t.Fatalf("expected chained token, got %+v", completed)
	}
	list, _ = f.service.ListTasks(userID, projectID)
	if len(list.Tasks) != 0 {
		t.Fatalf("completed tasks must not be listed, got %+v", list.Tasks)
	}
	var stored Task
	if err := f.db.GetInto(taskID, &stored); err != nil || !stored.Complete || stored.Title != "T1b" {
		t.Fatalf("unexpected stored task %+v (%v)", stored, err)
	}

	deleted, err := f.service.DeleteTask(userID, taskID)
	if err != nil {
		t.Fatalf("delete task failed: %v", err)
	}
	if deleted.OldSync != completed.NewSync {
		t.Fatalf("expected chained token, got %+v", deleted)
	}

	last := f.publisher.events[len(f.publisher.events)-1]
	if last.Collection != CollectionTasks || last.ProjectID != projectID || last.UserID != userID {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestTaskOperationsAuthorize(t *testing.T) {
	f := newFixture(t)
	alice := f.newUser(t, "alice")
	bob := f.newUser(t, "bob")
	projectID := f.newProject(t, alice, "P1")
	taskID, _, _ := f.service.CreateTask(alice, TaskInput{Parent: projectID, Title: "T1"})

	if _, err := f.service.ListTasks(bob, projectID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("list: expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.TasksSync(bob, projectID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("sync: expected ErrForbidden, got %v", err)
	}
	if _, _, err := f.service.CreateTask(bob, TaskInput{Parent: projectID, Title: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("create: expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.CompleteTask(bob, taskID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("complete: expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.UpdateTask(bob, TaskInput{ID: taskID, Title: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("update: expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.DeleteTask(bob, taskID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete: expected ErrForbidden, got %v", err)
	}
}

func TestTaskValidation(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	projectID := f.newProject(t, userID, "P1")

	if _, _, err := f.service.CreateTask(userID, TaskInput{Title: "x"}); !errors.Is(err, ErrMissingParent) {
		t.Fatalf("expected ErrMissingParent, got %v", err)
	}
	if _, _, err := f.service.CreateTask(userID, TaskInput{Parent: projectID}); !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
	if _, _, err := f.service.CreateTask(userID, TaskInput{Parent: "nope", Title: "x"}); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := f.service.CompleteTask(userID, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := f.service.UpdateTask(userID, TaskInput{ID: "nope", Title: "x"}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := f.service.CompleteTask(userID, projectID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("a project id must not resolve as a task, got %v", err)
	}
}

func TestDeleteMissingTaskIsNoOp(t *testing.T) {
	f := newFixture(t)
	userID := f.newUser(t, "alice")
	eventsBefore := len(f.publisher.events)

	pair, err := f.service.DeleteTask(userID, "unknown-task")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if pair.Changed() {
		t.Fatalf("expected no rotation, got %+v", pair)
	}
	if len(f.publisher.events) != eventsBefore {
		t.Fatalf("expected no event for a missing task")
	}
}
