// Package server answers simulated requests with a gin engine. Messages
// delivered by the network are adapted into http requests, routed, and the
// recorded response is written back onto the message.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "fajax_user_id"

const (
	textUsernameTaken    = "Username is taken"
	textInvalidAPIKey    = "API Key is invalid"
	textUnregisteredKey  = "Client's API Key is not registered!"
	defaultAllowedOrigin = "*"
)

var (
	errMissingAccounts = errors.New("accounts dependency required")
	errMissingTodos    = errors.New("todos service dependency required")
)

type Dependencies struct {
	Accounts       *users.Service
	Todos          *todos.Service
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Router serves both real http requests and simulated transport messages.
type Router struct {
	engine *gin.Engine
	logger *zap.Logger
}

func NewRouter(deps Dependencies) (*Router, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Todos == nil {
		return nil, errMissingTodos
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("request handler panicked",
			zap.Any("panic", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		accounts: deps.Accounts,
		todos:    deps.Todos,
		logger:   logger,
	}

	router.Any("/login", handler.requireMethod(http.MethodPost), handler.handleLogin)
	router.Any("/register", handler.requireMethod(http.MethodPost), handler.handleRegister)
	router.Any("/autologin", handler.requireMethod(http.MethodPost), handler.handleAutoLogin)
	router.Any("/logout", handler.requireMethod(http.MethodDelete), handler.handleLogout)

	projects := router.Group("/projects")
	projects.Use(handler.authorizeRequest)
	projects.GET("", handler.handleListProjects)
	projects.GET("/sync", handler.handleProjectsSync)
	projects.POST("/new", handler.handleCreateProject)
	projects.PUT("/update", handler.handleUpdateProject)
	projects.DELETE("/:id", handler.handleDeleteProject)

	tasks := router.Group("/tasks")
	tasks.Use(handler.authorizeRequest)
	tasks.GET("", handler.handleListTasks)
	tasks.GET("/sync", handler.handleTasksSync)
	tasks.POST("/new", handler.handleCreateTask)
	tasks.PUT("/complete/:id", handler.handleCompleteTask)
	tasks.PUT("/update", handler.handleUpdateTask)
	tasks.DELETE("/:id", handler.handleDeleteTask)

	router.NoRoute(handler.handleUnmatched)

	return &Router{engine: router, logger: logger}, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

// ServeHTTP lowercases the request path and query and trims trailing slashes
// before routing.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req.URL.Path = normalizePath(req.URL.Path)
	req.URL.RawPath = ""
	req.URL.RawQuery = strings.ToLower(req.URL.RawQuery)
	r.engine.ServeHTTP(w, req)
}

func normalizePath(path string) string {
	normalized := strings.TrimRight(strings.ToLower(path), "/")
	if normalized == "" {
		return "/"
	}
	return normalized
}

type httpHandler struct {
	accounts *users.Service
	todos    *todos.Service
	logger   *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type createProjectResponse struct {
	ProjectID string `json:"projectId"`
	todos.SyncPair
}

type createTaskResponse struct {
	TaskID string `json:"taskId"`
	todos.SyncPair
}

func (h *httpHandler) requireMethod(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != method {
			c.AbortWithStatus(http.StatusNotImplemented)
			return
		}
		c.Next()
	}
}

// Malformed bodies answer 400 on every endpoint, credentials included.
func (h *httpHandler) bindCredentials(c *gin.Context) (credentialsPayload, bool) {
	var payload credentialsPayload
	if err := json.Unmarshal([]byte(readBody(c)), &payload); err != nil {
		c.Status(http.StatusBadRequest)
		return credentialsPayload{}, false
	}
	return payload, true
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	payload, ok := h.bindCredentials(c)
	if !ok {
		return
	}
	apiKey, err := h.accounts.Login(payload.Username, payload.Password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, users.ErrMissingCredentials):
		c.Status(http.StatusUnauthorized)
	case err != nil:
		h.internalError(c, "login failed", err)
	default:
		c.String(http.StatusOK, apiKey)
	}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	payload, ok := h.bindCredentials(c)
	if !ok {
		return
	}
	apiKey, err := h.accounts.Register(payload.Username, payload.Password)
	switch {
	case errors.Is(err, users.ErrUsernameTaken):
		c.String(http.StatusUnauthorized, textUsernameTaken)
	case errors.Is(err, users.ErrMissingCredentials):
		c.Status(http.StatusUnauthorized)
	case err != nil:
		h.internalError(c, "registration failed", err)
	default:
		c.String(http.StatusOK, apiKey)
	}
}

func (h *httpHandler) handleAutoLogin(c *gin.Context) {
	apiKey := readBody(c)
	if apiKey == "" {
		c.Status(http.StatusUnauthorized)
		return
	}
	err := h.accounts.AutoLogin(apiKey)
	switch {
	case errors.Is(err, users.ErrUnknownAPIKey):
		c.String(http.StatusUnauthorized, textInvalidAPIKey)
	case err != nil:
		h.internalError(c, "autologin failed", err)
	default:
		c.Status(http.StatusOK)
	}
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	apiKey := readBody(c)
	if apiKey == "" {
		c.Status(http.StatusUnauthorized)
		return
	}
	err := h.accounts.Logout(apiKey)
	switch {
	case errors.Is(err, users.ErrUnknownAPIKey):
		c.String(http.StatusUnauthorized, textUnregisteredKey)
	case err != nil:
		h.internalError(c, "logout failed", err)
	default:
		c.Status(http.StatusOK)
	}
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	list, err := h.todos.ListProjects(c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleProjectsSync(c *gin.Context) {
	token, err := h.todos.ProjectsSync(c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.String(http.StatusOK, token)
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	var input todos.ProjectInput
	if !bindJSON(c, &input) {
		return
	}
	projectID, pair, err := h.todos.CreateProject(c.GetString(userIDContextKey), input)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createProjectResponse{ProjectID: projectID, SyncPair: pair})
}

func (h *httpHandler) handleUpdateProject(c *gin.Context) {
	var input todos.ProjectInput
	if !bindJSON(c, &input) {
		return
	}
	pair, err := h.todos.UpdateProject(c.GetString(userIDContextKey), input)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	pair, err := h.todos.DeleteProject(c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	projectID, ok := c.GetQuery("parent")
	if !ok || projectID == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	list, err := h.todos.ListTasks(c.GetString(userIDContextKey), projectID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleTasksSync(c *gin.Context) {
	projectID, ok := c.GetQuery("parent")
	if !ok || projectID == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	token, err := h.todos.TasksSync(c.GetString(userIDContextKey), projectID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.String(http.StatusOK, token)
}

func (h *httpHandler) handleCreateTask(c *gin.Context) {
	var input todos.TaskInput
	if !bindJSON(c, &input) {
		return
	}
	taskID, pair, err := h.todos.CreateTask(c.GetString(userIDContextKey), input)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createTaskResponse{TaskID: taskID, SyncPair: pair})
}

func (h *httpHandler) handleCompleteTask(c *gin.Context) {
	pair, err := h.todos.CompleteTask(c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *httpHandler) handleUpdateTask(c *gin.Context) {
	var input todos.TaskInput
	if !bindJSON(c, &input) {
		return
	}
	pair, err := h.todos.UpdateTask(c.GetString(userIDContextKey), input)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	pair, err := h.todos.DeleteTask(c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// handleUnmatched answers 400 for unknown routes under an authorized resource
// prefix and 501 for everything else.
func (h *httpHandler) handleUnmatched(c *gin.Context) {
	switch firstSegment(c.Request.URL.Path) {
	case "projects", "tasks":
		if _, ok := h.authorize(c); !ok {
			return
		}
		c.AbortWithStatus(http.StatusBadRequest)
	default:
		c.AbortWithStatus(http.StatusNotImplemented)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, ok := h.authorize(c)
	if !ok {
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) authorize(c *gin.Context) (string, bool) {
	apiKey, err := auth.ParseAPIKeyHeader(c.GetHeader("Authorization"))
	switch {
	case errors.Is(err, auth.ErrMissingAuthorization):
		c.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	case err != nil:
		c.AbortWithStatus(http.StatusBadRequest)
		return "", false
	}
	userID, err := h.accounts.ResolveAPIKey(apiKey)
	if errors.Is(err, users.ErrUnknownAPIKey) {
		h.logger.Info("rejected unknown api key", zap.String("path", c.Request.URL.Path))
		c.AbortWithStatus(http.StatusUnauthorized)
		return "", false
	}
	if err != nil {
		h.internalError(c, "api key lookup failed", err)
		return "", false
	}
	return userID, true
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, todos.ErrMissingTitle),
		errors.Is(err, todos.ErrMissingID),
		errors.Is(err, todos.ErrMissingParent):
		c.AbortWithStatus(http.StatusBadRequest)
	case errors.Is(err, todos.ErrProjectNotFound), errors.Is(err, todos.ErrTaskNotFound):
		c.AbortWithStatus(http.StatusNotFound)
	case errors.Is(err, todos.ErrForbidden):
		c.AbortWithStatus(http.StatusForbidden)
	default:
		h.internalError(c, "todos request failed", err)
	}
}

func (h *httpHandler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err), zap.String("path", c.Request.URL.Path))
	c.AbortWithStatus(http.StatusInternalServerError)
}

func bindJSON(c *gin.Context, target any) bool {
	if err := json.Unmarshal([]byte(readBody(c)), target); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return false
	}
	return true
}

func readBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	body, err := c.GetRawData()
	if err != nil {
		return ""
	}
	return string(body)
}

func firstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	segment, _, _ := strings.Cut(trimmed, "/")
	return segment
}
