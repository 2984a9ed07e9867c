// Package users manages accounts and connected-client sessions. A session is
// a record in the connected clients table keyed by its API key; the record
// existing is what makes the key valid.
package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/tables"
	"go.uber.org/zap"
)

const (
	// TableUsers holds one record per account.
	TableUsers = "users"
	// TableConnectedClients holds one record per API key.
	TableConnectedClients = "connectedClients"
)

var (
	// ErrUsernameTaken indicates a registration for an existing username.
	ErrUsernameTaken = errors.New("users: username is taken")
	// ErrInvalidCredentials indicates an unknown username/password pair.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrMissingCredentials indicates an empty username or password.
	ErrMissingCredentials = errors.New("users: username and password are required")
	// ErrUnknownAPIKey indicates the key does not belong to a connected client.
	ErrUnknownAPIKey = errors.New("users: api key is not registered")
	// ErrUserNotFound indicates that no account exists under the id.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase   = errors.New("table database is required")
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
	opServiceNew     = "users.service.new"
	opRegister       = "users.register"
	opLogin          = "users.login"
	opAutoLogin      = "users.autologin"
	opLogout         = "users.logout"
	opResolveAPIKey  = "users.resolve_api_key"
	opLookupUser     = "users.lookup_user"
	opRotateProjects = "users.rotate_projects_sync"
)

const (
	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonEnsureTablesFailed = "ensure_tables_failed"
	reasonMissingCredentials = "missing_credentials"
	reasonUsernameTaken      = "username_taken"
	reasonInvalidCredentials = "invalid_credentials"
	reasonUnknownAPIKey      = "unknown_api_key"
	reasonUserNotFound       = "user_not_found"
	reasonQueryFailed        = "query_failed"
	reasonWriteFailed        = "write_failed"
	reasonIDFailed           = "id_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// User is the stored account record.
type User struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ProjectsSync string `json:"projectsSync"`
}

type connectedClient struct {
	UserID string `json:"userId"`
}

type ServiceConfig struct {
	Database   *tables.Database
	IDProvider tables.IDProvider
	Logger     *zap.Logger
}

// Service implements registration, login and session resolution.
type Service struct {
	mu         sync.Mutex
	db         *tables.Database
	idProvider tables.IDProvider
	logger     *zap.Logger
}

// NewService validates cfg and registers the users and connected clients tables.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if err := cfg.Database.EnsureTables(TableUsers, TableConnectedClients); err != nil {
		return nil, newServiceError(opServiceNew, reasonEnsureTablesFailed, err)
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Register creates the account and connects a session for it. Passwords are
// stored and compared as given.
func (s *Service) Register(username, password string) (string, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", newServiceError(opRegister, reasonMissingCredentials, ErrMissingCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, err := s.findUser(func(user User) bool { return user.Username == username })
	switch {
	case err == nil:
		return "", newServiceError(opRegister, reasonUsernameTaken, ErrUsernameTaken)
	case !errors.Is(err, ErrUserNotFound):
		s.logError(opRegister, reasonQueryFailed, err)
		return "", newServiceError(opRegister, reasonQueryFailed, err)
	}

	projectsSync, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, reasonIDFailed, err)
		return "", newServiceError(opRegister, reasonIDFailed, err)
	}
	userID, err := s.db.Add(TableUsers, User{Username: username, Password: password, ProjectsSync: projectsSync})
	if err != nil {
		s.logError(opRegister, reasonWriteFailed, err, zap.String("username", username))
		return "", newServiceError(opRegister, reasonWriteFailed, err)
	}
	s.logger.Info("user registered", zap.String("user_id", userID))
	return s.connect(opRegister, userID)
}

// Login mints a fresh API key for the matching account.
func (s *Service) Login(username, password string) (string, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", newServiceError(opLogin, reasonMissingCredentials, ErrMissingCredentials)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userID, _, err := s.findUser(func(user User) bool {
		return user.Username == username && user.Password == password
	})
	if errors.Is(err, ErrUserNotFound) {
		return "", newServiceError(opLogin, reasonInvalidCredentials, ErrInvalidCredentials)
	}
	if err != nil {
		s.logError(opLogin, reasonQueryFailed, err)
		return "", newServiceError(opLogin, reasonQueryFailed, err)
	}
	return s.connect(opLogin, userID)
}

// AutoLogin reports whether apiKey still identifies a connected client.
func (s *Service) AutoLogin(apiKey string) error {
	if _, err := s.lookupClient(opAutoLogin, apiKey); err != nil {
		return err
	}
	return nil
}

// Logout disconnects the session identified by apiKey.
func (s *Service) Logout(apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupClient(opLogout, apiKey); err != nil {
		return err
	}
	if _, err := s.db.Remove(apiKey); err != nil {
		s.logError(opLogout, reasonWriteFailed, err)
		return newServiceError(opLogout, reasonWriteFailed, err)
	}
	return nil
}

// ResolveAPIKey returns the id of the user owning apiKey.
func (s *Service) ResolveAPIKey(apiKey string) (string, error) {
	client, err := s.lookupClient(opResolveAPIKey, apiKey)
	if err != nil {
		return "", err
	}
	return client.UserID, nil
}

// User returns the account stored under userID.
func (s *Service) User(userID string) (User, error) {
	var user User
	if err := s.db.GetInto(userID, &user); err != nil {
		if errors.Is(err, tables.ErrNotFound) {
			return User{}, newServiceError(opLookupUser, reasonUserNotFound, ErrUserNotFound)
		}
		s.logError(opLookupUser, reasonQueryFailed, err, zap.String("user_id", userID))
		return User{}, newServiceError(opLookupUser, reasonQueryFailed, err)
	}
	return user, nil
}

// ProjectsSync returns the current projects sync token of userID.
func (s *Service) ProjectsSync(userID string) (string, error) {
	user, err := s.User(userID)
	if err != nil {
		return "", err
	}
	return user.ProjectsSync, nil
}

// RotateProjectsSync replaces the projects sync token of userID and returns
// the previous and the new token.
func (s *Service) RotateProjectsSync(userID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.User(userID)
	if err != nil {
		return "", "", err
	}
	newSync, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRotateProjects, reasonIDFailed, err)
		return "", "", newServiceError(opRotateProjects, reasonIDFailed, err)
	}
	oldSync := user.ProjectsSync
	user.ProjectsSync = newSync
	if err := s.db.Update(userID, user); err != nil {
		s.logError(opRotateProjects, reasonWriteFailed, err, zap.String("user_id", userID))
		return "", "", newServiceError(opRotateProjects, reasonWriteFailed, err)
	}
	return oldSync, newSync, nil
}

func (s *Service) connect(operation, userID string) (string, error) {
	apiKey, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return "", newServiceError(operation, reasonIDFailed, err)
	}
	if err := s.db.AddWithID(TableConnectedClients, apiKey, connectedClient{UserID: userID}); err != nil {
		s.logError(operation, reasonWriteFailed, err, zap.String("user_id", userID))
		return "", newServiceError(operation, reasonWriteFailed, err)
	}
	return apiKey, nil
}

func (s *Service) lookupClient(operation, apiKey string) (connectedClient, error) {
	if apiKey == "" {
		return connectedClient{}, newServiceError(operation, reasonUnknownAPIKey, ErrUnknownAPIKey)
	}
	record, err := s.db.Get(apiKey)
	if errors.Is(err, tables.ErrNotFound) {
		return connectedClient{}, newServiceError(operation, reasonUnknownAPIKey, ErrUnknownAPIKey)
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return connectedClient{}, newServiceError(operation, reasonQueryFailed, err)
	}
	// Any record id is a key in the store; only connected clients count.
	if record.Table() != TableConnectedClients {
		return connectedClient{}, newServiceError(operation, reasonUnknownAPIKey, ErrUnknownAPIKey)
	}
	var client connectedClient
	if err := record.Decode(&client); err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return connectedClient{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return client, nil
}

func (s *Service) findUser(match func(User) bool) (string, User, error) {
	items, err := s.db.GetTableItems(TableUsers)
	if err != nil {
		return "", User{}, err
	}
	for _, item := range items {
		var user User
		if err := item.Decode(&user); err != nil {
			return "", User{}, err
		}
		if match(user) {
			return item.ID, user, nil
		}
	}
	return "", User{}, ErrUserNotFound
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
	s.logger.Error("users service error", attrs...)
}
