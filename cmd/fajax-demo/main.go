package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/client"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/config"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/database"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/network"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/server"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/tables"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	sessionTimeout = 30 * time.Second
	logoutTimeout  = 5 * time.Second
)

var (
	cfgFile  string
	username string
	password string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fajax-demo",
		Short: "Todo demo over a simulated network",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scripted todo session against the simulated server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context())
		},
	}
	runCmd.Flags().StringVar(&username, "username", "demo", "Account to register or log in as")
	runCmd.Flags().StringVar(&password, "password", "demo", "Account password")

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every table and record held in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpStore(cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(runCmd, dumpCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-name", defaults.GetString("database.name"), "Key holding the table directory")
	flags.String("network-mode", defaults.GetString("network.mode"), "Latency preset (local, neighbour, abroad, far)")
	flags.Int("min-latency-ms", defaults.GetInt("network.min_latency_ms"), "Lower latency bound overriding the preset")
	flags.Int("max-latency-ms", defaults.GetInt("network.max_latency_ms"), "Upper latency bound overriding the preset")
	flags.Int("throughput", defaults.GetInt("network.throughput_bytes_per_sec"), "Simulated throughput in bytes per second")
	flags.Bool("return-trip", defaults.GetBool("network.return_trip"), "Delay responses as well as requests")
	flags.String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma separated CORS origins")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.name", "database-name")
	bindFlag(cmd, "network.mode", "network-mode")
	bindFlag(cmd, "network.min_latency_ms", "min-latency-ms")
	bindFlag(cmd, "network.max_latency_ms", "max-latency-ms")
	bindFlag(cmd, "network.throughput_bytes_per_sec", "throughput")
	bindFlag(cmd, "network.return_trip", "return-trip")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type stack struct {
	accounts   *users.Service
	dispatcher *server.SyncDispatcher
	simulator  *network.Simulator
	close      func()
}

func openTables(appConfig config.AppConfig, logger *zap.Logger) (*tables.Database, func(), error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := database.NewStore(database.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	tableDB, err := tables.Open(tables.Config{
		Store:      store,
		Name:       appConfig.DatabaseName,
		IDProvider: tables.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return tableDB, func() { _ = sqlDB.Close() }, nil
}

func buildStack(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*stack, error) {
	tableDB, closeDB, err := openTables(appConfig, logger)
	if err != nil {
		return nil, err
	}

	ids := tables.NewUUIDProvider()
	accounts, err := users.NewService(users.ServiceConfig{Database: tableDB, IDProvider: ids, Logger: logger})
	if err != nil {
		closeDB()
		return nil, err
	}
	dispatcher := server.NewSyncDispatcher()
	todoService, err := todos.NewService(todos.ServiceConfig{
		Database:   tableDB,
		Accounts:   accounts,
		IDProvider: ids,
		Publisher:  dispatcher,
		Logger:     logger,
	})
	if err != nil {
		closeDB()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := server.NewRouter(server.Dependencies{
		Accounts:       accounts,
		Todos:          todoService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		closeDB()
		return nil, err
	}

	simulator, err := network.NewSimulator(network.Config{
		Loop:                     network.NewLoop(logger),
		Mode:                     appConfig.NetworkMode,
		Latency:                  appConfig.Latency,
		ThroughputBytesPerSecond: appConfig.Throughput,
		ReturnTrip:               appConfig.ReturnTrip,
		Logger:                   logger,
	})
	if err != nil {
		closeDB()
		return nil, err
	}
	simulator.Configure(router)

	// The loop stops only through close, so deliveries made while shutting
	// down still complete.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := simulator.Loop().Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event loop stopped", zap.Error(err))
		}
	}()

	return &stack{
		accounts:   accounts,
		dispatcher: dispatcher,
		simulator:  simulator,
		close: func() {
			cancel()
			<-loopDone
			closeDB()
		},
	}, nil
}

func runSession(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, "fajax-demo")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	demo, err := buildStack(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer demo.close()

	sessionCtx, cancel := context.WithTimeout(signalCtx, sessionTimeout)
	defer cancel()

	api, err := client.New(client.Config{Network: demo.simulator, Logger: logger.Named("client")})
	if err != nil {
		return err
	}
	if err := signIn(sessionCtx, api, logger); err != nil {
		return err
	}
	defer endSession(signalCtx, api, logger)

	session := client.NewTodosContext(api)
	session.OnUpdatedProjects(func(projects []todos.ProjectSummary) {
		logger.Info("projects updated", zap.Int("count", len(projects)), zap.String("sync", session.ProjectsSync()))
	})
	session.OnUpdatedTasks(func(projectID string, tasks []todos.TaskSummary) {
		logger.Info("tasks updated", zap.String("project_id", projectID), zap.Int("count", len(tasks)))
	})

	// Rotations made by other sessions of the same user mark the cache stale.
	userID, err := demo.accounts.ResolveAPIKey(api.APIKey())
	if err != nil {
		return err
	}
	events, unsubscribe := demo.dispatcher.Subscribe(sessionCtx, userID)
	defer unsubscribe()
	go session.Follow(sessionCtx, events)

	return script(sessionCtx, session, logger)
}

// endSession logs out within logoutTimeout, even after ctx was cancelled by a
// signal.
func endSession(ctx context.Context, api *client.Client, logger *zap.Logger) {
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := api.Logout(logoutCtx); err != nil {
		logger.Warn("logout failed", zap.Error(err))
	}
}

func signIn(ctx context.Context, api *client.Client, logger *zap.Logger) error {
	err := api.Register(ctx, username, password)
	if err == nil {
		logger.Info("registered", zap.String("username", username))
		return nil
	}
	if client.StatusOf(err) != http.StatusUnauthorized {
		return err
	}
	if err := api.Login(ctx, username, password); err != nil {
		return fmt.Errorf("login as %q: %w", username, err)
	}
	logger.Info("logged in", zap.String("username", username))
	return nil
}

func script(ctx context.Context, session *client.TodosContext, logger *zap.Logger) error {
	if _, err := session.SyncProjects(ctx, true); err != nil {
		return err
	}
	projectID, err := session.CreateProject(ctx, "Groceries", "Weekly shopping")
	if err != nil {
		return err
	}

	var taskIDs []string
	for _, title := range []string{"Milk", "Bread", "Coffee"} {
		taskID, err := session.CreateTask(ctx, projectID, title, "")
		if err != nil {
			return err
		}
		taskIDs = append(taskIDs, taskID)
	}
	if err := session.CompleteTask(ctx, projectID, taskIDs[0]); err != nil {
		return err
	}

	tasks, err := session.SyncTasks(ctx, projectID, false)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		logger.Info("open task", zap.String("id", task.ID), zap.String("title", task.Title))
	}
	for _, project := range session.Projects() {
		logger.Info("project", zap.String("id", project.ID), zap.String("title", project.Title))
	}
	return nil
}

func dumpStore(out io.Writer) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, "fajax-demo")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tableDB, closeDB, err := openTables(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	for _, table := range tableDB.Tables() {
		items, err := tableDB.GetTableItems(table)
		if err != nil {
			return err
		}
		records := make(map[string]tables.Record, len(items))
		for _, item := range items {
			records[item.ID] = item.Record
		}
		if err := encoder.Encode(map[string]any{"table": table, "records": records}); err != nil {
			return err
		}
	}
	return nil
}
