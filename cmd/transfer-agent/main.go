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
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/transfer/internal/config"
	"github.com/ehr/transfer/internal/domain/research"
	"github.com/ehr/transfer/internal/domain/steps"
	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/platform/db"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/middleware"
	"github.com/ehr/transfer/internal/platform/telemetry"
	"github.com/ehr/transfer/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "transfer-agent",
		Short:        "FHIR transfer agent",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(compartmentCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transfer agent API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runCmd() *cobra.Command {
	var identifiers []string
	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run one transfer process and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, args[0], identifiers, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&identifiers, "identifier", nil, "restrict the cohort to these patient identifiers")
	return cmd
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "Load every project file and list the valid ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return printProjects(cmd.OutOrStdout(), a.projects)
		},
	}
}

func compartmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compartment [resourceType]",
		Short: "Show the reference paths of the Patient compartment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ix, err := fhir.LoadCompartmentIndex(cfg.CompartmentDefinition)
			if err != nil {
				return err
			}
			return printCompartment(cmd.OutOrStdout(), ix, args)
		},
	}
}

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	deps     transfer.Deps
	projects *transfer.Projects
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newApp loads configuration, the compartment definition and the project
// files. The database and Redis are connected only when configured.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	ix, err := fhir.LoadCompartmentIndex(cfg.CompartmentDefinition)
	if err != nil {
		return nil, fmt.Errorf("load compartment definition: %w", err)
	}
	a.logger.Info().Str("url", ix.URL()).Int("types", len(ix.Types())).Msg("compartment definition loaded")
	a.deps = transfer.Deps{Logger: a.logger, Compartment: ix}

	if cfg.HasDatabase() {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.deps.DB = a.pool
		a.logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.logger.Info().Msg("connected to redis")
	}

	a.projects, err = transfer.LoadProjects(cfg.ProjectsDir, steps.NewRegistry(), a.deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Info().Int("projects", a.projects.Len()).Msg("projects loaded")
	return a, nil
}

func (a *app) store() transfer.Store {
	if a.redis != nil {
		return transfer.NewRedisStore(a.redis, a.cfg.RunRetention)
	}
	return transfer.NewMemoryStore(a.cfg.RunRetention)
}

func (a *app) Close() {
	if a.projects != nil {
		if err := a.projects.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing project steps")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func runOnce(ctx context.Context, project string, identifiers []string, out io.Writer) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := transfer.NewRunner(a.projects, a.store(), a.logger)
	result, err := runner.Run(ctx, project, identifiers...)
	if result == nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d patients failed", result.Failed, result.Total)
	}
	return nil
}

func printProjects(w io.Writer, projects *transfer.Projects) error {
	for _, name := range projects.Names() {
		p, err := projects.Lookup(name)
		if err != nil {
			return err
		}
		var roles []string
		if p.Runnable() == nil {
			roles = append(roles, "run")
		}
		if p.Receivable() == nil {
			roles = append(roles, "receive")
		}
		if len(roles) == 0 {
			roles = append(roles, "incomplete")
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(roles, ",")); err != nil {
			return err
		}
	}
	return nil
}

func printCompartment(w io.Writer, ix *fhir.CompartmentIndex, args []string) error {
	if len(args) == 1 {
		paths := ix.Resolve(args[0])
		if len(paths) == 0 {
			return fmt.Errorf("%s is not in the Patient compartment", args[0])
		}
		_, err := fmt.Fprintln(w, strings.Join(paths, "\n"))
		return err
	}
	for _, t := range ix.Types() {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", t, strings.Join(ix.Resolve(t), ",")); err != nil {
			return err
		}
	}
	return nil
}

func runServer() error {
	a, err := newApp(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer a.Close()
	logger := a.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	hub := websocket.NewHub(logger, transfer.EventRunCompleted)
	runner := transfer.NewRunner(a.projects, a.store(), logger,
		transfer.WithPublisher(hub),
		transfer.WithMetrics(metrics),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware())
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.MaxBundleSize(a.cfg.MaxBundleBytes))

	api := e.Group("/api/v2")
	transfer.NewHandler(runner, hub).RegisterRoutes(api)
	research.NewHandler(a.projects, a.cfg.IntakeSecret, metrics, logger).RegisterRoutes(api)
	fhir.NewCompartmentHandler(a.deps.Compartment).RegisterRoutes(api)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))
	}
	e.GET("/metrics", telemetry.Handler(registry))

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := runner.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("transfer runs did not stop in time")
	}
	logger.Info().Msg("server stopped")
	return nil
}
