package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"command_center/internal/agent"
	"command_center/internal/audit"
	"command_center/internal/config"
	"command_center/internal/diagnostics"
	"command_center/internal/domain"
	"command_center/internal/formatter"
	"command_center/internal/fs"
	"command_center/internal/logging"
	"command_center/internal/messaging/inproc"
	"command_center/internal/orchestrator"
	"command_center/internal/policy"
	"command_center/internal/shell"
	sqlitestore "command_center/internal/store/sqlite"
	"command_center/internal/transport/httpapi"
)

var (
	serveAddr      string
	serveDB        string
	serveWorkspace string
	servePlans     string
	serveDemo      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the command center",
	Long: `Start the bus, the heartbeat monitor, the coordinator, analyst and
executor agents, and the HTTP API. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "http listen address override")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "sqlite audit journal path override (empty disables the journal)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "workspace root override")
	serveCmd.Flags().StringVar(&servePlans, "plans", "", "plan templates yaml override")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "create a demo task on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveDB != "" {
		cfg.Audit.DBPath = serveDB
	}
	if serveWorkspace != "" {
		cfg.Workspace.Root = serveWorkspace
	}
	if servePlans != "" {
		cfg.Plans.Path = servePlans
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	workspaceRoot := filepath.Clean(cfg.Workspace.Root)
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store     *sqlitestore.Store
		changes   fs.ChangeLogger
		decisions orchestrator.DecisionLogger
		reader    httpapi.DecisionReader
	)
	if cfg.Audit.DBPath != "" {
		dbPath := filepath.Clean(cfg.Audit.DBPath)
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
		store, err = sqlitestore.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		changes, decisions, reader = store, store, store
	}

	plans, err := orchestrator.LoadPlans(cfg.Plans.Path)
	if err != nil {
		return err
	}
	if _, ok := plans[cfg.Plans.Default]; !ok {
		return fmt.Errorf("default plan %q is not defined", cfg.Plans.Default)
	}

	bus := inproc.New(inproc.Config{
		HeartbeatInterval: cfg.Runtime.HeartbeatInterval(),
		OfflineFactor:     cfg.Runtime.OfflineFactor,
		CommandLogLimit:   cfg.Runtime.CommandLogLimit,
	}, logger)

	// Runtime state is never read back from the journal.
	var journal *audit.Journal
	if store != nil {
		journal = audit.New(bus, store, cfg.Audit.Buffer, logger)
		journal.Start(ctx)
	}

	files, err := fs.NewGateway(workspaceRoot, policy.FromConfig(cfg.Workspace), changes, cfg.Workspace.Exclude)
	if err != nil {
		return fmt.Errorf("create file gateway: %w", err)
	}
	runner := shell.NewRunner(cfg.Workspace.Shell, workspaceRoot, cfg.Workspace.CommandTimeout())
	formatters := formatter.FromConfig(cfg.Formatters, runner)

	opts := agent.Options{
		PulseInterval: cfg.Runtime.PulseInterval(),
		QueueSize:     cfg.Runtime.QueueSize,
	}
	coord := orchestrator.New(bus, orchestrator.Config{
		Plans:           plans,
		DefaultPlan:     cfg.Plans.Default,
		CascadeFailures: cfg.Plans.CascadeFailures,
		Agent:           opts,
	}, decisions, logger)
	defer coord.Close()
	analyst := agent.NewAnalyst(bus, files, diagnostics.NewCollector(files, "analyst"), opts, logger)
	executor := agent.NewExecutor(bus, files, runner, formatters, opts, logger)
	defer executor.Close()

	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		bus.RunHeartbeatMonitor(ctx)
	}()

	coord.Start(ctx)
	analyst.Start(ctx)
	executor.Start(ctx)

	server := httpapi.New(httpapi.Deps{
		Registry:   bus,
		Tasks:      coord,
		Commander:  agent.NewOperator(bus, "http", logger),
		Decisions:  reader,
		ConfigPath: cfg.Path,
		ConfigRaw:  cfg.Raw,
	}, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if serveDemo {
		if err := bootstrapDemo(ctx, coord); err != nil {
			logger.Warn("demo bootstrap failed", "error", err)
		}
	}

	logger.Info("command center started",
		"addr", cfg.Server.Addr,
		"db", cfg.Audit.DBPath,
		"workspace", workspaceRoot,
		"plans", coord.PlanNames(),
		"formatters", formatters.Languages())

	serveErr := server.Start(cfg.Server.Addr)
	cancel()

	coord.Wait()
	analyst.Wait()
	executor.Wait()
	monitor.Wait()
	if journal != nil {
		journal.Wait()
		logger.Info("audit journal closed", "written", journal.Written(), "dropped", journal.Dropped())
	}
	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	return nil
}

func bootstrapDemo(ctx context.Context, coord *orchestrator.Coordinator) error {
	view, err := coord.CreateTask(ctx, domain.CreateTaskRequest{
		Title:       "Demo workspace survey",
		Description: "Analyze the workspace and run the default execution stage.",
	}, "")
	if err != nil {
		return err
	}
	slog.Info("demo task created", "task_id", view.ID, "status", string(view.Status))
	return nil
}
