package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignatij/sagaflow/internal/config"
	"github.com/ignatij/sagaflow/internal/flows"
	internal_http "github.com/ignatij/sagaflow/internal/http"
	"github.com/ignatij/sagaflow/internal/log"
	"github.com/ignatij/sagaflow/internal/modules/memory"
	internal_service "github.com/ignatij/sagaflow/internal/service"
	internal_storage "github.com/ignatij/sagaflow/internal/storage"
	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/service"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app is everything a command needs, wired from flags and configuration.
type app struct {
	cfg    config.Config
	store  storage.Store
	engine *service.WorkflowService
	runs   *internal_service.RunService
	redis  *redis.Client
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			log.GetLogger().Warnf("Engine did not stop cleanly: %v", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Warnf("Failed to close store: %v", err)
	}
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (defaults to DATABASE_URL or DB_* env vars)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().Bool("memory", false, "Keep runs in memory instead of PostgreSQL")

	runCmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Run a workflow and wait for its outcome",
		Args:  cobra.ExactArgs(1),
		Run: action(func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			return runWorkflow(ctx, a, args[0], input)
		}),
	}
	runCmd.Flags().String("input", "", "Workflow input as JSON")

	resumeCmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume an unfinished run from its log",
		Args:  cobra.MaximumNArgs(1),
		Run: action(func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return errors.New("pass either a run id or --all")
			}
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			if all {
				return resumeAll(ctx, a)
			}
			return resumeRun(ctx, a, args[0])
		}),
	}
	resumeCmd.Flags().Bool("all", false, "Resume every unfinished run")

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel an unfinished run and compensate it",
		Args:  cobra.ExactArgs(1),
		Run: action(func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			return cancelRun(ctx, a, args[0])
		}),
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Run: action(func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			workflowName, _ := cmd.Flags().GetString("workflow")
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return listRuns(a, workflowName, status, limit)
		}),
	}
	listCmd.Flags().String("status", "", "Comma separated statuses to filter by")
	listCmd.Flags().String("workflow", "", "Workflow name to filter by")
	listCmd.Flags().Int("limit", 50, "Maximum number of runs")
	showCmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run and its transaction log",
		Args:  cobra.ExactArgs(1),
		Run: action(func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return showRun(a, args[0])
		}),
	}
	runsCmd.AddCommand(listCmd, showCmd)

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than the retention TTL",
		Run: action(func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl == 0 {
				ttl = a.cfg.RetentionTTL
			}
			n, err := a.runs.Prune(context.Background(), ttl)
			if err != nil {
				return errors.Wrap(err, "failed to prune runs")
			}
			fmt.Fprintf(os.Stdout, "Pruned %d runs older than %s\n", n, ttl)
			return nil
		}),
	}
	pruneCmd.Flags().Duration("ttl", 0, "Retention TTL (defaults to the configured one)")

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List the registered workflows",
		Run: action(func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			for _, def := range a.engine.Workflows() {
				fmt.Fprintf(os.Stdout, "- %s: %s\n  steps: %s\n", def.Name(), def.Description(), strings.Join(def.Steps(), ", "))
			}
			return nil
		}),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and resume unfinished runs",
		Run: action(func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetString("port")
			a, err := setup(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if port == "" {
				port = a.cfg.HTTPPort
			}
			ctx, stop := signalContext()
			defer stop()
			if _, err := a.engine.ResumeAll(ctx); err != nil {
				log.GetLogger().Errorf("Failed to resume unfinished runs: %v", err)
			}
			if err := internal_http.StartServer(ctx, port, internal_http.NewServer(a.engine, a.store)); err != nil {
				return errors.Wrap(err, "server stopped")
			}
			return nil
		}),
	}
	serveCmd.Flags().String("port", "", "Port to listen on (defaults to HTTP_PORT or 8080)")

	rootCmd.AddCommand(runCmd, resumeCmd, cancelCmd, runsCmd, pruneCmd, workflowsCmd, serveCmd)
}

// action adapts a command body to cobra. The body closes whatever it opened
// before returning, so the process only exits once cleanup is done.
func action(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if code := exitCode(fn(cmd, args)); code != 0 {
			os.Exit(code)
		}
	}
}

// exitCode reports err and maps it to the process exit status: 2 for a run
// that did not complete, whose outcome await already printed, and 1 for
// anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var runErr *service.RunError
	if errors.As(err, &runErr) {
		return 2
	}
	log.GetLogger().Errorf("%v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// setup loads the configuration and opens the store. With withEngine the
// demo workflows are registered on a new engine.
func setup(cmd *cobra.Command, withEngine bool) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	log.SetLevel(cfg.LogLevel)

	a := &app{cfg: cfg}
	inMemory, _ := cmd.Flags().GetBool("memory")
	dbConnStr, _ := cmd.Flags().GetString("db")
	if dbConnStr == "" {
		dbConnStr = cfg.DatabaseURL
	}
	if inMemory {
		log.GetLogger().Debugf("Using the in-memory store")
		a.store = storage.NewMemoryStore()
	} else {
		log.GetLogger().Debugf("Using PostgreSQL store")
		store, err := initStore(dbConnStr)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	a.runs = internal_service.NewRunService(a.store)
	if !withEngine {
		return a, nil
	}

	opts, err := cfg.ServiceOptions()
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "invalid configuration")
	}
	demo := memory.NewDemo()
	var emitter events.Emitter = demo.Bus
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		emitter = events.NewRedisEmitter(a.redis, cfg.RedisChannelPrefix)
		log.GetLogger().Infof("Publishing events to Redis at %s", cfg.RedisAddr)
	} else {
		demo.Bus.Subscribe("*", func(_ context.Context, e events.Event) {
			log.GetLogger().Infof("Event %s from run %s: %s", e.Name, e.RunID, string(e.Payload))
		})
	}
	opts = append(opts, service.WithEmitter(emitter))
	a.engine = service.NewWorkflowService(context.Background(), a.store, log.GetLogger(), opts...)
	if err := flows.Register(a.engine, demo.Modules(emitter)); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to register workflows")
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWorkflow(ctx context.Context, a *app, name, input string) error {
	var in interface{}
	if input != "" {
		in = json.RawMessage(input)
	}
	runID, err := a.engine.Invoke(ctx, name, in)
	if err != nil {
		return errors.Wrap(err, "failed to invoke workflow")
	}
	fmt.Fprintf(os.Stdout, "Started run %s of workflow '%s'\n", runID, name)
	return await(ctx, a, runID)
}

func resumeRun(ctx context.Context, a *app, runID string) error {
	if err := a.engine.Resume(ctx, runID); err != nil {
		return errors.Wrap(err, "failed to resume run")
	}
	return await(ctx, a, runID)
}

func resumeAll(ctx context.Context, a *app) error {
	ids, err := a.engine.ResumeAll(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to resume runs")
	}
	if len(ids) == 0 {
		fmt.Fprintf(os.Stdout, "No unfinished runs found.\n")
		return nil
	}
	var failed error
	for _, id := range ids {
		if err := await(ctx, a, id); err != nil && failed == nil {
			failed = err
		}
	}
	return failed
}

func cancelRun(ctx context.Context, a *app, runID string) error {
	if err := a.engine.Cancel(ctx, runID); err != nil {
		return errors.Wrap(err, "failed to cancel run")
	}
	return await(ctx, a, runID)
}

// await prints the outcome of a run. A run that did not complete is returned
// as its *service.RunError.
func await(ctx context.Context, a *app, runID string) error {
	res, err := a.engine.Await(ctx, runID)
	if err != nil {
		var runErr *service.RunError
		if errors.As(err, &runErr) {
			fmt.Fprintf(os.Stdout, "Run %s ended %s: %v\n", runID, runErr.Status, runErr.Cause)
			if len(runErr.Compensation.Compensated) > 0 {
				fmt.Fprintf(os.Stdout, "Compensated: %s\n", strings.Join(runErr.Compensation.Compensated, ", "))
			}
			if runErr.RequiresIntervention() {
				fmt.Fprintf(os.Stdout, "Needs manual intervention: %s\n", strings.Join(runErr.Compensation.Failed, ", "))
			}
			return runErr
		}
		return errors.Wrap(err, "failed to await run")
	}
	fmt.Fprintf(os.Stdout, "Run %s %s\n", runID, res.Status)
	if len(res.Output) > 0 {
		fmt.Fprintf(os.Stdout, "Output: %s\n", string(res.Output))
	}
	return nil
}

func listRuns(a *app, workflowName, status string, limit int) error {
	runs, err := a.runs.ListRuns(context.Background(), workflowName, status, limit)
	if err != nil {
		return errors.Wrap(err, "failed to list runs")
	}
	if len(runs) == 0 {
		fmt.Fprintf(os.Stdout, "No runs found.\n")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Runs:\n")
	for _, run := range runs {
		fmt.Fprintf(os.Stdout, "- ID: %s, Workflow: %s, Status: %s, Created: %s\n",
			run.ID, run.WorkflowName, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func showRun(a *app, runID string) error {
	detail, err := a.runs.GetRun(context.Background(), runID)
	if err != nil {
		return errors.Wrap(err, "failed to get run")
	}
	run := detail.Run
	fmt.Fprintf(os.Stdout, "Run %s (%s): %s\n", run.ID, run.WorkflowName, run.Status)
	if run.FailedStep != "" {
		fmt.Fprintf(os.Stdout, "Failed step: %s: %s\n", run.FailedStep, run.Error)
	}
	if len(run.UncompensatedSteps) > 0 {
		fmt.Fprintf(os.Stdout, "Uncompensated steps: %s\n", strings.Join(run.UncompensatedSteps, ", "))
	}
	fmt.Fprintf(os.Stdout, "Log:\n")
	for _, e := range detail.Log {
		fmt.Fprintf(os.Stdout, "%4d %s %-28s attempt=%d %s\n", e.Seq, e.LoggedAt.Format(time.RFC3339), e.StepName, e.Attempt, describeEntry(e))
	}
	return nil
}

func describeEntry(e models.LogEntry) string {
	if e.Error == "" {
		return string(e.Status)
	}
	return fmt.Sprintf("%s %s: %s", e.Status, e.ErrorCode, e.Error)
}

func initStore(dbConnStr string) (*internal_storage.PostgresStore, error) {
	if dbConnStr == "" {
		return nil, errors.New("no database configured: pass --db, set DATABASE_URL or use --memory")
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	return store, nil
}
