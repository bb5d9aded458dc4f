package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/wrangler/internal/config"
	"github.com/cloud-shuttle/wrangler/internal/db"
	"github.com/cloud-shuttle/wrangler/internal/dispatch"
	"github.com/cloud-shuttle/wrangler/internal/events"
	"github.com/cloud-shuttle/wrangler/internal/executor"
	"github.com/cloud-shuttle/wrangler/internal/git"
	"github.com/cloud-shuttle/wrangler/internal/merge"
	"github.com/cloud-shuttle/wrangler/internal/project"
	"github.com/cloud-shuttle/wrangler/internal/tracker"
	"github.com/cloud-shuttle/wrangler/internal/webhooks"
	"github.com/cloud-shuttle/wrangler/internal/workflow"
	"github.com/cloud-shuttle/wrangler/pkg/types"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Wrangler in the current repository",
		Long: `Initialize Wrangler in the current repository.

Creates a .wrangler directory holding the SQLite store, agent transcripts,
run summaries and project memory, and writes a default .wrangler.toml.

Durable execution:
- Default: iterations run inline; an interrupted run resumes at its last
  unfinished iteration
- Set DBOS_SYSTEM_DATABASE_URL to run each iteration as a DBOS workflow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			stateDir := filepath.Join(dir, config.StateDirName)
			if _, err := os.Stat(stateDir); err == nil {
				return fmt.Errorf("already initialized in %s", stateDir)
			}
			if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
				return fmt.Errorf("%s is not the root of a git repository", dir)
			}

			if err := config.EnsureStateDir(dir); err != nil {
				return err
			}

			store, err := db.Open(filepath.Join(stateDir, "wrangler.db"))
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()

			if err := store.InitSchema(); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}

			proj := project.DefaultConfig()
			proj.SetPath(dir)
			if _, err := os.Stat(proj.ConfigPath()); os.IsNotExist(err) {
				if err := proj.Save(); err != nil {
					return err
				}
				fmt.Printf("📝 Wrote %s\n", project.FileName)
			}

			fmt.Printf("🐂 Initialized Wrangler in %s\n", stateDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  Write your objective to a markdown file, then:")
			fmt.Println("  wrangler run objective.md")
			return nil
		},
	}
}

// runFlags are the overrides shared by run and resume
type runFlags struct {
	workers       int
	maxIterations int
	verbose       bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Maximum concurrent workers")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "Maximum iterations for this run")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose logging for debugging")
}

// loadRunConfig layers .wrangler.toml and the command flags over the
// environment configuration
func loadRunConfig(projectDir string, flags runFlags) (*config.Config, error) {
	runCfg := *cfg
	runCfg.ProjectDir = projectDir
	runCfg.Webhooks = append([]config.Webhook(nil), cfg.Webhooks...)

	proj, err := project.Load(projectDir)
	if err != nil {
		return nil, err
	}
	proj.MergeInto(&runCfg)

	if flags.workers > 0 {
		runCfg.Workers = flags.workers
	}
	if flags.maxIterations > 0 {
		runCfg.MaxIterations = flags.maxIterations
	}
	if flags.verbose {
		runCfg.Verbose = true
	}

	if err := runCfg.Validate(); err != nil {
		return nil, err
	}
	return &runCfg, nil
}

func runCmd() *cobra.Command {
	var (
		flags      runFlags
		branch     string
		rootItemID string
	)

	command := &cobra.Command{
		Use:   "run <objective.md>",
		Short: "Start a run for an objective",
		Long: `Start a run that drives the objective in the given markdown file to
completion.

Work is merged into an integration branch created from the current branch.
Use --branch to name it; otherwise it is derived from the objective title.
If the latest run is still marked running it is resumed instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			runCfg, err := loadRunConfig(projectDir, flags)
			if err != nil {
				return err
			}

			if run, err := store.LatestRunning(); err == nil {
				fmt.Printf("🔄 Resuming run %s (use 'wrangler abort' to discard it)\n", run.ID)
				return executeRun(runCfg, store, run)
			} else if !errors.Is(err, db.ErrNotFound) {
				return err
			}

			if len(args) == 0 {
				return fmt.Errorf("an objective file is required to start a run")
			}
			if rootItemID != "" {
				if err := tracker.ValidateID(rootItemID); err != nil {
					return err
				}
			}

			run, err := startRun(cmd.Context(), runCfg, store, args[0], branch, rootItemID)
			if err != nil {
				return err
			}
			return executeRun(runCfg, store, run)
		},
	}

	flags.register(command)
	command.Flags().StringVarP(&branch, "branch", "b", "", "Integration branch name")
	command.Flags().StringVar(&rootItemID, "root-work-item", "", "Tracker work item the run reports progress to")
	return command
}

// startRun records a new run and creates its integration branch from the
// current branch
func startRun(ctx context.Context, runCfg *config.Config, store *db.Store, objectivePath, branch, rootItemID string) (*types.Run, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	data, err := os.ReadFile(objectivePath)
	if err != nil {
		return nil, fmt.Errorf("reading objective: %w", err)
	}
	objective := strings.TrimSpace(string(data))
	if objective == "" {
		return nil, fmt.Errorf("objective %s is empty", objectivePath)
	}
	if abs, err := filepath.Abs(objectivePath); err == nil {
		objectivePath = abs
	}

	gw := git.NewCLI(runCfg.ProjectDir)
	base, err := gw.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = git.IntegrationBranchName(ctx, gw, git.TitleFromObjective(objective))
	}
	if err := git.EnsureIntegrationBranch(ctx, gw, branch, base); err != nil {
		return nil, err
	}

	run := &types.Run{
		ObjectivePath:     objectivePath,
		Objective:         objective,
		RootWorkItemID:    rootItemID,
		IntegrationBranch: branch,
		Config: map[string]any{
			"workers":           runCfg.Workers,
			"max_iterations":    runCfg.MaxIterations,
			"agent":             runCfg.AgentType,
			"retry_attempts":    runCfg.RetryAttempts,
			"resolution_rounds": runCfg.ResolutionRounds,
			"base_branch":       base,
		},
	}
	if err := store.CreateRun(run); err != nil {
		return nil, err
	}

	fmt.Printf("🐂 Started run %s on %s (from %s)\n", run.ID, branch, base)
	return run, nil
}

func resumeCmd() *cobra.Command {
	var flags runFlags

	command := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume a paused or interrupted run",
		Long: `Resume the latest run (or the given one) if it is running or paused.

The run continues at its next iteration. An iteration that was interrupted
part-way is re-run; with DBOS enabled its finished steps are replayed from
the workflow record instead of being executed again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			runCfg, err := loadRunConfig(projectDir, flags)
			if err != nil {
				return err
			}

			run, err := selectRun(store, args)
			if err != nil {
				return err
			}
			if run.Status != types.RunStatusRunning && run.Status != types.RunStatusPaused {
				return fmt.Errorf("run %s is %s and cannot be resumed", run.ID, run.Status)
			}
			if err := store.UpdateRunStatus(run.ID, types.RunStatusRunning); err != nil {
				return err
			}

			fmt.Printf("🔄 Resuming run %s on %s\n", run.ID, run.IntegrationBranch)
			return executeRun(runCfg, store, run)
		},
	}

	flags.register(command)
	return command
}

// executeRun wires the loop for runCfg and drives run until it stops
func executeRun(runCfg *config.Config, store *db.Store, run *types.Run) error {
	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\n🛑 Interrupt received, stopping after cleanup...")
		interrupted.Store(true)
		cancel()
		// Stop listening for signals after first interrupt
		signal.Stop(sigCh)
	}()
	defer signal.Stop(sigCh)

	agent, err := executor.NewAgent(&executor.AgentConfig{
		Type:    runCfg.AgentType,
		Path:    runCfg.AgentPath,
		Timeout: runCfg.TaskTimeout,
		Stream:  runCfg.Stream,
		Verbose: runCfg.Verbose,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	if err := agent.CheckInstalled(); err != nil {
		return err
	}

	bus := events.NewBus()
	persisted := bus.Forward("store", events.EventFilter{RunID: run.ID}, func(e *events.Event) {
		if err := store.RecordEvent(e); err != nil && runCfg.Verbose {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to record event %s: %v\n", e.Type, err)
		}
	})
	notified := func() {}
	if len(runCfg.Webhooks) > 0 {
		notifier := webhooks.NewNotifier(webhookEndpoints(runCfg.Webhooks))
		notifier.SetVerbose(runCfg.Verbose)
		notified = bus.Forward("webhooks", events.EventFilter{RunID: run.ID}, func(e *events.Event) {
			notifier.Notify(context.Background(), e)
		})
		fmt.Printf("📡 Posting events to %d webhooks\n", notifier.Len())
	}
	defer func() {
		bus.Close()
		persisted()
		notified()
	}()

	gw := git.NewCLI(runCfg.ProjectDir)
	workspaces := git.NewWorkspaceManager(gw, git.Naming{Prefix: runCfg.BranchPrefix, IsolateRun: runCfg.IsolateRun})
	workspaces.SetRecorder(store)
	workspaces.SetVerbose(runCfg.Verbose)

	transcripts := executor.NewTranscripts(runCfg.OutputsDir())
	worker := executor.NewExecutorWorker(agent, nil)
	worker.SetProjectGuidelines(runCfg.Guidelines)
	worker.SetTranscripts(transcripts)

	dispatcher := dispatch.New(worker, runCfg.Workers)
	dispatcher.SetVerbose(runCfg.Verbose)

	merger := merge.NewCoordinator(gw, runCfg.MergePolicy())
	merger.SetResolver(executor.NewConflictResolver(agent, runCfg.ProjectDir))
	merger.SetVerbose(runCfg.Verbose)

	deps := workflow.Deps{
		Store:       store,
		Workspaces:  workspaces,
		Dispatcher:  dispatcher,
		Merger:      merger,
		Planner:     executor.NewPlanner(agent, runCfg.ProjectDir),
		Verifier:    executor.NewVerifier(agent, runCfg.ProjectDir),
		Specialists: executor.DefaultSpecialists(agent, runCfg.ProjectDir, runCfg.Specialists...),
		Transcripts: transcripts,
		Bus:         bus,
	}
	if run.RootWorkItemID != "" {
		trc := tracker.NewClient(runCfg.ProjectDir, runCfg.TrcPath)
		trc.SetVerbose(runCfg.Verbose)
		if err := trc.CheckInstalled(); err != nil {
			return fmt.Errorf("run reports to %s: %w", run.RootWorkItemID, err)
		}
		deps.Tracker = trc
	}

	opts := workflow.Options{
		MaxIterations: runCfg.MaxIterations,
		MaxWorkers:    runCfg.Workers,
		Retry:         runCfg.RetryPolicy(),
		Guidelines:    runCfg.Guidelines,
		MemoryPath:    runCfg.MemoryPath(),
		SummariesDir:  runCfg.SummariesDir(),
		Verbose:       runCfg.Verbose,
	}
	engine := workflow.NewEngine(deps, opts)

	var runner workflow.IterationRunner = engine
	if runCfg.DBOSURL != "" {
		fmt.Println("🐂 Using DBOS workflow engine (PostgreSQL)")
		dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     "wrangler",
			DatabaseURL: runCfg.DBOSURL,
		})
		if err != nil {
			return fmt.Errorf("initializing DBOS: %w", err)
		}
		// Workflows must be registered before Launch
		runner = workflow.NewDurableRunner(dbosCtx, engine)
		if err := dbos.Launch(dbosCtx); err != nil {
			return fmt.Errorf("launching DBOS: %w", err)
		}
		defer dbos.Shutdown(dbosCtx, 5*time.Second)
	}

	controller := workflow.NewController(store, runner, opts)
	controller.SetEventBus(bus)

	res, err := controller.Run(ctx, run)
	if res != nil && res.State == types.LoopAborted && interrupted.Load() {
		// A signal is not an operator abort; leave the run resumable
		if err := store.UpdateRunStatus(run.ID, types.RunStatusPaused); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to mark run paused: %v\n", err)
		}
		res.State = types.LoopPaused
		fmt.Println("💡 Run paused; continue with 'wrangler resume'")
	}
	if res != nil {
		printResult(res)
	}
	return err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the state of the latest run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := selectRun(store, args)
			if errors.Is(err, db.ErrNotFound) {
				fmt.Println("No runs yet. Start one with 'wrangler run <objective.md>'")
				return nil
			}
			if err != nil {
				return err
			}

			iterations, err := store.ListIterations(run.ID)
			if err != nil {
				return err
			}
			worktrees, err := store.ListWorktrees(run.ID)
			if err != nil {
				return err
			}
			pending, err := store.UnconsumedInputs(run.ID)
			if err != nil {
				return err
			}

			printStatus(run, iterations, worktrees, pending)
			return nil
		},
	}
}

// signalCmd builds a command that records a control signal for the active run
func signalCmd(kind types.HumanInputType, use, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := activeRun(store)
			if err != nil {
				return err
			}
			if _, err := store.AddHumanInput(run.ID, kind, ""); err != nil {
				return err
			}
			fmt.Printf(done+"\n", run.ID)
			return nil
		},
	}
}

func pauseCmd() *cobra.Command {
	return signalCmd(types.HumanInputPause, "pause", "Pause the active run at the next iteration boundary",
		"⏸️  Run %s will pause after the current iteration")
}

func abortCmd() *cobra.Command {
	return signalCmd(types.HumanInputAbort, "abort", "Abort the active run at the next iteration boundary",
		"🛑 Run %s will abort after the current iteration")
}

func commentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <text>",
		Short: "Pass a comment to the planner and workers of the next iteration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := activeRun(store)
			if err != nil {
				return err
			}

			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("comment is empty")
			}
			if op := config.GetOperator(); op != "" {
				text = op + ": " + text
			}
			if _, err := store.AddHumanInput(run.ID, types.HumanInputComment, text); err != nil {
				return err
			}
			fmt.Printf("💬 Comment queued for run %s\n", run.ID)
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var verbose bool

	command := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove worktrees and task branches left by interrupted runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			if run, err := store.LatestRunning(); err == nil {
				return fmt.Errorf("run %s is still running; pause or abort it first", run.ID)
			}

			ctx := context.Background()
			runCfg := *cfg
			runCfg.ProjectDir = projectDir
			if proj, err := project.Load(projectDir); err == nil {
				proj.MergeInto(&runCfg)
			}

			gw := git.NewCLI(projectDir)
			recorded, err := store.ListWorktrees("")
			if err != nil {
				return err
			}

			removed := 0
			for _, wt := range recorded {
				if res := gw.RemoveWorkspace(ctx, wt.Path, true); !res.OK && verbose {
					fmt.Printf("⚠️  %s: %s\n", wt.Path, strings.TrimSpace(res.Output))
				}
				_ = os.RemoveAll(wt.Path)
				gw.DeleteBranch(ctx, wt.Branch, true)
				if err := store.DeleteWorktree(wt.TaskID, wt.RunID); err != nil {
					return err
				}
				fmt.Printf("🧹 Removed %s (%s)\n", wt.Path, wt.Branch)
				removed++
			}
			gw.Prune(ctx)

			workspaces := git.NewWorkspaceManager(gw, git.Naming{Prefix: runCfg.BranchPrefix, IsolateRun: runCfg.IsolateRun})
			workspaces.SetVerbose(verbose)
			removed += workspaces.SweepAbandoned(ctx)

			if removed == 0 {
				fmt.Println("✅ Nothing to clean up")
			} else {
				fmt.Printf("✅ Removed %d worktrees and branches\n", removed)
			}
			return nil
		},
	}

	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show git output for failures")
	return command
}

func historyCmd() *cobra.Command {
	var (
		limit      int
		showEvents bool
		asJSON     bool
	)

	command := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or the iterations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				runs, err := store.ListRuns(limit)
				if err != nil {
					return err
				}
				printRuns(runs)
				return nil
			}

			run, err := store.GetRun(args[0])
			if err != nil {
				return err
			}
			iterations, err := store.ListIterations(run.ID)
			if err != nil {
				return err
			}
			outputs := make(map[int64][]*types.AgentOutput, len(iterations))
			for _, it := range iterations {
				list, err := store.ListAgentOutputs(it.ID)
				if err != nil {
					return err
				}
				outputs[it.ID] = list
			}
			printIterations(run, iterations, outputs)

			if showEvents {
				evs, err := store.ListEvents(events.EventFilter{RunID: run.ID})
				if err != nil {
					return err
				}
				fmt.Println()
				return printEvents(os.Stdout, evs, asJSON)
			}
			return nil
		},
	}

	command.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	command.Flags().BoolVarP(&showEvents, "events", "e", false, "Include the run's event log")
	command.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	return command
}

// printEvents writes one event per line, compact or as JSONL
func printEvents(w io.Writer, evs []*events.Event, asJSON bool) error {
	for _, e := range evs {
		if !asJSON {
			fmt.Fprintln(w, events.FormatEventCompact(e))
			continue
		}
		line, err := events.FormatEvent(e)
		if err != nil {
			return fmt.Errorf("formatting event %s: %w", e.ID, err)
		}
		fmt.Fprintln(w, string(line))
	}
	return nil
}

func webhookEndpoints(hooks []config.Webhook) []webhooks.Endpoint {
	endpoints := make([]webhooks.Endpoint, 0, len(hooks))
	for _, h := range hooks {
		ep := webhooks.Endpoint{URL: h.URL, Secret: h.Secret}
		for _, e := range h.Events {
			ep.Events = append(ep.Events, events.EventType(e))
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints
}

// selectRun returns the run named in args, or the latest run
func selectRun(store *db.Store, args []string) (*types.Run, error) {
	if len(args) > 0 {
		return store.GetRun(args[0])
	}
	return store.LatestRun()
}

// activeRun returns the run control signals apply to
func activeRun(store *db.Store) (*types.Run, error) {
	run, err := store.LatestRunning()
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("no active run")
	}
	return run, err
}
