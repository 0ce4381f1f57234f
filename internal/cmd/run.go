package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/backend/factory"
	"github.com/harrison/looper/internal/backend/protocol"
	"github.com/harrison/looper/internal/backend/script"
	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/config"
	"github.com/harrison/looper/internal/executor"
	"github.com/harrison/looper/internal/feedback"
	"github.com/harrison/looper/internal/logger"
	"github.com/harrison/looper/internal/metrics"
	"github.com/harrison/looper/internal/models"
	"github.com/harrison/looper/internal/session"
	"github.com/harrison/looper/internal/stopfile"
)

// sessionFinishTimeout bounds the flush of queued history entries.
const sessionFinishTimeout = 10 * time.Second

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Run a subagent until the task is complete",
		Long: `Run hands the instruction to a subagent and keeps iterating until the
subagent marks the task complete, the iteration budget is used up, or the
run fails, times out, is rate limited too often or is cancelled.

Configuration is loaded from .looper/config.yaml if present, then from
LOOPER_* environment variables. CLI flags override both.

Create the stop file (default .looper/STOP) from another shell to cancel
a run gracefully.

Exit codes:
  0  COMPLETED
  1  FAILED (or the run could not start)
  2  CANCELLED
  3  TIMEOUT
  4  RATE_LIMITED

Examples:
  looper run "make the failing parser tests pass"
  looper run --subagent codex --backend protocol --max-iterations 5 "add pagination"
  looper run --file task.md --max-iterations -1 --timeout 2h
  looper run --metrics-addr :9464 --log-level debug "upgrade dependencies"`,
		RunE: runCommand,
	}

	cmd.Flags().StringP("file", "f", "", "Read the instruction from a file")
	cmd.Flags().StringP("subagent", "s", "", "Subagent to drive (claude, cursor, codex, gemini)")
	cmd.Flags().StringP("backend", "b", "", "Backend to use (protocol, script)")
	cmd.Flags().IntP("max-iterations", "n", 0, "Iteration budget (-1 = unbounded)")
	cmd.Flags().StringP("model", "m", "", "Model passed to the subagent")
	cmd.Flags().String("server-name", "", "Backend routing hint")
	cmd.Flags().String("timeout", "", "Maximum run time (e.g., 30m, 2h, 1h30m; 0 = none)")
	cmd.Flags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("log-dir", "", "Directory for run log files")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().String("sessions-db", "", "Session database path")
	cmd.Flags().Bool("no-session", false, "Do not record this run in the session database")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	instruction, err := readInstruction(cmd, args)
	if err != nil {
		return err
	}

	env, err := loadEnvironment(cmd)
	if err != nil {
		return err
	}
	overrides, err := runFlagOverrides(cmd)
	if err != nil {
		return err
	}
	env.cfg.MergeWithFlags(overrides)
	if err := env.finalize(); err != nil {
		return err
	}
	cfg := env.cfg

	subagentFlag, _ := cmd.Flags().GetString("subagent")
	backendFlag, _ := cmd.Flags().GetString("backend")
	selector := backend.NewSelector(cfg.Defaults.Backend, cfg.Defaults.Subagent)
	subagent, err := selector.ResolveSubagent(subagentFlag)
	if err != nil {
		return err
	}
	backendType, err := selector.ResolveBackendType(backendFlag)
	if err != nil {
		return err
	}

	req, err := models.NewExecutionRequest(models.RequestParams{
		Instruction:      instruction,
		Subagent:         subagent,
		Backend:          backendType,
		WorkingDirectory: env.workDir,
		MaxIterations:    cfg.Defaults.MaxIterations,
		Model:            cfg.Defaults.Model,
		ServerName:       cfg.Defaults.ServerName,
	})
	if err != nil {
		return err
	}

	// Loggers
	console := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	loggers := logger.Multi{console}
	fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		console.Warnf("File logging disabled: %v", err)
	} else {
		defer fileLog.Close()
		loggers = append(loggers, fileLog)
		console.Debugf("Run log: %s", fileLog.Path())
	}
	var log logger.RunLogger = loggers

	opts, err := backendOptions(cfg, env, subagent, log)
	if err != nil {
		return err
	}
	b, err := factory.New(backendType, opts)
	if err != nil {
		return err
	}

	engine, err := executor.New(engineConfig(cfg, log), b)
	if err != nil {
		return err
	}
	defer engine.Shutdown()
	attachLogger(engine, log, req.MaxIterations)

	reportOpenFeedback(cmd.Context(), cfg.FeedbackFile, log)

	// Session recording
	var recorder *session.Recorder
	noSession, _ := cmd.Flags().GetBool("no-session")
	if cfg.SessionsDB != "" && !noSession {
		store, err := session.NewStore(cfg.SessionsDB)
		if err != nil {
			log.Warnf("Session recording disabled: %v", err)
		} else {
			defer store.Close()
			sess, err := store.CreateSession(cmd.Context(), session.DescriptorFor(req))
			if err != nil {
				log.Warnf("Session recording disabled: %v", err)
			} else {
				recorder = session.NewRecorder(store, sess.ID, 0, log)
				recorder.Attach(engine)
				log.Infof("Session %s", sess.ID)
			}
		}
	}

	// Metrics
	var metricsServer *metrics.Server
	metricsRec := metrics.NewRecorder()
	metricsRec.Attach(engine, req)
	if cfg.MetricsAddr != "" {
		metricsServer, err = metrics.Listen(cfg.MetricsAddr, metricsRec)
		if err != nil {
			return err
		}
		log.Infof("Serving metrics on http://%s/metrics", metricsServer.Addr())
	}

	// Stop file
	var watcher *stopfile.Watcher
	if cfg.StopFile != "" {
		watcher, err = stopfile.New(cfg.StopFile)
		if err != nil {
			log.Warnf("Stop file disabled: %v", err)
		} else {
			defer watcher.Close()
			if removed, err := watcher.ClearStale(); err != nil {
				log.Warnf("%v", err)
			} else if removed {
				log.Infof("Removed stale stop file %s", watcher.Path())
			}
		}
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	startedAt := time.Now()
	result, err := execute(ctx, engine, req, metricsRec, metricsServer, watcher, log)

	if recorder != nil {
		recorded := result
		if err != nil {
			recorded = startFailure(req, startedAt, err)
		}
		finishCtx, cancel := context.WithTimeout(context.Background(), sessionFinishTimeout)
		if ferr := recorder.Finish(finishCtx, recorded); ferr != nil {
			log.Warnf("Failed to complete session %s: %v", recorder.SessionID(), ferr)
		}
		cancel()
	}
	if err != nil {
		return err
	}

	log.LogSummary(result)
	if code := ExitCode(result.Status); code != 0 {
		return &ExitError{Code: code, Status: result.Status}
	}
	return nil
}

// execute runs the engine alongside the metrics server and the stop file
// watcher. The helpers stop when the run ends; a stop file cancels the run.
func execute(
	ctx context.Context,
	engine *executor.Engine,
	req models.ExecutionRequest,
	rec *metrics.Recorder,
	server *metrics.Server,
	watcher *stopfile.Watcher,
	log logger.RunLogger,
) (*models.ExecutionResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	var result *models.ExecutionResult
	g.Go(func() error {
		defer stopAux()
		rec.RunStarted()
		res, err := engine.Execute(gctx, req)
		rec.RunFinished(res)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if server != nil {
		g.Go(func() error {
			if err := server.Serve(auxCtx); err != nil {
				log.Warnf("%v", err)
			}
			return nil
		})
	}

	if watcher != nil {
		g.Go(func() error {
			err := watcher.Wait(auxCtx)
			if err != nil {
				log.Warnf("Stop file %s detected, cancelling run", watcher.Path())
			}
			return err
		})
	}

	err := g.Wait()
	if errors.Is(err, stopfile.ErrStopRequested) {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("run ended without a result")
	}
	return result, nil
}

// startFailure describes a run that never reached the iteration loop.
func startFailure(req models.ExecutionRequest, startedAt time.Time, err error) *models.ExecutionResult {
	ie := &models.IterationError{Kind: models.KindConfiguration, Classification: string(models.KindConfiguration), Message: err.Error()}
	if ce, ok := models.AsClassified(err); ok {
		ie = models.NewIterationError(ce)
	}
	return &models.ExecutionResult{
		RequestID:  req.RequestID,
		Status:     models.StatusFailed,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Error:      ie,
	}
}

func readInstruction(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("cannot use both --file and an inline instruction")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read instruction file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	instruction := strings.TrimSpace(strings.Join(args, " "))
	if instruction == "" {
		return "", fmt.Errorf("an instruction is required (inline or with --file)")
	}
	return instruction, nil
}

// runFlagOverrides collects the flags the user actually set.
func runFlagOverrides(cmd *cobra.Command) (config.FlagOverrides, error) {
	var f config.FlagOverrides
	flags := cmd.Flags()

	if flags.Changed("max-iterations") {
		v, _ := flags.GetInt("max-iterations")
		f.MaxIterations = &v
	}
	if flags.Changed("timeout") {
		s, _ := flags.GetString("timeout")
		v, err := time.ParseDuration(s)
		if err != nil {
			return f, fmt.Errorf("invalid timeout format %q: %w", s, err)
		}
		f.Timeout = &v
	}
	for name, dst := range map[string]**string{
		"model":        &f.Model,
		"server-name":  &f.ServerName,
		"log-level":    &f.LogLevel,
		"log-dir":      &f.LogDir,
		"metrics-addr": &f.MetricsAddr,
		"sessions-db":  &f.SessionsDB,
	} {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = &v
		}
	}
	return f, nil
}

func engineConfig(cfg *config.Config, log logger.RunLogger) executor.Config {
	ec := executor.DefaultConfig()
	ec.Timeout = cfg.Timeout
	ec.Backoff = budget.BackoffConfig{
		BaseDelay:      cfg.RateLimit.BaseDelay,
		MaxDelay:       cfg.RateLimit.MaxDelay,
		MaxConsecutive: cfg.RateLimit.MaxConsecutive,
		MaxWait:        cfg.RateLimit.MaxWait,
	}
	ec.CountdownInterval = cfg.RateLimit.CountdownInterval
	ec.Logger = log
	ec.WaiterLogger = log
	return ec
}

func backendOptions(cfg *config.Config, env *environment, subagent models.Subagent, log logger.RunLogger) (factory.Options, error) {
	var extraEnv []string
	if cfg.FeedbackFile != "" {
		extraEnv = append(extraEnv, "LOOPER_FEEDBACK_FILE="+cfg.FeedbackFile)
	}

	tools, err := subagentMap(cfg.Protocol.Tools, "protocol.tools")
	if err != nil {
		return factory.Options{}, err
	}
	scripts, err := subagentMap(cfg.Script.Paths, "script.paths")
	if err != nil {
		return factory.Options{}, err
	}

	return factory.Options{
		Protocol: protocol.Config{
			Command:        cfg.Protocol.Command,
			Args:           cfg.Protocol.Args,
			Env:            append(append([]string(nil), cfg.Protocol.Env...), extraEnv...),
			Dir:            env.workDir,
			Tools:          tools,
			ConnectTimeout: cfg.Protocol.ConnectTimeout,
			CallTimeout:    cfg.Protocol.CallTimeout,
			RetryAttempts:  cfg.Protocol.RetryAttempts,
			RetryDelay:     cfg.Protocol.RetryDelay,
			GracePeriod:    cfg.Protocol.GracePeriod,
		},
		Script: script.Config{
			ScriptsDir:  cfg.Script.Dir,
			Scripts:     scripts,
			Subagent:    subagent,
			Timeout:     cfg.Script.Timeout,
			GracePeriod: cfg.Script.GracePeriod,
			TmpDir:      filepath.Join(env.home, "tmp"),
			Env:         extraEnv,
		},
		Version: Version,
		Logger:  log,
	}, nil
}

func subagentMap(in map[string]string, key string) (map[models.Subagent]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[models.Subagent]string, len(in))
	for name, v := range in {
		s, err := models.ParseSubagent(name)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry: %w", key, err)
		}
		out[s] = v
	}
	return out, nil
}

// reportOpenFeedback mentions unresolved feedback so the operator knows
// the subagent will see it.
func reportOpenFeedback(ctx context.Context, path string, log logger.RunLogger) {
	if path == "" {
		return
	}
	open, err := feedback.NewStore(path).Open(ctx)
	if err != nil {
		log.Warnf("Cannot read feedback file: %v", err)
		return
	}
	if len(open) > 0 {
		log.Infof("%d open feedback entr%s in %s", len(open), plural(len(open), "y", "ies"), path)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
