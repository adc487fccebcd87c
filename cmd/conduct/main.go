// conduct is the workflow engine daemon and CLI: it submits and executes
// LLM-driven task graphs against a local libSQL store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodelab/conduct/internal/cron"
	"github.com/nodelab/conduct/internal/engine"
	"github.com/nodelab/conduct/internal/executors"
	"github.com/nodelab/conduct/internal/expressions"
	"github.com/nodelab/conduct/internal/llm"
	"github.com/nodelab/conduct/internal/logging"
	"github.com/nodelab/conduct/internal/mcptool"
	"github.com/nodelab/conduct/internal/recovery"
	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/internal/state"
	"github.com/nodelab/conduct/internal/tools"
	"github.com/nodelab/conduct/pkg/schema"
)

const usage = `usage: conduct <command> [args]

commands:
  run <graph.json>       submit a graph payload and execute it to completion
  resume <workflow-id>   resume a paused workflow
  status <workflow-id>   print the state of a workflow
  list                   list known workflows
  schedule <cron> <graph.json>   register a recurring submission
  serve                  run the recurring-job scheduler until interrupted
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// app wires the repository, tool registry, engine and scheduler.
type app struct {
	cfg       Config
	logger    *slog.Logger
	repo      state.Repository
	engine    *engine.Engine
	scheduler *cron.Scheduler
	mcp       *mcptool.Provider
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(conductDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create conduct dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	repo, err := state.NewLibSQLRepository("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(context.Background()); err != nil {
		repo.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	registry := router.NewRegistry()
	var mcp *mcptool.Provider
	if cfg.MCPServer != nil {
		mcp, err = mcptool.NewProvider(*cfg.MCPServer, logger)
		if err != nil {
			repo.Close()
			return nil, err
		}
		if err := mcp.Connect(context.Background()); err != nil {
			repo.Close()
			return nil, err
		}
		if _, err := mcp.RegisterAll(context.Background(), registry); err != nil {
			repo.Close()
			return nil, err
		}
	} else {
		if err := tools.RegisterBuiltin(registry); err != nil {
			repo.Close()
			return nil, err
		}
	}

	var model llm.ModelClient
	if cfg.OpenAIKey != "" {
		model, err = llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel})
		if err != nil {
			repo.Close()
			return nil, err
		}
	} else {
		// Without a model key, execution nodes fail cleanly when asked.
		logger.Warn("no OpenAI key configured; execution nodes will fail")
		model = llm.NewScriptedClient(true)
	}

	runners := executors.NewSet(executors.Deps{
		Model:     model,
		Recoverer: recovery.New(recovery.Config{}),
		Router:    router.New(registry, router.Config{DefaultDir: cfg.WorkDir}, logger),
		Expr:      expressions.NewExprEngine(),
		JQ:        expressions.NewGoJQEngine(),
		Logger:    logger,
	})

	eng, err := engine.New(repo, runners, engine.Config{PoolSize: cfg.PoolSize}, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		engine:    eng,
		scheduler: cron.NewScheduler(repo, eng, logger),
		mcp:       mcp,
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	if a.mcp != nil {
		_ = a.mcp.Close()
	}
	_ = a.repo.Close()
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		if len(args) != 1 {
			return fmt.Errorf("run expects exactly one graph file")
		}
		return a.runGraph(ctx, args[0])
	case "resume":
		if len(args) != 1 {
			return fmt.Errorf("resume expects a workflow id")
		}
		result, err := a.engine.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(result)
	case "status":
		if len(args) != 1 {
			return fmt.Errorf("status expects a workflow id")
		}
		view, err := a.engine.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(view)
	case "list":
		workflows, err := a.repo.ListWorkflows(ctx, state.WorkflowFilter{})
		if err != nil {
			return err
		}
		for _, wf := range workflows {
			fmt.Printf("%s  %-10s  %s\n", wf.ID, wf.Status, wf.Name)
		}
		return nil
	case "schedule":
		if len(args) != 2 {
			return fmt.Errorf("schedule expects a cron expression and a graph file")
		}
		payload, name, err := loadPayload(args[1])
		if err != nil {
			return err
		}
		jobID, err := a.scheduler.AddJob(ctx, name, args[0], payload, nil)
		if err != nil {
			return err
		}
		fmt.Println(jobID)
		return nil
	case "serve":
		return a.serve(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) runGraph(ctx context.Context, path string) error {
	payload, name, err := loadPayload(path)
	if err != nil {
		return err
	}
	workflowID, err := a.engine.Submit(ctx, name, payload, nil)
	if err != nil {
		return err
	}
	a.logger.Info("workflow submitted", slog.String("workflow_id", workflowID))

	result, err := a.engine.Run(ctx, workflowID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (a *app) serve(ctx context.Context) error {
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Error("recover missed jobs", slog.String("error", err.Error()))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.scheduler.Stop()
}

func loadPayload(path string) (*schema.GraphPayload, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read graph file: %w", err)
	}
	var payload schema.GraphPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, "", fmt.Errorf("parse graph file: %w", err)
	}
	name := ""
	if n, ok := payload.Metadata["name"].(string); ok {
		name = n
	}
	return &payload, name, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
