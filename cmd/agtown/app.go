package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haricheung/agent-town/internal/bus"
	"github.com/haricheung/agent-town/internal/config"
	"github.com/haricheung/agent-town/internal/llm"
	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/planparse"
	"github.com/haricheung/agent-town/internal/planstore"
	"github.com/haricheung/agent-town/internal/roles/memory"
	"github.com/haricheung/agent-town/internal/roles/planner"
	"github.com/haricheung/agent-town/internal/tasklog"
	"github.com/haricheung/agent-town/internal/world"
)

// app holds everything the subcommands share. Fields are built lazily so
// read-only commands never need LLM credentials.
type app struct {
	cfg     *config.Config
	world   *world.World
	bus     *bus.Bus
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	store   planstore.Store

	mem     *memory.Store
	chat    *llm.Client
	logFile io.Closer
}

// load reads the config, installs the slog handler and opens the plan store
// and world seed.
func load(cli *CLI) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	a := &app{cfg: cfg}
	if a.logFile, err = setupLogging(cfg); err != nil {
		return nil, err
	}
	a.reg, a.metrics = metrics.NewRegistry()
	a.bus = bus.New().WithMetrics(a.metrics)

	if a.world, err = world.Load(cfg.World.ID, cfg.World.SeedFile); err != nil {
		a.close()
		return nil, err
	}
	if a.store, err = openStore(cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg *config.Config) (planstore.Store, error) {
	path := cfg.Path(cfg.Storage.PlansDB)
	if path == "" || path == ":memory:" {
		slog.Info("[PLANSTORE] using in-memory plan store")
		return planstore.NewMemStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return planstore.NewSQLiteStore(path)
}

// setupLogging installs the default slog logger. The returned closer is nil
// when logging to stderr.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.Log.File != "" {
		path := cfg.Path(cfg.Log.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(out, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(h))
	return closer, nil
}

// memoryStore opens the LevelDB memory store backed by the embedding tier.
func (a *app) memoryStore() (*memory.Store, error) {
	if a.mem != nil {
		return a.mem, nil
	}
	emb := llm.NewTier(a.cfg.LLM.EmbedTier).
		WithDefaults("", 0, a.cfg.LLM.Timeout.Duration).
		WithRetry(a.llmRetry())
	path := a.cfg.Path(a.cfg.Storage.MemoryDB)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	m, err := memory.Open(path, emb, a.metrics)
	if err != nil {
		return nil, err
	}
	a.mem = m
	return m, nil
}

// reflector builds the plan reflector. It needs a configured chat tier.
func (a *app) reflector() (*planner.Reflector, error) {
	if a.chat == nil {
		c := llm.NewTier(a.cfg.LLM.Tier).
			WithDefaults(a.cfg.LLM.Model, a.cfg.LLM.MaxTokens, a.cfg.LLM.Timeout.Duration).
			WithRetry(a.llmRetry())
		if err := c.Validate(); err != nil {
			return nil, err
		}
		a.chat = c
	}
	mem, err := a.memoryStore()
	if err != nil {
		return nil, err
	}
	format, err := planparse.ParseFormat(a.cfg.Planner.Format)
	if err != nil {
		return nil, err
	}
	pc := a.cfg.Planner
	company := pc.Company
	if company == "" {
		company = a.world.Company()
	}
	p := planner.New(a.chat, memory.NewGateway(mem), planner.Config{
		MaxDepth:          pc.MaxDepth,
		MaxRoots:          pc.MaxRoots,
		MaxRetries:        pc.MaxRetries,
		Format:            format,
		Fallback:          pc.Fallback,
		MemoriesPerTask:   pc.MemoriesPerTask,
		MemoryConcurrency: pc.MemoryConcurrency,
		MaxTokens:         a.cfg.LLM.MaxTokens,
		Company:           company,
	}, a.metrics)
	logs := tasklog.NewRegistry(a.cfg.Path(a.cfg.Storage.TaskLogs))
	return planner.NewReflector(p, a.world, a.store, logs).WithPublisher(a.bus), nil
}

func (a *app) llmRetry() llm.Retry {
	return llm.Retry{Max: a.cfg.LLM.Retries, Initial: a.cfg.LLM.RetryBackoff.Duration}
}

// serveMetrics starts the Prometheus endpoint when configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.Metrics.Listen, a.reg); err != nil {
			slog.Error("[METRICS] server stopped", "error", err)
		}
	}()
}

// resolveAgent accepts an agent id or display name.
func (a *app) resolveAgent(name string) (world.Agent, error) {
	ag, ok := a.world.Agent(name)
	if !ok {
		return world.Agent{}, fmt.Errorf("%w: %s (known: %v)", world.ErrUnknownAgent, name, a.world.AgentNames())
	}
	return ag, nil
}

func (a *app) close() {
	if a.mem != nil {
		if err := a.mem.Close(); err != nil {
			slog.Warn("[MEMORY] close", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("[PLANSTORE] close", "error", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}
