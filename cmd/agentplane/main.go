// Agentplane control plane server: runs the scheduler, message router,
// agent registry, execution engine, lifecycle manager, and HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/conductor"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/events"
	"github.com/agentplane/agentplane/pkg/lifecycle"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/optimizer"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/router"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", ""),
		"Path to the YAML configuration file (built-in defaults when empty)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Configuration
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("Failed to load configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
		slog.Info("Loaded configuration", "path", *configPath)
	} else {
		cfg = config.Default()
		slog.Info("Using built-in configuration")
	}

	ctx := context.Background()

	// 2. Shared store
	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		redisStore, err := store.NewRedis(ctx, cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
		if err != nil {
			slog.Error("Failed to connect to redis", "addr", cfg.Store.Addr, "error", err)
			os.Exit(1)
		}
		st = redisStore
		slog.Info("Connected to redis", "addr", cfg.Store.Addr)
	default:
		st = store.NewMemory()
		slog.Info("Using in-memory store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 3. Core components
	bus := events.NewBus()
	metrics := telemetry.New()
	q := queue.New(st, &cfg.Queue, bus, metrics)
	reg := registry.New(st, bus, metrics, cfg.Scheduler.AgentHealthCheckInterval)
	conns := router.NewConnectionManager(&cfg.WebSocket, bus)
	rt := router.New(&cfg.Message, reg, conns, bus, metrics)
	cond := conductor.New(&cfg.Scheduler, q, reg, rt, bus, metrics)
	eng := engine.New(cfg.Queue.Concurrency, cfg.Resources, bus, metrics)
	lm := lifecycle.NewManager(&cfg.Scaling, bus)
	opt := optimizer.New(st, bus, cfg.Scaling.Interval)

	// 4. Cross-component wiring
	rt.SetStore(st)
	lm.SetStore(st)
	reg.OnUnregister(cond.OnAgentLost)
	disconnects := bus.Subscribe(64, events.AgentDisconnected)
	go func() {
		for ev := range disconnects {
			cond.OnAgentLost(ctx, ev.Subject)
		}
	}()

	// Fleet utilization drives autoscaling: the busy fraction of registered
	// agents, regardless of which deployment they came from.
	lm.SetUtilizationSource(func(string) (float64, bool) {
		agents := reg.Agents()
		if len(agents) == 0 {
			return 0, false
		}
		busy := 0
		for _, a := range agents {
			if a.Status == model.AgentStatusBusy {
				busy++
			}
		}
		return float64(busy) / float64(len(agents)) * 100, true
	})

	bindActuators(opt, lm, q, rt)

	// The engine delegates plan tasks to remote agents through the scheduler.
	eng.RegisterExecutor("*", newDispatchExecutor(cond, q, bus))

	// 5. One-time startup orphan cleanup, then background loops
	if reaped, err := q.ReapStale(ctx); err != nil {
		slog.Error("Startup orphan cleanup failed", "error", err)
	} else if len(reaped) > 0 {
		slog.Info("Requeued tasks orphaned by a previous run", "count", len(reaped))
	}

	q.Start(ctx)
	reg.Start()
	cond.Start(ctx)
	lm.Start()
	opt.Start()

	// 6. HTTP API
	server := api.New(api.Deps{
		Config:    cfg,
		Registry:  reg,
		Queue:     q,
		Conductor: cond,
		Router:    rt,
		Conns:     conns,
		Engine:    eng,
		Lifecycle: lm,
		Optimizer: opt,
		Metrics:   metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	bus.Publish(events.Initialized, "", map[string]any{"store": cfg.Store.Backend})
	slog.Info("Agentplane started",
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"max_concurrent_tasks", cfg.Scheduler.MaxConcurrentTasks)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop admitting work first, then drain the
	// scheduler, then tear down transports and background loops.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		cond.Stop()
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Scheduler drained")
	case <-shutdownCtx.Done():
		slog.Warn("Scheduler shutdown timeout exceeded, in-flight tasks will be reaped on restart")
	}

	opt.Stop()
	lm.Stop()
	rt.Stop()
	conns.Close()
	reg.Stop()
	eng.Close()
	bus.Publish(events.Shutdown, "", nil)
	bus.Close()

	slog.Info("Shutdown complete")
}

// bindActuators connects optimization actions to the components that carry
// them out.
func bindActuators(opt *optimizer.Optimizer, lm *lifecycle.Manager, q *queue.Queue, rt *router.Router) {
	scale := func(delta int) optimizer.ActuatorFunc {
		return func(ctx context.Context, action model.ActionSpec) error {
			id := action.Params["deployment"]
			dep, err := lm.Deployment(id)
			if err != nil {
				return err
			}
			return lm.Scale(ctx, id, dep.Replicas+delta, fmt.Sprintf("optimizer rule: %s", action.Type))
		}
	}
	opt.BindActuator(model.ActionScaleUp, scale(1))
	opt.BindActuator(model.ActionScaleDown, scale(-1))

	opt.BindActuator(model.ActionRebalance, optimizer.ActuatorFunc(
		func(ctx context.Context, action model.ActionSpec) error {
			promoted, err := q.PromoteDelayed(ctx)
			if err != nil {
				return err
			}
			slog.Info("Rebalance promoted delayed tasks", "count", promoted)
			return nil
		}))

	opt.BindActuator(model.ActionRestart, optimizer.ActuatorFunc(
		func(ctx context.Context, action model.ActionSpec) error {
			return lm.ApplyUpdate(ctx, action.Params["deployment"])
		}))

	opt.BindActuator(model.ActionAlert, optimizer.ActuatorFunc(
		func(ctx context.Context, action model.ActionSpec) error {
			payload, err := json.Marshal(action.Params)
			if err != nil {
				return err
			}
			return rt.Send(ctx, &model.Message{
				Type:    model.MessageSystem,
				From:    "optimizer",
				To:      []string{model.BroadcastTarget},
				Payload: payload,
			})
		}))
}

// taskScheduler is the slice of the conductor the dispatch executor needs.
type taskScheduler interface {
	SubmitTask(ctx context.Context, task *model.Task) (string, error)
	CancelTask(ctx context.Context, taskID string) error
}

// taskLoader fetches the stored record of a finished task.
type taskLoader interface {
	Task(ctx context.Context, id string) (*model.Task, error)
}

// dispatchExecutor runs plan tasks by submitting them to the scheduler and
// waiting for the matching completion or failure event.
type dispatchExecutor struct {
	cond  taskScheduler
	queue taskLoader

	mu      sync.Mutex
	waiters map[string]chan events.Event
}

func newDispatchExecutor(cond taskScheduler, q taskLoader, bus *events.Bus) *dispatchExecutor {
	d := &dispatchExecutor{cond: cond, queue: q, waiters: map[string]chan events.Event{}}
	outcomes := bus.Subscribe(256, events.TaskCompleted, events.TaskFailed)
	go func() {
		for ev := range outcomes {
			d.mu.Lock()
			if ch, ok := d.waiters[ev.Subject]; ok {
				delete(d.waiters, ev.Subject)
				ch <- ev
			}
			d.mu.Unlock()
		}
	}()
	return d
}

func (d *dispatchExecutor) Execute(ctx context.Context, task *model.Task) (json.RawMessage, error) {
	// Copy so the scheduler's mutations never race the engine's bookkeeping.
	remote := *task
	remote.ID = uuid.New().String()
	id := remote.ID

	// Register the waiter before submitting so an outcome published between
	// submission and registration cannot be missed.
	ch := make(chan events.Event, 1)
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()

	if _, err := d.cond.SubmitTask(ctx, &remote); err != nil {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		_ = d.cond.CancelTask(context.WithoutCancel(ctx), id)
		return nil, ctx.Err()
	case ev := <-ch:
		if ev.Type == events.TaskFailed {
			reason, _ := ev.Fields["error"].(string)
			if reason == "" {
				reason = "task failed"
			}
			return nil, fmt.Errorf("remote execution failed: %s", reason)
		}
		finished, err := d.queue.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		return finished.Result, nil
	}
}
