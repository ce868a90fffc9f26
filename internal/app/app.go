// Package app assembles a runnable system from configuration: store,
// backends, workers, broker and workflow engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"a2aflow/internal/backend"
	"a2aflow/internal/broker"
	"a2aflow/internal/config"
	"a2aflow/internal/db"
	"a2aflow/internal/events"
	"a2aflow/internal/migrate"
	"a2aflow/internal/orchestrator"
	"a2aflow/internal/repo"
	"a2aflow/internal/store"
	"a2aflow/internal/worker"
)

// EventLog is implemented by stores that keep a per-task event history.
type EventLog interface {
	TaskEvents(ctx context.Context, id string) ([]events.Event, error)
}

// Runtime is a fully wired instance. Start launches the dispatch loop;
// Close stops it and releases the store.
type Runtime struct {
	Config    *config.Config
	Store     store.Store
	Events    EventLog
	Broker    *broker.Broker
	Workflows *orchestrator.Engine
	Logger    *log.Logger
	// DBPath is set when the sqlite driver is selected.
	DBPath    string

	conn   *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Build wires a runtime from cfg. workspace locates the SQLite database
// when the sqlite driver is selected without an explicit path.
func Build(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	if err := rt.openStore(ctx, workspace); err != nil {
		return nil, err
	}
	b := broker.New(rt.Store, broker.Config{
		Capacity:    cfg.Broker.Capacity,
		QueueSize:   cfg.Broker.QueueSize,
		TaskTimeout: cfg.Broker.TaskTimeout.Duration,
		CancelGrace: cfg.Broker.CancelGrace.Duration,
		Logger:      logger,
	})
	backends := BuildBackends(cfg)
	for _, wc := range cfg.Workers {
		exec, err := BuildWorker(wc, backends)
		if err != nil {
			rt.closeStore()
			return nil, err
		}
		replicas := wc.Replicas
		if replicas <= 0 {
			replicas = 1
		}
		for i := 0; i < replicas; i++ {
			if err := b.RegisterWorker(wc.Capability, exec); err != nil {
				rt.closeStore()
				return nil, fmt.Errorf("register %s: %w", wc.Capability, err)
			}
		}
	}
	rt.Broker = b

	engine := orchestrator.NewEngine(orchestrator.Orchestrator{
		Client: b,
		Roles: orchestrator.Roles{
			Creative: cfg.Orchestrator.Roles.Creative,
			Factual:  cfg.Orchestrator.Roles.Factual,
		},
		Logger: logger,
	})
	engine.Debate = orchestrator.DebateConfig{
		MaxRounds:  cfg.Orchestrator.Debate.MaxRounds,
		Similarity: cfg.Orchestrator.Debate.Similarity,
	}
	rt.Workflows = engine
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, workspace string) error {
	cfg := rt.Config
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		dbCfg := db.Config{Workspace: workspace, Path: cfg.Store.Path}
		conn, err := db.Open(dbCfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return fmt.Errorf("migrate: %w", err)
		}
		r := repo.New(conn)
		rt.conn = conn
		rt.Store = r
		rt.Events = r
		rt.DBPath = db.Path(dbCfg)
		rt.Logger.Printf("app: sqlite store at %s", rt.DBPath)
	default:
		m := store.NewMemory()
		m.MaxTasks = cfg.Store.MaxTasks
		rt.Store = m
	}
	return nil
}

func (rt *Runtime) closeStore() error {
	if rt.conn == nil {
		return nil
	}
	return rt.conn.Close()
}

// BuildBackends creates one client per configured backend.
func BuildBackends(cfg *config.Config) map[string]backend.Client {
	out := make(map[string]backend.Client, len(cfg.Backends))
	for name, bc := range cfg.Backends {
		switch bc.Kind {
		case config.BackendOpenAI:
			out[name] = backend.NewOpenAIClient(backend.OpenAIConfig{
				BaseURL:     bc.BaseURL,
				Model:       bc.Model,
				APIKey:      bc.APIKey(),
				APIVersion:  bc.APIVersion,
				Temperature: bc.Temperature,
				Timeout:     bc.Timeout.Duration,
			})
		default:
			out[name] = backend.Echo{Prefix: bc.Prefix, Delay: bc.Delay.Duration}
		}
	}
	return out
}

// BuildWorker maps a worker entry to its executor variant.
func BuildWorker(wc config.WorkerConfig, backends map[string]backend.Client) (worker.Executor, error) {
	var m worker.Model
	switch wc.Kind {
	case config.KindEcho:
		m = worker.NewEcho()
	case config.KindCreativeSynthesis:
		b, ok := backends[wc.Backend]
		if !ok {
			return nil, fmt.Errorf("worker %s: unknown backend %q", wc.Capability, wc.Backend)
		}
		m = worker.NewCreativeSynthesis(b)
	case config.KindFactCheck:
		b, ok := backends[wc.Backend]
		if !ok {
			return nil, fmt.Errorf("worker %s: unknown backend %q", wc.Capability, wc.Backend)
		}
		var r worker.Retriever
		if wc.KnowledgeDir != "" {
			passages, err := worker.LoadPassages(wc.KnowledgeDir)
			if err != nil {
				return nil, fmt.Errorf("worker %s: load knowledge: %w", wc.Capability, err)
			}
			r = worker.StaticRetriever{Passages: passages, TopK: wc.TopK}
		}
		m = worker.NewFactCheck(b, r)
	default:
		return nil, fmt.Errorf("worker %s: unknown kind %q", wc.Capability, wc.Kind)
	}
	m.Skill.Capability = wc.Capability
	return m, nil
}

// Start runs the broker dispatch loop in the background.
func (rt *Runtime) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan struct{})
	go func() {
		defer close(rt.done)
		if err := rt.Broker.Run(ctx); err != nil && !errors.Is(err, broker.ErrClosed) {
			rt.Logger.Printf("app: broker stopped: %v", err)
		}
	}()
}

// Close stops workflows, then the broker, then closes the store.
func (rt *Runtime) Close() error {
	var err error
	rt.once.Do(func() {
		if rt.Workflows != nil {
			rt.Workflows.Close()
		}
		if rt.cancel != nil {
			rt.cancel()
			<-rt.done
		}
		err = rt.closeStore()
	})
	return err
}
