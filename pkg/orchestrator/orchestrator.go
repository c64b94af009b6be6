// Package orchestrator composes the whole system: store, event bus, access
// control, the domain services, and the background machinery. Everything
// else depends on its own collaborators; this package is the only place
// that knows the full wiring.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/artifacts"
	"github.com/crewforge/crewforge/pkg/config"
	"github.com/crewforge/crewforge/pkg/contract"
	"github.com/crewforge/crewforge/pkg/events"
	"github.com/crewforge/crewforge/pkg/healing"
	"github.com/crewforge/crewforge/pkg/metrics"
	"github.com/crewforge/crewforge/pkg/parallel"
	"github.com/crewforge/crewforge/pkg/provider"
	"github.com/crewforge/crewforge/pkg/scoring"
	"github.com/crewforge/crewforge/pkg/store"
	"github.com/crewforge/crewforge/pkg/team"
	"github.com/crewforge/crewforge/pkg/validation"
	"github.com/crewforge/crewforge/pkg/workflow"
)

// Options configure the composition. A nil DB selects the in-memory store,
// which is what tests and the CLI's dry-run paths use.
type Options struct {
	Config *config.Config
	DB     *sql.DB
	// DatabaseURL feeds the NOTIFY listener; only used when DB is set.
	DatabaseURL string
	PodID       string
}

// Orchestrator owns every composed service and the background loops.
type Orchestrator struct {
	cfg   *config.Config
	st    store.Store
	bus   *events.InProcessBus
	pub   *events.Publisher
	guard *access.Controller
	reg   *metrics.Registry

	Teams     *team.Manager
	Contracts *contract.Service
	Engine    *workflow.Engine
	Streams   *parallel.Coordinator
	Healer    *healing.Loop
	History   *healing.Logger
	Verifier  *healing.Verifier
	Gate      *validation.Aggregator
	Scores    *scoring.Scorer
	Providers *provider.Router
	Artifacts *artifacts.Store
	Idem      *store.IdempotencyWindow

	db       *sql.DB
	dbURL    string
	listener *events.NotifyListener
	natsConn *nats.Conn
	nats     *events.NATSBridge

	unsubs   []func()
	cancelBg context.CancelFunc
	bg       sync.WaitGroup
}

// New wires the system. Background loops do not run until Start.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Initialize(config.ConfigFileName)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	podID := opts.PodID
	if podID == "" {
		podID = "crewforge-0"
	}

	var st store.Store
	if opts.DB != nil {
		st = store.NewPostgresStore(opts.DB)
	} else {
		st = store.NewMemoryStore()
	}

	bus := events.NewInProcessBus(cfg.Events.QueueDepth)
	pub := events.NewPublisher(st, bus, opts.DB, podID)
	reg := metrics.New()
	guard := access.NewController(access.BuildMatrix(cfg.Access), reg)

	history := healing.NewLogger(st, cfg.History)
	healer := healing.NewLoop(healing.NewAnalyzer(), history, cfg.Healing, cfg.Scheduler, reg)

	router, err := provider.NewRouterFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider router: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		st:        st,
		bus:       bus,
		pub:       pub,
		guard:     guard,
		reg:       reg,
		Teams:     team.NewManager(st, pub, guard, cfg.Scaling),
		Contracts: contract.NewService(st, pub, guard),
		Streams:   parallel.NewCoordinator(st, pub, guard, reg),
		Healer:    healer,
		History:   history,
		Gate:      validation.NewAggregator(cfg.Gate, pub),
		Scores:    scoring.NewScorer(st, cfg.Scoring, cfg.Blueprint, history),
		Providers: router,
		Artifacts: artifacts.NewStore(cfg.Artifacts),
		Idem:      store.NewIdempotencyWindow(cfg.Scheduler.IdempotencyWindow),
		db:        opts.DB,
		dbURL:     opts.DatabaseURL,
	}

	registry := workflow.NewRegistry()
	o.registerExecutors(registry)
	o.Engine = workflow.NewEngine(st, pub, registry, cfg.Scheduler, reg, podID)
	o.Engine.SetHealer(healer)

	unsub, err := o.Streams.Subscribe(bus)
	if err != nil {
		return nil, fmt.Errorf("subscribe conflict detection: %w", err)
	}
	o.unsubs = append(o.unsubs, unsub)

	unsub, err = o.Teams.SubscribeScaling(bus)
	if err != nil {
		return nil, fmt.Errorf("subscribe phase scaling: %w", err)
	}
	o.unsubs = append(o.unsubs, unsub)

	return o, nil
}

// Start launches the background machinery: orphan recovery, the history
// retention sweeper, the NOTIFY listener, and the NATS bridge when
// configured.
func (o *Orchestrator) Start(ctx context.Context) error {
	recovered, err := o.Engine.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphaned nodes: %w", err)
	}
	if recovered > 0 {
		slog.Info("Recovered orphaned workflow nodes", "count", recovered)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	o.cancelBg = cancel
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.History.RunSweeper(bgCtx)
	}()

	if o.db != nil && o.dbURL != "" {
		o.listener = events.NewNotifyListener(o.dbURL, o.bus, o.st.Outbox(), o.pub.Origin())
		if err := o.listener.Start(bgCtx); err != nil {
			cancel()
			return fmt.Errorf("start notify listener: %w", err)
		}
	}

	if o.cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(o.cfg.Events.NATSURL)
		if err != nil {
			cancel()
			return fmt.Errorf("connect NATS: %w", err)
		}
		bridge, err := events.StartNATSBridge(o.bus, nc, o.cfg.Events.ExportPattern)
		if err != nil {
			nc.Close()
			cancel()
			return fmt.Errorf("start NATS bridge: %w", err)
		}
		o.natsConn = nc
		o.nats = bridge
	}

	slog.Info("Orchestrator started", "store", storeKind(o.db), "nats", o.cfg.Events.NATSURL != "")
	return nil
}

// Close drains the background loops and the bus. Safe to call without a
// prior Start.
func (o *Orchestrator) Close(ctx context.Context) {
	for _, unsub := range o.unsubs {
		unsub()
	}
	if o.nats != nil {
		o.nats.Stop()
		o.natsConn.Close()
	}
	if o.listener != nil {
		o.listener.Stop(ctx)
	}
	if o.cancelBg != nil {
		o.cancelBg()
	}
	o.bg.Wait()
	o.bus.Close()
	slog.Info("Orchestrator stopped")
}

// Store exposes the composed store to the API layer.
func (o *Orchestrator) Store() store.Store { return o.st }

// DB exposes the raw connection pool; nil when the memory store is in use.
func (o *Orchestrator) DB() *sql.DB { return o.db }

// Bus exposes the in-process bus, mainly for subscriptions in the API's
// event stream handler.
func (o *Orchestrator) Bus() events.Bus { return o.bus }

// Metrics exposes the Prometheus registry for the /metrics endpoint.
func (o *Orchestrator) Metrics() *metrics.Registry { return o.reg }

// Guard exposes the access controller.
func (o *Orchestrator) Guard() *access.Controller { return o.guard }

// Config exposes the effective configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

func storeKind(db *sql.DB) string {
	if db != nil {
		return "postgres"
	}
	return "memory"
}
