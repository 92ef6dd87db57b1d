package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streamforge/pipeline-controller/internal/automaton"
	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/executor"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

// restartBackoff is how long the Supervisor waits before recreating an
// automaton that exited on a fatal (store) error, so a persistently
// unreachable store doesn't spin a tight respawn loop.
const restartBackoff = 5 * time.Second

// ExecutorFactory builds the PipelineExecutor a freshly spawned automaton
// will own exclusively. The Supervisor calls it once per spawn; it never
// reuses an executor instance across automata or across a respawn.
type ExecutorFactory func(tenant domain.TenantID, pipeline domain.PipelineID) (executor.PipelineExecutor, error)

// Supervisor spawns, notifies, and tears down one automaton per pipeline.
// It is the only component with a map spanning automata — the per-pipeline
// Notify handles in registry — and that map is read-mostly.
type Supervisor struct {
	store           store.DescriptorStore
	newExecutor     ExecutorFactory
	httpClient      *pipelineclient.Client
	platformVersion string
	cfg             config.AutomatonConfig
	logger          *slog.Logger
	metrics         *metrics.AutomatonMetrics

	reg *registry
	wg  sync.WaitGroup

	mu     sync.Mutex
	runCtx context.Context
}

// New constructs a Supervisor. Call Run to perform the startup scan and
// block until ctx is canceled; use HandleCreate/HandleEdit/HandleDelete
// from the (out-of-scope) API layer to react to descriptor changes
// thereafter.
func New(st store.DescriptorStore, newExecutor ExecutorFactory, httpClient *pipelineclient.Client, platformVersion string, cfg config.AutomatonConfig, logger *slog.Logger, automatonMetrics *metrics.AutomatonMetrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:           st,
		newExecutor:     newExecutor,
		httpClient:      httpClient,
		platformVersion: platformVersion,
		cfg:             cfg,
		logger:          logger.With("component", "supervisor"),
		metrics:         automatonMetrics,
		reg:             newRegistry(),
	}
}

// Run enumerates every known descriptor, spawns one automaton per pipeline,
// and blocks until ctx is canceled. On cancellation it stops accepting new
// spawns, cancels every running automaton, and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	ids, err := s.store.ListPipelineIDs(ctx)
	if err != nil {
		return err
	}

	s.logger.Info("supervisor starting", "pipeline_count", len(ids))
	for _, id := range ids {
		s.spawn(id)
	}

	<-ctx.Done()
	s.logger.Info("supervisor stopping: context canceled, draining automata", "active", s.reg.count())
	s.wg.Wait()
	s.logger.Info("supervisor stopped")
	return nil
}

// HandleCreate spawns an automaton for a newly created pipeline, if one
// isn't already running for it (a duplicate create event wakes the running
// automaton, as HandleEdit does).
func (s *Supervisor) HandleCreate(id domain.TenantPipelineID) {
	if s.reg.has(id) {
		s.HandleEdit(id)
		return
	}
	s.spawn(id)
}

// HandleEdit wakes the automaton for id so it observes the edit on its next
// cycle instead of waiting out the poll timeout. If no automaton is
// currently running for id (e.g. it exited after a fatal error and hasn't
// been recreated yet), this spawns one.
func (s *Supervisor) HandleEdit(id domain.TenantPipelineID) {
	if s.reg.notifyOne(id) {
		return
	}
	s.spawn(id)
}

// HandleDelete signals exit to the automaton for id, if one is running.
// The automaton's own next store read will also observe the deletion and
// exit cleanly even if this signal is missed, so this is an optimization,
// not a correctness requirement.
func (s *Supervisor) HandleDelete(id domain.TenantPipelineID) {
	s.reg.cancel(id)
}

// spawn builds a fresh executor and automaton for id, registers its
// handles, and launches its Run loop in a goroutine. A no-op if the
// Supervisor's Run context isn't set yet or is already canceled.
func (s *Supervisor) spawn(id domain.TenantPipelineID) {
	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil {
		s.logger.Warn("spawn requested before supervisor started", "tenant_id", id.Tenant, "pipeline_id", id.Pipeline)
		return
	}
	select {
	case <-parent.Done():
		return
	default:
	}

	exec, err := s.newExecutor(id.Tenant, id.Pipeline)
	if err != nil {
		s.logger.Error("failed to construct executor, automaton not spawned", "tenant_id", id.Tenant, "pipeline_id", id.Pipeline, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	notify := automaton.NewNotify()
	a := automaton.New(id.Tenant, id.Pipeline, s.store, exec, s.httpClient, s.platformVersion, s.cfg, s.logger, notify, s.metrics)

	s.reg.register(id, notify, cancel)
	if s.metrics != nil {
		s.metrics.ActiveAutomata.Inc()
	}

	s.wg.Add(1)
	go s.runAutomaton(ctx, cancel, id, a)
}

// runAutomaton drives one automaton's Run loop and, on a fatal (non-clean,
// non-canceled) exit, schedules a respawn after restartBackoff — the
// Supervisor recreating a failed automaton per spec.md's cancellation
// policy, since the automaton itself never retries.
func (s *Supervisor) runAutomaton(ctx context.Context, cancel context.CancelFunc, id domain.TenantPipelineID, a *automaton.Automaton) {
	defer s.wg.Done()
	defer cancel()

	err := a.Run(ctx)

	s.reg.unregister(id)
	if s.metrics != nil {
		s.metrics.ActiveAutomata.Dec()
	}

	if err == nil {
		return
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	parent := s.runCtx
	s.mu.Unlock()
	if parent == nil {
		return
	}
	select {
	case <-parent.Done():
		return
	default:
	}

	s.logger.Warn("automaton exited with a fatal error, scheduling respawn",
		"tenant_id", id.Tenant, "pipeline_id", id.Pipeline, "error", err, "backoff", restartBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-parent.Done():
			return
		case <-time.After(restartBackoff):
			s.spawn(id)
		}
	}()
}
