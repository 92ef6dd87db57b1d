package automaton

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/executor"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

// Automaton is one pipeline's deployment reconciliation loop. It owns its
// Executor exclusively and carries two pieces of in-task state
// (first_run_cycle, provision_called) that are never persisted and are
// re-derived from deployment_status whenever the automaton starts.
type Automaton struct {
	tenant   domain.TenantID
	pipeline domain.PipelineID

	store      store.DescriptorStore
	executor   executor.PipelineExecutor
	httpClient *pipelineclient.Client

	platformVersion string
	cfg             config.AutomatonConfig
	logger          *slog.Logger
	notify          *Notify
	metrics         *metrics.AutomatonMetrics

	nowFn func() time.Time

	firstRunCycle   bool
	provisionCalled bool
	lastMonitoring  domain.MonitoringView
}

// New constructs an automaton for one pipeline. The caller hands over
// exclusive ownership of executor: nothing else may call its methods.
// automatonMetrics may be nil, in which case cycle/transition metrics are
// not recorded.
func New(tenant domain.TenantID, pipeline domain.PipelineID, st store.DescriptorStore, exec executor.PipelineExecutor, httpClient *pipelineclient.Client, platformVersion string, cfg config.AutomatonConfig, logger *slog.Logger, notify *Notify, automatonMetrics *metrics.AutomatonMetrics) *Automaton {
	if logger == nil {
		logger = slog.Default()
	}
	return &Automaton{
		tenant:          tenant,
		pipeline:        pipeline,
		store:           st,
		executor:        exec,
		httpClient:      httpClient,
		platformVersion: platformVersion,
		cfg:             cfg,
		logger:          logger.With("tenant_id", string(tenant), "pipeline_id", string(pipeline)),
		notify:          notify,
		metrics:         automatonMetrics,
		firstRunCycle:   true,
	}
}

func (a *Automaton) now() time.Time {
	if a.nowFn != nil {
		return a.nowFn()
	}
	return time.Now()
}

// Run drives cycles until the context is canceled, the descriptor is
// deleted (a clean exit, logged at info level), or a fatal error occurs
// (logged at error level and returned). Either way the Supervisor decides
// whether to recreate the automaton; Run never retries on its own.
func (a *Automaton) Run(ctx context.Context) error {
	wait := a.cfg.ShutdownPollPeriod

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("automaton stopping: context canceled")
			return nil
		default:
		}

		next, err := a.cycle(ctx)
		if err != nil {
			if isUnknownPipeline(err) {
				a.logger.Info("automaton exiting: pipeline deleted")
				return nil
			}
			a.logger.Error("automaton fatal error", "error", err)
			return err
		}
		wait = next

		select {
		case <-ctx.Done():
			a.logger.Info("automaton stopping: context canceled")
			return nil
		case <-a.notify.C():
		case <-time.After(wait):
		}
	}
}

// cycle runs exactly one iteration of the run-cycle algorithm: decide
// whether the complete view is needed, call executor.Init on the first
// cycle, compute the next Transition, apply it, and return how long to
// wait before the next cycle.
func (a *Automaton) cycle(ctx context.Context) (time.Duration, error) {
	start := a.now()
	wait, status, err := a.runCycle(ctx)
	if a.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
		a.metrics.CycleDuration.WithLabelValues(string(status)).Observe(a.now().Sub(start).Seconds())
	}
	return wait, err
}

// runCycle is the cycle algorithm proper, split out from cycle so the
// latter can time and label the whole attempt (including the failure
// paths) in one place.
func (a *Automaton) runCycle(ctx context.Context) (time.Duration, domain.DeploymentStatusKind, error) {
	// The heuristic is evaluated against the previous cycle's monitoring
	// view, per the run-cycle algorithm: the decision of whether this
	// cycle might need the complete view is made before reading anything
	// this cycle. On an automaton's very first cycle there is no prior
	// view to evaluate it against, so the first read conservatively asks
	// for the complete view rather than risk missing it.
	needComplete := a.firstRunCycle || needsCompleteView(a.lastMonitoring, a.platformVersion, a.provisionCalled)

	view, err := a.store.GetPipelineForRunner(ctx, a.tenant, a.pipeline, needComplete)
	if err != nil {
		if isUnknownPipeline(err) {
			return 0, "", err
		}
		return 0, "", fatalf("read pipeline descriptor: %w", err)
	}
	a.lastMonitoring = view.Monitoring

	if a.firstRunCycle {
		wasProvisioned := view.Monitoring.DeploymentStatus.Kind != domain.DeploymentShutdown &&
			view.Monitoring.DeploymentStatus.Kind != domain.DeploymentProvisioning
		if err := a.executor.Init(ctx, wasProvisioned); err != nil {
			return 0, "", fatalf("executor init: %w", err)
		}
		a.firstRunCycle = false
		// provision_called is always re-derived as false on (re)start; see
		// the open question in spec's design notes, resolved in DESIGN.md.
		a.provisionCalled = false
	}

	transition := a.decide(ctx, view)

	newStatus, err := a.apply(ctx, view.Monitoring, transition)
	if err != nil {
		return 0, newStatus, err
	}

	return pollWait(a.cfg, newStatus), newStatus, nil
}

// apply persists the decided Transition and returns the resulting
// deployment_status (for pollWait), or a non-nil error if the write
// failed — a clean *domain.UnknownPipelineError, or a FatalError for
// anything else including an out-of-place version-guard violation.
func (a *Automaton) apply(ctx context.Context, m domain.MonitoringView, t Transition) (domain.DeploymentStatusKind, error) {
	versionGuard := m.Version
	current := m.DeploymentStatus.Kind

	switch t.Kind {
	case KindNoop:
		return current, nil

	case KindRequestRecompilation:
		err := a.store.TransitProgramStatusToPending(ctx, a.tenant, a.pipeline, m.ProgramVersion)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return current, nil

	case KindProvisionCalled:
		a.provisionCalled = true
		return domain.DeploymentProvisioning, nil

	case KindToProvisioning:
		err := a.store.TransitDeploymentStatusToProvisioning(ctx, a.tenant, a.pipeline, versionGuard, store.ProvisioningTransition{DeploymentConfig: t.DeploymentConfig})
		var outdated *domain.OutdatedPipelineVersionError
		if errors.As(err, &outdated) && a.metrics != nil {
			a.metrics.VersionConflicts.Inc()
		}
		if err := classifyWrite(err, true); err != nil {
			return current, err
		}
		a.provisionCalled = false
		return a.recordTransition(current, domain.DeploymentProvisioning), nil

	case KindToInitializing:
		err := a.store.TransitDeploymentStatusToInitializing(ctx, a.tenant, a.pipeline, versionGuard, store.InitializingTransition{Location: t.Location})
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentInitializing), nil

	case KindToPaused:
		err := a.store.TransitDeploymentStatusToPaused(ctx, a.tenant, a.pipeline, versionGuard)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentPaused), nil

	case KindToRunning:
		err := a.store.TransitDeploymentStatusToRunning(ctx, a.tenant, a.pipeline, versionGuard)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentRunning), nil

	case KindToUnavailable:
		err := a.store.TransitDeploymentStatusToUnavailable(ctx, a.tenant, a.pipeline, versionGuard)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentUnavailable), nil

	case KindToShuttingDown:
		err := a.store.TransitDeploymentStatusToShuttingDown(ctx, a.tenant, a.pipeline, versionGuard)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentShuttingDown), nil

	case KindToShutdown:
		err := a.store.TransitDeploymentStatusToShutdown(ctx, a.tenant, a.pipeline, versionGuard)
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		a.provisionCalled = false
		return a.recordTransition(current, domain.DeploymentShutdown), nil

	case KindToFailed:
		err := a.store.TransitDeploymentStatusToFailed(ctx, a.tenant, a.pipeline, versionGuard, store.FailedTransition{Error: t.Error})
		if err := classifyWrite(err, false); err != nil {
			return current, err
		}
		return a.recordTransition(current, domain.DeploymentFailed), nil

	default:
		return current, nil
	}
}

// recordTransition increments TransitionsTotal for an actual from->to
// deployment-status change and returns to unchanged, so every apply()
// branch above can both record and return in one expression.
func (a *Automaton) recordTransition(from, to domain.DeploymentStatusKind) domain.DeploymentStatusKind {
	if a.metrics != nil {
		a.metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	return to
}

// pollWait implements the next-cycle wait table from the run-cycle
// algorithm. initializingTimeout is a detection deadline, not a wait
// period; Initializing's own wait (250ms) is a distinct, shorter constant
// so a just-started pipeline is observed promptly.
func pollWait(cfg config.AutomatonConfig, status domain.DeploymentStatusKind) time.Duration {
	switch status {
	case domain.DeploymentShutdown, domain.DeploymentShuttingDown:
		return cfg.ShutdownPollPeriod
	case domain.DeploymentProvisioning:
		return cfg.ProvisioningPollPeriod
	case domain.DeploymentInitializing:
		return 250 * time.Millisecond
	case domain.DeploymentPaused, domain.DeploymentRunning, domain.DeploymentUnavailable, domain.DeploymentFailed:
		return 2500 * time.Millisecond
	default:
		return cfg.ShutdownPollPeriod
	}
}
