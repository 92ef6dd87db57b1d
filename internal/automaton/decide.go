package automaton

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store"
)

// initializingTimeout is fixed by spec, not configurable: 60s from entering
// Initializing before a stuck pipeline is declared Failed.
const initializingTimeout = 60 * time.Second

// needsCompleteView reports whether the upcoming cycle could require the
// complete view, so the store read can skip it otherwise. It mirrors
// step 1 of the run cycle exactly: a cheap pre-check computed entirely from
// the monitoring view plus the two pieces of in-task state.
func needsCompleteView(m domain.MonitoringView, platformVersion string, provisionCalled bool) bool {
	desiredUp := m.DeploymentDesiredStatus == domain.DesiredPaused || m.DeploymentDesiredStatus == domain.DesiredRunning
	if m.DeploymentStatus.Kind == domain.DeploymentShutdown && desiredUp &&
		m.ProgramStatus.IsSuccess() && m.PlatformVersion == platformVersion {
		return true
	}
	if m.DeploymentStatus.Kind == domain.DeploymentProvisioning && desiredUp && !provisionCalled {
		return true
	}
	return false
}

// decide computes the next Transition from the current descriptor view and
// the automaton's in-task state, per the transition table in spec's
// Automaton Core component. It never writes anything; apply in
// automaton.go does that.
func (a *Automaton) decide(ctx context.Context, view store.PipelineView) Transition {
	m := view.Monitoring
	current := m.DeploymentStatus.Kind
	desired := m.DeploymentDesiredStatus

	switch current {
	case domain.DeploymentShutdown:
		return a.decideFromShutdown(ctx, view, desired)
	case domain.DeploymentProvisioning:
		return a.decideFromProvisioning(ctx, view, desired)
	case domain.DeploymentInitializing:
		return a.decideFromInitializing(ctx, m, desired)
	case domain.DeploymentPaused:
		return a.decideFromSteady(ctx, m, desired, domain.DeploymentPaused)
	case domain.DeploymentRunning:
		return a.decideFromSteady(ctx, m, desired, domain.DeploymentRunning)
	case domain.DeploymentUnavailable:
		return a.decideFromUnavailable(ctx, m, desired)
	case domain.DeploymentFailed:
		if desired == domain.DesiredShutdown {
			return toShuttingDown()
		}
		return noop() // P5: Failed is only escaped by desired=Shutdown.
	case domain.DeploymentShuttingDown:
		return a.decideFromShuttingDown(ctx)
	default:
		return noop()
	}
}

func (a *Automaton) decideFromShutdown(ctx context.Context, view store.PipelineView, desired domain.DesiredDeploymentStatusKind) Transition {
	m := view.Monitoring
	if desired == domain.DesiredShutdown {
		return noop()
	}

	if msg, isErr := m.ProgramStatus.CompilationError(); isErr {
		return toFailedCode(domain.ErrCodeCompilationFailed, msg)
	}

	if m.PlatformVersion != a.platformVersion && m.ProgramStatus.IsSuccess() {
		return requestRecompilation()
	}

	if !m.ProgramStatus.IsSuccess() {
		return noop() // still compiling; nothing to do yet.
	}

	// platform matches and program_status=Success: derive deployment_config.
	complete := view.Complete
	if complete == nil {
		return toFailedCode(domain.ErrCodeMissingProgramInfo, "complete view required to derive deployment_config but was not loaded")
	}
	if complete.ProgramInfo == nil {
		return toFailedCode(domain.ErrCodeMissingProgramInfo, "program_info missing despite program_status=success")
	}
	if complete.ProgramBinaryURL == "" {
		return toFailedCode(domain.ErrCodeMissingProgramBinaryURL, "program_binary_url missing despite program_status=success")
	}

	var runtimeConfig domain.RuntimeConfig
	if err := json.Unmarshal(complete.RuntimeConfig, &runtimeConfig); err != nil {
		return toFailedCode(domain.ErrCodeInvalidRuntimeConfig, fmt.Sprintf("decode runtime_config: %v", err))
	}

	deploymentConfig := domain.DeploymentConfig{
		InputConnectors:  complete.ProgramInfo.InputConnectors,
		OutputConnectors: complete.ProgramInfo.OutputConnectors,
	}

	if runtimeConfig.Storage {
		storageCfg, err := a.executor.GenerateStorageConfig(ctx)
		if err != nil {
			return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("generate_storage_config: %v", err))
		}
		deploymentConfig.Storage = storageCfg.Extra
	}

	return toProvisioning(deploymentConfig)
}

func (a *Automaton) decideFromProvisioning(ctx context.Context, view store.PipelineView, desired domain.DesiredDeploymentStatusKind) Transition {
	m := view.Monitoring
	if desired == domain.DesiredShutdown {
		return toShuttingDown()
	}

	if !a.provisionCalled {
		if m.PlatformVersion != a.platformVersion {
			return toFailedCode(domain.ErrCodeCannotProvisionDifferentPlatform, "platform_version changed while provisioning")
		}
		complete := view.Complete
		if complete == nil || complete.DeploymentConfig == nil {
			return toFailedCode(domain.ErrCodeMissingDeploymentConfig, "deployment_config missing at Provisioning")
		}
		if complete.ProgramBinaryURL == "" {
			return toFailedCode(domain.ErrCodeMissingProgramBinaryURL, "program_binary_url missing at Provisioning")
		}

		err := a.executor.Provision(ctx, complete.DeploymentConfig, complete.ProgramBinaryURL, int64(complete.ProgramVersion))
		if err != nil {
			return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("provision: %v", err))
		}
		return provisionCalled()
	}

	location, err := a.executor.IsProvisioned(ctx)
	if err != nil {
		return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("is_provisioned: %v", err))
	}
	if location != "" {
		return toInitializing(location)
	}
	if a.now().Sub(m.DeploymentStatus.Since) > a.cfg.ProvisioningTimeout {
		return toFailedCode(domain.ErrCodeProvisioningTimeout, "provisioning timed out waiting for the runtime to become reachable")
	}
	return noop()
}

func (a *Automaton) decideFromInitializing(ctx context.Context, m domain.MonitoringView, desired domain.DesiredDeploymentStatusKind) Transition {
	if desired == domain.DesiredShutdown {
		return toShuttingDown()
	}

	if err := a.executor.Check(ctx); err != nil {
		return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("check: %v", err))
	}
	if m.DeploymentStatus.Location == "" {
		return toFailedCode(domain.ErrCodeMissingDeploymentLocation, "deployment_location missing while initializing")
	}

	resp, callErr := a.httpClient.Stats(ctx, m.DeploymentStatus.Location)
	remote := parseStats(resp, callErr)

	switch remote.Kind {
	case RemotePaused:
		return toPaused()
	case RemoteRunning:
		return toFailedCode(domain.ErrCodeAfterInitBecameRunning, "pipeline reported Running before initialization completed")
	case RemoteUnavailable:
		if a.now().Sub(m.DeploymentStatus.Since) > initializingTimeout {
			return toFailedCode(domain.ErrCodeInitializingTimeout, "pipeline did not become reachable within the initializing timeout")
		}
		return noop()
	default: // RemoteError
		return toFailed(remote.Err)
	}
}

// decideFromSteady handles Paused/Paused, Running/Running (reconciliation)
// and Paused/Running, Running/Paused (user-requested transitions).
func (a *Automaton) decideFromSteady(ctx context.Context, m domain.MonitoringView, desired domain.DesiredDeploymentStatusKind, current domain.DeploymentStatusKind) Transition {
	if desired == domain.DesiredShutdown {
		return toShuttingDown()
	}

	if err := a.executor.Check(ctx); err != nil {
		return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("check: %v", err))
	}

	wantsRunning := desired == domain.DesiredRunning
	wantsSameAsCurrent := (wantsRunning && current == domain.DeploymentRunning) || (!wantsRunning && current == domain.DeploymentPaused)

	if wantsSameAsCurrent {
		return a.reconcile(ctx, m)
	}

	// Paused/Running or Running/Paused: an explicit user-requested flip.
	var (
		resp    pipelineclient.Response
		callErr error
	)
	if wantsRunning {
		resp, callErr = a.httpClient.Start(ctx, m.DeploymentStatus.Location)
	} else {
		resp, callErr = a.httpClient.Pause(ctx, m.DeploymentStatus.Location)
	}
	if callErr != nil {
		return toUnavailable()
	}

	switch {
	case resp.StatusCode == 200:
		if wantsRunning {
			return toRunning()
		}
		return toPaused()
	case resp.StatusCode == 503:
		return toUnavailable()
	default:
		return toFailed(parseErrorEnvelope(resp))
	}
}

// reconcile implements the Paused/Paused, Running/Running, and
// Unavailable/{Paused,Running} rows: probe /stats and adopt whatever the
// remote instance actually reports, so a automaton restarted after an
// out-of-band /pause or /start call converges instead of wedging forever on
// its own stale idea of the remote state.
func (a *Automaton) reconcile(ctx context.Context, m domain.MonitoringView) Transition {
	resp, callErr := a.httpClient.Stats(ctx, m.DeploymentStatus.Location)
	remote := parseStats(resp, callErr)

	switch remote.Kind {
	case RemotePaused:
		if m.DeploymentStatus.Kind != domain.DeploymentPaused {
			return toPaused()
		}
		return noop()
	case RemoteRunning:
		if m.DeploymentStatus.Kind != domain.DeploymentRunning {
			return toRunning()
		}
		return noop()
	case RemoteUnavailable:
		if m.DeploymentStatus.Kind != domain.DeploymentUnavailable {
			return toUnavailable()
		}
		return noop()
	default:
		return toFailed(remote.Err)
	}
}

func (a *Automaton) decideFromUnavailable(ctx context.Context, m domain.MonitoringView, desired domain.DesiredDeploymentStatusKind) Transition {
	if desired == domain.DesiredShutdown {
		return toShuttingDown()
	}
	if err := a.executor.Check(ctx); err != nil {
		return toFailedCode(domain.ErrCodeExecutorFailure, fmt.Sprintf("check: %v", err))
	}
	return a.reconcile(ctx, m)
}

func (a *Automaton) decideFromShuttingDown(ctx context.Context) Transition {
	if err := a.executor.Shutdown(ctx); err != nil {
		return noop() // retried every shutdown_poll_period per spec.
	}
	return toShutdown()
}
