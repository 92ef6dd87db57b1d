// Package store defines the descriptor store contract shared by every
// backend (in-memory for tests, Postgres for production). The store is
// the serialization point for the whole controller: every automaton-driven
// transition is version-guarded, and the store is the only component with
// cross-automaton visibility.
package store

import (
	"context"
	"time"

	"github.com/streamforge/pipeline-controller/internal/domain"
)

// PipelineView is returned by GetPipelineForRunner. Complete is nil when
// the caller asked for (or the backend chose to return) only the
// monitoring projection.
type PipelineView struct {
	Monitoring domain.MonitoringView
	Complete   *domain.CompleteView
}

// ProvisioningTransition carries the fields frozen at Shutdown→Provisioning.
type ProvisioningTransition struct {
	DeploymentConfig domain.DeploymentConfig
}

// InitializingTransition carries the location published by the executor.
type InitializingTransition struct {
	Location string
}

// FailedTransition carries the error surfaced to the user-facing read API.
type FailedTransition struct {
	Error domain.ErrorResponse
}

// DescriptorStore is the persistence contract the automaton and the
// (out-of-scope) user-facing API both drive. Every Transit* method is
// version-guarded: it fails with *domain.OutdatedPipelineVersionError if
// versionGuard does not match the descriptor's current version, and with
// *domain.UnknownPipelineError if the descriptor no longer exists.
type DescriptorStore interface {
	// GetPipelineForRunner loads one descriptor. needComplete is an
	// optimization hint only — a backend is always free to return the
	// complete view regardless.
	GetPipelineForRunner(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, needComplete bool) (PipelineView, error)

	// ListPipelineIDs enumerates every known descriptor, for the
	// supervisor's startup scan.
	ListPipelineIDs(ctx context.Context) ([]domain.TenantPipelineID, error)

	TransitDeploymentStatusToProvisioning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t ProvisioningTransition) error
	TransitDeploymentStatusToInitializing(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t InitializingTransition) error
	TransitDeploymentStatusToPaused(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error
	TransitDeploymentStatusToRunning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error
	TransitDeploymentStatusToUnavailable(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error
	TransitDeploymentStatusToShuttingDown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error
	TransitDeploymentStatusToShutdown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error
	TransitDeploymentStatusToFailed(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t FailedTransition) error

	// SetDeploymentDesiredStatus{Running,Paused,Shutdown} are user-facing:
	// they write only deployment_desired_status, unguarded by version,
	// since they never race the automaton's own fields.
	SetDeploymentDesiredStatusRunning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error
	SetDeploymentDesiredStatusPaused(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error
	SetDeploymentDesiredStatusShutdown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error

	// TransitProgramStatusToPending is used when the controller demands
	// recompilation after a platform-version mismatch.
	TransitProgramStatusToPending(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, programVersionGuard domain.Version) error
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
