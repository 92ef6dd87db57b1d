// Package memory provides an in-process DescriptorStore used by automaton
// tests and local development. It implements the identical version-guard
// semantics as the Postgres backend so tests written against it generalize.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/store"
)

type descriptor struct {
	complete domain.CompleteView
}

// Store is a mutex-guarded map of descriptors keyed by (tenant, pipeline).
// All reads return copies so callers may not mutate state behind the
// store's back.
type Store struct {
	mu          sync.Mutex
	descriptors map[key]*descriptor
	now         func() time.Time
}

type key struct {
	tenant   domain.TenantID
	pipeline domain.PipelineID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		descriptors: make(map[key]*descriptor),
		now:         time.Now,
	}
}

// Put inserts or replaces a descriptor wholesale; used by tests to seed
// fixtures and is not part of the DescriptorStore interface.
func (s *Store) Put(tenant domain.TenantID, pipeline domain.PipelineID, view domain.CompleteView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[key{tenant, pipeline}] = &descriptor{complete: view}
}

// Create seeds a new descriptor in (Shutdown, Shutdown, Pending), as
// performed by the (out-of-scope) API on pipeline creation.
func (s *Store) Create(tenant domain.TenantID, pipeline domain.PipelineID, name, platformVersion string, runtimeConfig json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[key{tenant, pipeline}] = &descriptor{
		complete: domain.CompleteView{
			MonitoringView: domain.MonitoringView{
				TenantID:                tenant,
				PipelineID:              pipeline,
				Name:                    name,
				Version:                 1,
				PlatformVersion:         platformVersion,
				ProgramVersion:          1,
				ProgramStatus:           domain.ProgramStatus{Kind: domain.ProgramStatusPending},
				DeploymentStatus:        domain.DeploymentStatus{Kind: domain.DeploymentShutdown, Since: s.now()},
				DeploymentDesiredStatus: domain.DesiredShutdown,
			},
			RuntimeConfig: runtimeConfig,
		},
	}
}

// SetProgramSuccess marks a descriptor's program_status as Success with a
// minimal program_info and program_binary_url, simulating the compilation
// pipeline completing — the precondition for a Shutdown->Provisioning
// transition.
func (s *Store) SetProgramSuccess(tenant domain.TenantID, pipeline domain.PipelineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return
	}
	d.complete.ProgramStatus = domain.ProgramStatus{Kind: domain.ProgramStatusSuccess}
	d.complete.ProgramInfo = &domain.ProgramInfo{}
	d.complete.ProgramBinaryURL = "https://artifacts.example.com/orders-pipeline.bin"
}

// SetProgramSQLError marks a descriptor's program_status as SqlError,
// simulating a compilation failure the automaton must surface as Failed on
// the next Shutdown->Paused|Running attempt.
func (s *Store) SetProgramSQLError(tenant domain.TenantID, pipeline domain.PipelineID, messages []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return
	}
	d.complete.ProgramStatus = domain.ProgramStatus{Kind: domain.ProgramStatusSQLError, SQLMessages: messages}
}

// Delete removes a descriptor, simulating an API-level delete. The
// automaton observes this as domain.UnknownPipelineError on its next read.
func (s *Store) Delete(tenant domain.TenantID, pipeline domain.PipelineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.descriptors, key{tenant, pipeline})
}

// BumpVersion increments a descriptor's version out of band, simulating a
// concurrent user edit racing an automaton cycle.
func (s *Store) BumpVersion(tenant domain.TenantID, pipeline domain.PipelineID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.descriptors[key{tenant, pipeline}]; ok {
		d.complete.Version++
	}
}

func (s *Store) GetPipelineForRunner(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, needComplete bool) (store.PipelineView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return store.PipelineView{}, &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
	}

	view := store.PipelineView{Monitoring: d.complete.MonitoringView}
	if needComplete {
		complete := d.complete
		view.Complete = &complete
	}
	return view, nil
}

func (s *Store) ListPipelineIDs(_ context.Context) ([]domain.TenantPipelineID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]domain.TenantPipelineID, 0, len(s.descriptors))
	for k := range s.descriptors {
		ids = append(ids, domain.TenantPipelineID{Tenant: k.tenant, Pipeline: k.pipeline})
	}
	return ids, nil
}

func (s *Store) lookup(tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) (*descriptor, error) {
	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return nil, &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
	}
	if d.complete.Version != versionGuard {
		return nil, &domain.OutdatedPipelineVersionError{Outdated: versionGuard, Latest: d.complete.Version}
	}
	return d, nil
}

func (s *Store) setDeploymentStatus(d *descriptor, status domain.DeploymentStatus) {
	if status.Kind != d.complete.DeploymentStatus.Kind {
		status.Since = s.now()
	} else {
		status.Since = d.complete.DeploymentStatus.Since
	}
	d.complete.DeploymentStatus = status
}

func (s *Store) TransitDeploymentStatusToProvisioning(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.ProvisioningTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(t.DeploymentConfig)
	if err != nil {
		return err
	}
	d.complete.DeploymentConfig = raw
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentProvisioning})
	return nil
}

func (s *Store) TransitDeploymentStatusToInitializing(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.InitializingTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentInitializing, Location: t.Location})
	return nil
}

func (s *Store) TransitDeploymentStatusToPaused(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentPaused, Location: d.complete.DeploymentStatus.Location})
	return nil
}

func (s *Store) TransitDeploymentStatusToRunning(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentRunning, Location: d.complete.DeploymentStatus.Location})
	return nil
}

func (s *Store) TransitDeploymentStatusToUnavailable(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentUnavailable, Location: d.complete.DeploymentStatus.Location})
	return nil
}

func (s *Store) TransitDeploymentStatusToShuttingDown(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentShuttingDown, Location: d.complete.DeploymentStatus.Location})
	return nil
}

func (s *Store) TransitDeploymentStatusToShutdown(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentShutdown})
	return nil
}

func (s *Store) TransitDeploymentStatusToFailed(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.FailedTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(tenant, pipeline, versionGuard)
	if err != nil {
		return err
	}
	errCopy := t.Error
	s.setDeploymentStatus(d, domain.DeploymentStatus{Kind: domain.DeploymentFailed, Location: d.complete.DeploymentStatus.Location, Error: &errCopy})
	return nil
}

func (s *Store) SetDeploymentDesiredStatusRunning(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(tenant, pipeline, domain.DesiredRunning)
}

func (s *Store) SetDeploymentDesiredStatusPaused(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(tenant, pipeline, domain.DesiredPaused)
}

func (s *Store) SetDeploymentDesiredStatusShutdown(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(tenant, pipeline, domain.DesiredShutdown)
}

func (s *Store) setDesired(tenant domain.TenantID, pipeline domain.PipelineID, desired domain.DesiredDeploymentStatusKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
	}
	d.complete.DeploymentDesiredStatus = desired
	return nil
}

func (s *Store) TransitProgramStatusToPending(_ context.Context, tenant domain.TenantID, pipeline domain.PipelineID, programVersionGuard domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.descriptors[key{tenant, pipeline}]
	if !ok {
		return &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
	}
	if d.complete.ProgramVersion != programVersionGuard {
		return &domain.OutdatedPipelineVersionError{Outdated: programVersionGuard, Latest: d.complete.ProgramVersion}
	}
	d.complete.ProgramStatus = domain.ProgramStatus{Kind: domain.ProgramStatusPending}
	return nil
}

var _ store.DescriptorStore = (*Store)(nil)
