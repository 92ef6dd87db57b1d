package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/store"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

// Store is the Postgres-backed DescriptorStore. Every guarded write is a
// single `UPDATE ... WHERE tenant_id = $1 AND pipeline_id = $2 AND version =
// $guard` statement; zero affected rows is the version-guard failure and is
// disambiguated from "pipeline deleted" with one follow-up existence check.
type Store struct {
	pool    *Pool
	metrics *metrics.StoreMetrics
}

// New wraps an already-connected Pool as a DescriptorStore. storeMetrics may
// be nil, in which case operation duration/error metrics are not recorded.
func New(pool *Pool, storeMetrics *metrics.StoreMetrics) *Store {
	return &Store{pool: pool, metrics: storeMetrics}
}

// observe records the duration and, on failure, the error kind of a single
// store operation, labeled by op. A no-op when s.metrics is nil.
func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.OperationErrors.WithLabelValues(op, storeErrorKind(err)).Inc()
	}
}

// storeErrorKind classifies an error for the operation_errors_total label,
// distinguishing the two expected store error taxonomies from anything else.
func storeErrorKind(err error) string {
	var unknown *domain.UnknownPipelineError
	var outdated *domain.OutdatedPipelineVersionError
	switch {
	case errors.As(err, &unknown):
		return "unknown_pipeline"
	case errors.As(err, &outdated):
		return "version_conflict"
	default:
		return "other"
	}
}

var _ store.DescriptorStore = (*Store)(nil)

func (s *Store) GetPipelineForRunner(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, needComplete bool) (view store.PipelineView, err error) {
	start := time.Now()
	defer func() { s.observe("get_pipeline_for_runner", start, err) }()

	row := s.pool.QueryRow(ctx, `
		SELECT name, version, platform_version, program_version,
		       program_status_kind, program_status_sql_messages, program_status_rust_message, program_status_system_message,
		       deployment_status_kind, deployment_status_since, deployment_location, deployment_error,
		       deployment_desired_status,
		       runtime_config, program_info, deployment_config, program_binary_url
		FROM pipelines
		WHERE tenant_id = $1 AND pipeline_id = $2`, tenant, pipeline)

	var (
		name                        string
		version, programVersion     domain.Version
		platformVersion             string
		programStatusKind           string
		sqlMessagesRaw              []byte
		rustMessage, systemMessage  string
		deploymentStatusKind        string
		deploymentStatus            domain.DeploymentStatus
		deploymentLocation          string
		deploymentErrorRaw          []byte
		desiredStatus               string
		runtimeConfig               []byte
		programInfoRaw              []byte
		deploymentConfigRaw         []byte
		programBinaryURL            string
	)

	if err := row.Scan(
		&name, &version, &platformVersion, &programVersion,
		&programStatusKind, &sqlMessagesRaw, &rustMessage, &systemMessage,
		&deploymentStatusKind, &deploymentStatus.Since, &deploymentLocation, &deploymentErrorRaw,
		&desiredStatus,
		&runtimeConfig, &programInfoRaw, &deploymentConfigRaw, &programBinaryURL,
	); err != nil {
		if err == pgx.ErrNoRows {
			return store.PipelineView{}, &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
		}
		return store.PipelineView{}, fmt.Errorf("get pipeline for runner: %w", err)
	}

	var sqlMessages []string
	if len(sqlMessagesRaw) > 0 {
		if err := json.Unmarshal(sqlMessagesRaw, &sqlMessages); err != nil {
			return store.PipelineView{}, fmt.Errorf("decode program_status_sql_messages: %w", err)
		}
	}

	var deploymentErr *domain.ErrorResponse
	if len(deploymentErrorRaw) > 0 {
		deploymentErr = &domain.ErrorResponse{}
		if err := json.Unmarshal(deploymentErrorRaw, deploymentErr); err != nil {
			return store.PipelineView{}, fmt.Errorf("decode deployment_error: %w", err)
		}
	}

	deploymentStatus.Kind = domain.DeploymentStatusKind(deploymentStatusKind)
	deploymentStatus.Location = deploymentLocation
	deploymentStatus.Error = deploymentErr

	monitoring := domain.MonitoringView{
		TenantID:        tenant,
		PipelineID:      pipeline,
		Name:            name,
		Version:         version,
		PlatformVersion: platformVersion,
		ProgramVersion:  programVersion,
		ProgramStatus: domain.ProgramStatus{
			Kind:          domain.ProgramStatusKind(programStatusKind),
			SQLMessages:   sqlMessages,
			RustMessage:   rustMessage,
			SystemMessage: systemMessage,
		},
		DeploymentStatus:        deploymentStatus,
		DeploymentDesiredStatus: domain.DesiredDeploymentStatusKind(desiredStatus),
	}

	view = store.PipelineView{Monitoring: monitoring}
	if needComplete {
		var programInfo *domain.ProgramInfo
		if len(programInfoRaw) > 0 {
			programInfo = &domain.ProgramInfo{}
			if err := json.Unmarshal(programInfoRaw, programInfo); err != nil {
				return store.PipelineView{}, fmt.Errorf("decode program_info: %w", err)
			}
		}
		view.Complete = &domain.CompleteView{
			MonitoringView:    monitoring,
			RuntimeConfig:     runtimeConfig,
			ProgramInfo:       programInfo,
			DeploymentConfig:  deploymentConfigRaw,
			ProgramBinaryURL:  programBinaryURL,
		}
	}

	return view, nil
}

func (s *Store) ListPipelineIDs(ctx context.Context) (ids []domain.TenantPipelineID, err error) {
	start := time.Now()
	defer func() { s.observe("list_pipeline_ids", start, err) }()

	rows, err := s.pool.Query(ctx, `SELECT tenant_id, pipeline_id FROM pipelines`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id domain.TenantPipelineID
		if err := rows.Scan(&id.Tenant, &id.Pipeline); err != nil {
			return nil, fmt.Errorf("scan pipeline id: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	return ids, err
}

// transitDeploymentStatus executes a guarded UPDATE and disambiguates a
// zero-rows-affected result between a version mismatch and a deleted
// pipeline with one follow-up SELECT, per spec.md §4.1/§6.
func (s *Store) transitDeploymentStatus(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, setClause string, args ...interface{}) (err error) {
	start := time.Now()
	defer func() { s.observe("transit_deployment_status", start, err) }()

	sql := fmt.Sprintf(`
		UPDATE pipelines
		SET deployment_status_since = now(), updated_at = now(), %s
		WHERE tenant_id = $1 AND pipeline_id = $2 AND version = $3`, setClause)

	fullArgs := append([]interface{}{tenant, pipeline, versionGuard}, args...)
	tag, execErr := s.pool.Exec(ctx, sql, fullArgs...)
	if execErr != nil {
		err = fmt.Errorf("transit deployment status: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = s.versionMismatchOrUnknown(ctx, tenant, pipeline, versionGuard)
		return err
	}
	return nil
}

func (s *Store) versionMismatchOrUnknown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	var latest domain.Version
	err := s.pool.QueryRow(ctx, `SELECT version FROM pipelines WHERE tenant_id = $1 AND pipeline_id = $2`, tenant, pipeline).Scan(&latest)
	if err == pgx.ErrNoRows {
		return &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
	}
	if err != nil {
		return fmt.Errorf("resolve version mismatch: %w", err)
	}
	return &domain.OutdatedPipelineVersionError{Outdated: versionGuard, Latest: latest}
}

func (s *Store) TransitDeploymentStatusToProvisioning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.ProvisioningTransition) error {
	raw, err := json.Marshal(t.DeploymentConfig)
	if err != nil {
		return fmt.Errorf("marshal deployment_config: %w", err)
	}
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4, deployment_config = $5",
		domain.DeploymentProvisioning, raw)
}

func (s *Store) TransitDeploymentStatusToInitializing(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.InitializingTransition) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4, deployment_location = $5",
		domain.DeploymentInitializing, t.Location)
}

func (s *Store) TransitDeploymentStatusToPaused(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4", domain.DeploymentPaused)
}

func (s *Store) TransitDeploymentStatusToRunning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4", domain.DeploymentRunning)
}

func (s *Store) TransitDeploymentStatusToUnavailable(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4", domain.DeploymentUnavailable)
}

func (s *Store) TransitDeploymentStatusToShuttingDown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4", domain.DeploymentShuttingDown)
}

func (s *Store) TransitDeploymentStatusToShutdown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version) error {
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4, deployment_location = ''", domain.DeploymentShutdown)
}

func (s *Store) TransitDeploymentStatusToFailed(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, versionGuard domain.Version, t store.FailedTransition) error {
	raw, err := json.Marshal(t.Error)
	if err != nil {
		return fmt.Errorf("marshal deployment_error: %w", err)
	}
	return s.transitDeploymentStatus(ctx, tenant, pipeline, versionGuard,
		"deployment_status_kind = $4, deployment_error = $5",
		domain.DeploymentFailed, raw)
}

func (s *Store) SetDeploymentDesiredStatusRunning(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(ctx, tenant, pipeline, domain.DesiredRunning)
}

func (s *Store) SetDeploymentDesiredStatusPaused(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(ctx, tenant, pipeline, domain.DesiredPaused)
}

func (s *Store) SetDeploymentDesiredStatusShutdown(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID) error {
	return s.setDesired(ctx, tenant, pipeline, domain.DesiredShutdown)
}

func (s *Store) setDesired(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, desired domain.DesiredDeploymentStatusKind) (err error) {
	start := time.Now()
	defer func() { s.observe("set_desired", start, err) }()

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE pipelines SET deployment_desired_status = $3, updated_at = now()
		WHERE tenant_id = $1 AND pipeline_id = $2`, tenant, pipeline, desired)
	if execErr != nil {
		err = fmt.Errorf("set deployment desired status: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
		return err
	}
	return nil
}

func (s *Store) TransitProgramStatusToPending(ctx context.Context, tenant domain.TenantID, pipeline domain.PipelineID, programVersionGuard domain.Version) (err error) {
	start := time.Now()
	defer func() { s.observe("transit_program_status_to_pending", start, err) }()

	tag, execErr := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET program_status_kind = $4, program_status_sql_messages = '[]', program_status_rust_message = '', program_status_system_message = '', updated_at = now()
		WHERE tenant_id = $1 AND pipeline_id = $2 AND program_version = $3`,
		tenant, pipeline, programVersionGuard, domain.ProgramStatusPending)
	if execErr != nil {
		err = fmt.Errorf("transit program status to pending: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		var latest domain.Version
		latestErr := s.pool.QueryRow(ctx, `SELECT program_version FROM pipelines WHERE tenant_id = $1 AND pipeline_id = $2`, tenant, pipeline).Scan(&latest)
		if latestErr == pgx.ErrNoRows {
			err = &domain.UnknownPipelineError{Tenant: tenant, Pipeline: pipeline}
			return err
		}
		if latestErr != nil {
			err = fmt.Errorf("resolve program version mismatch: %w", latestErr)
			return err
		}
		err = &domain.OutdatedPipelineVersionError{Outdated: programVersionGuard, Latest: latest}
		return err
	}
	return nil
}
