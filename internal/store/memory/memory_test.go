package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/store"
)

const (
	tenant   = domain.TenantID("acme")
	pipeline = domain.PipelineID("orders")
)

func TestCreate_SeedsShutdownPending(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))

	view, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Version(1), view.Monitoring.Version)
	assert.Equal(t, domain.DeploymentShutdown, view.Monitoring.DeploymentStatus.Kind)
	assert.Equal(t, domain.DesiredShutdown, view.Monitoring.DeploymentDesiredStatus)
	assert.Equal(t, domain.ProgramStatusPending, view.Monitoring.ProgramStatus.Kind)
}

func TestGetPipelineForRunner_UnknownPipelineErrors(t *testing.T) {
	s := New()
	_, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.Error(t, err)
	var unknown *domain.UnknownPipelineError
	assert.ErrorAs(t, err, &unknown)
}

func TestGetPipelineForRunner_CompleteViewOnlyWhenRequested(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))

	partial, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.NoError(t, err)
	assert.Nil(t, partial.Complete)

	complete, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, true)
	require.NoError(t, err)
	require.NotNil(t, complete.Complete)
}

func TestTransitDeploymentStatus_RejectsStaleVersionGuard(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))
	s.BumpVersion(tenant, pipeline)

	err := s.TransitDeploymentStatusToProvisioning(context.Background(), tenant, pipeline, 1, store.ProvisioningTransition{})
	require.Error(t, err)
	var outdated *domain.OutdatedPipelineVersionError
	assert.ErrorAs(t, err, &outdated)
}

func TestTransitDeploymentStatus_SucceedsWithCurrentVersionGuard(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))

	err := s.TransitDeploymentStatusToProvisioning(context.Background(), tenant, pipeline, 1, store.ProvisioningTransition{
		DeploymentConfig: domain.DeploymentConfig{
			InputConnectors: []domain.ConnectorInfo{{Name: "orders-in"}},
		},
	})
	require.NoError(t, err)

	view, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.NoError(t, err)
	assert.Equal(t, domain.DeploymentProvisioning, view.Monitoring.DeploymentStatus.Kind)
}

func TestDelete_SubsequentReadsReturnUnknownPipeline(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))
	s.Delete(tenant, pipeline)

	_, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	var unknown *domain.UnknownPipelineError
	assert.ErrorAs(t, err, &unknown)
}

func TestListPipelineIDs_ReflectsCreatesAndDeletes(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))
	s.Create(tenant, "events", "events-pipeline", "v1", []byte(`{}`))

	ids, err := s.ListPipelineIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	s.Delete(tenant, "events")
	ids, err = s.ListPipelineIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Equal(t, pipeline, ids[0].Pipeline)
}

func TestSetDesiredStatus_UpdatesWithoutTouchingVersion(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))

	require.NoError(t, s.SetDeploymentDesiredStatusRunning(context.Background(), tenant, pipeline))

	view, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.NoError(t, err)
	assert.Equal(t, domain.DesiredRunning, view.Monitoring.DeploymentDesiredStatus)
	assert.Equal(t, domain.Version(1), view.Monitoring.Version)
}

func TestSetProgramSQLError_SurfacesOnMonitoringView(t *testing.T) {
	s := New()
	s.Create(tenant, pipeline, "orders-pipeline", "v1", []byte(`{}`))
	s.SetProgramSQLError(tenant, pipeline, []string{"syntax error near SELECT"})

	view, err := s.GetPipelineForRunner(context.Background(), tenant, pipeline, false)
	require.NoError(t, err)
	assert.Equal(t, domain.ProgramStatusSQLError, view.Monitoring.ProgramStatus.Kind)
	assert.Equal(t, []string{"syntax error near SELECT"}, view.Monitoring.ProgramStatus.SQLMessages)
}
