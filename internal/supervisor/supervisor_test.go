package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/executor"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

var fastCfg = config.AutomatonConfig{
	PollInterval:           time.Millisecond,
	CheckInterval:          time.Millisecond,
	RequestTimeout:         time.Second,
	ShutdownGracePeriod:    time.Second,
	ShutdownPollPeriod:     time.Millisecond,
	ProvisioningPollPeriod: time.Millisecond,
	ProvisioningTimeout:    time.Minute,
}

func mockExecutorFactory() ExecutorFactory {
	return func(tenant domain.TenantID, pipeline domain.PipelineID) (executor.PipelineExecutor, error) {
		return executor.NewMock(""), nil
	}
}

func TestSupervisor_RunSpawnsOneAutomatonPerExistingPipeline(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", "v1", []byte(`{}`))
	st.Create("acme", "events", "events-pipeline", "v1", []byte(`{}`))

	sup := New(st, mockExecutorFactory(), pipelineclient.New(time.Second), "v1", fastCfg, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.reg.count() == 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, 0, sup.reg.count())
}

func TestSupervisor_HandleCreateSpawnsANewAutomaton(t *testing.T) {
	st := memory.New()
	sup := New(st, mockExecutorFactory(), pipelineclient.New(time.Second), "v1", fastCfg, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.reg.count() == 0 }, time.Second, time.Millisecond)

	id := domain.TenantPipelineID{Tenant: "acme", Pipeline: "orders"}
	st.Create(id.Tenant, id.Pipeline, "orders-pipeline", "v1", []byte(`{}`))
	sup.HandleCreate(id)

	require.Eventually(t, func() bool { return sup.reg.has(id) }, time.Second, time.Millisecond)
}

func TestSupervisor_HandleDeleteCancelsTheAutomaton(t *testing.T) {
	st := memory.New()
	id := domain.TenantPipelineID{Tenant: "acme", Pipeline: "orders"}
	st.Create(id.Tenant, id.Pipeline, "orders-pipeline", "v1", []byte(`{}`))

	sup := New(st, mockExecutorFactory(), pipelineclient.New(time.Second), "v1", fastCfg, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	require.Eventually(t, func() bool { return sup.reg.has(id) }, time.Second, time.Millisecond)

	st.Delete(id.Tenant, id.Pipeline)
	sup.HandleDelete(id)

	require.Eventually(t, func() bool { return !sup.reg.has(id) }, time.Second, time.Millisecond)
}

func TestSupervisor_SpawnBeforeRunIsANoOp(t *testing.T) {
	st := memory.New()
	sup := New(st, mockExecutorFactory(), pipelineclient.New(time.Second), "v1", fastCfg, discardLogger(), nil)

	id := domain.TenantPipelineID{Tenant: "acme", Pipeline: "orders"}
	sup.spawn(id)
	assert.Equal(t, 0, sup.reg.count())
}
