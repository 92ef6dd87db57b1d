package automaton

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/executor"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store/memory"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

const testPlatformVersion = "v1"

var fastAutomatonConfig = config.AutomatonConfig{
	PollInterval:           time.Millisecond,
	CheckInterval:          time.Millisecond,
	RequestTimeout:         time.Second,
	ShutdownGracePeriod:    time.Second,
	ShutdownPollPeriod:     time.Millisecond,
	ProvisioningPollPeriod: time.Millisecond,
	ProvisioningTimeout:    time.Minute,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// stateBox is the mutable state behind an httptest server standing in for
// the remote pipeline's control surface, matching the "mock Executor
// returning Some(location) plus an HTTP mock for /stats, /start, /pause"
// fixture described for the end-to-end scenarios.
type stateBox struct {
	mu          sync.Mutex
	state       string // "Paused", "Running", or "" for a 503
	startStatus int
	pauseStatus int
}

func (b *stateBox) setState(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func newStatsServer() (*httptest.Server, *stateBox) {
	box := &stateBox{state: "Paused", startStatus: 200, pauseStatus: 200}
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		box.mu.Lock()
		defer box.mu.Unlock()
		if box.state == "" {
			w.WriteHeader(503)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"global_metrics": map[string]any{"state": box.state},
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		box.mu.Lock()
		defer box.mu.Unlock()
		w.WriteHeader(box.startStatus)
		if box.startStatus == 200 {
			box.state = "Running"
		}
	})
	mux.HandleFunc("/pause", func(w http.ResponseWriter, r *http.Request) {
		box.mu.Lock()
		defer box.mu.Unlock()
		w.WriteHeader(box.pauseStatus)
		if box.pauseStatus == 200 {
			box.state = "Paused"
		}
	})
	return httptest.NewServer(mux), box
}

func newTestAutomaton(st *memory.Store, exec executor.PipelineExecutor) *Automaton {
	client := pipelineclient.New(time.Second)
	return New("acme", "orders", st, exec, client, testPlatformVersion, fastAutomatonConfig, discardLogger(), NewNotify(), nil)
}

func TestCycle_RecordsAutomatonMetrics(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")
	require.NoError(t, st.SetDeploymentDesiredStatusPaused(context.Background(), "acme", "orders"))

	server, box := newStatsServer()
	defer server.Close()
	box.setState("Paused")

	mock := executor.NewMock(server.URL)
	client := pipelineclient.New(time.Second)
	am := metrics.NewAutomatonMetrics("test_automaton_cycle")
	a := New("acme", "orders", st, mock, client, testPlatformVersion, fastAutomatonConfig, discardLogger(), NewNotify(), am)

	for i := 0; i < 10; i++ {
		mustCycle(t, a)
	}

	assert.Greater(t, testutil.ToFloat64(am.CyclesTotal.WithLabelValues("ok")), 0.0)
	assert.Greater(t, testutil.ToFloat64(am.TransitionsTotal.WithLabelValues(
		string(domain.DeploymentShutdown), string(domain.DeploymentProvisioning))), 0.0)
}

func TestApply_RecordsVersionConflictOnOutdatedProvisioningRetry(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")
	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))

	am := metrics.NewAutomatonMetrics("test_automaton_version_conflict")
	a := New("acme", "orders", st, executor.NewMock(""), pipelineclient.New(time.Second), testPlatformVersion, fastAutomatonConfig, discardLogger(), NewNotify(), am)

	view, err := st.GetPipelineForRunner(context.Background(), "acme", "orders", true)
	require.NoError(t, err)
	a.lastMonitoring = view.Monitoring
	st.BumpVersion("acme", "orders")

	transition := a.decide(context.Background(), view)
	_, err = a.apply(context.Background(), view.Monitoring, transition)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(am.VersionConflicts))
}

func mustCycle(t *testing.T, a *Automaton) {
	t.Helper()
	_, err := a.cycle(context.Background())
	require.NoError(t, err)
}

func currentStatus(t *testing.T, st *memory.Store) domain.DeploymentStatusKind {
	t.Helper()
	view, err := st.GetPipelineForRunner(context.Background(), "acme", "orders", false)
	require.NoError(t, err)
	return view.Monitoring.DeploymentStatus.Kind
}

// driveUntilSettled runs exactly n cycles and returns the status observed
// after each one. It does not stop early on a repeated status: Provisioning
// is legitimately observed on two consecutive cycles (provision_called
// false, then true) per the transition table.
func driveUntilSettled(t *testing.T, a *Automaton, st *memory.Store, n int) []domain.DeploymentStatusKind {
	t.Helper()
	statuses := make([]domain.DeploymentStatusKind, 0, n)
	for i := 0; i < n; i++ {
		mustCycle(t, a)
		statuses = append(statuses, currentStatus(t, st))
	}
	return statuses
}

func TestScenario_StartToPaused(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	server, box := newStatsServer()
	defer server.Close()
	box.setState("Paused")

	mock := executor.NewMock(server.URL)
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusPaused(context.Background(), "acme", "orders"))

	statuses := driveUntilSettled(t, a, st, 10)

	assert.Contains(t, statuses, domain.DeploymentProvisioning)
	assert.Contains(t, statuses, domain.DeploymentInitializing)
	assert.Equal(t, domain.DeploymentPaused, statuses[len(statuses)-1])
}

func TestScenario_StartToRunning(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	server, box := newStatsServer()
	defer server.Close()
	box.setState("Paused")

	mock := executor.NewMock(server.URL)
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))

	statuses := driveUntilSettled(t, a, st, 12)
	assert.Equal(t, domain.DeploymentRunning, statuses[len(statuses)-1])
}

func TestScenario_PausedThenRunning(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	server, box := newStatsServer()
	defer server.Close()
	box.setState("Paused")

	mock := executor.NewMock(server.URL)
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusPaused(context.Background(), "acme", "orders"))
	driveUntilSettled(t, a, st, 10)
	require.Equal(t, domain.DeploymentPaused, currentStatus(t, st))

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))
	mustCycle(t, a)

	assert.Equal(t, domain.DeploymentRunning, currentStatus(t, st))
}

func TestScenario_ShutdownDuringProvisioning(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	mock := executor.NewMock("http://mock")
	mock.IsProvisionedFunc = func() (string, error) { return "", nil } // never finishes provisioning
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))
	mustCycle(t, a) // Shutdown -> Provisioning
	require.Equal(t, domain.DeploymentProvisioning, currentStatus(t, st))

	require.NoError(t, st.SetDeploymentDesiredStatusShutdown(context.Background(), "acme", "orders"))

	mustCycle(t, a) // Provisioning -> ShuttingDown
	assert.Equal(t, domain.DeploymentShuttingDown, currentStatus(t, st))

	mustCycle(t, a) // ShuttingDown -> Shutdown
	assert.Equal(t, domain.DeploymentShutdown, currentStatus(t, st))
}

func TestScenario_ShutdownDuringInitializing(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	server, box := newStatsServer()
	defer server.Close()
	box.setState("Paused")

	mock := executor.NewMock(server.URL)
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))
	mustCycle(t, a) // Shutdown -> Provisioning
	mustCycle(t, a) // provision_called: false -> true, still Provisioning
	mustCycle(t, a) // is_provisioned() -> Initializing
	require.Equal(t, domain.DeploymentInitializing, currentStatus(t, st))

	require.NoError(t, st.SetDeploymentDesiredStatusShutdown(context.Background(), "acme", "orders"))
	mustCycle(t, a) // Initializing -> ShuttingDown
	assert.Equal(t, domain.DeploymentShuttingDown, currentStatus(t, st))

	mustCycle(t, a) // ShuttingDown -> Shutdown
	assert.Equal(t, domain.DeploymentShutdown, currentStatus(t, st))
}

func TestScenario_StaleVersionDuringShutdownToProvisioning(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	mock := executor.NewMock("http://mock")
	a := newTestAutomaton(st, mock)

	// Prime first_run_cycle (executor.Init) while desired is still Shutdown,
	// so the race below exercises an ordinary cycle, not the special
	// first-cycle complete-view fetch.
	mustCycle(t, a)
	require.Equal(t, domain.DeploymentShutdown, currentStatus(t, st))

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))

	// Reproduce the race by hand: read the descriptor (as step 1 of the
	// cycle would), let a concurrent user edit bump its version, then
	// decide and apply against the now-stale version_guard observed at
	// read time.
	view, err := st.GetPipelineForRunner(context.Background(), "acme", "orders", true)
	require.NoError(t, err)
	a.lastMonitoring = view.Monitoring // what a real cycle() would have cached from this read
	st.BumpVersion("acme", "orders")

	transition := a.decide(context.Background(), view)
	_, err = a.apply(context.Background(), view.Monitoring, transition)
	require.NoError(t, err, "a stale version_guard on Shutdown->Provisioning must be swallowed, not propagated")
	assert.Equal(t, domain.DeploymentShutdown, currentStatus(t, st), "a stale version_guard must not advance the status")

	mustCycle(t, a) // re-reads the bumped version and succeeds
	assert.Equal(t, domain.DeploymentProvisioning, currentStatus(t, st))
}

// P5: Failed stickiness — no transition out of Failed except desired=Shutdown.
func TestInvariant_FailedStickiness(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSQLError("acme", "orders", []string{"syntax error near SELECT"})

	mock := executor.NewMock("http://mock")
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))
	mustCycle(t, a)
	require.Equal(t, domain.DeploymentFailed, currentStatus(t, st))

	for i := 0; i < 3; i++ {
		mustCycle(t, a)
	}
	assert.Equal(t, domain.DeploymentFailed, currentStatus(t, st), "desired=Running must not unstick Failed")

	require.NoError(t, st.SetDeploymentDesiredStatusShutdown(context.Background(), "acme", "orders"))
	mustCycle(t, a)
	assert.Equal(t, domain.DeploymentShuttingDown, currentStatus(t, st))
}

// P3: every deployment_status change updates deployment_status_since, and a
// no-op cycle must not touch it.
func TestInvariant_StatusSinceUpdatesOnlyOnChange(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))

	mock := executor.NewMock("http://mock")
	a := newTestAutomaton(st, mock)

	sinceBefore := currentStatusSince(t, st)

	mustCycle(t, a) // desired is still Shutdown; Shutdown/Shutdown is a no-op

	assert.Equal(t, sinceBefore, currentStatusSince(t, st))
}

func currentStatusSince(t *testing.T, st *memory.Store) time.Time {
	t.Helper()
	view, err := st.GetPipelineForRunner(context.Background(), "acme", "orders", false)
	require.NoError(t, err)
	return view.Monitoring.DeploymentStatus.Since
}

// P6: executor.Shutdown is safe to invoke repeatedly without corrupting
// persisted fields.
func TestInvariant_IdempotentShutdown(t *testing.T) {
	st := memory.New()
	st.Create("acme", "orders", "orders-pipeline", testPlatformVersion, json.RawMessage(`{"storage":false}`))
	st.SetProgramSuccess("acme", "orders")

	mock := executor.NewMock("http://mock")
	a := newTestAutomaton(st, mock)

	require.NoError(t, st.SetDeploymentDesiredStatusRunning(context.Background(), "acme", "orders"))
	mustCycle(t, a) // Shutdown -> Provisioning
	require.Equal(t, domain.DeploymentProvisioning, currentStatus(t, st))

	require.NoError(t, st.SetDeploymentDesiredStatusShutdown(context.Background(), "acme", "orders"))
	mustCycle(t, a) // Provisioning -> ShuttingDown
	require.Equal(t, domain.DeploymentShuttingDown, currentStatus(t, st))

	// A failing executor.Shutdown keeps the status at ShuttingDown and is
	// invoked again on every following cycle.
	mock.ShutdownErr = errors.New("runtime still stopping")
	for i := 0; i < 3; i++ {
		mustCycle(t, a)
		assert.Equal(t, domain.DeploymentShuttingDown, currentStatus(t, st))
	}

	mock.ShutdownErr = nil
	mustCycle(t, a) // ShuttingDown -> Shutdown
	assert.Equal(t, domain.DeploymentShutdown, currentStatus(t, st))
	assert.Equal(t, 4, mock.ShutdownCalls)

	for i := 0; i < 2; i++ {
		mustCycle(t, a) // Shutdown/Shutdown is a no-op
	}
	assert.Equal(t, domain.DeploymentShutdown, currentStatus(t, st))
	assert.Equal(t, 4, mock.ShutdownCalls)
}

// needsCompleteView is exercised directly too: it must not require a
// complete-view read for the common Paused/Running reconciliation path.
func TestNeedsCompleteView(t *testing.T) {
	base := domain.MonitoringView{
		DeploymentStatus:        domain.DeploymentStatus{Kind: domain.DeploymentShutdown},
		DeploymentDesiredStatus: domain.DesiredRunning,
		ProgramStatus:           domain.ProgramStatus{Kind: domain.ProgramStatusSuccess},
		PlatformVersion:         testPlatformVersion,
	}
	assert.True(t, needsCompleteView(base, testPlatformVersion, false))

	stillCompiling := base
	stillCompiling.ProgramStatus = domain.ProgramStatus{Kind: domain.ProgramStatusCompilingSQL}
	assert.False(t, needsCompleteView(stillCompiling, testPlatformVersion, false))

	paused := domain.MonitoringView{
		DeploymentStatus:        domain.DeploymentStatus{Kind: domain.DeploymentPaused},
		DeploymentDesiredStatus: domain.DesiredRunning,
	}
	assert.False(t, needsCompleteView(paused, testPlatformVersion, false))
}
