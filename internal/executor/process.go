package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

const processBackend = "process"

// Process runs a pipeline binary as a local OS process, reattaching to a
// previously-spawned PID (recorded on disk) across controller restarts
// instead of assuming ownership implies a live process.
type Process struct {
	mu sync.Mutex

	tenant   domain.TenantID
	pipeline domain.PipelineID
	cfg      config.ProcessConfig

	cmd      *exec.Cmd
	pid      int
	port     int
	location string

	metrics *metrics.ExecutorMetrics
}

// NewProcess constructs a Process executor for one pipeline. cfg.WorkDir is
// used both to stage the binary's working directory and to persist the
// PID/port pair this instance reattaches to on Init. executorMetrics may be
// nil. Unlike the Docker and Kubernetes backends, Process issues no retry:
// its operations are local syscalls (process signals, port probes) rather
// than calls to an external daemon or API server, so a failure is not
// transient in the way a network error is.
func NewProcess(tenant domain.TenantID, pipeline domain.PipelineID, cfg config.ProcessConfig, executorMetrics *metrics.ExecutorMetrics) *Process {
	return &Process{tenant: tenant, pipeline: pipeline, cfg: cfg, metrics: executorMetrics}
}

// observe records the duration and, on failure, an error for op against the
// process backend. A no-op when p.metrics is nil.
func (p *Process) observe(op string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.OperationDuration.WithLabelValues(processBackend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.OperationErrors.WithLabelValues(processBackend, op).Inc()
	}
}

func (p *Process) stateFile() string {
	return filepath.Join(p.cfg.WorkDir, string(p.tenant), string(p.pipeline), "runtime.json")
}

type processState struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

func (p *Process) Init(_ context.Context, wasProvisioned bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !wasProvisioned {
		return nil
	}

	raw, err := os.ReadFile(p.stateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read process state: %w", err)
	}

	var state processState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode process state: %w", err)
	}

	if processAlive(state.PID) {
		p.pid = state.PID
		p.port = state.Port
		p.location = fmt.Sprintf("http://127.0.0.1:%d", state.Port)
	}
	return nil
}

func (p *Process) GenerateStorageConfig(_ context.Context) (StorageConfig, error) {
	return StorageConfig{}, nil
}

func (p *Process) Provision(_ context.Context, deploymentConfig json.RawMessage, programBinaryURL string, programVersion int64) (err error) {
	start := time.Now()
	defer func() { p.observe("provision", start, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid != 0 && processAlive(p.pid) {
		return nil
	}

	workDir := filepath.Join(p.cfg.WorkDir, string(p.tenant), string(p.pipeline))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	configPath := filepath.Join(workDir, "deployment_config.json")
	if err := os.WriteFile(configPath, deploymentConfig, 0o644); err != nil {
		return fmt.Errorf("write deployment config: %w", err)
	}

	port, err := allocatePort(p.cfg.PortRangeStart, p.cfg.PortRangeEnd)
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}

	binary := filepath.Join(p.cfg.BinaryDir, filepath.Base(programBinaryURL))
	cmd := exec.Command(binary,
		"--config", configPath,
		"--port", strconv.Itoa(port),
		"--program-version", strconv.FormatInt(programVersion, 10),
	)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start pipeline process: %w", err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.port = port
	p.location = fmt.Sprintf("http://127.0.0.1:%d", port)

	state := processState{PID: p.pid, Port: p.port}
	raw, _ := json.Marshal(state)
	if err := os.WriteFile(p.stateFile(), raw, 0o644); err != nil {
		return fmt.Errorf("persist process state: %w", err)
	}

	go func() { _ = cmd.Wait() }()

	return nil
}

func (p *Process) IsProvisioned(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid == 0 || !processAlive(p.pid) {
		return "", nil
	}
	if !portOpen(p.port) {
		return "", nil
	}
	return p.location, nil
}

func (p *Process) Check(_ context.Context) (err error) {
	start := time.Now()
	defer func() { p.observe("check", start, err) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid == 0 {
		return fmt.Errorf("process not provisioned")
	}
	if !processAlive(p.pid) {
		return fmt.Errorf("process %d is no longer running", p.pid)
	}
	return nil
}

func (p *Process) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid != 0 {
		_ = syscall.Kill(-p.pid, syscall.SIGTERM)
	}
	_ = os.Remove(p.stateFile())
	p.pid = 0
	p.port = 0
	p.location = ""
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func portOpen(port int) bool {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func allocatePort(start, end int) (int, error) {
	for port := start; port < end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range [%d, %d)", start, end)
}

var _ PipelineExecutor = (*Process)(nil)
