package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/resilience"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

const dockerBackend = "docker"

// containerPort is the fixed port the pipeline binary's HTTP control
// surface listens on inside every container; the host port is allocated by
// Docker and discovered via ContainerInspect.
const containerPort = "8000/tcp"

// Docker runs a pipeline binary inside a Docker container, named
// deterministically from (tenant, pipeline) so Provision, IsProvisioned,
// Check and Shutdown find a container a previous controller process
// created; Init does nothing.
type Docker struct {
	cli  *client.Client
	cfg  config.DockerConfig
	name string

	metrics      *metrics.ExecutorMetrics
	retryMetrics *metrics.RetryMetrics
}

// NewDocker constructs a Docker executor for one pipeline, connecting to
// the daemon at cfg.Host. Either metrics argument may be nil.
func NewDocker(tenant domain.TenantID, pipeline domain.PipelineID, cfg config.DockerConfig, executorMetrics *metrics.ExecutorMetrics, retryMetrics *metrics.RetryMetrics) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(cfg.Host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{
		cli:          cli,
		cfg:          cfg,
		name:         containerName(tenant, pipeline),
		metrics:      executorMetrics,
		retryMetrics: retryMetrics,
	}, nil
}

// retryPolicy builds the policy for one retried Docker API operation,
// labeled op for the shared RetryMetrics.
func (d *Docker) retryPolicy(op string) *resilience.RetryPolicy {
	return &resilience.RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		Metrics:       d.retryMetrics,
		OperationName: "docker_" + op,
	}
}

// observe records the duration and, on failure, an error for op against the
// docker backend. A no-op when d.metrics is nil.
func (d *Docker) observe(op string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.OperationDuration.WithLabelValues(dockerBackend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		d.metrics.OperationErrors.WithLabelValues(dockerBackend, op).Inc()
	}
}

func containerName(tenant domain.TenantID, pipeline domain.PipelineID) string {
	return fmt.Sprintf("pipeline-%s-%s", tenant, pipeline)
}

func (d *Docker) Init(_ context.Context, _ bool) error {
	return nil
}

func (d *Docker) GenerateStorageConfig(_ context.Context) (StorageConfig, error) {
	return StorageConfig{}, nil
}

func (d *Docker) findContainer(ctx context.Context) (string, error) {
	f := filters.NewArgs(filters.Arg("name", d.name))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == d.name {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (d *Docker) Provision(ctx context.Context, deploymentConfig json.RawMessage, programBinaryURL string, programVersion int64) (err error) {
	start := time.Now()
	defer func() { d.observe("provision", start, err) }()

	err = resilience.WithRetry(ctx, d.retryPolicy("provision"), func() error {
		existing, findErr := d.findContainer(ctx)
		if findErr != nil {
			return findErr
		}
		if existing != "" {
			return d.cli.ContainerStart(ctx, existing, container.StartOptions{})
		}

		image := d.cfg.Image
		if image == "" {
			image = programBinaryURL
		}

		cfg := &container.Config{
			Image: image,
			Env: []string{
				fmt.Sprintf("DEPLOYMENT_CONFIG=%s", string(deploymentConfig)),
				fmt.Sprintf("PROGRAM_VERSION=%d", programVersion),
			},
			ExposedPorts: nat.PortSet{nat.Port(containerPort): struct{}{}},
		}
		hostCfg := &container.HostConfig{
			NetworkMode: container.NetworkMode(d.cfg.Network),
			AutoRemove:  d.cfg.AutoRemove,
			PortBindings: nat.PortMap{
				nat.Port(containerPort): []nat.PortBinding{{HostIP: "127.0.0.1"}},
			},
		}

		resp, createErr := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, d.name)
		if createErr != nil {
			return fmt.Errorf("create container: %w", createErr)
		}
		if startErr := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); startErr != nil {
			return fmt.Errorf("start container: %w", startErr)
		}
		return nil
	})
	return err
}

func (d *Docker) IsProvisioned(ctx context.Context) (string, error) {
	id, err := d.findContainer(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}

	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if !inspect.State.Running {
		return "", nil
	}

	bindings, ok := inspect.NetworkSettings.Ports[nat.Port(containerPort)]
	if !ok || len(bindings) == 0 {
		return "", nil
	}
	return fmt.Sprintf("http://%s:%s", bindings[0].HostIP, bindings[0].HostPort), nil
}

func (d *Docker) Check(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { d.observe("check", start, err) }()

	err = resilience.WithRetry(ctx, d.retryPolicy("check"), func() error {
		id, findErr := d.findContainer(ctx)
		if findErr != nil {
			return findErr
		}
		if id == "" {
			return fmt.Errorf("container %s not found", d.name)
		}
		inspect, inspectErr := d.cli.ContainerInspect(ctx, id)
		if inspectErr != nil {
			return fmt.Errorf("inspect container: %w", inspectErr)
		}
		if !inspect.State.Running {
			return fmt.Errorf("container %s is not running (status %s)", d.name, inspect.State.Status)
		}
		return nil
	})
	return err
}

func (d *Docker) Shutdown(ctx context.Context) error {
	id, err := d.findContainer(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	if !d.cfg.AutoRemove {
		if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	return nil
}

// drainLogs copies a container's stdout/stderr to w, for diagnosing a
// failed-to-start container. It is not on the PipelineExecutor contract and
// nothing in the repository calls it.
func (d *Docker) drainLogs(ctx context.Context, containerID string, w io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

var _ PipelineExecutor = (*Docker)(nil)
