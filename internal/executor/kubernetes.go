package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/resilience"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

const kubernetesBackend = "kubernetes"

// Kubernetes runs a pipeline binary as a Pod + ClusterIP Service, named
// deterministically from (tenant, pipeline) so Provision, IsProvisioned,
// Check and Shutdown find them by name rather than tracking an object
// reference across controller restarts; Init does nothing. Provisioning is idempotent: creating an object that
// already exists is treated as success, per the executor contract.
type Kubernetes struct {
	clientset kubernetes.Interface
	cfg       config.KubernetesConfig
	name      string

	metrics      *metrics.ExecutorMetrics
	retryMetrics *metrics.RetryMetrics
}

// NewKubernetes constructs a Kubernetes executor using in-cluster config.
// Either metrics argument may be nil.
func NewKubernetes(tenant domain.TenantID, pipeline domain.PipelineID, cfg config.KubernetesConfig, executorMetrics *metrics.ExecutorMetrics, retryMetrics *metrics.RetryMetrics) (*Kubernetes, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("load in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}

	return &Kubernetes{
		clientset:    clientset,
		cfg:          cfg,
		name:         resourceName(tenant, pipeline),
		metrics:      executorMetrics,
		retryMetrics: retryMetrics,
	}, nil
}

// retryPolicy builds the policy for one retried Kubernetes API call, labeled
// op for the shared RetryMetrics. The API server returning transient 5xx or
// timeout errors during Provision/Check is the case this covers; object
// creation is already idempotent via the apierrors.IsAlreadyExists checks
// in Provision.
func (k *Kubernetes) retryPolicy(op string) *resilience.RetryPolicy {
	return &resilience.RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		Metrics:       k.retryMetrics,
		OperationName: "kubernetes_" + op,
	}
}

// observe records the duration and, on failure, an error for op against the
// kubernetes backend. A no-op when k.metrics is nil.
func (k *Kubernetes) observe(op string, start time.Time, err error) {
	if k.metrics == nil {
		return
	}
	k.metrics.OperationDuration.WithLabelValues(kubernetesBackend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		k.metrics.OperationErrors.WithLabelValues(kubernetesBackend, op).Inc()
	}
}

func resourceName(tenant domain.TenantID, pipeline domain.PipelineID) string {
	return fmt.Sprintf("pipeline-%s-%s", tenant, pipeline)
}

func (k *Kubernetes) Init(_ context.Context, _ bool) error {
	return nil
}

func (k *Kubernetes) GenerateStorageConfig(_ context.Context) (StorageConfig, error) {
	return StorageConfig{}, nil
}

func (k *Kubernetes) Provision(ctx context.Context, deploymentConfig json.RawMessage, programBinaryURL string, programVersion int64) (err error) {
	start := time.Now()
	defer func() { k.observe("provision", start, err) }()

	err = resilience.WithRetry(ctx, k.retryPolicy("provision"), func() error {
		labels := map[string]string{"app": k.name}

		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: k.name, Labels: labels},
			Spec: corev1.PodSpec{
				Containers: []corev1.Container{{
					Name:  "pipeline",
					Image: k.cfg.Image,
					Env: []corev1.EnvVar{
						{Name: "DEPLOYMENT_CONFIG", Value: string(deploymentConfig)},
						{Name: "PROGRAM_BINARY_URL", Value: programBinaryURL},
						{Name: "PROGRAM_VERSION", Value: fmt.Sprintf("%d", programVersion)},
					},
					Ports: []corev1.ContainerPort{{ContainerPort: 8000}},
				}},
				ServiceAccountName: k.cfg.ServiceAccount,
				RestartPolicy:      corev1.RestartPolicyAlways,
			},
		}

		_, podErr := k.clientset.CoreV1().Pods(k.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		if podErr != nil && !apierrors.IsAlreadyExists(podErr) {
			return fmt.Errorf("create pipeline pod: %w", podErr)
		}

		service := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: k.name},
			Spec: corev1.ServiceSpec{
				Selector: labels,
				Ports:    []corev1.ServicePort{{Port: 8000, TargetPort: intstr.FromInt(8000)}},
			},
		}
		_, svcErr := k.clientset.CoreV1().Services(k.cfg.Namespace).Create(ctx, service, metav1.CreateOptions{})
		if svcErr != nil && !apierrors.IsAlreadyExists(svcErr) {
			return fmt.Errorf("create pipeline service: %w", svcErr)
		}

		return nil
	})
	return err
}

func (k *Kubernetes) IsProvisioned(ctx context.Context) (string, error) {
	pod, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Get(ctx, k.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pipeline pod: %w", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return "", nil
	}

	svc, err := k.clientset.CoreV1().Services(k.cfg.Namespace).Get(ctx, k.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pipeline service: %w", err)
	}

	return fmt.Sprintf("http://%s.%s.svc.cluster.local:8000", svc.Name, k.cfg.Namespace), nil
}

func (k *Kubernetes) Check(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { k.observe("check", start, err) }()

	err = resilience.WithRetry(ctx, k.retryPolicy("check"), func() error {
		pod, getErr := k.clientset.CoreV1().Pods(k.cfg.Namespace).Get(ctx, k.name, metav1.GetOptions{})
		if getErr != nil {
			return fmt.Errorf("get pipeline pod: %w", getErr)
		}
		if pod.Status.Phase == corev1.PodFailed {
			return fmt.Errorf("pipeline pod %s/%s failed", k.cfg.Namespace, k.name)
		}
		return nil
	})
	return err
}

func (k *Kubernetes) Shutdown(ctx context.Context) error {
	err := k.clientset.CoreV1().Pods(k.cfg.Namespace).Delete(ctx, k.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pipeline pod: %w", err)
	}
	err = k.clientset.CoreV1().Services(k.cfg.Namespace).Delete(ctx, k.name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pipeline service: %w", err)
	}
	return nil
}

var _ PipelineExecutor = (*Kubernetes)(nil)
