package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	testContainerName = "test"
	podPollInterval   = 500 * time.Millisecond

	// AnnotationTestCase keeps the raw test-case id; label values are
	// restricted to a subset of characters.
	AnnotationTestCase = "suiteplane.io/test-case-id"
)

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	Namespace      string
	ServiceAccount string
	// Limits applied to every test pod.
	DefaultCPULimit    string
	DefaultMemoryLimit string
	// DefaultImage is used for test cases that do not name one.
	DefaultImage string
	Logger       *slog.Logger
}

// KubernetesRuntime runs each test-case attempt as a Kubernetes Job with a
// single pod and no Job-level retries.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
}

// KubernetesHandle represents a running Kubernetes Job.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string // set once the pod exists
}

// NewKubernetesRuntime uses the in-cluster configuration when running in a
// pod and the standard kubeconfig rules ($KUBECONFIG, ~/.kube/config)
// otherwise.
func NewKubernetesRuntime(cfg KubernetesConfig) (*KubernetesRuntime, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{})
		config, err = loader.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return newKubernetesRuntime(clientset, cfg), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg}
}

// Start creates the Job. The pod is scheduled asynchronously; Wait finds it.
func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	image := opts.Image
	if image == "" {
		image = k.config.DefaultImage
	}
	if image == "" {
		return nil, fmt.Errorf("image is required")
	}
	resources, err := k.resources()
	if err != nil {
		return nil, err
	}

	jobName := kubernetesJobName(opts.Name)
	labels := kubernetesLabels(opts.labels())
	podLabels := kubernetesLabels(opts.labels())
	podLabels["job-name"] = jobName

	var annotations map[string]string
	if tc := opts.Labels[LabelTestCase]; tc != "" {
		annotations = map[string]string{AnnotationTestCase: tc}
	}

	var envVars []corev1.EnvVar
	for _, kv := range envList(opts.Env) {
		name, value, _ := strings.Cut(kv, "=")
		envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
	}

	backoffLimit := int32(0) // retries belong to the coordinator
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        jobName,
			Namespace:   k.config.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      podLabels,
					Annotations: annotations,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.config.ServiceAccount,
					Containers: []corev1.Container{{
						Name:      testContainerName,
						Image:     image,
						Command:   opts.Command,
						Env:       envVars,
						Resources: resources,
					}},
				},
			},
		},
	}
	if opts.Timeout > 0 {
		deadline := int64(opts.Timeout.Seconds())
		if deadline < 1 {
			deadline = 1
		}
		job.Spec.ActiveDeadlineSeconds = &deadline
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes job: %w", err)
	}
	k.config.Logger.Debug("created kubernetes job", "job", created.Name, "namespace", k.config.Namespace,
		"execution_id", opts.Labels[LabelExecution])

	return &KubernetesHandle{
		clientset: k.clientset,
		namespace: k.config.Namespace,
		jobName:   created.Name,
	}, nil
}

func (k *KubernetesRuntime) resources() (corev1.ResourceRequirements, error) {
	cpu, err := resource.ParseQuantity(k.config.DefaultCPULimit)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("invalid cpu limit %q: %w", k.config.DefaultCPULimit, err)
	}
	mem, err := resource.ParseQuantity(k.config.DefaultMemoryLimit)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("invalid memory limit %q: %w", k.config.DefaultMemoryLimit, err)
	}
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{corev1.ResourceCPU: cpu, corev1.ResourceMemory: mem},
	}, nil
}

var (
	invalidNameChars  = regexp.MustCompile(`[^a-z0-9-]+`)
	invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// kubernetesJobName builds a DNS-1123 name that is unique per attempt.
func kubernetesJobName(name string) string {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	name = strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if name == "" {
		return "suiteplane-" + suffix
	}
	if max := 63 - len("suiteplane--") - len(suffix); len(name) > max {
		name = strings.TrimRight(name[:max], "-")
	}
	return "suiteplane-" + name + "-" + suffix
}

// kubernetesLabels rewrites values into valid label values: at most 63
// characters, alphanumeric at both ends. Values that end up empty are dropped.
func kubernetesLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		v = invalidLabelChars.ReplaceAllString(v, "_")
		if len(v) > 63 {
			v = v[:63]
		}
		v = strings.Trim(v, "._-")
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Wait blocks until the job's pod completes and returns the result.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	podName, err := h.waitForPod(ctx)
	if err != nil {
		if ctx.Err() != nil {
			_ = h.Stop(context.Background())
		}
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	h.podName = podName

	watcher, err := h.clientset.CoreV1().Pods(h.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			err := fmt.Errorf("watch error on pod %s", podName)
			return ExitResult{ExitCode: -1, Error: err}, err
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		if result, done := podResult(pod); done {
			return result, nil
		}
	}

	if ctx.Err() != nil {
		_ = h.Stop(context.Background())
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
	err = fmt.Errorf("watch on pod %s closed before it finished", podName)
	return ExitResult{ExitCode: -1, Error: err}, err
}

// podResult maps a finished pod to an exit result. The container's exit
// code wins; a pod killed by the Job deadline has none and reports -1.
func podResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		result := ExitResult{ExitCode: -1}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != testContainerName || cs.State.Terminated == nil {
				continue
			}
			result.ExitCode = int(cs.State.Terminated.ExitCode)
			if reason := cs.State.Terminated.Reason; reason != "" && reason != "Error" {
				result.Error = errors.New(reason)
			}
		}
		if result.Error == nil && pod.Status.Reason != "" {
			result.Error = errors.New(pod.Status.Reason)
		}
		return result, true
	}
	return ExitResult{}, false
}

// waitForPod polls until the Job controller has created the pod.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", h.jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// Stop deletes the Job and, through foreground propagation, its pod.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	propagation := metav1.DeletePropagationForeground
	err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", h.jobName, err)
	}
	return nil
}

// StreamLogs returns the test container's log.
func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if h.podName == "" {
		podName, err := h.waitForPod(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to find pod for job %s: %w", h.jobName, err)
		}
		h.podName = podName
	}
	if err := h.waitForContainerReady(ctx); err != nil {
		return nil, err
	}

	tail := int64(200)
	req := h.clientset.CoreV1().Pods(h.namespace).GetLogs(h.podName, &corev1.PodLogOptions{
		Container: testContainerName,
		TailLines: &tail,
	})
	return req.Stream(ctx)
}

// Cleanup deletes the Job once the outcome is recorded. A Job already gone
// is not an error.
func (h *KubernetesHandle) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := h.Stop(ctx)
	if apierrors.IsNotFound(errors.Unwrap(err)) {
		return nil
	}
	return err
}

// waitForContainerReady waits until the pod has logs to read.
func (h *KubernetesHandle) waitForContainerReady(ctx context.Context) error {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}
	}
}
