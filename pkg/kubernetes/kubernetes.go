// Package kubernetes runs workers as pods.
package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/ethpandaops/engine-controller/pkg/orchestrator"
	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const containerName = "engine"

type client struct {
	log       logrus.FieldLogger
	clientset kubernetes.Interface
	namespace string
}

var _ orchestrator.Client = (*client)(nil)

// NewClientset builds a clientset from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClientset(cfg *config.KubernetesConfig) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)

	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}

	if err != nil {
		return nil, fmt.Errorf("building kubernetes config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	return cs, nil
}

// NewClient returns an orchestrator.Client creating pods in namespace.
func NewClient(log logrus.FieldLogger, clientset kubernetes.Interface, namespace string) orchestrator.Client {
	return &client{
		log:       log.WithField("component", "kubernetes"),
		clientset: clientset,
		namespace: namespace,
	}
}

func (c *client) Start(ctx context.Context) error {
	if _, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("connecting to kubernetes namespace %s: %w", c.namespace, err)
	}

	c.log.WithField("namespace", c.namespace).Debug("Connected to Kubernetes")

	return nil
}

func (c *client) Stop() error {
	return nil
}

func (c *client) ListWorkers(ctx context.Context, engineLabel string) ([]orchestrator.Worker, error) {
	selector := labels.SelectorFromSet(labels.Set{
		orchestrator.LabelEngine:    engineLabel,
		orchestrator.LabelManagedBy: orchestrator.ManagedBy,
	})

	pods, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}

	workers := make([]orchestrator.Worker, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]

		workers = append(workers, orchestrator.Worker{
			ID:          pod.Name,
			Name:        pod.Name,
			RunName:     pod.Labels[orchestrator.LabelRun],
			EngineLabel: pod.Labels[orchestrator.LabelEngine],
			Phase:       mapPodPhase(pod.Status.Phase),
			Created:     pod.CreationTimestamp.Time,
		})
	}

	return workers, nil
}

func (c *client) CreateWorker(ctx context.Context, spec *orchestrator.WorkerSpec) (string, error) {
	pod := buildPod(spec)

	created, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("creating pod %s: %w", spec.Name, orchestrator.ErrConflict)
		}

		return "", fmt.Errorf("creating pod %s: %w", spec.Name, err)
	}

	c.log.WithFields(logrus.Fields{
		"pod": created.Name,
		"run": spec.RunName,
	}).Debug("Created pod")

	return created.Name, nil
}

func (c *client) DeleteWorker(ctx context.Context, id string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("deleting pod %s: %w", id, orchestrator.ErrNotFound)
		}

		return fmt.Errorf("deleting pod %s: %w", id, err)
	}

	c.log.WithField("pod", id).Debug("Deleted pod")

	return nil
}

func buildPod(spec *orchestrator.WorkerSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	volumes, mounts := buildVolumes(spec.Mounts)

	container := corev1.Container{
		Name:            containerName,
		Image:           spec.Image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         spec.Entrypoint,
		Args:            spec.Args,
		Env:             env,
		VolumeMounts:    mounts,
		Resources:       buildResources(spec.Resources),
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Name,
			Labels: spec.Labels(),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
			Volumes:       volumes,
		},
	}

	if spec.NodeArch != "" {
		pod.Spec.NodeSelector = map[string]string{corev1.LabelArchStable: spec.NodeArch}
	}

	if a := spec.PreferredAffinity; a != nil {
		pod.Spec.Affinity = &corev1.Affinity{
			NodeAffinity: &corev1.NodeAffinity{
				PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{{
					Weight: a.Weight,
					Preference: corev1.NodeSelectorTerm{
						MatchExpressions: []corev1.NodeSelectorRequirement{{
							Key:      a.Key,
							Operator: corev1.NodeSelectorOpIn,
							Values:   []string{a.Value},
						}},
					},
				}},
			},
		}
	}

	return pod
}

func buildVolumes(specMounts []orchestrator.Mount) ([]corev1.Volume, []corev1.VolumeMount) {
	volumes := make([]corev1.Volume, 0, len(specMounts))
	mounts := make([]corev1.VolumeMount, 0, len(specMounts))

	for i, m := range specMounts {
		name := "mount-" + strconv.Itoa(i)

		var source corev1.VolumeSource

		switch m.Type {
		case orchestrator.MountSecret:
			source.Secret = &corev1.SecretVolumeSource{SecretName: m.Source}
		case orchestrator.MountTmpfs:
			source.EmptyDir = &corev1.EmptyDirVolumeSource{Medium: corev1.StorageMediumMemory}
		case orchestrator.MountVolume:
			source.PersistentVolumeClaim = &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: m.Source,
				ReadOnly:  m.ReadOnly,
			}
		default:
			source.HostPath = &corev1.HostPathVolumeSource{Path: m.Source}
		}

		volumes = append(volumes, corev1.Volume{Name: name, VolumeSource: source})
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: m.Target, ReadOnly: m.ReadOnly})
	}

	return volumes, mounts
}

func buildResources(r orchestrator.Resources) corev1.ResourceRequirements {
	var req corev1.ResourceRequirements

	if r.MemoryRequest > 0 {
		req.Requests = corev1.ResourceList{
			corev1.ResourceMemory: *resource.NewQuantity(r.MemoryRequest, resource.BinarySI),
		}
	}

	if r.MemoryLimit > 0 {
		req.Limits = corev1.ResourceList{
			corev1.ResourceMemory: *resource.NewQuantity(r.MemoryLimit, resource.BinarySI),
		}
	}

	return req
}

func mapPodPhase(phase corev1.PodPhase) orchestrator.Phase {
	switch phase {
	case corev1.PodPending:
		return orchestrator.PhasePending
	case corev1.PodRunning:
		return orchestrator.PhaseRunning
	case corev1.PodSucceeded:
		return orchestrator.PhaseSucceeded
	case corev1.PodFailed:
		return orchestrator.PhaseFailed
	default:
		return orchestrator.PhaseUnknown
	}
}
