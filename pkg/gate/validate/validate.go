package validate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

type Reason string

const (
	ReasonProbeFailed              Reason = "ProbeFailed"
	ReasonTimeout                  Reason = "Timeout"
	ReasonWorkloadSchedulingFailed Reason = "WorkloadSchedulingFailed"
)

// Result is the outcome of one connectivity validation.
type Result struct {
	Passed bool   `json:"passed"`
	Reason Reason `json:"reason,omitempty"`
	Output string `json:"output,omitempty"`
}

type Options struct {
	Namespace    string
	Image        string
	Timeout      time.Duration
	WaitInterval time.Duration

	// CreateRetries bounds retries of workload creation, distinct from
	// the gate's outer attempt loop. Transient API hiccups must not be
	// mistaken for the network fault under test.
	CreateRetries int
}

// Validator checks in-cluster DNS connectivity by running an ephemeral
// probe pod that resolves and connects to the cluster DNS service.
type Validator struct {
	client kubernetes.Interface
	opts   Options
}

func NewValidator(client kubernetes.Interface, opts Options) *Validator {
	if opts.WaitInterval == 0 {
		opts.WaitInterval = 2 * time.Second
	}
	if opts.CreateRetries == 0 {
		opts.CreateRetries = 3
	}
	return &Validator{client: client, opts: opts}
}

// Validate runs the probe workload and blocks until it completes or the
// configured timeout elapses. The workload is always deleted on exit.
func (v *Validator) Validate(ctx context.Context) *Result {
	dnsIP, err := v.clusterDNSIP(ctx)
	if err != nil {
		return &Result{
			Passed: false,
			Reason: ReasonProbeFailed,
			Output: fmt.Sprintf("cannot determine cluster DNS service IP: %s", err),
		}
	}

	if err := v.ensureNamespace(ctx); err != nil {
		return &Result{
			Passed: false,
			Reason: ReasonWorkloadSchedulingFailed,
			Output: err.Error(),
		}
	}

	pod, err := v.createProbePod(ctx, dnsIP)
	if err != nil {
		return &Result{
			Passed: false,
			Reason: ReasonWorkloadSchedulingFailed,
			Output: err.Error(),
		}
	}

	defer func() {
		if err := v.deletePod(context.Background(), pod.Name); err != nil {
			klog.Errorf("failed delete validation pod %s: %s", pod.Name, err)
		}
	}()

	return v.awaitCompletion(ctx, pod)
}

func (v *Validator) ensureNamespace(ctx context.Context) error {
	_, err := v.client.CoreV1().Namespaces().Get(ctx, v.opts.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return err
	}
	ns := &v1.Namespace{
		TypeMeta: metav1.TypeMeta{
			Kind:       "Namespace",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: v.opts.Namespace,
		},
	}
	_, err = v.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (v *Validator) clusterDNSIP(ctx context.Context) (string, error) {
	for _, name := range []string{"kube-dns", "coredns"} {
		svc, err := v.client.CoreV1().Services("kube-system").Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if svc.Spec.ClusterIP == "" || svc.Spec.ClusterIP == v1.ClusterIPNone {
				return "", fmt.Errorf("service %s has no ClusterIP", name)
			}
			return svc.Spec.ClusterIP, nil
		}
		if !k8serrors.IsNotFound(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("no kube-dns or coredns service in kube-system")
}

func (v *Validator) createProbePod(ctx context.Context, dnsIP string) (*v1.Pod, error) {
	script := strings.Join([]string{
		fmt.Sprintf("nslookup kubernetes.default.svc.cluster.local %s", dnsIP),
		fmt.Sprintf("nc -z -w 5 %s 53", dnsIP),
	}, " && ")

	pod := &v1.Pod{
		TypeMeta: metav1.TypeMeta{
			Kind:       "Pod",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: v.opts.Namespace,
			Name:      fmt.Sprintf("dns-probe-%s", uuid.NewString()[:8]),
			Labels: map[string]string{
				"app.kubernetes.io/name": "kubemend-dns-probe",
			},
		},
		Spec: v1.PodSpec{
			Containers: []v1.Container{
				{
					Name:    "probe",
					Image:   v.opts.Image,
					Command: []string{"/bin/sh", "-c", script},
				},
			},
			RestartPolicy: v1.RestartPolicyNever,
		},
	}

	var created *v1.Pod
	var lastErr error
	for attempt := 1; attempt <= v.opts.CreateRetries; attempt++ {
		created, lastErr = v.client.CoreV1().Pods(v.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
		if lastErr == nil {
			return created, nil
		}
		klog.Errorf("create validation pod attempt %d/%d failed: %s", attempt, v.opts.CreateRetries, lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("cannot create validation pod after %d attempts: %w", v.opts.CreateRetries, lastErr)
}

func (v *Validator) awaitCompletion(ctx context.Context, pod *v1.Pod) *Result {
	var phase v1.PodPhase
	err := wait.PollImmediateWithContext(ctx, v.opts.WaitInterval, v.opts.Timeout, func(ctx context.Context) (bool, error) {
		current, err := v.client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			klog.V(2).Infof("waiting validation pod %s: %s", pod.Name, err)
			return false, nil
		}
		phase = current.Status.Phase
		return phase == v1.PodSucceeded || phase == v1.PodFailed, nil
	})

	output := v.podLogs(ctx, pod)

	if err != nil {
		return &Result{
			Passed: false,
			Reason: ReasonTimeout,
			Output: output,
		}
	}

	if phase == v1.PodSucceeded {
		return &Result{Passed: true, Output: output}
	}
	return &Result{
		Passed: false,
		Reason: ReasonProbeFailed,
		Output: output,
	}
}

func (v *Validator) podLogs(ctx context.Context, pod *v1.Pod) string {
	req := v.client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &v1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return ""
	}
	return string(data)
}

func (v *Validator) deletePod(ctx context.Context, name string) error {
	err := v.client.CoreV1().Pods(v.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	return err
}
