package nodeexec

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/utils"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/klog/v2"
	"k8s.io/utils/pointer"
)

const (
	defaultWaitInterval = 2 * time.Second
	defaultWaitTimeout  = 120 * time.Second

	agentContainerName = "agent"
)

// Runner executes a shell command on a cluster node and returns its
// output. Implementations must be safe for concurrent use across
// different nodes.
type Runner interface {
	Run(ctx context.Context, node string, command string) (stdout string, stderr string, err error)
	Close(ctx context.Context) error
}

type Options struct {
	Namespace    string
	Image        string
	WaitInterval time.Duration
	WaitTimeout  time.Duration
}

// podRunner runs commands through a long-lived privileged agent pod per
// node. The pod shares the host PID namespace, so commands are wrapped
// in nsenter against PID 1 to act on the host itself (sysctl writes,
// modprobe, iptables all need the host mount and net namespaces).
type podRunner struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	opts       Options

	mu       sync.Mutex
	nodePods map[string]*v1.Pod
}

func NewPodRunner(client kubernetes.Interface, restConfig *rest.Config, opts Options) (Runner, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("agent image must be provided")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("agent namespace must be provided")
	}
	if opts.WaitInterval == 0 {
		opts.WaitInterval = defaultWaitInterval
	}
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}

	return &podRunner{
		client:     client,
		restConfig: restConfig,
		opts:       opts,
		nodePods:   map[string]*v1.Pod{},
	}, nil
}

func (r *podRunner) Run(ctx context.Context, node string, command string) (string, string, error) {
	pod, err := r.agentPod(ctx, node)
	if err != nil {
		return "", "", err
	}
	return r.exec(ctx, pod, command)
}

func (r *podRunner) agentPod(ctx context.Context, node string) (*v1.Pod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pod, ok := r.nodePods[node]; ok {
		return pod, nil
	}

	if err := r.ensureNamespace(ctx); err != nil {
		return nil, err
	}

	pod, err := r.createAgentPod(ctx, node)
	if err != nil {
		return nil, err
	}

	if err := r.waitPodRunning(ctx, pod); err != nil {
		if delErr := r.deletePod(ctx, pod.Name); delErr != nil {
			klog.Errorf("failed delete agent pod %s: %s", pod.Name, delErr)
		}
		return nil, err
	}

	r.nodePods[node] = pod
	return pod, nil
}

func (r *podRunner) ensureNamespace(ctx context.Context) error {
	_, err := r.client.CoreV1().Namespaces().Get(ctx, r.opts.Namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}

	if errors.IsNotFound(err) {
		ns := &v1.Namespace{
			TypeMeta: metav1.TypeMeta{
				Kind:       "Namespace",
				APIVersion: "v1",
			},
			ObjectMeta: metav1.ObjectMeta{
				Name: r.opts.Namespace,
			},
		}
		_, err := r.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
		if err != nil && !errors.IsAlreadyExists(err) {
			return err
		}
		return nil
	}

	return err
}

func (r *podRunner) createAgentPod(ctx context.Context, node string) (*v1.Pod, error) {
	hostPathType := v1.HostPathDirectory
	podName := fmt.Sprintf("agent-%s", node)
	if err := r.ensurePodClean(ctx, podName); err != nil {
		return nil, err
	}

	pod := &v1.Pod{
		TypeMeta: metav1.TypeMeta{
			Kind:       "Pod",
			APIVersion: "v1",
		},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: r.opts.Namespace,
			Name:      podName,
		},
		Spec: v1.PodSpec{
			Containers: []v1.Container{
				{
					Name:  agentContainerName,
					Image: r.opts.Image,
					Command: []string{
						"/bin/sh",
						"-c",
						"while true;do sleep 100;done;",
					},
					SecurityContext: &v1.SecurityContext{
						Privileged: pointer.Bool(true),
					},
					VolumeMounts: []v1.VolumeMount{
						{
							Name:      "lib-modules",
							MountPath: "/lib/modules",
						},
					},
				},
			},
			NodeName:      node,
			HostNetwork:   true,
			HostPID:       true,
			HostIPC:       true,
			RestartPolicy: "Never",
			Tolerations: []v1.Toleration{
				{Operator: v1.TolerationOpExists},
			},
			Volumes: []v1.Volume{
				{
					Name: "lib-modules",
					VolumeSource: v1.VolumeSource{
						HostPath: &v1.HostPathVolumeSource{
							Path: "/lib/modules",
							Type: &hostPathType,
						},
					},
				},
			},
		},
	}

	return r.client.CoreV1().Pods(r.opts.Namespace).Create(ctx, pod, metav1.CreateOptions{})
}

func (r *podRunner) ensurePodClean(ctx context.Context, podName string) error {
	err := r.client.CoreV1().Pods(r.opts.Namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if errors.IsNotFound(err) {
		return nil
	}

	if err != nil {
		return err
	}

	return wait.PollImmediateWithContext(ctx, 1*time.Second, 20*time.Second, func(ctx context.Context) (bool, error) {
		_, err := r.client.CoreV1().Pods(r.opts.Namespace).Get(ctx, podName, metav1.GetOptions{})
		if errors.IsNotFound(err) {
			return true, nil
		}

		if err != nil {
			return false, err
		}

		return false, nil
	})
}

func (r *podRunner) waitPodRunning(ctx context.Context, pod *v1.Pod) error {
	var lastError error
	waitErr := wait.PollImmediateWithContext(ctx, r.opts.WaitInterval, r.opts.WaitTimeout, func(ctx context.Context) (bool, error) {
		klog.V(2).Infof("Waiting pod %s/%s running", pod.Namespace, pod.Name)
		current, err := r.client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			lastError = err
			return false, nil
		}

		switch current.Status.Phase {
		case v1.PodRunning:
			if utils.PodReady(current) {
				lastError = nil
				return true, nil
			}
			lastError = fmt.Errorf("pod %s running but not ready", current.Name)
			return false, nil
		case v1.PodSucceeded, v1.PodFailed, v1.PodUnknown:
			lastError = fmt.Errorf("pod in unexpected status %s", current.Status.Phase)
			return false, lastError
		}

		return false, nil
	})

	if lastError != nil {
		return fmt.Errorf("wait pod running failed: %s", lastError)
	}

	return waitErr
}

func (r *podRunner) exec(ctx context.Context, pod *v1.Pod, command string) (string, string, error) {
	req := r.client.CoreV1().RESTClient().Post().Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("exec").
		Param("container", agentContainerName).
		VersionedParams(&v1.PodExecOptions{
			Stdout: true,
			Stderr: true,
			Command: []string{
				"nsenter", "-t", "1", "-m", "-u", "-i", "-n", "--",
				"sh", "-c", command,
			},
		}, scheme.ParameterCodec)

	outBuffer := &bytes.Buffer{}
	errBuffer := &bytes.Buffer{}

	exec, err := remotecommand.NewSPDYExecutor(r.restConfig, "POST", req.URL())
	if err != nil {
		return "", "", err
	}

	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  nil,
		Stdout: outBuffer,
		Stderr: errBuffer,
	})

	return outBuffer.String(), errBuffer.String(), err
}

func (r *podRunner) deletePod(ctx context.Context, name string) error {
	err := r.client.CoreV1().Pods(r.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// Close removes all agent pods created by this runner.
func (r *podRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastError error
	for node, pod := range r.nodePods {
		if err := r.deletePod(ctx, pod.Name); err != nil {
			klog.Errorf("failed delete agent pod for node %s: %s", node, err)
			lastError = err
		}
		delete(r.nodePods, node)
	}
	return lastError
}
