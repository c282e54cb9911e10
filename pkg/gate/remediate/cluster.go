package remediate

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/probe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	kubeProxyDaemonSet  = "kube-proxy"
	restartAnnotation   = "kubemend.io/restartedAt"
	kubeSystemNamespace = "kube-system"
)

var kubeProxyConfigMaps = []string{"kube-proxy", "kube-proxy-worker"}

var clusterCIDRLine = regexp.MustCompile(`(?m)^(\s*)clusterCIDR:.*$`)

// fixServiceCIDR backs up the kube-proxy ConfigMap, patches its
// clusterCIDR to match the apiserver's configured range, then forces a
// kube-proxy rollout so every pod picks up the new config.
func (r *Remediator) fixServiceCIDR(ctx context.Context) (Outcome, string, error) {
	r.clusterMu.Lock()
	defer r.clusterMu.Unlock()

	want, err := probe.ServiceClusterCIDR(ctx, r.client)
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "read apiserver service CIDR")
	}

	var cm *v1.ConfigMap
	for _, name := range kubeProxyConfigMaps {
		cm, err = r.client.CoreV1().ConfigMaps(kubeSystemNamespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			break
		}
		cm = nil
	}
	if cm == nil {
		return OutcomeFailed, "", fmt.Errorf("cannot find kube-proxy configmap in %s", kubeSystemNamespace)
	}

	conf := cm.Data["config.conf"]
	_, current, err := probe.ParseKubeProxyConfig(conf)
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "parse kube-proxy config")
	}
	if cidrsEqual(current, want) {
		return OutcomeAlreadyCorrect, fmt.Sprintf("kube-proxy clusterCIDR already %s", want), nil
	}

	backupPath, err := r.backupConfigMap(cm)
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "backup kube-proxy configmap")
	}
	log.Infof("kube-proxy configmap backed up to %s", backupPath)

	cm.Data["config.conf"] = patchClusterCIDR(conf, want)
	if _, err := r.client.CoreV1().ConfigMaps(kubeSystemNamespace).Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "update kube-proxy configmap")
	}

	if err := r.restartKubeProxyLocked(ctx); err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "restart kube-proxy after configmap patch")
	}

	detail := fmt.Sprintf("kube-proxy clusterCIDR patched %s -> %s, configmap backup at %s", current, want, backupPath)
	return OutcomeApplied, detail, nil
}

func cidrsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	_, na, err := net.ParseCIDR(a)
	if err != nil {
		return false
	}
	_, nb, err := net.ParseCIDR(b)
	if err != nil {
		return false
	}
	return na.String() == nb.String()
}

func patchClusterCIDR(conf, cidr string) string {
	if clusterCIDRLine.MatchString(conf) {
		return clusterCIDRLine.ReplaceAllString(conf, "${1}clusterCIDR: "+cidr)
	}
	if !strings.HasSuffix(conf, "\n") && conf != "" {
		conf += "\n"
	}
	return conf + "clusterCIDR: " + cidr + "\n"
}

func (r *Remediator) backupConfigMap(cm *v1.ConfigMap) (string, error) {
	if err := os.MkdirAll(r.opts.BackupDir, 0o755); err != nil {
		return "", err
	}
	data, err := json.Marshal(cm)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.opts.BackupDir,
		fmt.Sprintf("%s-configmap-%s.json", cm.Name, time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// RestartKubeProxy forces a rolling restart of the kube-proxy DaemonSet
// and waits for the rollout to complete. Only one rollout is ever in
// flight; overlapping callers queue on the cluster mutex.
func (r *Remediator) RestartKubeProxy(ctx context.Context) error {
	r.clusterMu.Lock()
	defer r.clusterMu.Unlock()
	return r.restartKubeProxyLocked(ctx)
}

func (r *Remediator) restartKubeProxyLocked(ctx context.Context) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		restartAnnotation, time.Now().Format(time.RFC3339))
	_, err := r.client.AppsV1().DaemonSets(kubeSystemNamespace).Patch(
		ctx, kubeProxyDaemonSet, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return errors.Wrap(err, "patch kube-proxy daemonset")
	}

	log.Infof("kube-proxy restart triggered, awaiting rollout")
	return r.awaitDaemonSetRollout(ctx, kubeProxyDaemonSet)
}

func (r *Remediator) awaitDaemonSetRollout(ctx context.Context, name string) error {
	err := wait.PollImmediateWithContext(ctx, 3*time.Second, r.opts.RolloutTimeout, func(ctx context.Context) (bool, error) {
		ds, err := r.client.AppsV1().DaemonSets(kubeSystemNamespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		if ds.Status.ObservedGeneration < ds.Generation {
			return false, nil
		}
		done := ds.Status.UpdatedNumberScheduled == ds.Status.DesiredNumberScheduled &&
			ds.Status.NumberReady == ds.Status.DesiredNumberScheduled
		return done, nil
	})
	if err != nil {
		return errors.Wrapf(err, "daemonset %s rollout not complete", name)
	}
	return nil
}

func listOptionsOnNode(selector, node string) metav1.ListOptions {
	return metav1.ListOptions{
		LabelSelector: selector,
		FieldSelector: "spec.nodeName=" + node,
	}
}

func deleteOptions() metav1.DeleteOptions {
	return metav1.DeleteOptions{}
}
