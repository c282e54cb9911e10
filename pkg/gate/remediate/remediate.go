package remediate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/diagnose"
	"github.com/kubemend/kubemend/pkg/gate/nodeexec"
	"github.com/kubemend/kubemend/pkg/gate/snapshot"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "Applied"
	OutcomeAlreadyCorrect Outcome = "AlreadyCorrect"
	OutcomeFailed         Outcome = "Failed"
)

// ActionResult records the outcome of remediating one finding.
type ActionResult struct {
	Finding diagnose.Finding `json:"finding"`
	Outcome Outcome          `json:"outcome"`
	Error   string           `json:"error,omitempty"`
	Detail  string           `json:"detail,omitempty"`
}

type Options struct {
	BackupDir       string
	RolloutTimeout  time.Duration
	NodeConcurrency int
}

// Remediator applies corrective actions for fixable findings. Every
// action is idempotent; a fix already in effect reports AlreadyCorrect.
// A failing action is recorded and never aborts the rest of the round,
// since partial remediation may be enough for the next validation.
type Remediator struct {
	client kubernetes.Interface
	runner nodeexec.Runner
	opts   Options

	// serializes cluster-scoped mutations; at most one kube-proxy
	// rollout may be in flight.
	clusterMu sync.Mutex
}

func NewRemediator(client kubernetes.Interface, runner nodeexec.Runner, opts Options) *Remediator {
	if opts.RolloutTimeout == 0 {
		opts.RolloutTimeout = 5 * time.Minute
	}
	return &Remediator{
		client: client,
		runner: runner,
		opts:   opts,
	}
}

func nodeLocal(kind diagnose.Kind) bool {
	switch kind {
	case diagnose.KindIPForwardDisabled, diagnose.KindBrNetfilterMissing,
		diagnose.KindForwardPolicyBlocking, diagnose.KindStaleIPVSState:
		return true
	}
	return false
}

// Remediate applies actions for the given findings and returns one
// result per finding, in input order. Node-local actions toward
// different nodes run in parallel; cluster-scoped actions (kube-proxy
// restart, ConfigMap patch) run strictly after all node-local ones.
func (r *Remediator) Remediate(ctx context.Context, findings []diagnose.Finding) []ActionResult {
	results := make([]ActionResult, len(findings))
	for i, f := range findings {
		results[i] = ActionResult{Finding: f}
	}

	var restartMu sync.Mutex
	needProxyRestart := false
	var restartDependents []int

	limit := r.opts.NodeConcurrency
	if limit <= 0 {
		limit = len(findings)
	}
	if limit == 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range findings {
		if !nodeLocal(f.Kind) {
			continue
		}
		i, f := i, f
		g.Go(func() error {
			outcome, detail, err := r.applyNodeAction(gctx, f)
			results[i].Outcome = outcome
			results[i].Detail = detail
			if err != nil {
				results[i].Error = err.Error()
				log.Errorf("remediation %s on node %s failed: %s", f.Kind, f.Node, err)
				return nil
			}
			log.Infof("remediation %s on node %s: %s", f.Kind, f.Node, outcome)
			if outcome == OutcomeApplied && proxyRestartRequired(f.Kind) {
				restartMu.Lock()
				needProxyRestart = true
				restartDependents = append(restartDependents, i)
				restartMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if needProxyRestart {
		if err := r.RestartKubeProxy(ctx); err != nil {
			log.Errorf("kube-proxy restart after node remediation failed: %s", err)
			for _, i := range restartDependents {
				results[i].Outcome = OutcomeFailed
				results[i].Error = fmt.Sprintf("node action applied but kube-proxy restart failed: %s", err)
			}
		}
	}

	for i, f := range findings {
		if nodeLocal(f.Kind) {
			continue
		}
		switch f.Kind {
		case diagnose.KindServiceCIDRMismatch:
			outcome, detail, err := r.fixServiceCIDR(ctx)
			results[i].Outcome = outcome
			results[i].Detail = detail
			if err != nil {
				results[i].Error = err.Error()
				log.Errorf("remediation %s failed: %s", f.Kind, err)
			} else {
				log.Infof("remediation %s: %s", f.Kind, outcome)
			}
		default:
			// WarnOnly findings never reach the remediator; anything
			// else unrecognized is recorded as failed, not dropped.
			results[i].Outcome = OutcomeFailed
			results[i].Error = fmt.Sprintf("no remediation action for finding kind %s", f.Kind)
		}
	}

	return results
}

// proxyRestartRequired reports whether an applied node action needs a
// cluster-wide kube-proxy restart to take effect. kube-proxy reprograms
// its rules cluster-scoped, so the restart is never per-node.
func proxyRestartRequired(kind diagnose.Kind) bool {
	return kind == diagnose.KindStaleIPVSState || kind == diagnose.KindForwardPolicyBlocking
}

func (r *Remediator) applyNodeAction(ctx context.Context, f diagnose.Finding) (Outcome, string, error) {
	switch f.Kind {
	case diagnose.KindIPForwardDisabled:
		return r.fixIPForward(ctx, f.Node)
	case diagnose.KindBrNetfilterMissing:
		return r.fixBrNetfilter(ctx, f.Node)
	case diagnose.KindForwardPolicyBlocking:
		return r.fixForwardPolicy(ctx, f.Node)
	case diagnose.KindStaleIPVSState:
		return r.fixStaleIPVS(ctx, f.Node)
	}
	return OutcomeFailed, "", fmt.Errorf("no node action for finding kind %s", f.Kind)
}

func (r *Remediator) fixIPForward(ctx context.Context, node string) (Outcome, string, error) {
	out, _, err := r.runner.Run(ctx, node, "sysctl -n net.ipv4.ip_forward")
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "read ip_forward")
	}
	if strings.TrimSpace(out) == "1" {
		return OutcomeAlreadyCorrect, "net.ipv4.ip_forward already 1", nil
	}

	if _, stderr, err := r.runner.Run(ctx, node, "sysctl -w net.ipv4.ip_forward=1"); err != nil {
		return OutcomeFailed, "", errors.Wrapf(err, "set ip_forward: %s", stderr)
	}
	if _, stderr, err := r.runner.Run(ctx, node,
		"printf 'net.ipv4.ip_forward = 1\\n' > /etc/sysctl.d/99-kubemend-ipforward.conf"); err != nil {
		return OutcomeFailed, "", errors.Wrapf(err, "persist ip_forward: %s", stderr)
	}
	return OutcomeApplied, "net.ipv4.ip_forward set to 1 and persisted", nil
}

func (r *Remediator) fixBrNetfilter(ctx context.Context, node string) (Outcome, string, error) {
	out, _, err := r.runner.Run(ctx, node,
		"lsmod | grep -q '^br_netfilter' && sysctl -n net.bridge.bridge-nf-call-iptables net.bridge.bridge-nf-call-ip6tables 2>/dev/null || true")
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "read br_netfilter state")
	}
	values := strings.Fields(out)
	if len(values) == 2 && values[0] == "1" && values[1] == "1" {
		return OutcomeAlreadyCorrect, "br_netfilter loaded with both bridge-nf-call sysctls enabled", nil
	}

	script := strings.Join([]string{
		"modprobe br_netfilter",
		"printf 'br_netfilter\\n' > /etc/modules-load.d/kubemend.conf",
		"sysctl -w net.bridge.bridge-nf-call-iptables=1 net.bridge.bridge-nf-call-ip6tables=1",
		"printf 'net.bridge.bridge-nf-call-iptables = 1\\nnet.bridge.bridge-nf-call-ip6tables = 1\\n' > /etc/sysctl.d/99-kubemend-bridge.conf",
	}, " && ")
	if _, stderr, err := r.runner.Run(ctx, node, script); err != nil {
		return OutcomeFailed, "", errors.Wrapf(err, "enable br_netfilter: %s", stderr)
	}
	return OutcomeApplied, "br_netfilter loaded, bridge-nf-call sysctls enabled and persisted", nil
}

// fixForwardPolicy does not flip the FORWARD policy itself; the chain
// belongs to the CNI and kube-proxy. Restarting the owners makes them
// reprogram their accept rules.
func (r *Remediator) fixForwardPolicy(ctx context.Context, node string) (Outcome, string, error) {
	out, _, err := r.runner.Run(ctx, node, "iptables -S FORWARD -t filter")
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "read FORWARD chain")
	}
	policy, cniChains := snapshot.ParseForwardChain(out)
	if policy != snapshot.ChainPolicyDrop || cniChains {
		return OutcomeAlreadyCorrect, "FORWARD chain already carries CNI accept rules", nil
	}

	deleted, err := r.restartCNIPodsOnNode(ctx, node)
	if err != nil {
		return OutcomeFailed, "", err
	}
	if len(deleted) == 0 {
		return OutcomeFailed, "", fmt.Errorf("no CNI daemon pod found on node %s to restart", node)
	}
	return OutcomeApplied, fmt.Sprintf("restarted CNI pods %s; kube-proxy restart follows", strings.Join(deleted, ",")), nil
}

var cniPodSelectors = []string{
	"k8s-app=calico-node",
	"app=flannel",
	"k8s-app=flannel",
	"k8s-app=cilium",
}

func (r *Remediator) restartCNIPodsOnNode(ctx context.Context, node string) ([]string, error) {
	var deleted []string
	for _, selector := range cniPodSelectors {
		pods, err := r.client.CoreV1().Pods("kube-system").List(ctx, listOptionsOnNode(selector, node))
		if err != nil {
			return deleted, errors.Wrapf(err, "list CNI pods with selector %q", selector)
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			if err := r.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, deleteOptions()); err != nil {
				return deleted, errors.Wrapf(err, "delete CNI pod %s", pod.Name)
			}
			deleted = append(deleted, pod.Name)
		}
	}
	return deleted, nil
}

func (r *Remediator) fixStaleIPVS(ctx context.Context, node string) (Outcome, string, error) {
	out, _, err := r.runner.Run(ctx, node, "ipvsadm-save -n 2>/dev/null || true")
	if err != nil {
		return OutcomeFailed, "", errors.Wrap(err, "read ipvs table")
	}
	if strings.TrimSpace(out) == "" {
		return OutcomeAlreadyCorrect, "IPVS table already empty", nil
	}

	if _, stderr, err := r.runner.Run(ctx, node, "ipvsadm -C"); err != nil {
		return OutcomeFailed, "", errors.Wrapf(err, "flush ipvs table: %s", stderr)
	}
	entries := len(lo.Filter(strings.Split(out, "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	}))
	return OutcomeApplied, fmt.Sprintf("flushed %d stale IPVS entries; kube-proxy restart follows", entries), nil
}

// EmergencyClearIPVS flushes the IPVS table and kube-managed ipsets on
// every node. This is the opt-in big hammer; it is never triggered by
// the attempt loop itself.
func (r *Remediator) EmergencyClearIPVS(ctx context.Context, nodes []string) error {
	script := "ipvsadm -C 2>/dev/null; for s in $(ipset list -n 2>/dev/null | grep '^KUBE'); do ipset flush \"$s\"; done; true"

	limit := r.opts.NodeConcurrency
	if limit <= 0 {
		limit = len(nodes)
	}
	if limit == 0 {
		return nil
	}

	var mu sync.Mutex
	var failed []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if _, stderr, err := r.runner.Run(gctx, node, script); err != nil {
				log.Errorf("emergency IPVS clear on node %s failed: %s (%s)", node, err, stderr)
				mu.Lock()
				failed = append(failed, node)
				mu.Unlock()
				return nil
			}
			log.Warnf("emergency IPVS clear performed on node %s", node)
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return fmt.Errorf("emergency IPVS clear failed on nodes: %s", strings.Join(failed, ","))
	}
	return nil
}
