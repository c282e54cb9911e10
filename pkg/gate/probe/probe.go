package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/nodeexec"
	"github.com/kubemend/kubemend/pkg/gate/snapshot"
	"github.com/kubemend/kubemend/pkg/gate/utils"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	v1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	sysctlIPForward          = "net.ipv4.ip_forward"
	sysctlBridgeNFIPTables   = "net.bridge.bridge-nf-call-iptables"
	sysctlBridgeNFIP6Tables  = "net.bridge.bridge-nf-call-ip6tables"
	serviceClusterIPRangeArg = "--service-cluster-ip-range="
)

var kubeProxyConfigMaps = []string{"kube-proxy", "kube-proxy-worker"}

// Prober builds a ClusterSnapshot from one-shot read-only queries
// against the API server and the node OS state.
type Prober struct {
	client      kubernetes.Interface
	runner      nodeexec.Runner
	concurrency int
}

func NewProber(client kubernetes.Interface, runner nodeexec.Runner, concurrency int) *Prober {
	return &Prober{
		client:      client,
		runner:      runner,
		concurrency: concurrency,
	}
}

// Nodes lists the cluster's node names. Failure here is fatal for the
// attempt: without a node list there is nothing to probe.
func (p *Prober) Nodes(ctx context.Context) ([]string, error) {
	nodes, err := p.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("cannot list cluster nodes: %w", err)
	}
	names := make([]string, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := &nodes.Items[i]
		if !utils.NodeReady(node) {
			klog.Warningf("node %s is not Ready, probing it anyway", node.Name)
		}
		names = append(names, node.Name)
	}
	return names, nil
}

// Probe collects node and cluster state into a fresh snapshot. A node
// that cannot be probed is recorded as unreachable, never dropped;
// cluster-wide reads degrade to unknown values the same way.
func (p *Prober) Probe(ctx context.Context, nodes []string) (*snapshot.ClusterSnapshot, error) {
	snap := &snapshot.ClusterSnapshot{
		Timestamp:     time.Now(),
		Nodes:         map[string]*snapshot.NodeState{},
		KubeProxyMode: snapshot.ProxyModeUnknown,
	}

	limit := p.concurrency
	if limit <= 0 {
		limit = len(nodes)
	}
	if limit == 0 {
		limit = 1
	}

	states := make([]*snapshot.NodeState, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			states[i] = p.probeNode(gctx, node)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, state := range states {
		snap.Nodes[state.NodeName] = state
	}

	p.probeKubeProxyConfig(ctx, snap)
	p.probeServiceClusterCIDR(ctx, snap)
	p.probeWorkloadReadiness(ctx, snap)

	return snap, nil
}

func (p *Prober) probeNode(ctx context.Context, node string) *snapshot.NodeState {
	state := &snapshot.NodeState{
		NodeName:           node,
		ForwardChainPolicy: snapshot.ChainPolicyUnknown,
		IPTablesBackend:    snapshot.IPTablesBackendUnknown,
	}

	unreachable := func(err error) *snapshot.NodeState {
		klog.Errorf("cannot probe node %s: %s", node, err)
		state.Unreachable = true
		state.ProbeError = err.Error()
		return state
	}

	out, _, err := p.runner.Run(ctx, node,
		fmt.Sprintf("sysctl -n %s %s %s 2>/dev/null || true", sysctlIPForward, sysctlBridgeNFIPTables, sysctlBridgeNFIP6Tables))
	if err != nil {
		return unreachable(err)
	}
	state.Dump.Sysctl = out
	values := strings.Split(strings.TrimSpace(out), "\n")
	if len(values) > 0 {
		state.IPForwardEnabled, _ = snapshot.ParseSysctlValue(values[0])
	}
	// bridge-nf sysctls only exist once br_netfilter is loaded; a
	// missing value parses as false, which is the truthful reading.
	if len(values) > 1 {
		state.BridgeNFCallIPTables, _ = snapshot.ParseSysctlValue(values[1])
	}
	if len(values) > 2 {
		state.BridgeNFCallIP6Tables, _ = snapshot.ParseSysctlValue(values[2])
	}

	out, _, err = p.runner.Run(ctx, node, "lsmod")
	if err != nil {
		return unreachable(err)
	}
	state.Dump.Modules = out
	modules := snapshot.ParseLoadedModules(out)
	state.BrNetfilterLoaded = snapshot.ModuleLoaded(modules, "br_netfilter")
	state.IPVSModulesLoaded = snapshot.AnyIPVSModuleLoaded(modules)

	out, _, err = p.runner.Run(ctx, node, "iptables -S FORWARD -t filter")
	if err != nil {
		return unreachable(err)
	}
	state.Dump.IPTablesFilter = out
	state.ForwardChainPolicy, state.CNIForwardChains = snapshot.ParseForwardChain(out)

	out, _, err = p.runner.Run(ctx, node, "iptables-save -t nat")
	if err != nil {
		return unreachable(err)
	}
	state.Dump.IPTablesNAT = out

	out, _, err = p.runner.Run(ctx, node, "iptables --version")
	if err != nil {
		return unreachable(err)
	}
	state.Dump.IPTablesVersion = out
	state.IPTablesBackend = snapshot.ParseIPTablesBackend(out)

	if state.IPVSModulesLoaded {
		out, _, err = p.runner.Run(ctx, node, "ipvsadm-save -n 2>/dev/null || true")
		if err != nil {
			return unreachable(err)
		}
		state.Dump.IPVS = out
		servers, err := snapshot.ParseIPVSSave(out)
		if err != nil {
			klog.Errorf("cannot parse ipvs table on node %s: %s", node, err)
		} else {
			state.IPVSTableEntries = snapshot.IPVSEntryCount(servers)
		}
	}

	return state
}

func (p *Prober) probeKubeProxyConfig(ctx context.Context, snap *snapshot.ClusterSnapshot) {
	var cm *v1.ConfigMap
	var err error
	for _, name := range kubeProxyConfigMaps {
		cm, err = p.client.CoreV1().ConfigMaps("kube-system").Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			break
		}
		if !k8serrors.IsNotFound(err) {
			klog.Errorf("cannot read kube-proxy configmap: %s", err)
			return
		}
		cm = nil
	}
	if cm == nil {
		klog.Errorf("cannot find kube-proxy configmap in kube-system")
		return
	}

	conf := cm.Data["config.conf"]
	snap.KubeProxyConfigRaw = conf

	mode, cidr, err := ParseKubeProxyConfig(conf)
	if err != nil {
		klog.Errorf("cannot parse kube-proxy config: %s", err)
		return
	}
	snap.KubeProxyMode = mode
	snap.KubeProxyCIDR = cidr
}

// ParseKubeProxyConfig extracts mode and clusterCIDR from kube-proxy's
// config.conf. Empty mode means the kube-proxy default, iptables.
func ParseKubeProxyConfig(conf string) (snapshot.ProxyMode, string, error) {
	if strings.TrimSpace(conf) == "" {
		return snapshot.ProxyModeIPTables, "", nil
	}
	cfg := struct {
		Mode        string `yaml:"mode"`
		ClusterCIDR string `yaml:"clusterCIDR"`
	}{}
	if err := yaml.Unmarshal([]byte(conf), &cfg); err != nil {
		return snapshot.ProxyModeUnknown, "", err
	}
	switch cfg.Mode {
	case "", "iptables":
		return snapshot.ProxyModeIPTables, cfg.ClusterCIDR, nil
	case "ipvs":
		return snapshot.ProxyModeIPVS, cfg.ClusterCIDR, nil
	}
	return snapshot.ProxyModeUnknown, cfg.ClusterCIDR, nil
}

func (p *Prober) probeServiceClusterCIDR(ctx context.Context, snap *snapshot.ClusterSnapshot) {
	cidr, err := ServiceClusterCIDR(ctx, p.client)
	if err != nil {
		klog.Errorf("cannot detect service cluster CIDR: %s", err)
		return
	}
	snap.ServiceClusterCIDR = cidr
}

// ServiceClusterCIDR reads the service CIDR the kube-apiserver was
// started with, from the --service-cluster-ip-range flag on its static
// pod spec.
func ServiceClusterCIDR(ctx context.Context, client kubernetes.Interface) (string, error) {
	pods, err := client.CoreV1().Pods("kube-system").List(ctx, metav1.ListOptions{
		LabelSelector: "component=kube-apiserver",
	})
	if err != nil {
		return "", err
	}
	for i := range pods.Items {
		for _, container := range pods.Items[i].Spec.Containers {
			args := append(container.Command, container.Args...)
			for _, arg := range args {
				if strings.HasPrefix(arg, serviceClusterIPRangeArg) {
					return strings.TrimPrefix(arg, serviceClusterIPRangeArg), nil
				}
			}
		}
	}
	return "", fmt.Errorf("no kube-apiserver pod advertises %s", serviceClusterIPRangeArg)
}

func (p *Prober) probeWorkloadReadiness(ctx context.Context, snap *snapshot.ClusterSnapshot) {
	deploy, err := p.client.AppsV1().Deployments("kube-system").Get(ctx, "coredns", metav1.GetOptions{})
	if err != nil {
		klog.Errorf("cannot read coredns deployment: %s", err)
	} else {
		snap.CoreDNSReady = deploy.Status.ReadyReplicas > 0
	}

	ds, err := p.client.AppsV1().DaemonSets("kube-system").Get(ctx, "kube-proxy", metav1.GetOptions{})
	if err != nil {
		klog.Errorf("cannot read kube-proxy daemonset: %s", err)
		return
	}
	snap.KubeProxyReady = ds.Status.DesiredNumberScheduled > 0 &&
		ds.Status.NumberReady == ds.Status.DesiredNumberScheduled
}
