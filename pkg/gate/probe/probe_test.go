package probe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kubemend/kubemend/pkg/gate/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]map[string]string
	failNodes map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: map[string]map[string]string{},
		failNodes: map[string]bool{},
	}
}

func (r *fakeRunner) respond(node, commandSubstring, output string) {
	if r.responses[node] == nil {
		r.responses[node] = map[string]string{}
	}
	r.responses[node][commandSubstring] = output
}

func (r *fakeRunner) Run(ctx context.Context, node string, command string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNodes[node] {
		return "", "", fmt.Errorf("pod agent-%s not running", node)
	}
	for substring, output := range r.responses[node] {
		if strings.Contains(command, substring) {
			return output, "", nil
		}
	}
	return "", "", nil
}

func (r *fakeRunner) Close(ctx context.Context) error { return nil }

func healthyRunner(node string) *fakeRunner {
	r := newFakeRunner()
	seedHealthyNode(r, node)
	return r
}

func seedHealthyNode(r *fakeRunner, node string) {
	r.respond(node, "sysctl -n", "1\n1\n1\n")
	r.respond(node, "lsmod", "Module                  Size  Used by\nbr_netfilter           32768  0\nxt_conntrack           16384  2\n")
	r.respond(node, "iptables -S FORWARD", "-P FORWARD ACCEPT\n-A FORWARD -j KUBE-FORWARD\n")
	r.respond(node, "iptables-save", "*nat\n-A KUBE-SERVICES -d 10.96.0.10/32 -j KUBE-SVC-X\nCOMMIT\n")
	r.respond(node, "iptables --version", "iptables v1.8.7 (nf_tables)\n")
}

func node(name string) *v1.Node {
	return &v1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func kubeProxyConfigMap(conf string) *v1.ConfigMap {
	return &v1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "kube-proxy", Namespace: "kube-system"},
		Data:       map[string]string{"config.conf": conf},
	}
}

func apiserverPod(cidr string) *v1.Pod {
	return &v1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "kube-apiserver-cp1",
			Namespace: "kube-system",
			Labels:    map[string]string{"component": "kube-apiserver"},
		},
		Spec: v1.PodSpec{
			Containers: []v1.Container{{
				Name:    "kube-apiserver",
				Command: []string{"kube-apiserver", "--service-cluster-ip-range=" + cidr},
			}},
		},
	}
}

func TestNodesListsClusterNodes(t *testing.T) {
	client := fake.NewSimpleClientset(node("n1"), node("n2"))
	p := NewProber(client, newFakeRunner(), 0)

	names, err := p.Nodes(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, names)
}

func TestProbeHealthyNode(t *testing.T) {
	client := fake.NewSimpleClientset(
		kubeProxyConfigMap("mode: iptables\nclusterCIDR: 10.233.0.0/18\n"),
		apiserverPod("10.233.0.0/18"),
	)
	p := NewProber(client, healthyRunner("n1"), 0)

	snap, err := p.Probe(context.Background(), []string{"n1"})
	require.NoError(t, err)

	state := snap.Nodes["n1"]
	require.NotNil(t, state)
	assert.False(t, state.Unreachable)
	assert.True(t, state.IPForwardEnabled)
	assert.True(t, state.BrNetfilterLoaded)
	assert.True(t, state.BridgeNFCallIPTables)
	assert.True(t, state.BridgeNFCallIP6Tables)
	assert.Equal(t, snapshot.ChainPolicyAccept, state.ForwardChainPolicy)
	assert.True(t, state.CNIForwardChains)
	assert.Equal(t, snapshot.IPTablesBackendNFT, state.IPTablesBackend)
	assert.False(t, state.IPVSModulesLoaded)
	assert.Zero(t, state.IPVSTableEntries)

	assert.Equal(t, snapshot.ProxyModeIPTables, snap.KubeProxyMode)
	assert.Equal(t, "10.233.0.0/18", snap.KubeProxyCIDR)
	assert.Equal(t, "10.233.0.0/18", snap.ServiceClusterCIDR)
}

func TestProbeCollectsIPVSStateWhenModulesLoaded(t *testing.T) {
	runner := healthyRunner("n1")
	runner.respond("n1", "lsmod",
		"Module                  Size  Used by\nbr_netfilter           32768  0\nip_vs                 172032  6\nip_vs_rr               16384  1\n")
	runner.respond("n1", "ipvsadm-save",
		"-A -t 10.96.0.10:53 -s rr\n-a -t 10.96.0.10:53 -r 10.233.64.3:53 -m -w 1\n")

	client := fake.NewSimpleClientset(kubeProxyConfigMap("mode: iptables\n"))
	p := NewProber(client, runner, 0)

	snap, err := p.Probe(context.Background(), []string{"n1"})
	require.NoError(t, err)

	state := snap.Nodes["n1"]
	assert.True(t, state.IPVSModulesLoaded)
	assert.Equal(t, 2, state.IPVSTableEntries)
}

func TestProbeMarksUnreachableNode(t *testing.T) {
	runner := healthyRunner("n1")
	seedHealthyNode(runner, "n2")
	runner.failNodes["n2"] = true

	client := fake.NewSimpleClientset(kubeProxyConfigMap("mode: iptables\n"))
	p := NewProber(client, runner, 0)

	snap, err := p.Probe(context.Background(), []string{"n1", "n2"})
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)

	assert.False(t, snap.Nodes["n1"].Unreachable)
	assert.True(t, snap.Nodes["n2"].Unreachable)
	assert.Contains(t, snap.Nodes["n2"].ProbeError, "agent-n2")
}

func TestProbeDegradesWithoutClusterObjects(t *testing.T) {
	p := NewProber(fake.NewSimpleClientset(), healthyRunner("n1"), 0)

	snap, err := p.Probe(context.Background(), []string{"n1"})
	require.NoError(t, err)

	assert.Equal(t, snapshot.ProxyModeUnknown, snap.KubeProxyMode)
	assert.Empty(t, snap.ServiceClusterCIDR)
	assert.False(t, snap.CoreDNSReady)
	assert.False(t, snap.KubeProxyReady)
}

func TestProbeWorkloadReadiness(t *testing.T) {
	client := fake.NewSimpleClientset(
		kubeProxyConfigMap("mode: iptables\n"),
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "coredns", Namespace: "kube-system"},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
		},
		&appsv1.DaemonSet{
			ObjectMeta: metav1.ObjectMeta{Name: "kube-proxy", Namespace: "kube-system"},
			Status: appsv1.DaemonSetStatus{
				DesiredNumberScheduled: 3,
				NumberReady:            3,
			},
		},
	)
	p := NewProber(client, healthyRunner("n1"), 0)

	snap, err := p.Probe(context.Background(), []string{"n1"})
	require.NoError(t, err)
	assert.True(t, snap.CoreDNSReady)
	assert.True(t, snap.KubeProxyReady)
}

func TestParseKubeProxyConfig(t *testing.T) {
	mode, cidr, err := ParseKubeProxyConfig("mode: ipvs\nclusterCIDR: 10.233.0.0/18\n")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ProxyModeIPVS, mode)
	assert.Equal(t, "10.233.0.0/18", cidr)

	mode, cidr, err = ParseKubeProxyConfig("clusterCIDR: 10.233.0.0/18\n")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ProxyModeIPTables, mode, "unset mode defaults to iptables")
	assert.Equal(t, "10.233.0.0/18", cidr)

	mode, _, err = ParseKubeProxyConfig("")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ProxyModeIPTables, mode)

	_, _, err = ParseKubeProxyConfig("mode: [broken")
	assert.Error(t, err)
}

func TestServiceClusterCIDRFromApiserverPod(t *testing.T) {
	client := fake.NewSimpleClientset(apiserverPod("10.233.0.0/18"))
	cidr, err := ServiceClusterCIDR(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, "10.233.0.0/18", cidr)

	_, err = ServiceClusterCIDR(context.Background(), fake.NewSimpleClientset())
	assert.Error(t, err)
}
