package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSysctlValue(t *testing.T) {
	v, err := ParseSysctlValue("1\n")
	assert.NoError(t, err)
	assert.True(t, v)

	v, err = ParseSysctlValue("0")
	assert.NoError(t, err)
	assert.False(t, v)

	_, err = ParseSysctlValue("net.ipv4.ip_forward = 1")
	assert.Error(t, err)
}

func TestParseLoadedModules(t *testing.T) {
	out := `Module                  Size  Used by
br_netfilter           32768  0
ip_vs_rr               16384  0
ip_vs                 180224  2 ip_vs_rr
nf_conntrack          172032  1 ip_vs
`
	modules := ParseLoadedModules(out)
	assert.Equal(t, []string{"br_netfilter", "ip_vs_rr", "ip_vs", "nf_conntrack"}, modules)
	assert.True(t, ModuleLoaded(modules, "br_netfilter"))
	assert.False(t, ModuleLoaded(modules, "overlay"))
	assert.True(t, AnyIPVSModuleLoaded(modules))
	assert.False(t, AnyIPVSModuleLoaded([]string{"nf_conntrack", "ipvlan"}))
}

func TestParseForwardChain(t *testing.T) {
	dropNoCNI := `-P FORWARD DROP
-A FORWARD -j DOCKER-USER
`
	policy, cni := ParseForwardChain(dropNoCNI)
	assert.Equal(t, ChainPolicyDrop, policy)
	assert.False(t, cni)

	dropWithKube := `-P FORWARD DROP
-A FORWARD -m comment --comment "kubernetes forwarding rules" -j KUBE-FORWARD
-A FORWARD -j DOCKER-USER
`
	policy, cni = ParseForwardChain(dropWithKube)
	assert.Equal(t, ChainPolicyDrop, policy)
	assert.True(t, cni)

	acceptCalico := `-P FORWARD ACCEPT
-A FORWARD -m comment --comment "cali:wUHhoiAYhphO9Mso" -j cali-FORWARD
`
	policy, cni = ParseForwardChain(acceptCalico)
	assert.Equal(t, ChainPolicyAccept, policy)
	assert.True(t, cni)

	policy, cni = ParseForwardChain("")
	assert.Equal(t, ChainPolicyUnknown, policy)
	assert.False(t, cni)
}

func TestParseIPTablesBackend(t *testing.T) {
	assert.Equal(t, IPTablesBackendNFT, ParseIPTablesBackend("iptables v1.8.7 (nf_tables)\n"))
	assert.Equal(t, IPTablesBackendLegacy, ParseIPTablesBackend("iptables v1.8.4 (legacy)"))
	assert.Equal(t, IPTablesBackendLegacy, ParseIPTablesBackend("iptables v1.6.1"))
	assert.Equal(t, IPTablesBackendUnknown, ParseIPTablesBackend(""))
}

func TestParseIPVSSave(t *testing.T) {
	dump := `-A -t 10.96.0.10:53 -s rr
-a -t 10.96.0.10:53 -r 10.244.0.5:53 -m -w 1
-a -t 10.96.0.10:53 -r 10.244.0.6:53 -m -w 1
-A -u 10.96.0.10:53 -s rr
`
	servers, err := ParseIPVSSave(dump)
	assert.NoError(t, err)
	assert.Len(t, servers, 2)
	assert.Equal(t, 4, IPVSEntryCount(servers))

	servers, err = ParseIPVSSave("")
	assert.NoError(t, err)
	assert.Empty(t, servers)
	assert.Equal(t, 0, IPVSEntryCount(servers))

	_, err = ParseIPVSSave("-a -t 10.96.0.10:53 -r 10.244.0.5:53 -m -w 1")
	assert.Error(t, err)
}

func TestCIDRsConsistent(t *testing.T) {
	snap := &ClusterSnapshot{ServiceClusterCIDR: "10.233.0.0/18", KubeProxyCIDR: "10.96.0.0/12"}
	match, known := snap.CIDRsConsistent()
	assert.True(t, known)
	assert.False(t, match)

	snap = &ClusterSnapshot{ServiceClusterCIDR: "10.233.0.0/18", KubeProxyCIDR: "10.233.0.0/18"}
	match, known = snap.CIDRsConsistent()
	assert.True(t, known)
	assert.True(t, match)

	snap = &ClusterSnapshot{ServiceClusterCIDR: "10.233.0.0/18"}
	_, known = snap.CIDRsConsistent()
	assert.False(t, known)
}
