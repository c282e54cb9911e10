package snapshot

import (
	"net"
	"time"
)

type ProxyMode string

const (
	ProxyModeIPTables ProxyMode = "iptables"
	ProxyModeIPVS     ProxyMode = "ipvs"
	ProxyModeUnknown  ProxyMode = "unknown"
)

type ChainPolicy string

const (
	ChainPolicyAccept  ChainPolicy = "ACCEPT"
	ChainPolicyDrop    ChainPolicy = "DROP"
	ChainPolicyReject  ChainPolicy = "REJECT"
	ChainPolicyUnknown ChainPolicy = "unknown"
)

type IPTablesBackend string

const (
	IPTablesBackendLegacy  IPTablesBackend = "legacy"
	IPTablesBackendNFT     IPTablesBackend = "nft"
	IPTablesBackendUnknown IPTablesBackend = "unknown"
)

// NodeDump holds the raw command outputs a node probe is built from.
// It is carried along so the diagnostics bundle can archive exactly what
// was observed, not a re-rendering of it.
type NodeDump struct {
	Sysctl          string `json:"sysctl"`
	Modules         string `json:"modules"`
	IPTablesFilter  string `json:"iptablesFilter"`
	IPTablesNAT     string `json:"iptablesNat"`
	IPTablesVersion string `json:"iptablesVersion"`
	IPVS            string `json:"ipvs"`
}

// NodeState is the parsed network posture of one node. A node that could
// not be probed is recorded with Unreachable set and all other fields at
// their zero/unknown values; it is never dropped from the snapshot.
type NodeState struct {
	NodeName    string `json:"nodeName"`
	Unreachable bool   `json:"unreachable"`
	ProbeError  string `json:"probeError,omitempty"`

	IPForwardEnabled      bool            `json:"ipForwardEnabled"`
	BrNetfilterLoaded     bool            `json:"brNetfilterLoaded"`
	BridgeNFCallIPTables  bool            `json:"bridgeNfCallIptables"`
	BridgeNFCallIP6Tables bool            `json:"bridgeNfCallIp6tables"`
	ForwardChainPolicy    ChainPolicy     `json:"forwardChainPolicy"`
	CNIForwardChains      bool            `json:"cniForwardChainsPresent"`
	IPVSModulesLoaded     bool            `json:"ipvsModulesLoaded"`
	IPVSTableEntries      int             `json:"ipvsTableEntryCount"`
	IPTablesBackend       IPTablesBackend `json:"iptablesBackend"`

	Dump NodeDump `json:"-"`
}

// ClusterSnapshot is a point-in-time view of cluster networking state.
// It is immutable once the probe returns it; a new probe cycle builds a
// new one.
type ClusterSnapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Nodes     map[string]*NodeState `json:"nodes"`

	KubeProxyMode      ProxyMode `json:"kubeProxyMode"`
	ServiceClusterCIDR string    `json:"serviceClusterCIDR"`
	KubeProxyCIDR      string    `json:"kubeProxyConfiguredCIDR"`
	KubeProxyConfigRaw string    `json:"-"`

	CoreDNSReady   bool `json:"coreDNSReady"`
	KubeProxyReady bool `json:"kubeProxyReady"`
}

// CIDRsConsistent reports whether the apiserver's service CIDR and the
// one kube-proxy is configured with refer to the same range. The second
// return is false when either side could not be determined, which is not
// the same thing as a mismatch.
func (s *ClusterSnapshot) CIDRsConsistent() (match bool, known bool) {
	if s.ServiceClusterCIDR == "" || s.KubeProxyCIDR == "" {
		return false, false
	}
	_, want, err := net.ParseCIDR(s.ServiceClusterCIDR)
	if err != nil {
		return false, false
	}
	_, got, err := net.ParseCIDR(s.KubeProxyCIDR)
	if err != nil {
		return false, false
	}
	return want.String() == got.String(), true
}
