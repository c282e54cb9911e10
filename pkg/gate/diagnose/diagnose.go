package diagnose

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kubemend/kubemend/pkg/gate/snapshot"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

type Kind string

const (
	KindIPForwardDisabled     Kind = "IPForwardDisabled"
	KindBrNetfilterMissing    Kind = "BrNetfilterMissing"
	KindForwardPolicyBlocking Kind = "ForwardPolicyBlocking"
	KindStaleIPVSState        Kind = "StaleIPVSState"
	KindServiceCIDRMismatch   Kind = "ServiceCIDRMismatch"
	KindBackendConflict       Kind = "BackendConflict"
	KindUnknown               Kind = "Unknown"
)

type Severity int

const (
	SeverityFixable Severity = iota
	SeverityWarnOnly
)

func (s Severity) String() string {
	switch s {
	case SeverityFixable:
		return "Fixable"
	case SeverityWarnOnly:
		return "WarnOnly"
	}
	return "Unknown"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Finding is one diagnosed fault. Node is empty for cluster-scoped
// findings. Findings never outlive the attempt that produced them;
// every attempt re-diagnoses from a fresh snapshot.
type Finding struct {
	Kind     Kind     `json:"kind"`
	Node     string   `json:"node,omitempty"`
	Severity Severity `json:"severity"`
	Evidence string   `json:"evidence"`
}

func (f Finding) String() string {
	scope := f.Node
	if scope == "" {
		scope = "cluster"
	}
	return fmt.Sprintf("[%s] %s on %s", f.Severity, f.Kind, scope)
}

// Diagnose applies the fixed decision table to a snapshot and returns
// findings in deterministic order: per-node rules over nodes in name
// order, then cluster-wide rules. It is a pure function of the
// snapshot; it is only ever invoked after a failed validation, so an
// empty table result yields an Unknown finding rather than silence.
func Diagnose(snap *snapshot.ClusterSnapshot) []Finding {
	var findings []Finding

	nodeNames := lo.Keys(snap.Nodes)
	sort.Strings(nodeNames)

	for _, name := range nodeNames {
		node := snap.Nodes[name]
		if node.Unreachable {
			continue
		}
		findings = append(findings, diagnoseNode(node)...)
	}

	findings = append(findings, diagnoseIPVSResidue(snap, nodeNames)...)
	findings = append(findings, diagnoseServiceCIDR(snap)...)
	findings = append(findings, diagnoseBackendConflict(snap, nodeNames)...)

	if len(findings) == 0 {
		findings = append(findings, unknownFinding(snap, nodeNames))
	}

	for _, f := range findings {
		log.Infof("finding: %s", f)
	}
	return findings
}

func diagnoseNode(node *snapshot.NodeState) []Finding {
	var findings []Finding

	if !node.IPForwardEnabled {
		findings = append(findings, Finding{
			Kind:     KindIPForwardDisabled,
			Node:     node.NodeName,
			Severity: SeverityFixable,
			Evidence: "net.ipv4.ip_forward is 0; pods on this node cannot route to ClusterIPs",
		})
	}

	// A loaded module with the call-iptables sysctls off is the same
	// fault as a missing module: bridged pod traffic bypasses iptables.
	// Both repair through the same path, so they fold into one finding.
	if !node.BrNetfilterLoaded || !node.BridgeNFCallIPTables || !node.BridgeNFCallIP6Tables {
		evidence := fmt.Sprintf("br_netfilter loaded=%t, bridge-nf-call-iptables=%t, bridge-nf-call-ip6tables=%t",
			node.BrNetfilterLoaded, node.BridgeNFCallIPTables, node.BridgeNFCallIP6Tables)
		findings = append(findings, Finding{
			Kind:     KindBrNetfilterMissing,
			Node:     node.NodeName,
			Severity: SeverityFixable,
			Evidence: evidence,
		})
	}

	if node.ForwardChainPolicy == snapshot.ChainPolicyDrop && !node.CNIForwardChains {
		findings = append(findings, Finding{
			Kind:     KindForwardPolicyBlocking,
			Node:     node.NodeName,
			Severity: SeverityFixable,
			Evidence: "FORWARD chain policy is DROP and no CNI/kube-proxy accept chains are installed",
		})
	}

	return findings
}

// diagnoseIPVSResidue fires only when kube-proxy runs in iptables mode:
// leftover IPVS virtual servers then shadow ClusterIP traffic that the
// iptables rules should handle. In ipvs mode a populated table is
// simply kube-proxy doing its job.
func diagnoseIPVSResidue(snap *snapshot.ClusterSnapshot, nodeNames []string) []Finding {
	if snap.KubeProxyMode != snapshot.ProxyModeIPTables {
		return nil
	}

	var findings []Finding
	for _, name := range nodeNames {
		node := snap.Nodes[name]
		if node.Unreachable {
			continue
		}
		if node.IPVSModulesLoaded && node.IPVSTableEntries > 0 {
			findings = append(findings, Finding{
				Kind:     KindStaleIPVSState,
				Node:     name,
				Severity: SeverityFixable,
				Evidence: fmt.Sprintf("kube-proxy mode is iptables but %d IPVS entries are programmed", node.IPVSTableEntries),
			})
		}
	}
	return findings
}

func diagnoseServiceCIDR(snap *snapshot.ClusterSnapshot) []Finding {
	match, known := snap.CIDRsConsistent()
	if !known || match {
		return nil
	}
	return []Finding{{
		Kind:     KindServiceCIDRMismatch,
		Severity: SeverityFixable,
		Evidence: fmt.Sprintf("kube-apiserver service CIDR %s but kube-proxy configured with %s",
			snap.ServiceClusterCIDR, snap.KubeProxyCIDR),
	}}
}

// diagnoseBackendConflict only warns. Switching a node's iptables
// backend can break host firewall rules outside the cluster's control,
// so this is never auto-remediated.
func diagnoseBackendConflict(snap *snapshot.ClusterSnapshot, nodeNames []string) []Finding {
	backends := map[snapshot.IPTablesBackend][]string{}
	for _, name := range nodeNames {
		node := snap.Nodes[name]
		if node.Unreachable || node.IPTablesBackend == snapshot.IPTablesBackendUnknown {
			continue
		}
		backends[node.IPTablesBackend] = append(backends[node.IPTablesBackend], name)
	}
	if len(backends) <= 1 {
		return nil
	}

	parts := lo.MapToSlice(backends, func(backend snapshot.IPTablesBackend, nodes []string) string {
		return fmt.Sprintf("%s: %s", backend, strings.Join(nodes, ","))
	})
	sort.Strings(parts)
	return []Finding{{
		Kind:     KindBackendConflict,
		Severity: SeverityWarnOnly,
		Evidence: fmt.Sprintf("iptables backend differs between nodes (%s); resolve manually, automatic switching risks host firewall rules", strings.Join(parts, "; ")),
	}}
}

func unknownFinding(snap *snapshot.ClusterSnapshot, nodeNames []string) Finding {
	var sb strings.Builder
	sb.WriteString("validation failed but no known fault matched.")
	unreachable := lo.Filter(nodeNames, func(name string, _ int) bool {
		return snap.Nodes[name].Unreachable
	})
	if len(unreachable) > 0 {
		fmt.Fprintf(&sb, " unprobed nodes: %s.", strings.Join(unreachable, ","))
	}
	fmt.Fprintf(&sb, " coreDNSReady=%t kubeProxyReady=%t kubeProxyMode=%s",
		snap.CoreDNSReady, snap.KubeProxyReady, snap.KubeProxyMode)
	return Finding{
		Kind:     KindUnknown,
		Severity: SeverityWarnOnly,
		Evidence: sb.String(),
	}
}

// Fixable filters a finding list down to what the remediator may act
// on. WarnOnly findings are surfaced to the operator but never passed
// to remediation.
func Fixable(findings []Finding) []Finding {
	return lo.Filter(findings, func(f Finding, _ int) bool {
		return f.Severity == SeverityFixable
	})
}
