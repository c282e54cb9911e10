package snapshot

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ParseSysctlValue parses the output of `sysctl -n <key>`, which for the
// keys we care about is a bare 0 or 1.
func ParseSysctlValue(out string) (bool, error) {
	v := strings.TrimSpace(out)
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("unexpected sysctl value %q", v)
}

// ParseLoadedModules parses `lsmod` output into module names. The first
// line is the header.
func ParseLoadedModules(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) <= 1 {
		return nil
	}
	return lo.FilterMap(lines[1:], func(line string, _ int) (string, bool) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return "", false
		}
		return fields[0], true
	})
}

func ModuleLoaded(modules []string, name string) bool {
	return lo.Contains(modules, name)
}

// AnyIPVSModuleLoaded reports whether any of the ip_vs family of modules
// is present (ip_vs, ip_vs_rr, ip_vs_wrr, ...).
func AnyIPVSModuleLoaded(modules []string) bool {
	return lo.ContainsBy(modules, func(m string) bool {
		return m == "ip_vs" || strings.HasPrefix(m, "ip_vs_")
	})
}

// knownCNIForwardChains are chains a CNI or kube-proxy installs into the
// filter FORWARD chain to accept pod traffic even when the chain policy
// is DROP.
var knownCNIForwardChains = []string{
	"KUBE-FORWARD",
	"cali-FORWARD",
	"FLANNEL-FWD",
	"CNI-FORWARD",
}

// ParseForwardChain parses `iptables -S FORWARD` output. It returns the
// chain policy and whether any known CNI/kube-proxy accept chain is
// jumped to from FORWARD.
func ParseForwardChain(out string) (ChainPolicy, bool) {
	policy := ChainPolicyUnknown
	cniChains := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == "-P" && fields[1] == "FORWARD" {
			switch fields[2] {
			case "ACCEPT":
				policy = ChainPolicyAccept
			case "DROP":
				policy = ChainPolicyDrop
			case "REJECT":
				policy = ChainPolicyReject
			}
			continue
		}
		for i, f := range fields {
			if (f == "-j" || f == "-g") && i+1 < len(fields) {
				if lo.Contains(knownCNIForwardChains, fields[i+1]) {
					cniChains = true
				}
			}
		}
	}
	return policy, cniChains
}

// ParseIPTablesBackend parses `iptables --version` output, e.g.
// "iptables v1.8.7 (nf_tables)" or "iptables v1.8.4 (legacy)". Older
// iptables prints no mode suffix at all, which means legacy.
func ParseIPTablesBackend(out string) IPTablesBackend {
	line := strings.TrimSpace(out)
	if line == "" {
		return IPTablesBackendUnknown
	}
	switch {
	case strings.Contains(line, "nf_tables"):
		return IPTablesBackendNFT
	case strings.Contains(line, "legacy"):
		return IPTablesBackendLegacy
	case strings.HasPrefix(line, "iptables v"):
		return IPTablesBackendLegacy
	}
	return IPTablesBackendUnknown
}

// IPVSVirtualServer is one virtual service from an ipvsadm-save dump.
type IPVSVirtualServer struct {
	Protocol  string
	Address   string
	Port      uint16
	Scheduler string
	DestCount int
}

func parseIPVSLine(servers map[string]*IPVSVirtualServer, line string) error {
	var (
		addService  bool
		tcpService  string
		udpService  string
		scheduler   string
		addServer   bool
		realServer  string
		masquerade  bool
		weight      string
		persistence string
	)

	fs := flag.NewFlagSet("ipvsadm", flag.ContinueOnError)
	fs.BoolVar(&addService, "A", false, "")
	fs.StringVar(&tcpService, "t", "", "")
	fs.StringVar(&udpService, "u", "", "")
	fs.StringVar(&scheduler, "s", "", "")
	fs.BoolVar(&addServer, "a", false, "")
	fs.StringVar(&realServer, "r", "", "")
	fs.BoolVar(&masquerade, "m", false, "")
	fs.StringVar(&weight, "w", "", "")
	fs.StringVar(&persistence, "p", "", "")
	if err := fs.Parse(strings.Fields(line)); err != nil {
		return errors.Wrapf(err, "error parse ipvs rule %q", line)
	}

	if !addService && !addServer {
		return fmt.Errorf("unknown ipvs action in %q", line)
	}

	protocol, service := "tcp", tcpService
	if udpService != "" {
		protocol, service = "udp", udpService
	}
	addr, portStr, ok := strings.Cut(service, ":")
	if !ok {
		return fmt.Errorf("malformed ipvs service %q", service)
	}

	key := protocol + ":" + service
	if addService {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return errors.Wrapf(err, "bad port in ipvs service %q", service)
		}
		servers[key] = &IPVSVirtualServer{
			Protocol:  protocol,
			Address:   addr,
			Port:      uint16(port),
			Scheduler: scheduler,
		}
		return nil
	}

	svc, ok := servers[key]
	if !ok {
		return fmt.Errorf("ipvs destination for unknown service %q", service)
	}
	svc.DestCount++
	return nil
}

// ParseIPVSSave parses `ipvsadm-save -n` output into virtual servers.
// An empty dump parses to an empty table.
func ParseIPVSSave(out string) ([]*IPVSVirtualServer, error) {
	servers := map[string]*IPVSVirtualServer{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parseIPVSLine(servers, line); err != nil {
			return nil, err
		}
	}
	return lo.Values(servers), nil
}

// IPVSEntryCount counts virtual servers plus destinations, the number an
// operator sees as "entries still programmed".
func IPVSEntryCount(servers []*IPVSVirtualServer) int {
	return lo.SumBy(servers, func(s *IPVSVirtualServer) int { return 1 + s.DestCount })
}
