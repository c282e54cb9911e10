package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/snapshot"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/json"
)

// Bundle collects per-attempt diagnostic dumps in a run-scoped
// directory and archives them to a single compressed file. Diagnostics
// from failed attempts are the operator's only artifact for manual
// follow-up, so writes here never silently vanish: errors surface to
// the controller, which logs them and keeps going.
type Bundle struct {
	runID string
	dir   string
}

func NewBundle(baseDir, runID string) (*Bundle, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("run-%s", runID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create diagnostics directory")
	}
	return &Bundle{runID: runID, dir: dir}, nil
}

func (b *Bundle) Dir() string {
	return b.dir
}

func (b *Bundle) attemptDir(attempt int) (string, error) {
	dir := filepath.Join(b.dir, fmt.Sprintf("attempt-%02d", attempt))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteSnapshot dumps one attempt's snapshot: a text file per node with
// the raw command outputs, plus a cluster-wide summary.
func (b *Bundle) WriteSnapshot(attempt int, snap *snapshot.ClusterSnapshot) error {
	dir, err := b.attemptDir(attempt)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(snap.Nodes))
	for name := range snap.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := writeNodeDump(dir, snap.Nodes[name]); err != nil {
			return err
		}
	}
	return writeClusterSummary(dir, snap)
}

func writeNodeDump(dir string, state *snapshot.NodeState) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "node: %s\n", state.NodeName)
	if state.Unreachable {
		fmt.Fprintf(&sb, "UNREACHABLE: %s\n", state.ProbeError)
	}
	section := func(title, content string) {
		fmt.Fprintf(&sb, "\n==== %s ====\n%s\n", title, strings.TrimRight(content, "\n"))
	}
	section("sysctl", state.Dump.Sysctl)
	section("kernel modules", state.Dump.Modules)
	section("iptables filter FORWARD", state.Dump.IPTablesFilter)
	section("iptables nat", state.Dump.IPTablesNAT)
	section("iptables version", state.Dump.IPTablesVersion)
	section("ipvs", state.Dump.IPVS)

	path := filepath.Join(dir, fmt.Sprintf("node-%s.txt", state.NodeName))
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func writeClusterSummary(dir string, snap *snapshot.ClusterSnapshot) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "snapshot taken: %s\n", snap.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "kube-proxy mode: %s\n", snap.KubeProxyMode)
	fmt.Fprintf(&sb, "apiserver service CIDR: %s\n", snap.ServiceClusterCIDR)
	fmt.Fprintf(&sb, "kube-proxy clusterCIDR: %s\n", snap.KubeProxyCIDR)
	fmt.Fprintf(&sb, "coredns ready: %t\n", snap.CoreDNSReady)
	fmt.Fprintf(&sb, "kube-proxy ready: %t\n", snap.KubeProxyReady)
	if snap.KubeProxyConfigRaw != "" {
		fmt.Fprintf(&sb, "\n==== kube-proxy config.conf ====\n%s\n", snap.KubeProxyConfigRaw)
	}

	path := filepath.Join(dir, "cluster.txt")
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// WriteJSON serializes a value into the bundle root, used for the
// structured attempt log.
func (b *Bundle) WriteJSON(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.dir, name), data, 0o644)
}

// WriteText writes a human-readable file into the bundle root.
func (b *Bundle) WriteText(name, content string) error {
	return os.WriteFile(filepath.Join(b.dir, name), []byte(content), 0o644)
}

// Archive packs the bundle directory into a timestamped tar.gz under
// archiveDir and returns the archive path.
func (b *Bundle) Archive(archiveDir string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create archive directory")
	}

	archivePath := filepath.Join(archiveDir,
		fmt.Sprintf("kubemend-diagnostics-%s.tar.gz", time.Now().Format("20060102-150405")))
	f, err := os.Create(archivePath)
	if err != nil {
		return "", errors.Wrap(err, "create archive file")
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(b.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(b.dir), path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return "", errors.Wrap(err, "write archive")
	}
	return archivePath, nil
}
