package controller

import (
	"context"
	"testing"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/diagnose"
	"github.com/kubemend/kubemend/pkg/gate/remediate"
	"github.com/kubemend/kubemend/pkg/gate/snapshot"
	"github.com/kubemend/kubemend/pkg/gate/validate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	results []*validate.Result
	calls   int
}

func (v *fakeValidator) Validate(ctx context.Context) *validate.Result {
	v.calls++
	if len(v.results) == 0 {
		return &validate.Result{Passed: false, Reason: validate.ReasonProbeFailed}
	}
	r := v.results[0]
	if len(v.results) > 1 {
		v.results = v.results[1:]
	}
	return r
}

func pass() *validate.Result {
	return &validate.Result{Passed: true}
}

func fail() *validate.Result {
	return &validate.Result{Passed: false, Reason: validate.ReasonProbeFailed, Output: "probe exited 1"}
}

type fakeProber struct {
	snap       *snapshot.ClusterSnapshot
	probeCalls int
}

func (p *fakeProber) Nodes(ctx context.Context) ([]string, error) {
	return []string{"n1"}, nil
}

func (p *fakeProber) Probe(ctx context.Context, nodes []string) (*snapshot.ClusterSnapshot, error) {
	p.probeCalls++
	return p.snap, nil
}

type fakeRemediator struct {
	calls          [][]diagnose.Finding
	emergencyCalls int
	outcome        remediate.Outcome
}

func (r *fakeRemediator) Remediate(ctx context.Context, findings []diagnose.Finding) []remediate.ActionResult {
	r.calls = append(r.calls, findings)
	results := make([]remediate.ActionResult, len(findings))
	outcome := r.outcome
	if outcome == "" {
		outcome = remediate.OutcomeApplied
	}
	for i, f := range findings {
		results[i] = remediate.ActionResult{Finding: f, Outcome: outcome}
	}
	return results
}

func (r *fakeRemediator) EmergencyClearIPVS(ctx context.Context, nodes []string) error {
	r.emergencyCalls++
	return nil
}

type fakeBundle struct {
	snapshots []int
	archived  bool
	jsonFiles []string
}

func (b *fakeBundle) Dir() string { return "/tmp/fake-bundle" }

func (b *fakeBundle) WriteSnapshot(attempt int, snap *snapshot.ClusterSnapshot) error {
	b.snapshots = append(b.snapshots, attempt)
	return nil
}

func (b *fakeBundle) WriteJSON(name string, v interface{}) error {
	b.jsonFiles = append(b.jsonFiles, name)
	return nil
}

func (b *fakeBundle) WriteText(name, content string) error { return nil }

func (b *fakeBundle) Archive(archiveDir string) (string, error) {
	b.archived = true
	return archiveDir + "/kubemend-diagnostics-test.tar.gz", nil
}

func brokenSnapshot() *snapshot.ClusterSnapshot {
	return &snapshot.ClusterSnapshot{
		Timestamp: time.Now(),
		Nodes: map[string]*snapshot.NodeState{
			"n1": {
				NodeName:              "n1",
				BrNetfilterLoaded:     true,
				BridgeNFCallIPTables:  true,
				BridgeNFCallIP6Tables: true,
				ForwardChainPolicy:    snapshot.ChainPolicyAccept,
				CNIForwardChains:      true,
				IPTablesBackend:       snapshot.IPTablesBackendNFT,
			},
		},
		KubeProxyMode:      snapshot.ProxyModeIPTables,
		ServiceClusterCIDR: "10.233.0.0/18",
		KubeProxyCIDR:      "10.233.0.0/18",
	}
}

func newTestController(v Validator, p Prober, r Remediator, b Bundler, maxAttempts int) *Controller {
	return New(v, p, diagnose.Diagnose, r, b, Options{
		MaxAttempts:       maxAttempts,
		InterAttemptDelay: time.Millisecond,
		ArchiveDir:        "/tmp",
	})
}

func TestPassOnFirstAttemptSkipsEverything(t *testing.T) {
	validator := &fakeValidator{results: []*validate.Result{pass()}}
	prober := &fakeProber{snap: brokenSnapshot()}
	remediator := &fakeRemediator{}
	bundle := &fakeBundle{}

	report, err := newTestController(validator, prober, remediator, bundle, 3).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseSuccess, report.Phase)
	require.Len(t, report.Attempts, 1)
	assert.True(t, report.Attempts[0].ValidationPassed)
	assert.Equal(t, 0, prober.probeCalls)
	assert.Empty(t, remediator.calls)
	assert.Empty(t, bundle.snapshots)
	assert.False(t, bundle.archived)
	assert.Empty(t, report.ArchivePath)
}

func TestAttemptCeilingRespected(t *testing.T) {
	validator := &fakeValidator{results: []*validate.Result{fail()}}
	prober := &fakeProber{snap: brokenSnapshot()}
	remediator := &fakeRemediator{}
	bundle := &fakeBundle{}

	report, err := newTestController(validator, prober, remediator, bundle, 3).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseFailure, report.Phase)
	assert.Equal(t, 3, validator.calls)
	assert.Len(t, report.Attempts, 3)
	// diagnostics captured on every failed attempt, including the last
	assert.Equal(t, []int{1, 2, 3}, bundle.snapshots)
	assert.True(t, bundle.archived)
	assert.NotEmpty(t, report.ArchivePath)
	assert.Contains(t, bundle.jsonFiles, "attempts.json")
}

func TestCleanRecoveryScenario(t *testing.T) {
	snap := brokenSnapshot()
	snap.Nodes["n1"].IPForwardEnabled = false

	validator := &fakeValidator{results: []*validate.Result{fail(), pass()}}
	prober := &fakeProber{snap: snap}
	remediator := &fakeRemediator{}
	bundle := &fakeBundle{}

	report, err := newTestController(validator, prober, remediator, bundle, 3).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseSuccess, report.Phase)
	require.Len(t, report.Attempts, 2)

	first := report.Attempts[0]
	assert.False(t, first.ValidationPassed)
	require.Len(t, first.Findings, 1)
	assert.Equal(t, diagnose.KindIPForwardDisabled, first.Findings[0].Kind)
	assert.Equal(t, "n1", first.Findings[0].Node)
	require.Len(t, first.Actions, 1)
	assert.Equal(t, remediate.OutcomeApplied, first.Actions[0].Outcome)

	assert.True(t, report.Attempts[1].ValidationPassed)
	assert.Equal(t, []int{1}, bundle.snapshots)
	assert.True(t, bundle.archived, "failed first attempt must leave an archive even though the run succeeded")
}

func TestWarnOnlyFindingsNeverRemediated(t *testing.T) {
	snap := brokenSnapshot()
	snap.Nodes["n2"] = &snapshot.NodeState{
		NodeName:              "n2",
		IPForwardEnabled:      true,
		BrNetfilterLoaded:     true,
		BridgeNFCallIPTables:  true,
		BridgeNFCallIP6Tables: true,
		ForwardChainPolicy:    snapshot.ChainPolicyAccept,
		CNIForwardChains:      true,
		IPTablesBackend:       snapshot.IPTablesBackendLegacy,
	}
	snap.Nodes["n1"].IPForwardEnabled = true

	validator := &fakeValidator{results: []*validate.Result{fail()}}
	prober := &fakeProber{snap: snap}
	remediator := &fakeRemediator{}
	bundle := &fakeBundle{}

	report, err := newTestController(validator, prober, remediator, bundle, 3).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PhaseFailure, report.Phase)
	assert.Len(t, report.Attempts, 3)
	for _, attempt := range report.Attempts {
		require.Len(t, attempt.Findings, 1)
		assert.Equal(t, diagnose.KindBackendConflict, attempt.Findings[0].Kind)
		assert.Empty(t, attempt.Actions)
	}
	assert.Empty(t, remediator.calls)

	summary := report.Summary()
	assert.Contains(t, summary, "Needs operator judgment")
}

func TestEmergencyClearOnlyWhenOptedIn(t *testing.T) {
	validator := &fakeValidator{results: []*validate.Result{pass()}}
	prober := &fakeProber{snap: brokenSnapshot()}
	remediator := &fakeRemediator{}

	ctrl := New(validator, prober, diagnose.Diagnose, remediator, &fakeBundle{}, Options{
		MaxAttempts: 1,
	})
	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remediator.emergencyCalls)

	validator = &fakeValidator{results: []*validate.Result{pass()}}
	remediator = &fakeRemediator{}
	ctrl = New(validator, prober, diagnose.Diagnose, remediator, &fakeBundle{}, Options{
		MaxAttempts:        1,
		EmergencyClearIPVS: true,
	})
	_, err = ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, remediator.emergencyCalls)
}

func TestCancellationStopsAtSuspensionPoint(t *testing.T) {
	validator := &fakeValidator{results: []*validate.Result{fail()}}
	prober := &fakeProber{snap: brokenSnapshot()}
	bundle := &fakeBundle{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl := New(validator, prober, diagnose.Diagnose, &fakeRemediator{}, bundle, Options{
		MaxAttempts:       3,
		InterAttemptDelay: time.Hour,
	})
	report, err := ctrl.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, PhaseFailure, report.Phase)
	assert.Equal(t, 0, validator.calls)
}
