package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gatectx "github.com/kubemend/kubemend/pkg/gate/context"
	"github.com/kubemend/kubemend/pkg/gate/controller"
	"github.com/kubemend/kubemend/pkg/gate/diagnose"
	"github.com/kubemend/kubemend/pkg/gate/diagnostics"
	"github.com/kubemend/kubemend/pkg/gate/nodeexec"
	"github.com/kubemend/kubemend/pkg/gate/probe"
	"github.com/kubemend/kubemend/pkg/gate/remediate"
	"github.com/kubemend/kubemend/pkg/gate/validate"
	"github.com/kubemend/kubemend/version"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"
	"k8s.io/klog/v2"
)

func NewGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:  "kubemend",
		Long: "Kubemend is a reconciliation gate that detects and repairs cluster networking faults blocking pod-to-ClusterIP DNS.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if gatectx.GateContext.MiscConfig().Version {
				version.PrintVersion()
				os.Exit(0)
			}
			if err := gatectx.GateContext.Validate(); err != nil {
				return err
			}
			return gatectx.GateContext.BuildCluster()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runGate()
			if report != nil {
				fmt.Printf("\n%s", report.Summary())
			}
			if err != nil {
				return err
			}
			if report.Phase != controller.PhaseSuccess {
				return fmt.Errorf("gate finished %s", report.Phase)
			}
			return nil
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	fss := cliflag.NamedFlagSets{}
	gatectx.GateContext.BindNamedFlags(&fss)

	for _, f := range fss.FlagSets {
		fs.AddFlagSet(f)
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	return cmd
}

func runGate() (*controller.Report, error) {
	gateCtx := gatectx.GateContext
	cfg := gateCtx.GateConfig()
	client := gateCtx.KubernetesClient()
	restConfig := gateCtx.KubernetesRestConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := nodeexec.NewPodRunner(client, restConfig, nodeexec.Options{
		Namespace: cfg.Namespace,
		Image:     cfg.AgentImage,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := runner.Close(context.Background()); err != nil {
			klog.Errorf("cleanup agent pods: %s", err)
		}
	}()

	validator := validate.NewValidator(client, validate.Options{
		Namespace: cfg.Namespace,
		Image:     cfg.ValidatorImage,
		Timeout:   cfg.ValidateTimeout,
	})

	prober := probe.NewProber(client, runner, cfg.NodeConcurrency)

	remediator := remediate.NewRemediator(client, runner, remediate.Options{
		BackupDir:       cfg.DiagnosticsDir,
		RolloutTimeout:  cfg.RolloutTimeout,
		NodeConcurrency: cfg.NodeConcurrency,
	})

	bundle, err := diagnostics.NewBundle(cfg.DiagnosticsDir, uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}

	gate := controller.New(validator, prober, diagnose.Diagnose, remediator, bundle, controller.Options{
		MaxAttempts:        cfg.MaxAttempts,
		InterAttemptDelay:  cfg.InterAttemptDelay,
		ArchiveDir:         cfg.ArchiveDir,
		LockPath:           filepath.Join(cfg.DiagnosticsDir, "gate.lock"),
		EmergencyClearIPVS: cfg.EmergencyClearIPVS,
	})

	return gate.Run(ctx)
}
