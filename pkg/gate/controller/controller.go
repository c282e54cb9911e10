package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/kubemend/kubemend/pkg/gate/diagnose"
	"github.com/kubemend/kubemend/pkg/gate/lock"
	"github.com/kubemend/kubemend/pkg/gate/remediate"
	"github.com/kubemend/kubemend/pkg/gate/snapshot"
	"github.com/kubemend/kubemend/pkg/gate/validate"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseSuccess Phase = "Done-Success"
	PhaseFailure Phase = "Done-Failure"
)

// Attempt is the append-only record of one validate-remediate cycle.
// The attempt log is the sole source of truth for the final report.
type Attempt struct {
	Number           int                      `json:"attemptNumber"`
	ValidationPassed bool                     `json:"validationPassed"`
	ValidationReason validate.Reason          `json:"validationReason,omitempty"`
	ValidationOutput string                   `json:"validationOutput,omitempty"`
	Findings         []diagnose.Finding       `json:"findings,omitempty"`
	Actions          []remediate.ActionResult `json:"actionsApplied,omitempty"`
	DiagnosticsPath  string                   `json:"diagnosticsArchivePath,omitempty"`
}

type Report struct {
	RunID       string    `json:"runID"`
	Phase       Phase     `json:"phase"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    []Attempt `json:"attempts"`
	ArchivePath string    `json:"archivePath,omitempty"`
}

type Validator interface {
	Validate(ctx context.Context) *validate.Result
}

type Prober interface {
	Nodes(ctx context.Context) ([]string, error)
	Probe(ctx context.Context, nodes []string) (*snapshot.ClusterSnapshot, error)
}

type Remediator interface {
	Remediate(ctx context.Context, findings []diagnose.Finding) []remediate.ActionResult
	EmergencyClearIPVS(ctx context.Context, nodes []string) error
}

type Bundler interface {
	Dir() string
	WriteSnapshot(attempt int, snap *snapshot.ClusterSnapshot) error
	WriteJSON(name string, v interface{}) error
	WriteText(name, content string) error
	Archive(archiveDir string) (string, error)
}

type DiagnoseFunc func(*snapshot.ClusterSnapshot) []diagnose.Finding

type Options struct {
	MaxAttempts        int
	InterAttemptDelay  time.Duration
	ArchiveDir         string
	LockPath           string
	EmergencyClearIPVS bool
}

// Controller drives the reconciliation gate: Validate, then on failure
// Probe, Diagnose, Remediate and validate again, up to the attempt
// ceiling. Within one attempt Validate always precedes Diagnose and
// Remediate, and Remediate completes for all findings before the next
// Validate.
type Controller struct {
	validator  Validator
	prober     Prober
	diagnose   DiagnoseFunc
	remediator Remediator
	bundle     Bundler
	opts       Options
}

func New(validator Validator, prober Prober, diagnoseFn DiagnoseFunc, remediator Remediator, bundle Bundler, opts Options) *Controller {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Controller{
		validator:  validator,
		prober:     prober,
		diagnose:   diagnoseFn,
		remediator: remediator,
		bundle:     bundle,
		opts:       opts,
	}
}

// Run executes one gate session and returns its report. The returned
// error is non-nil only for fatal preconditions (lock contention,
// cancellation, an unreachable API server); ordinary validation
// failure is expressed through the report phase.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID: uuid.NewString(),
		Phase: PhaseFailure,
	}

	if c.opts.LockPath != "" {
		fl, err := lock.Acquire(c.opts.LockPath)
		if err != nil {
			report.Reason = err.Error()
			return report, err
		}
		defer func() {
			if err := fl.Release(); err != nil {
				log.Errorf("release gate lock: %s", err)
			}
		}()
	}

	log.Infof("gate run %s starting, max attempts %d", report.RunID, c.opts.MaxAttempts)

	if c.opts.EmergencyClearIPVS {
		if err := c.emergencyClear(ctx); err != nil {
			log.Errorf("emergency IPVS clear: %s", err)
		}
	}

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.finish(report, fmt.Sprintf("canceled before attempt %d", attempt)), err
		}

		log.Infof("attempt %d/%d: validating connectivity", attempt, c.opts.MaxAttempts)
		result := c.validator.Validate(ctx)

		record := Attempt{
			Number:           attempt,
			ValidationPassed: result.Passed,
			ValidationReason: result.Reason,
			ValidationOutput: result.Output,
		}

		if result.Passed {
			report.Attempts = append(report.Attempts, record)
			report.Phase = PhaseSuccess
			log.Infof("attempt %d: validation passed", attempt)
			return c.finish(report, ""), nil
		}

		log.Warnf("attempt %d: validation failed (%s)", attempt, result.Reason)

		nodes, err := c.prober.Nodes(ctx)
		if err != nil {
			report.Attempts = append(report.Attempts, record)
			return c.finish(report, fmt.Sprintf("fatal: %s", err)), err
		}

		snap, err := c.prober.Probe(ctx, nodes)
		if err != nil {
			report.Attempts = append(report.Attempts, record)
			return c.finish(report, fmt.Sprintf("fatal: %s", err)), err
		}

		record.Findings = c.diagnose(snap)

		// Diagnostics capture happens before the decision to continue
		// or stop; the last failed attempt is never skipped.
		if err := c.bundle.WriteSnapshot(attempt, snap); err != nil {
			log.Errorf("attempt %d: cannot write diagnostics: %s", attempt, err)
		} else {
			record.DiagnosticsPath = c.bundle.Dir()
		}

		if attempt == c.opts.MaxAttempts {
			report.Attempts = append(report.Attempts, record)
			break
		}

		if err := c.settle(ctx); err != nil {
			report.Attempts = append(report.Attempts, record)
			return c.finish(report, "canceled during settle delay"), err
		}

		fixable := diagnose.Fixable(record.Findings)
		if len(fixable) > 0 {
			log.Infof("attempt %d: remediating %d fixable findings", attempt, len(fixable))
			record.Actions = c.remediator.Remediate(ctx, fixable)
		} else {
			log.Warnf("attempt %d: no fixable findings, re-validating anyway", attempt)
		}

		report.Attempts = append(report.Attempts, record)
	}

	return c.finish(report, fmt.Sprintf("validation still failing after %d attempts", c.opts.MaxAttempts)), nil
}

func (c *Controller) emergencyClear(ctx context.Context) error {
	nodes, err := c.prober.Nodes(ctx)
	if err != nil {
		return err
	}
	return c.remediator.EmergencyClearIPVS(ctx, nodes)
}

// settle waits the configured inter-attempt delay so kernel and daemon
// changes from the previous round take effect before remediation.
func (c *Controller) settle(ctx context.Context) error {
	if c.opts.InterAttemptDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.opts.InterAttemptDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finish flushes the attempt log to the bundle and archives it when any
// attempt failed.
func (c *Controller) finish(report *Report, reason string) *Report {
	report.Reason = reason

	anyFailed := false
	for _, a := range report.Attempts {
		if !a.ValidationPassed {
			anyFailed = true
			break
		}
	}
	if !anyFailed {
		log.Infof("gate run %s: %s, no diagnostics to archive", report.RunID, report.Phase)
		return report
	}

	if err := c.bundle.WriteJSON("attempts.json", report.Attempts); err != nil {
		log.Errorf("cannot write attempt log: %s", err)
	}
	if err := c.bundle.WriteText("summary.txt", report.Summary()); err != nil {
		log.Errorf("cannot write summary: %s", err)
	}

	archivePath, err := c.bundle.Archive(c.opts.ArchiveDir)
	if err != nil {
		log.Errorf("cannot archive diagnostics: %s", err)
	} else {
		report.ArchivePath = archivePath
		log.Infof("diagnostics archived to %s", archivePath)
	}
	return report
}
