package controller

import (
	"fmt"
	"strings"

	"github.com/kubemend/kubemend/pkg/gate/diagnose"
	"github.com/kubemend/kubemend/pkg/gate/remediate"

	"github.com/samber/lo"
)

// Summary renders the operator-facing report: what happened on every
// attempt and, on failure, which findings need human judgment versus
// where automation simply ran out of retries.
func (r *Report) Summary() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Gate run %s: %s\n", r.RunID, r.Phase)
	if r.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", r.Reason)
	}

	for _, attempt := range r.Attempts {
		status := "FAIL"
		if attempt.ValidationPassed {
			status = "PASS"
		}
		fmt.Fprintf(&sb, "\nAttempt %d: validation %s", attempt.Number, status)
		if attempt.ValidationReason != "" {
			fmt.Fprintf(&sb, " (%s)", attempt.ValidationReason)
		}
		sb.WriteString("\n")

		for _, f := range attempt.Findings {
			fmt.Fprintf(&sb, "  finding: %s\n    %s\n", f, f.Evidence)
		}
		for _, a := range attempt.Actions {
			fmt.Fprintf(&sb, "  action: %s on %s -> %s", a.Finding.Kind, scopeOf(a.Finding), a.Outcome)
			if a.Error != "" {
				fmt.Fprintf(&sb, " (%s)", a.Error)
			}
			sb.WriteString("\n")
		}
		if attempt.DiagnosticsPath != "" {
			fmt.Fprintf(&sb, "  diagnostics: %s\n", attempt.DiagnosticsPath)
		}
	}

	if r.Phase == PhaseSuccess {
		r.writeSuccessGuidance(&sb)
	} else {
		r.writeFailureGuidance(&sb)
	}

	if r.ArchivePath != "" {
		fmt.Fprintf(&sb, "\nDiagnostics archive: %s\n", r.ArchivePath)
	}

	return sb.String()
}

func scopeOf(f diagnose.Finding) string {
	if f.Node == "" {
		return "cluster"
	}
	return f.Node
}

func (r *Report) writeSuccessGuidance(sb *strings.Builder) {
	last := r.Attempts[len(r.Attempts)-1]
	remediated := lo.Flatten(lo.Map(r.Attempts, func(a Attempt, _ int) []remediate.ActionResult {
		return lo.Filter(a.Actions, func(res remediate.ActionResult, _ int) bool {
			return res.Outcome == remediate.OutcomeApplied
		})
	}))
	if len(remediated) == 0 {
		fmt.Fprintf(sb, "\nConnectivity validated on attempt %d with no remediation needed.\n", last.Number)
		return
	}
	fmt.Fprintf(sb, "\nConnectivity validated on attempt %d after remediation:\n", last.Number)
	for _, a := range remediated {
		fmt.Fprintf(sb, "  - %s on %s: %s\n", a.Finding.Kind, scopeOf(a.Finding), a.Detail)
	}
}

func (r *Report) writeFailureGuidance(sb *strings.Builder) {
	var warnOnly, recurring []diagnose.Finding
	seen := map[string]int{}
	for _, attempt := range r.Attempts {
		for _, f := range attempt.Findings {
			key := string(f.Kind) + "/" + f.Node
			seen[key]++
			if f.Severity == diagnose.SeverityWarnOnly && seen[key] == 1 {
				warnOnly = append(warnOnly, f)
			}
			if f.Severity == diagnose.SeverityFixable && seen[key] == 2 {
				recurring = append(recurring, f)
			}
		}
	}

	if len(warnOnly) > 0 {
		sb.WriteString("\nNeeds operator judgment (never auto-fixed):\n")
		for _, f := range warnOnly {
			fmt.Fprintf(sb, "  - %s: %s\n", f, f.Evidence)
		}
	}
	if len(recurring) > 0 {
		sb.WriteString("\nAutomation exhausted its retries on recurring faults:\n")
		for _, f := range recurring {
			fmt.Fprintf(sb, "  - %s (reappeared after remediation)\n", f)
		}
	}
	if len(warnOnly) == 0 && len(recurring) == 0 {
		sb.WriteString("\nNo diagnosed cause kept recurring; inspect the diagnostics archive for raw evidence.\n")
	}
}
