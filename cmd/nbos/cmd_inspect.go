package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/NeuralBlitz/NBOS-Web/internal/audit"
	"github.com/NeuralBlitz/NBOS-Web/internal/logging"
	"github.com/NeuralBlitz/NBOS-Web/internal/orchestrator"
	"github.com/NeuralBlitz/NBOS-Web/internal/pipeline"
	"github.com/NeuralBlitz/NBOS-Web/internal/state"
)

// Sections accepted by --show.
const (
	showVersions      = "versions"
	showVerifications = "verifications"
	showTasks         = "tasks"
	showAudit         = "audit"
	showAll           = "all"
)

type inspectFlags struct {
	show   string
	last   int
	module string
}

type inspectOutput struct {
	Versions      []state.StateRecord         `json:"versions,omitempty"`
	Verifications []logging.VerificationEntry `json:"verifications,omitempty"`
	Tasks         []pipeline.OutputPackage    `json:"tasks,omitempty"`
	Audit         []logging.AuditRow          `json:"audit,omitempty"`
	Chains        map[string]string           `json:"chains,omitempty"`
}

// newInspectCmd reads a store written by init, verify or process.
//
// Exit codes: 0 ok, 1 an audit chain fails verification, 2 error.
func newInspectCmd(f *rootFlags) *cobra.Command {
	inf := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show persisted state versions, verifications, tasks and audit chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return &codeError{code: exitError, err: errors.New("inspect needs --db or store.path")}
			}
			if !slices.Contains([]string{showVersions, showVerifications, showTasks, showAudit, showAll}, inf.show) {
				return &codeError{code: exitError, err: fmt.Errorf("unknown --show %q", inf.show)}
			}

			store, err := state.NewStore(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()
			if err := logging.EnsureSchema(store.DB()); err != nil {
				return err
			}

			out, err := inf.collect(store)
			if err != nil {
				return err
			}
			if f.jsonOut {
				err = writeJSON(cmd.OutOrStdout(), out)
			} else {
				printInspect(cmd.OutOrStdout(), out)
			}
			if err != nil {
				return err
			}
			for _, status := range out.Chains {
				if status != "ok" {
					return mismatch()
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&inf.show, "show", showAll, "section to show: versions, verifications, tasks, audit or all")
	cmd.Flags().IntVar(&inf.last, "last", 20, "show N most recent rows per section")
	cmd.Flags().StringVar(&inf.module, "module", "", "restrict audit rows to one module")
	return cmd
}

func (inf *inspectFlags) wants(section string) bool {
	return inf.show == showAll || inf.show == section
}

func (inf *inspectFlags) collect(store *state.Store) (inspectOutput, error) {
	var out inspectOutput
	var err error
	db := store.DB()

	if inf.wants(showVersions) {
		if out.Versions, err = store.ListVersions(inf.last); err != nil {
			return out, err
		}
	}
	if inf.wants(showVerifications) {
		if out.Verifications, err = logging.ListVerifications(db, inf.last); err != nil {
			return out, err
		}
	}
	if inf.wants(showTasks) {
		ledger, err := orchestrator.NewTaskLedger(db)
		if err != nil {
			return out, err
		}
		if out.Tasks, err = ledger.List(inf.last); err != nil {
			return out, err
		}
	}
	if inf.wants(showAudit) {
		rows, err := logging.ListAudit(db, inf.module)
		if err != nil {
			return out, err
		}
		out.Chains = verifyChains(rows)
		if len(rows) > inf.last {
			rows = rows[len(rows)-inf.last:]
		}
		out.Audit = rows
	}
	return out, nil
}

// verifyChains re-checks each module's hash chain over all of its rows.
func verifyChains(rows []logging.AuditRow) map[string]string {
	byModule := make(map[string][]audit.Entry)
	status := make(map[string]string)
	for _, r := range rows {
		e, err := r.Entry()
		if err != nil {
			status[r.Module] = err.Error()
			continue
		}
		byModule[r.Module] = append(byModule[r.Module], e)
	}
	for module, entries := range byModule {
		if _, bad := status[module]; bad {
			continue
		}
		if err := audit.VerifyChain(entries); err != nil {
			status[module] = err.Error()
			continue
		}
		status[module] = "ok"
	}
	return status
}

// #region print

func printInspect(w io.Writer, out inspectOutput) {
	if out.Versions != nil {
		fmt.Fprintln(w, "State versions (newest first):")
		fmt.Fprintf(w, "%-8s | %-8s | %9s | %9s | %-5s | %-11s | %s\n",
			"Version", "Parent", "Alignment", "Coherence", "Drift", "Trigger", "Time")
		fmt.Fprintln(w, dashes(8, 8, 9, 9, 5, 11, 20))
		for _, v := range out.Versions {
			parent := "-"
			if v.ParentID != "" {
				parent = shortID(v.ParentID)
			}
			fmt.Fprintf(w, "%-8s | %-8s | %9.4f | %9.4f | %-5v | %-11s | %s\n",
				shortID(v.VersionID), parent, v.State.AlignmentScore, v.State.CoherenceLevel,
				v.State.EthicalDriftDetected, v.Trigger, v.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
		fmt.Fprintln(w)
	}

	if out.Verifications != nil {
		fmt.Fprintln(w, "Verifications (newest first):")
		fmt.Fprintf(w, "%-8s | %-6s | %10s | %-9s | %s\n", "Record", "Passed", "Confidence", "Escalated", "Violations")
		fmt.Fprintln(w, dashes(8, 6, 10, 9, 20))
		for _, v := range out.Verifications {
			viol := v.ViolationsJSON
			if viol == "" {
				viol = "-"
			}
			fmt.Fprintf(w, "%-8s | %-6v | %10.2f | %-9v | %s\n",
				shortID(v.RecordID), v.Passed, v.Confidence, v.Escalated, viol)
		}
		fmt.Fprintln(w)
	}

	if out.Tasks != nil {
		fmt.Fprintln(w, "Tasks (newest first):")
		fmt.Fprintf(w, "%-24s | %10s | %10s | %6s | %s\n", "Task", "Prediction", "Confidence", "Biases", "Verified")
		fmt.Fprintln(w, dashes(24, 10, 10, 6, 8))
		for _, t := range out.Tasks {
			fmt.Fprintf(w, "%-24s | %10.4f | %10.2f | %6d | %v\n",
				t.TaskID, t.Prediction, t.Confidence, t.BiasesDetected, t.CharterVerified)
		}
		fmt.Fprintln(w)
	}

	if out.Audit != nil {
		fmt.Fprintln(w, "Audit entries:")
		fmt.Fprintf(w, "%5s | %-22s | %-28s | %s\n", "Seq", "Module", "Event", "Hash")
		fmt.Fprintln(w, dashes(5, 22, 28, 8))
		for _, r := range out.Audit {
			fmt.Fprintf(w, "%5d | %-22s | %-28s | %s\n", r.Seq, r.Module, r.Event, shortID(r.Hash))
		}
		fmt.Fprintln(w)
	}

	if len(out.Chains) > 0 {
		modules := make([]string, 0, len(out.Chains))
		for m := range out.Chains {
			modules = append(modules, m)
		}
		slices.Sort(modules)
		fmt.Fprintln(w, "Audit chains:")
		for _, m := range modules {
			fmt.Fprintf(w, "  %-22s %s\n", m, out.Chains[m])
		}
	}
}

// #endregion print
