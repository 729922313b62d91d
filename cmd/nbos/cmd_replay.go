package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
	"github.com/NeuralBlitz/NBOS-Web/internal/logging"
	"github.com/NeuralBlitz/NBOS-Web/internal/replay"
)

type replayOutput struct {
	Description string            `json:"description"`
	Results     []replay.Result   `json:"results"`
	Mismatches  []replay.Mismatch `json:"mismatches"`
	Summary     replay.Summary    `json:"summary"`
}

// newReplayCmd replays a fixture through a fresh gate and compares verdicts.
//
// Exit codes: 0 all match, 1 divergence, 2 error.
func newReplayCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <fixture>",
		Short: "Replay a fixture of candidates and compare with expected verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}

			fx, err := replay.LoadFixture(args[0])
			if err != nil {
				return err
			}
			results, err := fx.Run(cmd.Context(), charter.WithLogger(logger.Named("replay")))
			if err != nil {
				return err
			}
			mismatches, err := fx.Compare(results)
			if err != nil {
				return err
			}
			summary := replay.Summarize(results)

			if f.jsonOut {
				err = writeJSON(cmd.OutOrStdout(), replayOutput{
					Description: fx.Description,
					Results:     results,
					Mismatches:  mismatches,
					Summary:     summary,
				})
			} else {
				printComparison(cmd, fx, results, mismatches, summary)
			}
			if err != nil {
				return err
			}
			if len(mismatches) > 0 {
				return mismatch()
			}
			return nil
		},
	}
}

func printComparison(cmd *cobra.Command, fx *replay.Fixture, results []replay.Result, mismatches []replay.Mismatch, s replay.Summary) {
	w := cmd.OutOrStdout()
	diff := make(map[string]bool, len(mismatches))
	for _, m := range mismatches {
		diff[m.ID] = true
	}

	fmt.Fprintf(w, "%-36s | %-8s | %-8s | %s\n", "Case", "Expected", "Replayed", "Match")
	fmt.Fprintln(w, dashes(36, 8, 8, 5))
	for i, r := range results {
		match := "OK"
		if diff[r.ID] {
			match = "DIFF"
		}
		fmt.Fprintf(w, "%-36s | %-8s | %-8s | %s\n", r.ID, fx.Cases[i].Expect, r.Action, match)
	}
	for _, m := range mismatches {
		fmt.Fprintf(w, "  %s: expected %s, got %s (%s)\n", m.ID, m.Expected, m.Actual, m.Detail)
	}

	fmt.Fprintf(w, "\nSummary: %d total, %d approved, %d vetoed, %d escalated, %d diverge\n",
		s.Total, s.Approved, s.Vetoed, s.Escalated, len(mismatches))
	fmt.Fprintf(w, "Violation rate: %.2f  drift: %v\n", s.ViolationRate, s.DriftDetected)
	if len(s.PrincipleFailures) > 0 {
		names := make([]string, 0, len(s.PrincipleFailures))
		for p := range s.PrincipleFailures {
			names = append(names, string(p))
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(w, "  %-14s %d\n", n, s.PrincipleFailures[charter.Principle(n)])
		}
	}
}
