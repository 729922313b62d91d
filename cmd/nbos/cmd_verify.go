package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

type verifyFlags struct {
	fields  string
	context string
}

// verifyOutput is the JSON shape of a verdict.
type verifyOutput struct {
	RecordID   string                     `json:"record_id,omitempty"`
	Passed     bool                       `json:"passed"`
	Confidence float64                    `json:"confidence"`
	Escalated  bool                       `json:"escalated"`
	Principles map[charter.Principle]bool `json:"principles"`
	Violations []string                   `json:"violations,omitempty"`
}

// newVerifyCmd checks one candidate against the charter.
//
// Exit codes: 0 approved, 1 vetoed, 2 error.
func newVerifyCmd(f *rootFlags) *cobra.Command {
	vf := &verifyFlags{}
	cmd := &cobra.Command{
		Use:   "verify [text...]",
		Short: "Verify a text or structured candidate against the charter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cand, err := vf.candidate(args)
			if err != nil {
				return &codeError{code: exitError, err: err}
			}
			rc, err := parseContext(vf.context)
			if err != nil {
				return &codeError{code: exitError, err: err}
			}

			sys, closeSys, err := f.openSystem(cmd)
			if err != nil {
				return err
			}
			defer closeSys()

			rec, err := sys.Gate.Verify(cmd.Context(), cand, rc)
			var veto *charter.VetoError
			switch {
			case errors.As(err, &veto):
				rec = veto.Record
			case err != nil:
				return err
			}

			out := verifyOutput{
				RecordID:   rec.ID,
				Passed:     rec.Passed,
				Confidence: rec.Confidence(),
				Escalated:  rec.Escalated,
				Principles: rec.PrincipleResults,
				Violations: rec.Violations,
			}
			if f.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				printVerdict(cmd, out)
			}
			if !rec.Passed {
				return mismatch()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vf.fields, "fields", "", "structured candidate as a JSON object")
	cmd.Flags().StringVar(&vf.context, "context", "", "request context as a JSON object")
	return cmd
}

func (vf *verifyFlags) candidate(args []string) (charter.Candidate, error) {
	switch {
	case vf.fields != "" && len(args) > 0:
		return charter.Candidate{}, errors.New("give either text arguments or --fields, not both")
	case vf.fields != "":
		var fields map[string]any
		if err := json.Unmarshal([]byte(vf.fields), &fields); err != nil {
			return charter.Candidate{}, fmt.Errorf("parse --fields: %w", err)
		}
		return charter.Structured(fields), nil
	case len(args) > 0:
		return charter.Text(strings.Join(args, " ")), nil
	}
	return charter.Candidate{}, errors.New("nothing to verify: give text arguments or --fields")
}

// parseContext decodes a --context JSON object into a RequestContext.
func parseContext(raw string) (charter.RequestContext, error) {
	if raw == "" {
		return charter.RequestContext{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return charter.RequestContext{}, fmt.Errorf("parse --context: %w", err)
	}
	return charter.FromMap(m)
}

func printVerdict(cmd *cobra.Command, v verifyOutput) {
	w := cmd.OutOrStdout()
	verdict := "APPROVED"
	if !v.Passed {
		verdict = "VETOED"
	}
	fmt.Fprintf(w, "%s  record=%s  confidence=%.2f  escalated=%v\n",
		verdict, shortID(v.RecordID), v.Confidence, v.Escalated)
	for _, p := range charter.Principles() {
		fmt.Fprintf(w, "  %-14s %v\n", strings.ToUpper(string(p))+":", v.Principles[p])
	}
	for _, viol := range v.Violations {
		fmt.Fprintf(w, "  - %s\n", viol)
	}
}
