package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/shm-controller/internal/replay"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region main
var (
	jsonOut bool
	trace   bool
)

func main() {
	root := &cobra.Command{
		Use:          "replay fixture.json [fixture.json...]",
		Short:        "Run supervisor fixtures against the simulated platform",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				ok, err := runFixture(path)
				if err != nil {
					return err
				}
				if !ok {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d fixtures failed", failed, len(args))
			}
			return nil
		},
	}
	root.Flags().BoolVar(&jsonOut, "json", false, "print summaries as JSON")
	root.Flags().BoolVar(&trace, "trace", false, "print every transition event")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region fixture-mode
type fixtureReport struct {
	Fixture     string               `json:"fixture"`
	Description string               `json:"description"`
	Summary     replay.ReplaySummary `json:"summary"`
	Transitions []string             `json:"transitions"`
	Mismatches  []string             `json:"mismatches,omitempty"`
}

func runFixture(path string) (bool, error) {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return false, err
	}
	res, err := replay.Replay(f)
	if err != nil {
		return false, fmt.Errorf("replay %s: %w", path, err)
	}
	report := fixtureReport{
		Fixture:     path,
		Description: f.Description,
		Summary:     replay.Summarize(res),
		Transitions: res.Transitions,
		Mismatches:  f.Check(res),
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return len(report.Mismatches) == 0, enc.Encode(report)
	}

	verdict := "PASS"
	if len(report.Mismatches) > 0 {
		verdict = "FAIL"
	}
	s := report.Summary
	fmt.Printf("%s  %s\n", verdict, path)
	fmt.Printf("      %s\n", f.Description)
	fmt.Printf("      ticks=%d episodes=%d swaps=%d degraded=%d resets=%d ignored=%d final=%s\n",
		s.TotalTicks, s.Episodes, s.Swaps, s.Degradations, s.Resets, s.Ignored, s.FinalMode)
	if trace {
		printTrace(res.Events)
	}
	for _, m := range report.Mismatches {
		fmt.Printf("      mismatch: %s\n", m)
	}
	return len(report.Mismatches) == 0, nil
}

func printTrace(events []supervisor.Event) {
	for _, ev := range events {
		if !ev.Transitioned() {
			continue
		}
		extra := []string{}
		if ev.Cause != "" {
			extra = append(extra, "cause="+string(ev.Cause))
		}
		if ev.Reason != "" {
			extra = append(extra, "reason="+string(ev.Reason))
		}
		fmt.Printf("      %8dus  %-9s -> %-9s block=%d score=%d %s\n",
			ev.At.UnixMicro(), ev.From, ev.To, ev.Block, ev.Score, strings.Join(extra, " "))
	}
}

// #endregion fixture-mode
