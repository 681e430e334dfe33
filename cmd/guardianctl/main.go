package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guardian-ai/guardian/internal/audit"
	"github.com/guardian-ai/guardian/internal/simulation"
	"github.com/guardian-ai/guardian/pkg/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL string
	userID    string
	output    string
	timeout   time.Duration
	verbose   bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "guardianctl",
		Short: "Command-line client for the guardian decision service",
		Long: `guardianctl asks a running guardian server for ski-rental decisions,
records realized outcomes, and replays scenarios and decision journals locally.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("GUARDIAN_URL", "http://localhost:8080"), "Guardian server base URL")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("GUARDIAN_USER"), "User ID sent as X-User-ID")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(performanceCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(healthCmd())

	return rootCmd
}

// decideCmd requests one decision, registering a new instance unless
// --problem-id is given.
func decideCmd() *cobra.Command {
	var (
		problemID  string
		commitCost float64
		stepCost   float64
		trust      float64
		history    string
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Request a wait/commit decision",
		Long: `Requests one decision. Without --problem-id a new ski-rental instance is
registered from --commit-cost and --step-cost; the returned problem_id is
then passed back on later steps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			points, err := parseHistory(history, time.Now().UTC())
			if err != nil {
				return err
			}

			req := client.DecisionRequest{
				ProblemID:      problemID,
				HistoricalData: points,
			}
			if problemID == "" {
				req.ProblemType = "ski_rental"
				req.ProblemParams = client.Params{"commit_cost": commitCost, "step_cost": stepCost}
			}
			if cmd.Flags().Changed("trust") {
				req.TrustLevel = &trust
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := newClient().Decide(ctx, req)
			if err != nil {
				return fmt.Errorf("decide failed: %w", err)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Problem ID:  %s\n", resp.ProblemID)
			fmt.Fprintf(w, "Action:      %s\n", resp.Action)
			fmt.Fprintf(w, "Prediction:  %.2f ± %.2f\n", resp.Prediction, resp.Uncertainty)
			fmt.Fprintf(w, "Guarantee:   %.3f\n", resp.Guarantee)
			if resp.Degraded {
				fmt.Fprintf(w, "\nWARNING: forecast unavailable, decision used the robust fallback\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "Existing problem instance")
	cmd.Flags().Float64Var(&commitCost, "commit-cost", 500, "One-time commit (buy) cost")
	cmd.Flags().Float64Var(&stepCost, "step-cost", 10, "Per-step rent cost")
	cmd.Flags().Float64Var(&trust, "trust", 0.8, "Trust in the forecast, in [0, 1]")
	cmd.Flags().StringVar(&history, "history", "", "Comma-separated historical values, oldest first")

	return cmd
}

// recordCmd records a realized outcome for an instance
func recordCmd() *cobra.Command {
	var (
		problemID     string
		algorithmCost float64
		optimalCost   float64
		actual        float64
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record the realized outcome of a problem instance",
		Long: `Records either explicit costs (--algorithm-cost and --optimal-cost) or the
realized usage horizon (--actual), in which case the server prices both
costs from the instance's own state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req client.OutcomeRequest
			if cmd.Flags().Changed("actual") {
				req.ActualOutcome = &actual
			}
			if cmd.Flags().Changed("algorithm-cost") {
				req.AlgorithmCost = &algorithmCost
			}
			if cmd.Flags().Changed("optimal-cost") {
				req.OptimalCost = &optimalCost
			}
			if err := req.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rec, err := newClient().RecordOutcome(ctx, problemID, req)
			if err != nil {
				return fmt.Errorf("record failed: %w", err)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Algorithm cost:  %.2f\n", rec.AlgorithmCost)
			fmt.Fprintf(w, "Optimal cost:    %.2f\n", rec.OptimalCost)
			fmt.Fprintf(w, "Realized ratio:  %.3f\n", rec.RealizedRatio)
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "Problem instance")
	cmd.Flags().Float64Var(&algorithmCost, "algorithm-cost", 0, "Cost the policy paid")
	cmd.Flags().Float64Var(&optimalCost, "optimal-cost", 0, "Offline optimal cost")
	cmd.Flags().Float64Var(&actual, "actual", 0, "Realized usage horizon in steps")
	cmd.MarkFlagRequired("problem-id")

	return cmd
}

func performanceCmd() *cobra.Command {
	var problemID string

	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Show the performance summary of a problem instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			perf, err := newClient().Performance(ctx, problemID)
			if err != nil {
				return fmt.Errorf("performance query failed: %w", err)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), perf)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "=== Performance: %s ===\n", problemID)
			fmt.Fprintf(w, "Decisions:        %d\n", perf.Metrics.TotalDecisions)
			fmt.Fprintf(w, "Total savings:    %.2f\n", perf.Metrics.TotalSavings)
			fmt.Fprintf(w, "Avg ratio:        %.3f\n", perf.Metrics.AverageCompetitiveRatio)
			for _, d := range perf.Decisions {
				fmt.Fprintf(w, "  %s  cost=%.2f  optimal=%.2f\n", d.Timestamp.Format(time.RFC3339), d.Cost, d.OptimalCost)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "Problem instance")
	cmd.MarkFlagRequired("problem-id")

	return cmd
}

// simulateCmd runs a scenario against an in-process engine; no server needed.
func simulateCmd() *cobra.Command {
	var sc simulation.Scenario

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a usage horizon through a local engine",
		Long: `Decides once per step against an in-process engine until the policy commits
or the horizon ends, then compares the realized competitive ratio with the
worst guarantee reported along the way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				log := logrus.New()
				log.SetOutput(cmd.ErrOrStderr())
				log.SetLevel(logrus.DebugLevel)
				sc.Log = log
			}

			res, err := simulation.Run(cmd.Context(), sc)
			if err != nil {
				return fmt.Errorf("simulation failed: %w", err)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printSimulation(cmd.OutOrStdout(), res)
			if !res.WithinGuarantee {
				return fmt.Errorf("realized ratio %.3f exceeds guarantee %.3f", res.CompetitiveRatio, res.WorstGuarantee)
			}
			return nil
		},
	}

	cmd.Flags().Float64Var(&sc.CommitCost, "commit-cost", 500, "One-time commit (buy) cost")
	cmd.Flags().Float64Var(&sc.StepCost, "step-cost", 10, "Per-step rent cost")
	cmd.Flags().Float64Var(&sc.TrustLevel, "trust", 0.8, "Trust in the forecast, in [0, 1]")
	cmd.Flags().Float64Var(&sc.Prediction, "prediction", 60, "Predicted horizon")
	cmd.Flags().Float64Var(&sc.Uncertainty, "uncertainty", 0, "Forecast uncertainty")
	cmd.Flags().Int64Var(&sc.ActualHorizon, "actual", 60, "Realized horizon in steps")
	cmd.Flags().Float64Var(&sc.RobustThresholdFactor, "robust-factor", 1.0, "Robust threshold factor")
	cmd.Flags().Float64Var(&sc.UncertaintyWeight, "uncertainty-weight", 1.0, "Weight of the uncertainty penalty")

	return cmd
}

func printSimulation(w io.Writer, res simulation.Result) {
	fmt.Fprintf(w, "=== Simulation ===\n")
	if n := len(res.Timeline); n > 0 {
		last := res.Timeline[n-1]
		fmt.Fprintf(w, "Steps decided:    %d (last: step %d %s)\n", n, last.Step, last.Action)
	}
	if res.Committed {
		fmt.Fprintf(w, "Committed at:     step %d\n", res.CommitStep)
	} else {
		fmt.Fprintf(w, "Committed:        never\n")
	}
	fmt.Fprintf(w, "Algorithm cost:   %.2f\n", res.AlgorithmCost)
	fmt.Fprintf(w, "Optimal cost:     %.2f\n", res.OptimalCost)
	fmt.Fprintf(w, "Realized ratio:   %.3f\n", res.CompetitiveRatio)
	fmt.Fprintf(w, "Worst guarantee:  %.3f\n", res.WorstGuarantee)
	if res.WithinGuarantee {
		fmt.Fprintf(w, "\nRealized ratio is within the reported guarantee.\n")
	} else {
		fmt.Fprintf(w, "\nWARNING: realized ratio exceeds the reported guarantee.\n")
	}
}

// journalCmd prints a decision journal written by the server
func journalCmd() *cobra.Command {
	var problemID string

	cmd := &cobra.Command{
		Use:   "journal <path>",
		Short: "Print the entries of a decision journal file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := audit.Replay(args[0])
			if err != nil {
				return fmt.Errorf("failed to read journal: %w", err)
			}
			if problemID != "" {
				entries = filterEntries(entries, problemID)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := cmd.OutOrStdout()
			for _, e := range entries {
				degraded := ""
				if e.Degraded {
					degraded = " degraded"
				}
				fmt.Fprintf(w, "%s  %s  step %d->%d  %-6s  guarantee=%.3f  trust=%.2f%s\n",
					e.Timestamp.Format(time.RFC3339), e.ProblemID, e.StepBefore, e.StepAfter,
					e.Action, e.Guarantee, e.TrustLevel, degraded)
			}
			fmt.Fprintf(w, "%d entries\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&problemID, "problem-id", "", "Only show entries for this instance")

	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := newClient().HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", serverURL)
			return nil
		},
	}
}

func newClient() *client.Client {
	opts := []client.Option{client.WithRetries(2, 200*time.Millisecond)}
	if userID != "" {
		opts = append(opts, client.WithUserID(userID))
	}
	return client.New(serverURL, opts...)
}

// parseHistory turns "3,4.5,6" into points spaced one hour apart ending at end.
func parseHistory(s string, end time.Time) ([]client.HistoricalPoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	points := make([]client.HistoricalPoint, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid history value %q: %w", f, err)
		}
		points = append(points, client.HistoricalPoint{
			Timestamp: end.Add(-time.Duration(len(fields)-1-i) * time.Hour),
			Value:     v,
		})
	}
	return points, nil
}

func filterEntries(entries []audit.Entry, problemID string) []audit.Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.ProblemID == problemID {
			out = append(out, e)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
