package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xoelrdgz/logsiem/internal/adapters/output"
	"github.com/xoelrdgz/logsiem/internal/domain"
)

var (
	correlateAt string
	clientID    string
)

var correlateCmd = &cobra.Command{
	Use:   "correlate",
	Short: "Run one correlation pass against the event store",
	Long: `Mine the persisted history for failed login bursts followed by a
successful login, persist the findings and print them.

Examples:
  logsiem correlate
  logsiem correlate --at 2026-03-14T09:30:00Z`,
	Args: cobra.NoArgs,
	RunE: runCorrelate,
}

var classifyCmd = &cobra.Command{
	Use:   "classify <message>",
	Short: "Classify one message with a fresh classifier",
	Long: `Run a single message through a classifier with empty windows and
print the verdict.

Examples:
  logsiem classify "Account admin locked after 5 attempts"
  logsiem classify --client agent-01 "Failed login attempt from 203.0.113.7"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	correlateCmd.Flags().StringVar(&correlateAt, "at", "", "pass time as RFC3339 (default: now)")
	classifyCmd.Flags().StringVar(&clientID, "client", "", "client identifier of the record")
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	setupLogging()

	now := time.Now()
	if correlateAt != "" {
		at, err := time.Parse(time.RFC3339, correlateAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		now = at
	}

	_, store, err := openStore()
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	correlator, err := newCorrelator(store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	threats, err := correlator.Run(ctx, now)
	if err != nil {
		return err
	}

	if len(threats) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No correlated threats")
		return nil
	}

	console := output.NewConsoleAlerter(cmd.OutOrStdout(), !noColor)
	for i := range threats {
		if err := console.Send(ctx, &threats[i]); err != nil {
			return err
		}
	}
	return console.Flush()
}

func runClassify(cmd *cobra.Command, args []string) error {
	setupLogging()

	classifier, err := newClassifier()
	if err != nil {
		return err
	}

	rec := domain.NewNormalizedRecord(time.Now(), clientID, "", "", strings.Join(args, " "))
	v := classifier.Evaluate(rec)

	out := cmd.OutOrStdout()
	if noColor {
		fmt.Fprintf(out, "severity: %s\n", v.Severity)
	} else {
		fmt.Fprintf(out, "severity: %s%s\033[0m\n", v.Severity.Color(), v.Severity)
	}
	fmt.Fprintf(out, "risk:     %d\n", v.Risk)
	if reason := v.Reason(); reason != "" {
		fmt.Fprintf(out, "reason:   %s\n", reason)
	}
	if !v.Matches.Empty() {
		fmt.Fprintf(out, "matches:  %s\n", strings.Join(v.Matches.Names(), ", "))
	}
	if v.Signals.HasAddr() {
		fmt.Fprintf(out, "address:  %s\n", v.Signals.SourceAddr)
	}
	if v.Signals.HasDevice() {
		fmt.Fprintf(out, "device:   %s\n", v.Signals.DeviceID)
	}
	return nil
}
