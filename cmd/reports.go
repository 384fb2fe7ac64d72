package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/database"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Query assessment reports saved with assess --store",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		target, _ := flags.GetString("target")
		days, _ := flags.GetInt("days")
		limit, _ := flags.GetInt("limit")
		offset, _ := flags.GetInt("offset")
		output, _ := flags.GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}

		filter := database.ReportFilter{Target: target, Limit: limit, Offset: offset}
		if days > 0 {
			since := time.Now().AddDate(0, 0, -days)
			filter.Since = &since
		}

		return withStore(cmd.Context(), func(store *database.Store) error {
			start := time.Now()
			reports, err := store.ListReports(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list reports: %w", err)
			}
			log.Infow("Report list completed",
				"component", "reports",
				"results_count", len(reports),
				"duration_seconds", time.Since(start).Seconds(),
			)
			return writeOutput(cmd.OutOrStdout(), output, reports, func(w io.Writer) {
				printReportList(w, reports)
			})
		})
	},
}

var reportsGetCmd = &cobra.Command{
	Use:   "get [report-id]",
	Short: "Show a stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		export, _ := cmd.Flags().GetString("export")
		if err := validOutput(output); err != nil {
			return err
		}

		return withStore(cmd.Context(), func(store *database.Store) error {
			rep, err := store.GetReport(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get report: %w", err)
			}
			if export != "" {
				if err := rep.WriteFile(export); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Report %s written to %s\n", rep.ID, export)
				return nil
			}
			return writeOutput(cmd.OutOrStdout(), output, rep, func(w io.Writer) {
				printAssessment(w, rep)
			})
		})
	},
}

var reportsFindingsCmd = &cobra.Command{
	Use:   "findings [report-id]",
	Short: "List the findings of a stored report by risk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		severity, _ := cmd.Flags().GetString("severity")
		output, _ := cmd.Flags().GetString("output")
		if err := validOutput(output); err != nil {
			return err
		}
		sev, err := parseSeverity(severity)
		if err != nil {
			return err
		}

		return withStore(cmd.Context(), func(store *database.Store) error {
			findings, err := store.FindingsBySeverity(cmd.Context(), args[0], sev)
			if err != nil {
				return fmt.Errorf("failed to query findings: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), output, findings, func(w io.Writer) {
				printFindings(w, findings, 0)
			})
		})
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete [report-id]",
	Short: "Delete a stored report and its findings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store *database.Store) error {
			if err := store.DeleteReport(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, database.ErrReportNotFound) {
					return fmt.Errorf("report %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Report %s deleted.\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsListCmd, reportsGetCmd, reportsFindingsCmd, reportsDeleteCmd)

	reportsListCmd.Flags().String("target", "", "filter by target")
	reportsListCmd.Flags().Int("days", 0, "only reports started in the last N days")
	reportsListCmd.Flags().Int("limit", 50, "maximum number of reports")
	reportsListCmd.Flags().Int("offset", 0, "pagination offset")
	reportsListCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")

	reportsGetCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
	reportsGetCmd.Flags().String("export", "", "write the report to a file (.json, .yaml or .html)")

	reportsFindingsCmd.Flags().String("severity", "", "only this severity (critical, high, medium, low, info)")
	reportsFindingsCmd.Flags().StringP("output", "o", outputText, "output format (text, json, yaml)")
}

func withStore(ctx context.Context, fn func(*database.Store) error) error {
	if cfg.Database.DSN == "" {
		return errors.New("no report store configured: pass --db-dsn or set GQLCRACK_DATABASE_DSN")
	}
	store, err := database.NewStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func parseSeverity(s string) (types.Severity, error) {
	switch sev := types.Severity(strings.ToLower(s)); sev {
	case "", types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow, types.SeverityInfo:
		return sev, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

func printReportList(w io.Writer, reports []database.ReportSummary) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No reports found.")
		return
	}

	fmt.Fprintf(w, "Stored reports (%d)\n", len(reports))
	fmt.Fprintf(w, "═══════════════════════════════════════\n\n")
	fmt.Fprintf(w, "%-36s %-30s %-6s %-10s %-8s %-20s\n", "ID", "Target", "Mode", "Risk", "Findings", "Started")
	for _, r := range reports {
		fmt.Fprintf(w, "%-36s %-30s %-6s %-10s %-8d %-20s\n",
			r.ID,
			truncate(r.Target, 30),
			r.Mode,
			fmt.Sprintf("%s %d", r.RiskLabel, r.RiskScore),
			r.FindingCount,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
