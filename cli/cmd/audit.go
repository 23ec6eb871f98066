package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/lockbox/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditStore         string
	auditKey           string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail written by the storage gateway.

Audit logging must be enabled (audit.enabled) with a queryable logger (file or
sqlite).`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Everything recorded for the store
  lockbox audit query

  # Tamper detections in the last day
  lockbox audit query --action integrity_mismatch --since "$(date -d '24 hours ago' -Iseconds)"

  # Failed writes to one key
  lockbox audit query --key settings --failures-only`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd, auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")

	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditStore, "store-filter", "", "Filter by store name")
	auditQueryCmd.Flags().StringVar(&auditKey, "key", "", "Filter by key")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show detailed event information")
}

func openAuditLogger() (audit.Logger, error) {
	config := auditConfig()
	if !config.Enabled {
		return nil, fmt.Errorf("audit logging is disabled (set audit.enabled or pass --audit)")
	}
	return audit.NewLogger(config)
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	logger, err := openAuditLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}
	return displayAuditEvents(cmd.OutOrStdout(), result.Events)
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit, options.Offset = 0, 0

	logger, err := openAuditLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	result, err := logger.Query(options)
	if err != nil {
		return fmt.Errorf("failed to query audit logs: %w", err)
	}
	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}
	return displayAuditStats(cmd.OutOrStdout(), stats)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:  auditLimit,
		Offset: auditOffset,
		Action: auditAction,
		Store:  auditStore,
		Key:    auditKey,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}
	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}
	return options, nil
}

func displayAuditEvents(out io.Writer, events []audit.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", status(event.Success))
			if event.Store != "" {
				fmt.Fprintf(w, "Store:\t%s\n", event.Store)
			}
			if event.Key != "" {
				fmt.Fprintf(w, "Key:\t%s\n", event.Key)
			}
			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				pairs := make([]string, 0, len(keys))
				for _, k := range keys {
					pairs = append(pairs, fmt.Sprintf("%s=%v", k, event.Metadata[k]))
				}
				fmt.Fprintf(w, "Metadata:\t%s\n", strings.Join(pairs, " "))
			}
			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tSTORE\tKEY\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			status(event.Success),
			dash(event.Store),
			dash(event.Key),
			dash(truncate(event.Error, 60)))
	}
	return w.Flush()
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	Total      int            `json:"total"`
	Failures   int            `json:"failures"`
	Actions    map[string]int `json:"actions"`
	Mismatches map[string]int `json:"integrity_mismatches,omitempty"`
	First      *time.Time     `json:"first,omitempty"`
	Last       *time.Time     `json:"last,omitempty"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{Actions: map[string]int{}, Mismatches: map[string]int{}}
	for _, event := range events {
		stats.Total++
		if !event.Success {
			stats.Failures++
		}
		stats.Actions[event.Action]++
		if event.Action == audit.ActionIntegrityMismatch && event.Key != "" {
			stats.Mismatches[event.Key]++
		}
		ts := event.Timestamp
		if stats.First == nil || ts.Before(*stats.First) {
			stats.First = &ts
		}
		if stats.Last == nil || ts.After(*stats.Last) {
			stats.Last = &ts
		}
	}
	return stats
}

func displayAuditStats(out io.Writer, stats AuditStats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total Events:\t%d\n", stats.Total)
	fmt.Fprintf(w, "Failures:\t%d\n", stats.Failures)
	if stats.First != nil {
		fmt.Fprintf(w, "Period:\t%s to %s\n", stats.First.Format(time.RFC3339), stats.Last.Format(time.RFC3339))
	}

	if len(stats.Actions) > 0 {
		fmt.Fprintln(w, "\nACTION\tCOUNT")
		for _, ac := range sortedCounts(stats.Actions) {
			fmt.Fprintf(w, "%s\t%d\n", ac.name, ac.count)
		}
	}
	if len(stats.Mismatches) > 0 {
		fmt.Fprintln(w, "\nTAMPERED KEY\tCOUNT")
		for _, ac := range sortedCounts(stats.Mismatches) {
			fmt.Fprintf(w, "%s\t%d\n", ac.name, ac.count)
		}
	}
	return w.Flush()
}

type namedCount struct {
	name  string
	count int
}

// sortedCounts orders counts by descending count, then name
func sortedCounts(counts map[string]int) []namedCount {
	out := make([]namedCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, namedCount{name, count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	return out
}

func status(success bool) string {
	if success {
		return "SUCCESS"
	}
	return "FAILED"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
