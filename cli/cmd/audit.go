package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/finguard"
	"southwinds.dev/finguard/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditLimit         int
	auditOffset        int
	auditDetails       bool
	auditAction        string
	auditSubject       string
	auditSuccessFilter string
	auditFailuresOnly  bool
	auditOutput        string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run a security audit and inspect the audit log",
	Long: `Scan local storage for unprotected financial data and credentials, check
session age, encryption and backup freshness, and print the findings.

Subcommands query the audit log kept by finguard.`,
	Args: cobra.NoArgs,
	RunE: audited(runSecurityAudit),
}

var auditLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query audit log events",
	Example: `  finguard audit logs --since 2026-01-01T00:00:00Z --action set
  finguard audit logs --subject backup --failures-only --details`,
	Args: cobra.NoArgs,
	RunE: runAuditLogs,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Args:  cobra.NoArgs,
	RunE:  runAuditFailures,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize audit log events",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditLogsCmd, auditFailuresCmd, auditStatsCmd)

	auditCmd.Flags().StringVarP(&auditOutput, "output", "o", "text", "output format (text, json, yaml)")

	for _, c := range []*cobra.Command{auditLogsCmd, auditFailuresCmd, auditStatsCmd} {
		c.Flags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
		c.Flags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
		c.Flags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
		c.Flags().StringVar(&auditSubject, "subject", "", "Filter by subject (record, backup, session, store, audit)")
	}
	for _, c := range []*cobra.Command{auditLogsCmd, auditFailuresCmd} {
		c.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
		c.Flags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
		c.Flags().BoolVar(&auditDetails, "details", false, "Show detailed event information")
		c.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	}
	auditLogsCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditLogsCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")
}

func runSecurityAudit(cmd *cobra.Command, args []string) error {
	status := manager.Audit()

	switch auditOutput {
	case "json":
		return printJSON(status)
	case "yaml":
		return printYAML(status)
	}

	printSecurityStatus(status)
	if !status.Secure {
		return fmt.Errorf("%d vulnerabilities found", len(status.Vulnerabilities))
	}
	return nil
}

func printSecurityStatus(status finguard.DataSecurityStatus) {
	if status.Secure {
		fmt.Printf("%s No vulnerabilities found\n", color.GreenString("✓"))
	} else {
		fmt.Printf("%s %d vulnerabilities found\n", color.RedString("✗"), len(status.Vulnerabilities))
		for _, v := range status.Vulnerabilities {
			fmt.Printf("  - %s\n", color.RedString(v))
		}
	}

	if len(status.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range status.Recommendations {
			fmt.Printf("  %s %s\n", color.CyanString("→"), r)
		}
	}
	fmt.Printf("\nChecked at: %s\n", status.CheckedAt.Format("2006-01-02 15:04:05"))
}

func runAuditLogs(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	return outputEvents(manager.GetLogs(options))
}

func runAuditFailures(cmd *cobra.Command, args []string) error {
	auditFailuresOnly = true
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	events := manager.GetLogs(options)
	if !auditJsonOutput && len(events) > 0 {
		fmt.Printf("%s %d failed operations\n\n", color.YellowString("!"), len(events))
	}
	return outputEvents(events)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	stats := calculateAuditStats(manager.GetLogs(options))
	if auditJsonOutput {
		return printJSON(stats)
	}
	return displayAuditStats(stats)
}

func outputEvents(events []audit.Event) error {
	if auditJsonOutput {
		return printJSON(events)
	}
	return displayAuditEvents(events)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:       auditLimit,
		Offset:      auditOffset,
		Action:      auditAction,
		SubjectType: auditSubject,
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

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Session:\t%s\n", event.SessionID)
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Subject:\t%s\n", event.SubjectType)
			fmt.Fprintf(w, "Status:\t%s\n", eventStatus(event))

			if len(event.Details) > 0 {
				keys := make([]string, 0, len(event.Details))
				for k := range event.Details {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				fmt.Fprintf(w, "Details:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Details[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSUBJECT\tSTATUS\tKEY\tERROR\n")
	for _, event := range events {
		key := truncate(detailString(event, "key"), 24)
		errorMsg := truncate(detailString(event, "error"), 40)

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"), event.Action, event.SubjectType,
			eventStatus(event), key, errorMsg)
	}
	return w.Flush()
}

func eventStatus(event audit.Event) string {
	if event.Success {
		return "SUCCESS"
	}
	return "FAILED"
}

func detailString(event audit.Event, name string) string {
	if v, ok := event.Details[name]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AuditStats summarizes a set of audit events
type AuditStats struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	TimeRange        string         `json:"time_range"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	SubjectBreakdown map[string]int `json:"subject_breakdown"`
	DailyDistrib     map[string]int `json:"daily_distribution"`
	TopFailedActions []ActionCount  `json:"top_failed_actions"`
	TopKeys          []KeyCount     `json:"top_keys"`
	Sessions         int            `json:"sessions"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:      time.Now().UTC(),
		ActionBreakdown:  make(map[string]int),
		SubjectBreakdown: make(map[string]int),
		DailyDistrib:     make(map[string]int),
	}
	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)
	failedActions := make(map[string]int)
	keyCounts := make(map[string]int)
	sessions := make(map[string]struct{})

	for i := range events {
		event := &events[i]
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		stats.ActionBreakdown[event.Action]++
		stats.SubjectBreakdown[event.SubjectType]++
		stats.DailyDistrib[event.Timestamp.Format("2006-01-02")]++

		if key := detailString(*event, "key"); key != "" {
			keyCounts[key]++
		}
		if event.SessionID != "" {
			sessions[event.SessionID] = struct{}{}
		}

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	stats.Sessions = len(sessions)
	stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	stats.TopFailedActions = getTopActions(failedActions, 5)
	stats.TopKeys = getTopKeys(keyCounts, 10)

	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)", duration.String(), duration.Hours())
	}
	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
		fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)
	}
	fmt.Printf("Sessions: %d\n", stats.Sessions)
	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	if len(stats.SubjectBreakdown) > 0 {
		fmt.Printf("\nBY SUBJECT\n")
		fmt.Printf("──────────\n")
		for _, ac := range getTopActions(stats.SubjectBreakdown, len(stats.SubjectBreakdown)) {
			fmt.Printf("  %s: %d\n", ac.Action, ac.Count)
		}
	}

	if len(stats.ActionBreakdown) > 0 {
		fmt.Printf("\nTOP ACTIONS\n")
		fmt.Printf("───────────\n")
		for _, ac := range getTopActions(stats.ActionBreakdown, 10) {
			fmt.Printf("  %s: %d\n", ac.Action, ac.Count)
		}
	}

	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, ac := range stats.TopFailedActions {
			fmt.Printf("  %s: %s\n", ac.Action, color.RedString("%d failures", ac.Count))
		}
	}

	if len(stats.TopKeys) > 0 {
		fmt.Printf("\nMOST USED KEYS\n")
		fmt.Printf("──────────────\n")
		for i, kc := range stats.TopKeys {
			if i >= 5 {
				break
			}
			fmt.Printf("  %s: %d operations\n", truncate(kc.Key, 30), kc.Count)
		}
	}
	return nil
}

func getTopActions(actionCounts map[string]int, limit int) []ActionCount {
	actions := make([]ActionCount, 0, len(actionCounts))
	for action, count := range actionCounts {
		actions = append(actions, ActionCount{Action: action, Count: count})
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Count != actions[j].Count {
			return actions[i].Count > actions[j].Count
		}
		return strings.Compare(actions[i].Action, actions[j].Action) < 0
	})
	if len(actions) > limit {
		actions = actions[:limit]
	}
	return actions
}

func getTopKeys(keyCounts map[string]int, limit int) []KeyCount {
	keys := make([]KeyCount, 0, len(keyCounts))
	for key, count := range keyCounts {
		keys = append(keys, KeyCount{Key: key, Count: count})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Count != keys[j].Count {
			return keys[i].Count > keys[j].Count
		}
		return keys[i].Key < keys[j].Key
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
