package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebench/internal/storage"
)

var (
	studentFilter    string
	assignmentFilter string
	statusFilter     string
	limitFlag        int
	exportFormat     string
	exportOutput     string
)

var progressCmd = &cobra.Command{
	Use:     "progress",
	Aliases: []string{"p"},
	Short:   "Inspect stored progress and submissions",
}

var progressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List progress rows",
	RunE:  runProgressList,
}

var progressShowCmd = &cobra.Command{
	Use:   "show <student> <assignment>",
	Short: "Show one student's progress on an assignment",
	Args:  cobra.ExactArgs(2),
	RunE:  runProgressShow,
}

var progressSubmissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "List graded submissions",
	RunE:  runProgressSubmissions,
}

var progressExportCmd = &cobra.Command{
	Use:   "export <submission-id>",
	Short: "Export a submission as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runProgressExport,
}

func init() {
	rootCmd.AddCommand(progressCmd)
	progressCmd.AddCommand(progressListCmd, progressShowCmd, progressSubmissionsCmd, progressExportCmd)

	for _, c := range []*cobra.Command{progressListCmd, progressSubmissionsCmd} {
		c.Flags().StringVar(&studentFilter, "student", "", "Filter by student ID")
		c.Flags().StringVar(&assignmentFilter, "assignment", "", "Filter by assignment ID")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max rows to show")
	}
	progressListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, inProgress, completed)")

	progressExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	progressExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func withStore(cmd *cobra.Command, fn func(storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := newLogger(cfg); err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func statusColor(status string) string {
	switch status {
	case storage.StatusCompleted:
		return color.GreenString("%-12s", status)
	case storage.StatusInProgress:
		return color.YellowString("%-12s", status)
	}
	return fmt.Sprintf("%-12s", status)
}

func runProgressList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(store storage.Store) error {
		rows, err := store.ListProgress(cmd.Context(), storage.ProgressListOptions{
			StudentID:    studentFilter,
			AssignmentID: assignmentFilter,
			Status:       statusFilter,
			Limit:        limitFlag,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No progress found.")
			return nil
		}

		fmt.Printf("%-20s %-20s %-12s %s\n", "STUDENT", "ASSIGNMENT", "STATUS", "UPDATED")
		fmt.Println(strings.Repeat("─", 70))
		for _, p := range rows {
			fmt.Printf("%-20s %-20s %s %s\n",
				truncate(p.StudentID, 20), truncate(p.AssignmentID, 20), statusColor(p.Status), timeAgo(p.UpdatedAt))
		}
		return nil
	})
}

func runProgressShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(store storage.Store) error {
		ctx := cmd.Context()
		p, err := store.LoadProgress(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		fmt.Printf("Student:    %s\n", p.StudentID)
		fmt.Printf("Assignment: %s\n", p.AssignmentID)
		fmt.Printf("Status:     %s\n", statusColor(p.Status))
		fmt.Printf("Updated:    %s\n", p.UpdatedAt.Format(time.RFC3339))

		subs, err := store.ListSubmissions(ctx, storage.SubmissionListOptions{
			StudentID:    p.StudentID,
			AssignmentID: p.AssignmentID,
			Limit:        10,
		})
		if err != nil {
			return err
		}
		fmt.Printf("\nSubmissions: %d\n", len(subs))
		for _, s := range subs {
			fmt.Printf("  %s %s %d/%d %s\n", s.ID[:8], verdictMark(s.Passed), s.PassedCount, s.Total, timeAgo(s.CreatedAt))
		}
		return nil
	})
}

func runProgressSubmissions(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(store storage.Store) error {
		subs, err := store.ListSubmissions(cmd.Context(), storage.SubmissionListOptions{
			StudentID:    studentFilter,
			AssignmentID: assignmentFilter,
			Limit:        limitFlag,
		})
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			fmt.Println("No submissions found.")
			return nil
		}

		fmt.Printf("%-10s %-20s %-20s %-7s %-6s %-7s %s\n", "ID", "STUDENT", "ASSIGNMENT", "MODE", "RESULT", "CASES", "CREATED")
		fmt.Println(strings.Repeat("─", 90))
		for _, s := range subs {
			fmt.Printf("%-10s %-20s %-20s %-7s %s %-7s %s\n",
				s.ID[:8], truncate(s.StudentID, 20), truncate(s.AssignmentID, 20), s.Mode,
				verdictMark(s.Passed), fmt.Sprintf("%d/%d", s.PassedCount, s.Total), timeAgo(s.CreatedAt))
		}
		return nil
	})
}

func runProgressExport(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(store storage.Store) error {
		sub, err := store.GetSubmission(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		var output string
		switch exportFormat {
		case "json":
			data, err := storage.ExportJSON(sub)
			if err != nil {
				return err
			}
			output = string(data)
		default:
			output = storage.ExportMarkdown(sub)
		}

		if exportOutput != "" {
			return os.WriteFile(exportOutput, []byte(output), 0o644)
		}
		fmt.Print(output)
		return nil
	})
}

func verdictMark(passed bool) string {
	if passed {
		return color.GreenString("%-6s", "PASS")
	}
	return color.RedString("%-6s", "FAIL")
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-2] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
