package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a submission and its case results as a markdown document.
func ExportMarkdown(sub *Submission) string {
	var b strings.Builder

	verdict := "failed"
	if sub.Passed {
		verdict = "passed"
	}
	b.WriteString(fmt.Sprintf("# %s: %s\n\n", sub.AssignmentID, sub.StudentID))
	b.WriteString(fmt.Sprintf("- **Submission:** %s\n", sub.ID))
	b.WriteString(fmt.Sprintf("- **Mode:** %s\n", sub.Mode))
	b.WriteString(fmt.Sprintf("- **Submitted:** %s\n", sub.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Verdict:** %s (%d/%d)\n", verdict, sub.PassedCount, sub.Total))
	b.WriteString("\n---\n\n")

	b.WriteString(fmt.Sprintf("## Source\n\n```python\n%s\n```\n\n", strings.TrimRight(sub.Source, "\n")))

	for _, r := range sub.Results {
		mark := "FAIL"
		if r.Passed {
			mark = "PASS"
		}
		b.WriteString(fmt.Sprintf("## Case %d: %s\n\n", r.Index+1, mark))
		if r.Case.Input != "" {
			b.WriteString(fmt.Sprintf("**Input:**\n```\n%s\n```\n\n", r.Case.Input))
		}
		b.WriteString(fmt.Sprintf("**Expected:**\n```\n%s\n```\n\n", r.Case.ExpectedOutput))
		if !r.Passed {
			b.WriteString(fmt.Sprintf("**Actual:**\n```\n%s\n```\n\n", strings.TrimRight(r.ActualOutput, "\n")))
		}
		if r.RuntimeError != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Runtime error</summary>\n\n```\n%s\n```\n</details>\n\n", r.RuntimeError))
		}
		if r.Diagnostic != "" {
			b.WriteString(fmt.Sprintf("> %s\n\n", r.Diagnostic))
		}
	}

	return b.String()
}

// ExportJSON renders a submission as formatted JSON.
func ExportJSON(sub *Submission) ([]byte, error) {
	return json.MarshalIndent(sub, "", "  ")
}
