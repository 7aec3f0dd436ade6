// Package cli provides output formatting for the Manabu command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/manabu-ai/manabu/internal/assistant"
	"github.com/manabu-ai/manabu/internal/models"
	"github.com/manabu-ai/manabu/pkg/utils"
)

// OutputFormat selects how results are rendered.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteAnswer writes a grounded answer to w in the given format.
func WriteAnswer(w io.Writer, answer *models.Answer, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, answer)
	}
	fmt.Fprintf(w, "\n%s\n", answer.Text)
	if answer.ResolvedCourseID != "" {
		fmt.Fprintf(w, "\nCourse: %s\n", answer.ResolvedCourseID)
	}
	if len(answer.Citations) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, c := range answer.Citations {
			if c.PageNumber > 0 {
				fmt.Fprintf(w, "  - %s, page %d\n", c.SourceFile, c.PageNumber)
			} else {
				fmt.Fprintf(w, "  - %s\n", c.SourceFile)
			}
		}
	}
	if len(answer.Evidence) > 0 {
		fmt.Fprintf(w, "\nEvidence (%d excerpts):\n", len(answer.Evidence))
		for i, ev := range answer.Evidence {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, utils.Truncate(ev, 200))
		}
	}
	for _, warn := range answer.Warnings {
		fmt.Fprintf(w, "\nWarning: %s\n", warn)
	}
	return nil
}

// WriteDocumentList writes the document listing to w in the given format.
func WriteDocumentList(w io.Writer, docs []*models.DocumentInfo, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, docs)
	}
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents indexed.")
		return nil
	}
	for _, d := range docs {
		fmt.Fprintf(w, "%s  %-12s %-10s %3d chunks  %s\n",
			d.UploadedAt.Format("2006-01-02 15:04"),
			d.CourseID, d.DocType, d.ChunkCount, d.SourceFile)
	}
	return nil
}

// WriteUploadResults writes per-file upload outcomes to w. It returns the
// number of files that failed.
func WriteUploadResults(w io.Writer, results []assistant.FileResult, format OutputFormat) (int, error) {
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if format == OutputJSON {
		type fileOutcome struct {
			Filename   string `json:"filename"`
			ChunkCount int    `json:"chunk_count,omitempty"`
			Error      string `json:"error,omitempty"`
		}
		out := make([]fileOutcome, 0, len(results))
		for _, r := range results {
			o := fileOutcome{Filename: r.Filename}
			if r.Err != nil {
				o.Error = r.Err.Error()
			} else {
				o.ChunkCount = r.Result.ChunkCount
			}
			out = append(out, o)
		}
		return failed, writeJSON(w, out)
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "FAILED  %s: %v\n", r.Filename, r.Err)
		} else {
			fmt.Fprintf(w, "ok      %s (%d chunks into %s)\n",
				r.Filename, r.Result.ChunkCount, r.Result.CourseID)
		}
	}
	return failed, nil
}

// WriteStats writes index statistics to w in the given format.
func WriteStats(w io.Writer, stats *models.IndexStats, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "Chunks:    %d\n", stats.TotalChunks)
	fmt.Fprintf(w, "Documents: %d\n", stats.TotalDocuments)
	if len(stats.Courses) > 0 {
		fmt.Fprintln(w, "Courses:")
		for course, n := range stats.Courses {
			fmt.Fprintf(w, "  %-12s %d documents\n", course, n)
		}
	}
	return nil
}

// WriteRelevance writes a relevance report to w in the given format.
func WriteRelevance(w io.Writer, report *assistant.RelevanceReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	if !report.Relevant {
		fmt.Fprintln(w, "No indexed content is relevant to this question.")
		return nil
	}
	fmt.Fprintf(w, "Relevant: %d matching excerpts (top score %.3f)", report.Matches, report.TopScore)
	if report.ResolvedCourseID != "" {
		fmt.Fprintf(w, " in course %s", report.ResolvedCourseID)
	}
	fmt.Fprintln(w)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
