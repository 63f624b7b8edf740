package cmd

import (
	"errors"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/masahif/pageaudit/internal/crawler"
	"github.com/masahif/pageaudit/internal/storage"
)

var summaryCmd = &cobra.Command{
	Use:   "summary [run-id]",
	Short: "Show issue and error totals for a stored crawl run",
	Long: `Summary reads a PageAudit SQLite database and prints the issue counts per
category and the error counts per kind for one run. Without a run ID the
most recent run is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSummary,
}

var errNoDatabase = errors.New("a database is required (--database or PA_DATABASE_PATH)")

func runSummary(cmd *cobra.Command, args []string) error {
	dbPath := viper.GetString("database_path")
	if dbPath == "" {
		return errNoDatabase
	}

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()

	var run *storage.Run
	if len(args) > 0 {
		run, err = store.GetRun(ctx, args[0])
	} else {
		run, err = store.LatestRun(ctx)
	}
	if err != nil {
		return err
	}

	issues, err := store.IssueCounts(ctx, run.ID)
	if err != nil {
		return err
	}
	errs, err := store.ErrorCounts(ctx, run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	info := newTable(out)
	info.AppendHeader(table.Row{"Run", run.ID})
	info.AppendRow(table.Row{"Seed", run.SeedURL})
	info.AppendRow(table.Row{"Started", run.StartedAt.Format(time.RFC3339)})
	if !run.FinishedAt.IsZero() {
		info.AppendRow(table.Row{"Finished", run.FinishedAt.Format(time.RFC3339)})
	}
	info.AppendRow(table.Row{"State", run.State})
	info.AppendRow(table.Row{"Stop reason", valueOr(run.StopReason, "-")})
	info.AppendRow(table.Row{"Pages", run.PagesCrawled})
	info.Render()

	renderCounts(out, "Category", "Issues", issueRows(issues))
	renderCounts(out, "Error", "Pages", errorRows(errs))
	return nil
}

// printSummary writes the end-of-crawl report.
func printSummary(w io.Writer, s crawler.Summary) {
	if s.RunID == "" {
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Run", s.RunID})
	t.AppendRow(table.Row{"Seed", s.SeedURL})
	t.AppendRow(table.Row{"Stop reason", valueOr(string(s.StopReason), "-")})
	t.AppendRow(table.Row{"Duration", s.Duration.Round(time.Millisecond)})
	t.AppendRow(table.Row{"Pages crawled", s.PagesCrawled})
	t.AppendRow(table.Row{"Still queued", s.Queued})
	t.AppendRow(table.Row{"Peak in flight", s.PeakInFlight})
	t.AppendRow(table.Row{"Failed checks", s.FailedChecks})
	if s.FlushErrors > 0 {
		t.AppendRow(table.Row{"Flush errors", s.FlushErrors})
	}
	t.Render()

	renderCounts(w, "Category", "Issues", issueRows(s.Issues))
	renderCounts(w, "Error", "Pages", errorRows(s.Errors))
}

type countRow struct {
	name  string
	count int
}

func issueRows(counts map[crawler.Category]int) []countRow {
	rows := make([]countRow, 0, len(counts))
	for c, n := range counts {
		rows = append(rows, countRow{string(c), n})
	}
	return sortRows(rows)
}

func errorRows(counts map[crawler.ErrorKind]int) []countRow {
	rows := make([]countRow, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, countRow{string(k), n})
	}
	return sortRows(rows)
}

func sortRows(rows []countRow) []countRow {
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows
}

// renderCounts prints a two-column table with a total footer. Empty
// tables are skipped.
func renderCounts(w io.Writer, label, unit string, rows []countRow) {
	if len(rows) == 0 {
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{label, unit})
	total := 0
	for _, r := range rows {
		t.AppendRow(table.Row{r.name, r.count})
		total += r.count
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
}

// newTable returns a rounded table that prints headers and footers as
// given; run IDs must stay pasteable.
func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	return t
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
