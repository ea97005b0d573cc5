// Package report renders a finished crawl run as a Markdown summary for the
// people planning the accessibility audit: what was found, how deep, which
// pages failed and which pages carry login forms.
package report

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
)

// maxURLLen bounds URL cells in tables.
const maxURLLen = 80

// Writer outputs run reports in Markdown.
type Writer struct {
	output io.Writer
}

// NewWriter creates a Writer that outputs to the given writer.
func NewWriter(output io.Writer) *Writer {
	return &Writer{output: output}
}

// Write renders the run and its pages.
func (w *Writer) Write(run *crawler.CrawlRun, pages []*crawler.DiscoveredPage) error {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, run)
	w.writeDepths(md, pages)
	w.writeFailures(md, pages)
	w.writeLoginForms(md, pages)
	w.writeErrors(md, run)

	md.HorizontalRule()
	md.PlainTextf("*Generated %s*", time.Now().UTC().Format(time.RFC3339))
	return md.Build()
}

func (w *Writer) writeHeader(md *markdown.Markdown, run *crawler.CrawlRun) {
	md.H1("Site Discovery Report")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + run.ID + "`"},
			{"Crawler", "`" + run.CrawlerID + "`"},
			{"Status", string(run.Status)},
			{"Started", formatTime(run.StartedAt)},
			{"Duration", run.Duration.Round(time.Millisecond).String()},
			{"Pages discovered", strconv.Itoa(run.PagesDiscovered)},
			{"Pages crawled", strconv.Itoa(run.PagesCrawled)},
			{"Pages failed", strconv.Itoa(run.PagesFailed)},
			{"Skipped by robots.txt", strconv.Itoa(run.PagesSkipped)},
			{"Authentication", authText(run)},
		},
	})
	md.PlainText("")

	switch run.Status {
	case crawler.StatusFailed:
		md.Cautionf("The run failed after %d page(s); results are partial.", run.PagesDiscovered)
	case crawler.StatusCancelled:
		md.Warningf("The run was cancelled after %d page(s); results are partial.", run.PagesDiscovered)
	}
	if run.AuthSuccessful != nil && !*run.AuthSuccessful {
		md.Importantf("Authentication failed. Pages behind the login were probably not reached.")
	}
	md.PlainText("")
}

func authText(run *crawler.CrawlRun) string {
	switch {
	case run.AuthSuccessful == nil && run.AuthOutcome == "":
		return "-"
	case run.AuthSuccessful == nil:
		return run.AuthOutcome + " (unconfirmed)"
	case *run.AuthSuccessful:
		return "✅ " + run.AuthOutcome
	default:
		return "❌ " + run.AuthOutcome
	}
}

// writeDepths writes the page count per depth as a table and a pie chart.
func (w *Writer) writeDepths(md *markdown.Markdown, pages []*crawler.DiscoveredPage) {
	md.H2("Pages by Depth")
	md.PlainText("")

	if len(pages) == 0 {
		md.PlainText("No pages were discovered.")
		md.PlainText("")
		return
	}

	counts := DepthHistogram(pages)
	depths := make([]int, 0, len(counts))
	for d := range counts {
		depths = append(depths, d)
	}
	slices.Sort(depths)

	rows := make([][]string, 0, len(depths))
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Pages by depth"),
		piechart.WithShowData(true),
	)
	for _, d := range depths {
		rows = append(rows, []string{strconv.Itoa(d), strconv.Itoa(counts[d])})
		chart.LabelAndIntValue("depth "+strconv.Itoa(d), uint64(counts[d]))
	}
	md.Table(markdown.TableSet{Header: []string{"Depth", "Pages"}, Rows: rows})
	md.PlainText("")
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *Writer) writeFailures(md *markdown.Markdown, pages []*crawler.DiscoveredPage) {
	md.H2("Failed Pages")
	md.PlainText("")

	var rows [][]string
	for _, p := range pages {
		switch {
		case p.Failed():
			rows = append(rows, []string{truncate(p.URL, maxURLLen), "-", truncate(p.Error, 60)})
		case p.StatusCode >= 400:
			rows = append(rows, []string{truncate(p.URL, maxURLLen), strconv.Itoa(p.StatusCode), "-"})
		}
	}
	if len(rows) == 0 {
		md.Tip("Every page loaded successfully.")
		md.PlainText("")
		return
	}
	md.Table(markdown.TableSet{Header: []string{"URL", "Status", "Error"}, Rows: rows})
	md.PlainText("")
}

func (w *Writer) writeLoginForms(md *markdown.Markdown, pages []*crawler.DiscoveredPage) {
	md.H2("Pages with Login Forms")
	md.PlainText("")

	var urls []string
	for _, p := range pages {
		if !p.HasLoginForm {
			continue
		}
		if p.FinalURL != "" {
			urls = append(urls, fmt.Sprintf("`%s` (redirects to `%s`)", p.URL, p.FinalURL))
		} else {
			urls = append(urls, "`"+p.URL+"`")
		}
	}
	if len(urls) == 0 {
		md.PlainText("None found.")
		md.PlainText("")
		return
	}
	md.Note(fmt.Sprintf("%d page(s) ask for credentials; audit them with an authenticated session.", len(urls)))
	md.PlainText("")
	md.BulletList(urls...)
	md.PlainText("")
}

func (w *Writer) writeErrors(md *markdown.Markdown, run *crawler.CrawlRun) {
	if len(run.Errors) == 0 {
		return
	}
	md.H2("Run Errors")
	md.PlainText("")
	md.BulletList(run.Errors...)
	md.PlainText("")
}

// DepthHistogram counts pages per crawl depth.
func DepthHistogram(pages []*crawler.DiscoveredPage) map[int]int {
	out := make(map[int]int)
	for _, p := range pages {
		out[p.Depth]++
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
