// Package report summarises task run history as Markdown.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/jeanhaley32/sapphire-bee/internal/history"
)

// DefaultTailLines is how much of a failed task's result log is quoted.
const DefaultTailLines = 20

// Lister is the part of history.Store the report needs.
type Lister interface {
	List(ctx context.Context, f history.Filter) ([]history.TaskRun, error)
}

type Options struct {
	Since     time.Time
	Source    history.Source
	TailLines int
	Now       func() time.Time
}

// Report is the data behind the Markdown output.
type Report struct {
	Generated    time.Time
	Since        time.Time
	Total        int
	Completed    int
	Failed       int
	Running      int
	MeanDuration time.Duration
	Failures     []Failure
	Runs         []history.TaskRun
}

type Failure struct {
	Run  history.TaskRun
	Tail string
}

// Build collects runs and the tails of failed result logs.
func Build(ctx context.Context, l Lister, opts Options) (*Report, error) {
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	runs, err := l.List(ctx, history.Filter{Since: opts.Since, Source: opts.Source})
	if err != nil {
		return nil, err
	}

	r := &Report{Generated: now(), Since: opts.Since, Total: len(runs), Runs: runs}
	var (
		total    time.Duration
		finished int
	)
	for _, run := range runs {
		switch run.Status {
		case history.StatusCompleted:
			r.Completed++
		case history.StatusFailed:
			r.Failed++
			r.Failures = append(r.Failures, Failure{Run: run, Tail: tailFile(run.ResultPath, opts.TailLines)})
		case history.StatusRunning:
			r.Running++
		}
		if d := run.Duration(); d > 0 {
			total += d
			finished++
		}
	}
	if finished > 0 {
		r.MeanDuration = total / time.Duration(finished)
	}
	return r, nil
}

// tailFile returns the last n lines of path, or "" when it cannot be read.
func tailFile(path string, n int) string {
	if path == "" || strings.Contains(path, "://") {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var markdown = template.Must(template.New("report").Funcs(template.FuncMap{
	"ts":  func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04:05Z") },
	"dur": func(d time.Duration) string { return d.Round(time.Second).String() },
	"pct": func(a, b int) string {
		if b == 0 {
			return "0%"
		}
		return fmt.Sprintf("%.0f%%", 100*float64(a)/float64(b))
	},
}).Parse(`# bee task report

Generated {{ ts .Generated }}{{ if not .Since.IsZero }}, runs since {{ ts .Since }}{{ end }}.

| Status | Count |
|---|---|
| completed | {{ .Completed }} |
| failed | {{ .Failed }} |
| running | {{ .Running }} |
| **total** | **{{ .Total }}** |

Success rate: {{ pct .Completed .Total }}. Mean duration: {{ dur .MeanDuration }}.
{{ if .Failures }}
## Failures
{{ range .Failures }}
### {{ .Run.Name }}

- source: {{ .Run.Source }}{{ if .Run.Worker }} ({{ .Run.Worker }}){{ end }}
- started: {{ ts .Run.StartedAt }}
- exit code: {{ .Run.ExitCode }}{{ if .Run.Detail }}
- detail: {{ .Run.Detail }}{{ end }}{{ if .Run.ResultPath }}
- log: {{ .Run.ResultPath }}{{ end }}
{{ if .Tail }}
` + "```" + `
{{ .Tail }}
` + "```" + `
{{ end }}{{ end }}{{ end }}{{ if .Runs }}
## Runs

| Started | Task | Source | Status | Exit | Duration |
|---|---|---|---|---|---|
{{ range .Runs }}| {{ ts .StartedAt }} | {{ .Name }} | {{ .Source }} | {{ .Status }} | {{ .ExitCode }} | {{ dur .Duration }} |
{{ end }}{{ end }}`))

// WriteMarkdown renders r.
func WriteMarkdown(w io.Writer, r *Report) error {
	var buf bytes.Buffer
	if err := markdown.Execute(&buf, r); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
