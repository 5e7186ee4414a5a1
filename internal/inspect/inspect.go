// Package inspect renders a process view for operators, as tables on a
// terminal and as JSON everywhere else.
package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/pkg/models"
)

// Format selects the output representation.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat accepts auto, table or json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case FormatTable, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want auto, table or json)", s)
	}
}

// Render writes view to w. FormatAuto picks tables for terminals.
func Render(w io.Writer, view *lifecycle.ProcessView, format Format) error {
	if view == nil || view.Process == nil {
		return fmt.Errorf("nothing to render")
	}
	tty := isTerminal(w)
	if format == FormatAuto {
		format = FormatJSON
		if tty {
			format = FormatTable
		}
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case FormatTable:
		_, err := io.WriteString(w, renderView(view, tty))
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderView(view *lifecycle.ProcessView, colorize bool) string {
	var b strings.Builder
	templateName := view.Process.TemplateID
	if view.Template != nil {
		templateName = view.Template.Name
	}
	fmt.Fprintf(&b, "Process   %s\n", view.Process.ID)
	fmt.Fprintf(&b, "Template  %s\n", templateName)
	fmt.Fprintf(&b, "Status    %s\n", statusText(string(view.Process.Status), colorize))
	fmt.Fprintf(&b, "Created   %s by %s\n", stamp(&view.Process.CreatedAt), view.Process.CreatedBy)
	b.WriteString("\n")

	rows := make([]table.Row, 0, len(view.Stages))
	for _, st := range view.Stages {
		marker := ""
		if view.Current != nil && view.Current.ID == st.ID && view.Process.Status != models.ProcessStatusCompleted {
			marker = "►"
		}
		rows = append(rows, table.Row{
			marker,
			st.Order,
			st.Name,
			statusText(string(st.Status), colorize),
			assigneeText(st.Assignee),
			stamp(st.StartedAt),
			stamp(st.CompletedAt),
		})
	}
	b.WriteString(renderTable(table.Row{"", "#", "Stage", "Status", "Assignee", "Started", "Completed"}, rows, map[int]text.Align{2: text.AlignRight}))
	b.WriteString("\n")

	if len(view.Audit) > 0 {
		b.WriteString("\n")
		audit := make([]table.Row, 0, len(view.Audit))
		for _, a := range view.Audit {
			audit = append(audit, table.Row{stamp(&a.At), a.Actor, a.Action})
		}
		b.WriteString(renderTable(table.Row{"At", "Actor", "Action"}, audit, nil))
		b.WriteString("\n")
	}
	return b.String()
}

// renderTable draws rows with a rounded style. aligns maps 1-based column
// numbers to their alignment; unlisted columns are left aligned.
func renderTable(header table.Row, rows []table.Row, aligns map[int]text.Align) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(header)
	tw.AppendRows(rows)

	configs := make([]table.ColumnConfig, 0, len(header))
	for i := range header {
		align := text.AlignLeft
		if a, ok := aligns[i+1]; ok {
			align = a
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func statusText(status string, colorize bool) string {
	if !colorize {
		return status
	}
	switch status {
	case string(models.StageStatusCompleted):
		return text.FgGreen.Sprint(status)
	case string(models.StageStatusInProgress):
		return text.FgYellow.Sprint(status)
	default:
		return text.FgHiBlack.Sprint(status)
	}
}

func assigneeText(assignee *string) string {
	if assignee == nil {
		return "-"
	}
	return *assignee
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}
