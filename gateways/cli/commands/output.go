package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	config "github.com/xilidan/minutes/config/cli"
	"github.com/xilidan/minutes/gateways/web/handler"
	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/services/minutes/summarize"
)

type printer struct {
	format config.OutputFormat
	w      io.Writer
}

// print writes v as JSON or YAML, or calls text for the text format.
func (p *printer) print(v any, text func(w io.Writer) error) error {
	switch p.format {
	case config.OutputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputYAML:
		// round trip through JSON so YAML keys match the API
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	return text(p.w)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatDuration(seconds *float64) string {
	if seconds == nil {
		return "-"
	}
	return (time.Duration(*seconds * float64(time.Second))).Round(time.Second).String()
}

func writeList(w io.Writer, list *handler.ListResponse) error {
	if len(list.Meetings) == 0 {
		_, err := fmt.Fprintln(w, "No meetings found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSTATUS\tCREATED\tSCHEDULED\tDURATION")
	for _, m := range list.Meetings {
		created := m.CreatedAt
		status := m.Status
		if m.LastErrorKind != "" {
			status += " (" + string(m.LastErrorKind) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Title, status, formatTime(&created), formatTime(m.ScheduledAt), formatDuration(m.DurationSeconds))
	}
	return tw.Flush()
}

func writeStatus(w io.Writer, st *handler.StatusResponse) error {
	if _, err := fmt.Fprintf(w, "%s\t%s\n", st.MeetingID, st.Status); err != nil {
		return err
	}
	if st.LastError != nil {
		resumable := "not retryable"
		if st.LastError.Resumable {
			resumable = "retry with `minutesctl retry " + st.MeetingID + "`"
		}
		_, err := fmt.Fprintf(w, "%s\n%s\n%s\n", st.Reason, st.LastError.Message, resumable)
		return err
	}
	return nil
}

// writeMinutes renders a meeting as markdown.
func writeMinutes(w io.Writer, m *entity.Meeting, withTranscript bool) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", m.Title)
	fmt.Fprintf(&b, "Status: %s\n", m.Status)
	if m.Asset != nil {
		fmt.Fprintf(&b, "Recording: %s (%s)\n", m.Asset.SourceFilename, formatDuration(m.Asset.DurationSeconds))
	}
	if m.LastError != nil {
		fmt.Fprintf(&b, "Last error: %s: %s\n", m.LastError.Kind, m.LastError.Message)
	}

	if m.Minutes != nil {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", strings.TrimSpace(m.Minutes.Summary))

		if len(m.Minutes.Decisions) > 0 {
			b.WriteString("\n## Key Decisions\n\n")
			for _, d := range m.Minutes.Decisions {
				fmt.Fprintf(&b, "- %s\n", d.Text)
			}
		}

		if len(m.Minutes.ActionItems) > 0 {
			b.WriteString("\n## Action Items\n\n")
			for _, a := range m.Minutes.ActionItems {
				fmt.Fprintf(&b, "- [ ] %s", a.Text)
				var meta []string
				if a.Owner != "" {
					meta = append(meta, a.Owner)
				}
				if a.DueDate != "" {
					meta = append(meta, "due "+a.DueDate)
				}
				if len(meta) > 0 {
					fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
				}
				b.WriteString("\n")
			}
		}
	}

	if withTranscript && m.Transcript != nil {
		b.WriteString("\n## Transcript\n\n")
		for _, s := range m.Transcript.Segments {
			b.WriteString(summarize.RenderLine(s))
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
