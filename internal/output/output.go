package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tengta119/VoipRecord/internal/collector"
	"github.com/tengta119/VoipRecord/internal/ledger"
	"github.com/tengta119/VoipRecord/internal/recorder"
	"github.com/tengta119/VoipRecord/internal/storage"
)

// Output formats accepted by --format.
const (
	FormatTable = "table"
	FormatYAML  = "yaml"
	FormatJSON  = "json"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// ValidFormat reports whether f is a known output format.
func ValidFormat(f string) bool {
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return true
	}
	return false
}

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintln(f.w, msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintln(f.w, okStyle.Render("✔ ")+msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintln(f.w, warnStyle.Render("! ")+msg)
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintln(f.w, errStyle.Render("✘ ")+msg)
}

// Check prints one doctor line.
func (f *Formatter) Check(name string, ok bool, detail string) {
	mark := okStyle.Render("✔")
	if !ok {
		mark = errStyle.Render("✘")
	}
	fmt.Fprintf(f.w, "  %s %s: %s\n", mark, name, detail)
}

func (f *Formatter) RecordingStarted(sess recorder.Session) {
	fmt.Fprintln(f.w, headerStyle.Render("● Recording")+" "+idStyle.Render(sess.ID))
	fmt.Fprintf(f.w, "  user %s, chunks every %s, screenshots every %s\n",
		sess.Username, sess.AudioChunkInterval, sess.ScreenshotInterval)
}

func (f *Formatter) RecordingStopped(elapsed time.Duration, counts recorder.Counters) {
	fmt.Fprintf(f.w, "%s after %s\n", headerStyle.Render("■ Stopped"), FormatDuration(elapsed))
	for _, ch := range counts.ChannelNames() {
		c := counts.Channels[ch]
		fmt.Fprintf(f.w, "  %s: %d produced, %d uploaded, %d failed\n", ch, c.Produced, c.Uploaded, c.Failed)
	}
	fmt.Fprintf(f.w, "  screenshots: %d uploaded, %d failed\n", counts.ScreenshotsUploaded, counts.ScreenshotsFailed)
}

func (f *Formatter) SessionSummary(s *collector.SessionSummary) {
	fmt.Fprintf(f.w, "%s %s: %d chunks, %d images, %s\n",
		titleStyle.Render("Server summary"), s.SessionID, s.TotalAudioChunks, s.ImagesReceived, s.SessionDuration)
}

func (f *Formatter) SweepResult(r storage.SweepResult) {
	fmt.Fprintf(f.w, "%d files, %s on disk; deleted %d (%s), %d pinned\n",
		r.Files, FormatBytes(r.TotalBytes), r.Deleted, FormatBytes(r.FreedBytes), r.Pinned)
}

// Sessions renders ledger sessions in the given format.
func (f *Formatter) Sessions(format string, sessions []ledger.Session, total int) error {
	if format != FormatTable {
		return f.encode(format, sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(f.w, headerStyle.Render("No sessions recorded"))
		return nil
	}
	fmt.Fprintln(f.w, headerStyle.Render(fmt.Sprintf("%d of %d session(s)", len(sessions), total)))

	tw := tabwriter.NewWriter(f.w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, header("ID", "User", "Started", "Duration", "Uploaded", "Failed", "Images", "Server"))
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = FormatDuration(s.EndedAt.Sub(s.StartedAt))
		}
		server := "-"
		if s.ServerChunks != nil {
			server = strconv.Itoa(*s.ServerChunks)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			idStyle.Render(shortID(s.ID)), s.Username, dateStyle.Render(FormatTime(s.StartedAt)),
			duration, s.ChunksUploaded, s.ChunksFailed, s.Screenshots, server)
	}
	return tw.Flush()
}

// Chunks renders ledger chunk records in the given format.
func (f *Formatter) Chunks(format string, chunks []ledger.Chunk) error {
	if format != FormatTable {
		return f.encode(format, chunks)
	}
	tw := tabwriter.NewWriter(f.w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, header("Channel", "Index", "Status", "Size", "Level", "Error"))
	for _, c := range chunks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.1f dB\t%s\n",
			c.Channel, c.Index, statusStyle(c.Status), FormatBytes(c.SizeBytes), c.LevelDB, c.Error)
	}
	return tw.Flush()
}

// Files renders chunk files found on disk in the given format.
func (f *Formatter) Files(format string, entries []storage.HistoryEntry) error {
	if format != FormatTable {
		return f.encode(format, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(f.w, headerStyle.Render("No chunk files on disk"))
		return nil
	}
	tw := tabwriter.NewWriter(f.w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, header("Session", "Channel", "Index", "User", "Size", "Modified"))
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			idStyle.Render(shortID(e.SessionID)), e.Channel, e.Index, e.Username,
			FormatBytes(e.Size), dateStyle.Render(FormatTime(e.ModTime)))
	}
	return tw.Flush()
}

func (f *Formatter) encode(format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(f.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(f.w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(v)
	}
	return errors.Errorf("unknown format %q", format)
}

func header(cols ...string) string {
	styled := make([]string, len(cols))
	for i, c := range cols {
		styled[i] = titleStyle.Render(c)
	}
	return strings.Join(styled, "\t")
}

func statusStyle(status string) string {
	switch status {
	case ledger.StatusUploaded:
		return okStyle.Render(status)
	case ledger.StatusFailed:
		return errStyle.Render(status)
	}
	return status
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatTime shows recent times relative to today and older ones as dates.
func FormatTime(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	}
	return t.Format("2006-01-02")
}

func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
