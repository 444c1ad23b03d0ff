package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"kalico-flash/internal/batch"
	"kalico-flash/internal/flasherr"
	"kalico-flash/internal/model"
	"kalico-flash/internal/orchestrator"
	"kalico-flash/internal/status"
)

const (
	colorForeground = "#F8F8F2"
	colorComment    = "#6272A4"
	colorCyan       = "#8BE9FD"
	colorGreen      = "#50FA7B"
	colorOrange     = "#FFB86C"
	colorPink       = "#FF79C6"
	colorRed        = "#FF5555"
	colorYellow     = "#F1FA8C"
)

// Renderer draws listings and results. Colour is dropped automatically
// when the writer is not a terminal.
type Renderer struct {
	r                                         *lipgloss.Renderer
	header, title, ok, warn, bad, dim, accent lipgloss.Style
}

// NewRenderer creates a Renderer for w.
func NewRenderer(w io.Writer) *Renderer {
	r := lipgloss.NewRenderer(w)
	return &Renderer{
		r:      r,
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color(colorCyan)).Padding(0, 1),
		title:  r.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPink)),
		ok:     r.NewStyle().Foreground(lipgloss.Color(colorGreen)),
		warn:   r.NewStyle().Foreground(lipgloss.Color(colorOrange)),
		bad:    r.NewStyle().Foreground(lipgloss.Color(colorRed)),
		dim:    r.NewStyle().Foreground(lipgloss.Color(colorComment)),
		accent: r.NewStyle().Foreground(lipgloss.Color(colorYellow)),
	}
}

func (r *Renderer) table(headers []string, rows [][]string) string {
	cell := r.r.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.dim).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.header
			}
			return cell
		}).
		String()
}

// DeviceState is the one-word connection summary of a row.
func DeviceState(row status.Row) string {
	switch {
	case row.Blocked != "":
		return "blocked"
	case row.Duplicate:
		return "duplicate"
	case !row.Flashable:
		return "excluded"
	case row.BuildOnly:
		return "build only"
	case row.Connected:
		return "ready"
	case row.Transport == model.TransportCAN:
		return "unknown"
	}
	return "missing"
}

func (r *Renderer) state(row status.Row) string {
	s := DeviceState(row)
	switch s {
	case "ready":
		return r.ok.Render(s)
	case "blocked", "duplicate", "missing":
		return r.bad.Render(s)
	}
	return r.warn.Render(s)
}

// Listing renders `kflash list`.
func (r *Renderer) Listing(l *status.Listing) string {
	var b strings.Builder
	title := "Registered devices"
	if l.HostVersion != "" {
		title += r.dim.Render("  host " + l.HostVersion)
	}
	b.WriteString(r.title.Render(title))
	b.WriteString("\n")

	if len(l.Devices) == 0 {
		b.WriteString(r.dim.Render("No devices registered."))
		b.WriteString("\n")
	} else {
		rows := make([][]string, 0, len(l.Devices))
		for _, d := range l.Devices {
			transport := string(d.Transport)
			if d.Role != model.RoleNone {
				transport += "/" + string(d.Role)
			}
			cfg := r.dim.Render("none")
			if d.ConfigCached {
				cfg = d.ConfigAge
				if d.ConfigReview {
					cfg = r.warn.Render(cfg + " (review)")
				}
			}
			version := d.Version
			if d.Outdated {
				version = r.warn.Render(version + " (outdated)")
			}
			rows = append(rows, []string{d.Key, d.Name, d.MCU, transport, d.Method, r.state(d), cfg, version, d.LastFlash})
		}
		b.WriteString(r.table([]string{"Key", "Name", "MCU", "Transport", "Method", "State", "Config", "Version", "Last flash"}, rows))
		b.WriteString("\n")
	}

	for _, d := range l.Devices {
		if d.Problem != "" && d.Flashable && !d.BuildOnly {
			b.WriteString(r.dim.Render(fmt.Sprintf("  %s: %s", d.Key, d.Problem)))
			b.WriteString("\n")
		}
	}

	if len(l.Unregistered) > 0 {
		b.WriteString("\n")
		b.WriteString(r.title.Render("Unregistered devices"))
		b.WriteString("\n")
		for _, u := range l.Unregistered {
			b.WriteString("  " + r.accent.Render(u.Filename) + "\n")
		}
	}
	if len(l.Blocked) > 0 {
		b.WriteString("\n")
		b.WriteString(r.title.Render("Blocked devices"))
		b.WriteString("\n")
		for _, u := range l.Blocked {
			b.WriteString(fmt.Sprintf("  %s %s\n", u.Filename, r.dim.Render("("+u.Reason+")")))
		}
	}
	for _, w := range l.Warnings {
		b.WriteString(r.warn.Render("warning: "+w) + "\n")
	}
	return b.String()
}

// Result renders the outcome of a single device run.
func (r *Renderer) Result(res *orchestrator.Result) string {
	var b strings.Builder
	for _, w := range res.Warnings {
		b.WriteString(r.warn.Render("warning: "+w) + "\n")
	}
	switch res.State {
	case orchestrator.Done:
		verb := "flashed"
		if !res.TouchedHardware {
			verb = "built"
		}
		b.WriteString(r.ok.Render(fmt.Sprintf("%s %s in %s", res.Key, verb, round(res.Duration))))
		if res.Build != nil && res.Build.Accelerated && res.Build.Stats != nil {
			b.WriteString(r.dim.Render(fmt.Sprintf("  ccache %d/%d hits", res.Build.Stats.Hits(), res.Build.Stats.Calls())))
		}
		b.WriteString("\n")
	default:
		b.WriteString(r.bad.Render(fmt.Sprintf("%s %s during %s: %s", res.Key, res.State, res.Phase, res.Reason())))
		b.WriteString("\n")
		if out := res.Output(); out != "" {
			b.WriteString(r.dim.Render(flasherr.Tail(out, 20)))
			b.WriteString("\n")
		}
	}
	if res.Service != nil {
		b.WriteString(r.service(res.Service.Degraded(), res.Service.RestartErr))
	}
	return b.String()
}

// Report renders a batch summary.
func (r *Renderer) Report(rep *batch.Report) string {
	var b strings.Builder
	if len(rep.Results) > 0 {
		rows := make([][]string, 0, len(rep.Results))
		for _, res := range rep.Results {
			state := string(res.State)
			switch res.State {
			case orchestrator.Done:
				state = r.ok.Render(state)
			case orchestrator.Skipped:
				state = r.warn.Render(state)
			default:
				state = r.bad.Render(state)
			}
			rows = append(rows, []string{res.Key, state, res.Phase, round(res.Duration).String(), res.Reason()})
		}
		b.WriteString(r.table([]string{"Device", "Result", "Phase", "Time", "Detail"}, rows))
		b.WriteString("\n")
	}
	for _, ex := range rep.Excluded {
		b.WriteString(r.dim.Render(fmt.Sprintf("  skipped %s: %s", ex.Key, ex.Reason)))
		b.WriteString("\n")
	}
	if rep.Err != nil {
		b.WriteString(r.bad.Render(rep.Err.Error()))
		b.WriteString("\n")
	}
	passed, failed, skipped := rep.Counts()
	summary := fmt.Sprintf("%d passed, %d failed, %d skipped in %s", passed, failed, skipped, round(rep.Duration))
	if rep.OK() {
		b.WriteString(r.ok.Render(summary))
	} else {
		b.WriteString(r.warn.Render(summary))
	}
	b.WriteString("\n")
	if rep.Service != nil {
		b.WriteString(r.service(rep.Service.Degraded(), rep.Service.RestartErr))
	}
	return b.String()
}

func (r *Renderer) service(degraded bool, err error) string {
	if !degraded {
		return ""
	}
	msg := "the firmware host service was not restarted"
	if err != nil {
		msg += ": " + err.Error()
	}
	return r.bad.Render(msg+"; start it by hand") + "\n"
}

func round(d time.Duration) time.Duration {
	return d.Round(100 * time.Millisecond)
}
