package observability

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rahul/webpilot/internal/task"
	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
	colorGreen    = "\033[32m"
	colorYellow   = "\033[33m"
)

// ------------------------------------------------------------
// Utility
// ------------------------------------------------------------

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

type painter bool

func (p painter) paint(color, s string) string {
	if !p {
		return s
	}
	return color + s + colorReset
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner(w io.Writer) {
	banner := `
 _      __    __    ___  _ __     __
| | /| / /__ / /   / _ \(_) /__  / /_
| |/ |/ / -_) _ \ / ___/ / / _ \/ __/
|__/|__/\__/_.__//_/  /_/_/\___/\__/

      >> instructions in, browser out <<
`
	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := clamp((width-len(l))/2, 0, width)
		fmt.Fprintf(w, "%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

// ------------------------------------------------------------
// Task results
// ------------------------------------------------------------

func statusColor(s task.Status) string {
	switch s {
	case task.StatusSuccess:
		return colorGreen
	case task.StatusPartial:
		return colorYellow
	}
	return colorNeonMag
}

func stepColor(s task.StepStatus) string {
	switch s {
	case task.StepOK:
		return colorGreen
	case task.StepRetriedOK:
		return colorYellow
	case task.StepSkipped:
		return colorPurple
	}
	return colorNeonMag
}

// RenderResult writes a human readable report of res. color enables ANSI
// escapes.
func RenderResult(w io.Writer, res task.TaskResult, color bool) {
	p := painter(color)
	fmt.Fprintf(w, "%s %s  %s  (%s)\n",
		p.paint(colorBold, "Task"),
		res.TaskID,
		p.paint(statusColor(res.Status), string(res.Status)),
		res.Duration().Round(time.Millisecond),
	)
	fmt.Fprintf(w, "  intent: %s %q", res.Intent.Kind, res.Intent.Subject)
	if res.Intent.FallbackUsed {
		fmt.Fprint(w, " (rule-based fallback)")
	}
	fmt.Fprintln(w)

	for _, s := range res.StepResults {
		line := fmt.Sprintf("  [%d] %-10s %s", s.StepIndex, s.Action, p.paint(stepColor(s.Status), string(s.Status)))
		if s.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", s.Attempts)
		}
		if s.Artifact != "" {
			line += " -> " + s.Artifact
		}
		if s.Error != nil {
			line += fmt.Sprintf(" (%s: %s)", s.Error.Kind, truncate(s.Error.Message, 80))
		}
		fmt.Fprintln(w, line)
	}

	if len(res.Records) > 0 {
		width := clamp(termWidth()-20, 30, 100)
		fmt.Fprintf(w, "  %s\n", p.paint(colorBold, strconv.Itoa(len(res.Records))+" records"))
		for i, r := range res.Records {
			extra := ""
			if r.Price != nil {
				extra += " " + strconv.FormatFloat(*r.Price, 'f', -1, 64)
			}
			if r.Rating != nil {
				extra += fmt.Sprintf(" ★%.1f", *r.Rating)
			}
			fmt.Fprintf(w, "  %2d. %s%s\n", i+1, truncate(r.Title, width), p.paint(colorNeonCyan, extra))
			if r.Link != "" {
				fmt.Fprintf(w, "      %s\n", truncate(r.Link, width))
			}
		}
	}

	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "  %s %s %s\n", p.paint(colorYellow, "!"), d.Code, d.Message)
	}
}

// ------------------------------------------------------------
// Live Status
// ------------------------------------------------------------

// RenderStatus formats a one-line summary of the tracker state.
func RenderStatus(s Snapshot, color bool) string {
	p := painter(color)

	pulse := p.paint(colorNeonCyan, "HEALTHY")
	if delta := time.Since(s.LastHeartbeat); delta >= 90*time.Second {
		pulse = p.paint(colorNeonMag, "OFFLINE")
	} else if delta >= 40*time.Second {
		pulse = p.paint(colorPurple, "LAGGING")
	}

	current := "waiting..."
	if len(s.Active) > 0 {
		a := s.Active[0]
		current = truncate(a.Instruction, 25)
		if a.Phase == PhaseRunning && a.Steps > 0 {
			current += fmt.Sprintf(" step %d/%d", a.Step+1, a.Steps)
		}
	}

	return fmt.Sprintf("[%s] %-8s | %s | active=%d done=%d failed=%d | %s",
		s.LastHeartbeat.Format("15:04:05"),
		pulse,
		s.Phase,
		len(s.Active), s.Completed, s.Failed,
		current,
	)
}
