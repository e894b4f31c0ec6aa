package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chanwatch/internal/broadcast"
)

// parseInterval reads operator-entered intervals. Accepts day shorthand
// ("2d") on top of Go duration syntax ("30s", "5m", "1h30m").
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty interval")
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseFloat(n, 64)
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	return d, nil
}

// formatDuration renders a duration for operators: "45s", "5m", "1h30m",
// "2d3h". Sub-second noise is dropped.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	s := d - m*time.Minute

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 && days == 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s > 0 && days == 0 && h == 0 {
		fmt.Fprintf(&b, "%ds", s/time.Second)
	}
	if b.Len() == 0 {
		return "0s"
	}
	return b.String()
}

// maxReportedFailures caps how many failed targets a delivery summary
// names; the rest fold into an overflow count.
const maxReportedFailures = 5

func formatReport(rep broadcast.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📬 Delivered to %d of %d channel(s)", rep.Successful, rep.TargetCount)
	if rep.Elapsed > 0 {
		fmt.Fprintf(&b, " in %s", formatDuration(rep.Elapsed))
	}
	b.WriteByte('.')
	if rep.Failed == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "\n⚠️ %d failed:", rep.Failed)
	for i, f := range rep.Failures {
		if i == maxReportedFailures {
			fmt.Fprintf(&b, "\n…and %d more", len(rep.Failures)-maxReportedFailures)
			break
		}
		fmt.Fprintf(&b, "\n• %s: %s", f.Name, f.Err)
	}
	return b.String()
}

// normalizeAddress validates and canonicalizes an operator-entered channel
// address: "@handle" or a numeric chat id.
func normalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "@") {
		if len(s) < 2 {
			return "", errors.New("That handle looks empty.")
		}
		return s, nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return s, nil
	}
	// Tolerate t.me links the way operators paste them.
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok && rest != "" {
			return "@" + rest, nil
		}
	}
	return "", errors.New("Use @handle or a numeric chat id.")
}
