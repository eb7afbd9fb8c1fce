package commands

import (
	"fmt"
	"strings"
	"time"
)

// DateTime answers date and time questions.
type DateTime struct {
	now func() time.Time
}

// NewDateTime uses now as the clock, or time.Now when nil.
func NewDateTime(now func() time.Time) *DateTime {
	if now == nil {
		now = time.Now
	}
	return &DateTime{now: now}
}

func (d *DateTime) Name() string  { return "date-time" }
func (d *DateTime) Priority() int { return 3 }

func (d *DateTime) Match(msg string, _ bool, out Output) bool {
	t := d.now()
	switch {
	case HasKeyword(msg, "date", "day"):
		if HasKeyword(msg, "number", "numbers", "numeric") {
			out.Add(fmt.Sprintf("%02d/%d/%d", int(t.Month()), t.Day(), t.Year()))
			return true
		}
		out.Add(fmt.Sprintf("%s, %s %d%s, %d", t.Weekday(), t.Month(), t.Day(), ordinal(t.Day()), t.Year()))
		return true
	case HasKeyword(msg, "time"):
		out.Add(t.Format("15:04"))
		return true
	}
	return false
}

func ordinal(n int) string {
	if n%100 >= 11 && n%100 <= 13 {
		return "th"
	}
	switch n % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}

// Echo answers the connectivity checks "test", "blank" and "echo <text>".
type Echo struct{}

func (Echo) Name() string  { return "echo" }
func (Echo) Priority() int { return 1 }

func (Echo) Match(msg string, _ bool, out Output) bool {
	lower := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case lower == "test":
		out.Add("Everything is working!")
		return true
	case lower == "blank":
		return true
	case strings.HasPrefix(lower, "echo "):
		out.Add(strings.TrimSpace(msg[len("echo "):]))
		return true
	}
	return false
}
