package analytics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const weekLayout = "2006-01-02"

var errEmptyWindow = errors.New("window end is before window start")

// Week identifies an ISO week by the Monday it starts on (midnight UTC).
// The zero value is not a valid week.
type Week struct {
	start time.Time
}

// WeekOf returns the week containing the calendar day of t.
func WeekOf(t time.Time) Week {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return Week{start: day.AddDate(0, 0, -offset)}
}

// ParseWeek parses a YYYY-MM-DD date and returns the week containing it.
func ParseWeek(s string) (Week, error) {
	t, err := time.Parse(weekLayout, strings.TrimSpace(s))
	if err != nil {
		return Week{}, fmt.Errorf("parse week %q: %w", s, err)
	}
	return WeekOf(t), nil
}

// ParseISOWeek parses the YYYYWW form used by the isoYearIsoWeek dimension.
func ParseISOWeek(s string) (Week, error) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return Week{}, fmt.Errorf("parse iso week %q: want YYYYWW", s)
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return Week{}, fmt.Errorf("parse iso week %q: %w", s, err)
	}
	num, err := strconv.Atoi(s[4:])
	if err != nil {
		return Week{}, fmt.Errorf("parse iso week %q: %w", s, err)
	}
	if num < 1 || num > 53 {
		return Week{}, fmt.Errorf("parse iso week %q: week %d out of range", s, num)
	}

	// January 4th always falls in ISO week 1.
	w := WeekOf(time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC))
	w.start = w.start.AddDate(0, 0, 7*(num-1))
	if y, n := w.start.ISOWeek(); y != year || n != num {
		return Week{}, fmt.Errorf("parse iso week %q: year %d has no week %d", s, year, num)
	}
	return w, nil
}

// MustParseWeek is ParseWeek for literals; it panics on error.
func MustParseWeek(s string) Week {
	w, err := ParseWeek(s)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Week) Start() time.Time { return w.start }

// End returns the Sunday closing the week.
func (w Week) End() time.Time { return w.start.AddDate(0, 0, 6) }

func (w Week) IsZero() bool { return w.start.IsZero() }

func (w Week) Next() Week { return Week{start: w.start.AddDate(0, 0, 7)} }

func (w Week) Prev() Week { return Week{start: w.start.AddDate(0, 0, -7)} }

func (w Week) Before(o Week) bool { return w.start.Before(o.start) }

func (w Week) Compare(o Week) int { return w.start.Compare(o.start) }

func (w Week) String() string {
	if w.IsZero() {
		return ""
	}
	return w.start.Format(weekLayout)
}

func (w Week) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

func (w *Week) UnmarshalText(b []byte) error {
	parsed, err := ParseWeek(string(b))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// Window is an inclusive, contiguous range of weeks.
type Window struct {
	From Week `json:"from"`
	To   Week `json:"to"`
}

// NewWindow builds the window spanning the weeks that contain from and to.
func NewWindow(from, to time.Time) (Window, error) {
	w := Window{From: WeekOf(from), To: WeekOf(to)}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// TrailingWindow returns the n weeks ending with the week containing now.
func TrailingWindow(now time.Time, n int) Window {
	if n < 1 {
		n = 1
	}
	to := WeekOf(now)
	return Window{
		From: Week{start: to.start.AddDate(0, 0, -7*(n-1))},
		To:   to,
	}
}

// ParseWindow parses two YYYY-MM-DD dates into the window of weeks
// containing them. Both must be set.
func ParseWindow(from, to string) (Window, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return Window{}, errors.New("window needs both a start and an end date")
	}
	f, err := ParseWeek(from)
	if err != nil {
		return Window{}, err
	}
	t, err := ParseWeek(to)
	if err != nil {
		return Window{}, err
	}
	w := Window{From: f, To: t}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return errors.New("window bounds are required")
	}
	if w.To.Before(w.From) {
		return fmt.Errorf("%w: %s > %s", errEmptyWindow, w.From, w.To)
	}
	return nil
}

// Weeks lists every week of the window in ascending order.
func (w Window) Weeks() []Week {
	if w.Validate() != nil {
		return nil
	}
	var weeks []Week
	for cur := w.From; !w.To.Before(cur); cur = cur.Next() {
		weeks = append(weeks, cur)
	}
	return weeks
}

func (w Window) Len() int { return len(w.Weeks()) }

func (w Window) Contains(wk Week) bool {
	return !wk.Before(w.From) && !w.To.Before(wk)
}

// StartDate is the first day of the window.
func (w Window) StartDate() time.Time { return w.From.Start() }

// EndDate is the last day of the window.
func (w Window) EndDate() time.Time { return w.To.End() }

func (w Window) String() string {
	return w.From.String() + ".." + w.To.String()
}
