package coordinator

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"wifitester/internal/model"
)

var periodRe = regexp.MustCompile(`^(\d+)(m|h)?$`)

// filter selects trials the way the dashboard's query flags do. The
// conditions are OR-ed; an empty filter selects everything.
type filter struct {
	active   bool
	period   *time.Duration
	complete bool
	limit    int // 0 means unlimited
}

func (f filter) empty() bool {
	return !f.active && f.period == nil && !f.complete
}

func (f filter) match(t model.Trial, now time.Time, reportingTimeout time.Duration) bool {
	if f.empty() {
		return true
	}
	age := now.Sub(time.Unix(t.Timestamp, 0))
	if f.active && !t.Complete() && age < reportingTimeout {
		return true
	}
	if f.period != nil && t.Complete() && age < *f.period {
		return true
	}
	return f.complete && t.Complete()
}

func parseFilter(q url.Values) (filter, error) {
	var f filter
	var err error

	if f.active, err = parseFlag(q.Get("active")); err != nil {
		return f, err
	}
	if f.complete, err = parseFlag(q.Get("complete")); err != nil {
		return f, err
	}

	if raw := q.Get("period"); raw != "" {
		d, err := parsePeriod(raw)
		if err != nil {
			return f, err
		}
		f.period = &d
	}
	if f.complete && f.period != nil && *f.period > 0 {
		return f, fmt.Errorf("complete and period are mutually exclusive")
	}

	if raw := q.Get("limit"); raw != "" {
		if f.limit, err = strconv.Atoi(raw); err != nil || f.limit < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
	}
	return f, nil
}

func parseFlag(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "on":
		return true, nil
	case "0", "false", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid flag value %q", raw)
	}
}

// parsePeriod accepts "<n>", "<n>m" or "<n>h"; bare numbers are seconds.
func parsePeriod(raw string) (time.Duration, error) {
	m := periodRe.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return 0, fmt.Errorf("invalid period %q", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid period %q", raw)
	}
	unit := time.Second
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(n) * unit, nil
}
