package crawler

import (
	"fmt"
	"strconv"
	"strings"
)

// PageLimitMode selects how many result pages a sweep visits.
type PageLimitMode string

// Page limit modes.
const (
	PageLimitFirst PageLimitMode = "first"
	PageLimitUpTo  PageLimitMode = "up_to"
	PageLimitAll   PageLimitMode = "all"
)

// PageLimit bounds a paginated sweep. N is only meaningful for PageLimitUpTo.
type PageLimit struct {
	Mode PageLimitMode
	N    int
}

// FirstPageOnly visits page 1 only.
func FirstPageOnly() PageLimit { return PageLimit{Mode: PageLimitFirst} }

// UpToN visits at most n pages.
func UpToN(n int) PageLimit { return PageLimit{Mode: PageLimitUpTo, N: n} }

// AllPages visits every page the source reports.
func AllPages() PageLimit { return PageLimit{Mode: PageLimitAll} }

// Effective resolves the number of pages to visit given the reported total.
func (p PageLimit) Effective(total int) int {
	if total < 1 {
		total = 1
	}
	switch p.Mode {
	case PageLimitUpTo:
		if p.N < 1 {
			return 1
		}
		return min(p.N, total)
	case PageLimitAll:
		return total
	default:
		return 1
	}
}

// String renders the limit in the form accepted by ParsePageLimit.
func (p PageLimit) String() string {
	switch p.Mode {
	case PageLimitUpTo:
		return strconv.Itoa(p.N)
	case PageLimitAll:
		return "all"
	default:
		return "first"
	}
}

// ParsePageLimit accepts "first", "all" or a positive page count.
func ParsePageLimit(raw string) (PageLimit, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "first", "first_page":
		return FirstPageOnly(), nil
	case "all", "all_pages":
		return AllPages(), nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return PageLimit{}, fmt.Errorf("invalid page limit %q", raw)
	}
	return UpToN(n), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p PageLimit) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PageLimit) UnmarshalText(text []byte) error {
	parsed, err := ParsePageLimit(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
