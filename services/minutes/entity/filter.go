package entity

import (
	"fmt"
	"sort"
	"time"
)

type Filter string

const (
	FilterAll      Filter = "all"
	FilterUpcoming Filter = "upcoming"
	FilterRecent   Filter = "recent"
	FilterArchived Filter = "archived"
)

func ParseFilter(v string) (Filter, error) {
	switch f := Filter(v); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterUpcoming, FilterRecent, FilterArchived:
		return f, nil
	}
	return "", fmt.Errorf("unknown filter %q", v)
}

type ListOptions struct {
	Filter       Filter
	Now          time.Time
	RecentWindow time.Duration
}

// Match reports whether m belongs to the view described by o.
func (o ListOptions) Match(m *Meeting) bool {
	switch o.Filter {
	case FilterUpcoming:
		return m.ArchivedAt == nil && m.ScheduledAt != nil && m.ScheduledAt.After(o.Now)
	case FilterRecent:
		return m.ArchivedAt == nil && !m.CreatedAt.Before(o.Now.Add(-o.RecentWindow))
	case FilterArchived:
		return m.ArchivedAt != nil
	}
	return true
}

// Sort orders meetings for the view. Ties fall back to the id so that
// listings are stable across stores.
func (o ListOptions) Sort(meetings []*Meeting) {
	sort.SliceStable(meetings, func(i, j int) bool {
		a, b := meetings[i], meetings[j]
		var ta, tb time.Time
		asc := false
		switch o.Filter {
		case FilterUpcoming:
			ta, tb, asc = *a.ScheduledAt, *b.ScheduledAt, true
		case FilterArchived:
			ta, tb = *a.ArchivedAt, *b.ArchivedAt
		default:
			ta, tb = a.CreatedAt, b.CreatedAt
		}
		if !ta.Equal(tb) {
			if asc {
				return ta.Before(tb)
			}
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
}
