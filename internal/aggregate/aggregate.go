// Package aggregate derives daily totals and hourly histograms from the
// event log. Everything here is a pure fold: identical logs produce
// identical output regardless of call order or batching.
package aggregate

import (
	"sort"
	"time"

	"github.com/windkeeper/windkeeper/internal/event"
)

const dateFormat = "2006-01-02"

// DailyUsageStat is a derived per-day total. It is always a cache,
// rebuildable from the event log, never a source of truth.
type DailyUsageStat struct {
	Date         string `json:"date"`
	TotalSeconds int64  `json:"total_seconds"`
}

// Histogram holds per-hour usage minutes for a day (or averaged over days).
type Histogram [24]float64

// DailyTotals groups usage_threshold events by local calendar day and takes
// the last cumulative-seconds value per day: the external reporter's counter
// resets at day boundaries, so the last reading is the day's total.
func DailyTotals(events []event.UsageEvent, loc *time.Location) []DailyUsageStat {
	totals := make(map[string]int64)
	for _, ev := range events {
		if ev.Kind != event.KindUsageThreshold {
			continue
		}
		day := ev.Timestamp.In(loc).Format(dateFormat)
		totals[day] = ev.CumulativeSeconds
	}

	stats := make([]DailyUsageStat, 0, len(totals))
	for day, secs := range totals {
		stats = append(stats, DailyUsageStat{Date: day, TotalSeconds: secs})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date < stats[j].Date })
	return stats
}

// HourlyByDay computes a per-day histogram of usage minutes per hour. For
// each day, deltas between consecutive usage_threshold readings are assigned
// to the hour of the later reading. Negative deltas indicate a mid-day
// counter reset and are discarded rather than treated as negative usage.
func HourlyByDay(events []event.UsageEvent, loc *time.Location) map[string]Histogram {
	type reading struct {
		ts  time.Time
		cum int64
	}
	byDay := make(map[string][]reading)
	for _, ev := range events {
		if ev.Kind != event.KindUsageThreshold {
			continue
		}
		local := ev.Timestamp.In(loc)
		day := local.Format(dateFormat)
		byDay[day] = append(byDay[day], reading{ts: local, cum: ev.CumulativeSeconds})
	}

	out := make(map[string]Histogram, len(byDay))
	for day, readings := range byDay {
		sort.Slice(readings, func(i, j int) bool { return readings[i].ts.Before(readings[j].ts) })

		var hist Histogram
		var prev int64
		for i, r := range readings {
			delta := r.cum
			if i > 0 {
				delta = r.cum - prev
			}
			prev = r.cum
			if delta < 0 {
				continue
			}
			hist[r.ts.Hour()] += float64(delta) / 60.0
		}
		out[day] = hist
	}
	return out
}

// HourlyHistogram averages the per-day histograms across all days present in
// the given events. An empty log yields a zero histogram.
func HourlyHistogram(events []event.UsageEvent, loc *time.Location) Histogram {
	perDay := HourlyByDay(events, loc)
	var avg Histogram
	if len(perDay) == 0 {
		return avg
	}
	for _, hist := range perDay {
		for h := range hist {
			avg[h] += hist[h]
		}
	}
	n := float64(len(perDay))
	for h := range avg {
		avg[h] /= n
	}
	return avg
}
