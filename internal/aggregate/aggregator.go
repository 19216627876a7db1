package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/windkeeper/windkeeper/internal/event"
)

// DefaultCacheSize bounds the per-day histogram cache.
const DefaultCacheSize = 256

// Querier is the slice of the event log the aggregator reads.
type Querier interface {
	Query(ctx context.Context, subjectID uuid.UUID, from, to time.Time) ([]event.UsageEvent, error)
}

// Aggregator computes derived stats over the event log. Completed days are
// immutable in an append-only log, so their histograms are cached.
type Aggregator struct {
	log   Querier
	loc   *time.Location
	cache *lru.Cache[string, Histogram]
}

// NewAggregator creates an aggregator over the given event log.
func NewAggregator(log Querier, loc *time.Location) (*Aggregator, error) {
	cache, err := lru.New[string, Histogram](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create histogram cache: %w", err)
	}
	return &Aggregator{log: log, loc: loc, cache: cache}, nil
}

// DailyTotals returns per-day usage totals for the subject across the range.
func (a *Aggregator) DailyTotals(ctx context.Context, subjectID uuid.UUID, from, to time.Time) ([]DailyUsageStat, error) {
	events, err := a.log.Query(ctx, subjectID, from, to)
	if err != nil {
		return nil, err
	}
	return DailyTotals(events, a.loc), nil
}

// HourlyHistogram returns the hourly usage-minute histogram averaged across
// the days in range. Histograms for days already completed at call time are
// served from cache, but only when the query window spans the whole day: a
// window that truncates a day yields a partial fold, and caching or serving
// it would make the result depend on which query ran first.
func (a *Aggregator) HourlyHistogram(ctx context.Context, subjectID uuid.UUID, from, to, now time.Time) (Histogram, error) {
	events, err := a.log.Query(ctx, subjectID, from, to)
	if err != nil {
		return Histogram{}, err
	}

	perDay := HourlyByDay(events, a.loc)
	today := now.In(a.loc).Format(dateFormat)

	var avg Histogram
	if len(perDay) == 0 {
		return avg, nil
	}

	for day, hist := range perDay {
		if day < today && a.coversDay(day, from, to) {
			key := subjectID.String() + "/" + day
			if cached, ok := a.cache.Get(key); ok {
				hist = cached
			} else {
				a.cache.Add(key, hist)
			}
		}
		for h := range hist {
			avg[h] += hist[h]
		}
	}
	n := float64(len(perDay))
	for h := range avg {
		avg[h] /= n
	}
	return avg, nil
}

// coversDay reports whether [from, to] contains the day's entire local span,
// meaning the fold for that day saw every event it could ever see.
func (a *Aggregator) coversDay(day string, from, to time.Time) bool {
	start, err := time.ParseInLocation(dateFormat, day, a.loc)
	if err != nil {
		return false
	}
	end := start.AddDate(0, 0, 1)
	return !from.After(start) && !to.Before(end)
}
