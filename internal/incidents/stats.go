package incidents

import (
	"time"

	"github.com/bissquit/jobwatch/internal/domain"
)

// workDays is the number of days covered by weekly statistics, Monday to Friday.
const workDays = 5

// WeeklyStats summarizes incident activity of the current working week.
//
// AvgResolveTimeSeconds covers every incident resolved this week, including
// auto-resolved ones nobody responded to: it runs from responded_at when set
// and from first_detected_at otherwise. It is not limited to responded
// incidents, so it can be lower than a responder-only average.
type WeeklyStats struct {
	WeekStart             time.Time `json:"week_start"`
	WeekEnd               time.Time `json:"week_end"`
	TotalThisWeek         int       `json:"total_this_week"`
	ResolvedThisWeek      int       `json:"resolved_this_week"`
	AvgRespondTimeSeconds float64   `json:"avg_respond_time_seconds"`
	AvgResolveTimeSeconds float64   `json:"avg_resolve_time_seconds"`
	DailyCounts           []int     `json:"daily_counts"`
	DailyLabels           []string  `json:"daily_labels"`
}

// WeekWindow returns the Monday 00:00 start of the week containing now in loc and
// the exclusive end, Saturday 00:00.
func WeekWindow(now time.Time, loc *time.Location) (start, end time.Time) {
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	start = time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, workDays)
	return start, end
}

// ComputeWeeklyStats aggregates incidents over the working week containing now.
//
// Respond time is responded_at - first_detected_at for incidents responded in the
// window. Resolve time is resolved_at - responded_at for incidents resolved in the
// window, measured from first_detected_at when the incident was auto-resolved
// without a response.
func ComputeWeeklyStats(list []*domain.Incident, now time.Time, loc *time.Location) *WeeklyStats {
	start, end := WeekWindow(now, loc)

	stats := &WeeklyStats{
		WeekStart:   start,
		WeekEnd:     end.Add(-time.Second),
		DailyCounts: make([]int, workDays),
		DailyLabels: make([]string, workDays),
	}

	dayStarts := make([]time.Time, workDays+1)
	for i := 0; i <= workDays; i++ {
		dayStarts[i] = start.AddDate(0, 0, i)
	}
	for i := 0; i < workDays; i++ {
		stats.DailyLabels[i] = dayStarts[i].Format("Mon")
	}

	inWindow := func(t *time.Time) bool {
		return t != nil && !t.Before(start) && t.Before(end)
	}

	var respondTotal, resolveTotal time.Duration
	var responded, resolved int

	for _, inc := range list {
		detected := inc.FirstDetectedAt
		if inWindow(&detected) {
			stats.TotalThisWeek++
			for d := 0; d < workDays; d++ {
				if detected.Before(dayStarts[d+1]) {
					stats.DailyCounts[d]++
					break
				}
			}
		}

		if inWindow(inc.RespondedAt) {
			respondTotal += inc.RespondedAt.Sub(inc.FirstDetectedAt)
			responded++
		}

		if inWindow(inc.ResolvedAt) {
			stats.ResolvedThisWeek++
			from := inc.FirstDetectedAt
			if inc.RespondedAt != nil {
				from = *inc.RespondedAt
			}
			resolveTotal += inc.ResolvedAt.Sub(from)
			resolved++
		}
	}

	if responded > 0 {
		stats.AvgRespondTimeSeconds = respondTotal.Seconds() / float64(responded)
	}
	if resolved > 0 {
		stats.AvgResolveTimeSeconds = resolveTotal.Seconds() / float64(resolved)
	}

	return stats
}
