// internal/timeline/group.go
package timeline

import (
	"sort"

	"silk-kcal/internal/models"
)

// Day is one date group of the history.
type Day struct {
	Date          string                 `json:"date"`
	Records       []models.HistoryRecord `json:"records"`
	TotalCalories int                    `json:"totalCalories"`
	IsCompleteDay bool                   `json:"isCompleteDay"`
}

// Group partitions records by DateStr. Days are newest first; within a day
// records follow meal precedence, then newest first.
func Group(records []models.HistoryRecord) []Day {
	byDate := make(map[string][]models.HistoryRecord)
	for _, r := range records {
		byDate[r.DateStr] = append(byDate[r.DateStr], r)
	}

	days := make([]Day, 0, len(byDate))
	for date, recs := range byDate {
		sort.SliceStable(recs, func(i, j int) bool {
			ri, rj := recs[i].MealType.Rank(), recs[j].MealType.Rank()
			if ri != rj {
				return ri < rj
			}
			return recs[i].Timestamp > recs[j].Timestamp
		})

		total := 0
		for _, r := range recs {
			total += r.Data.Calories
		}

		days = append(days, Day{
			Date:          date,
			Records:       recs,
			TotalCalories: total,
			IsCompleteDay: IsComplete(recs),
		})
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Date > days[j].Date })
	return days
}

// IsComplete reports whether records hold a breakfast, a lunch and a dinner.
func IsComplete(records []models.HistoryRecord) bool {
	var breakfast, lunch, dinner bool
	for _, r := range records {
		switch r.MealType {
		case models.Breakfast:
			breakfast = true
		case models.Lunch:
			lunch = true
		case models.Dinner:
			dinner = true
		}
	}
	return breakfast && lunch && dinner
}
