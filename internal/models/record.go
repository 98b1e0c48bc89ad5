// internal/models/record.go
package models

import (
	"fmt"
	"time"
)

type MealType string

const (
	Breakfast MealType = "breakfast"
	Lunch     MealType = "lunch"
	Dinner    MealType = "dinner"
	Snack     MealType = "snack"
)

// MealTypes lists every meal type in display order.
var MealTypes = []MealType{Breakfast, Lunch, Dinner, Snack}

// DateLayout is the grouping key format of HistoryRecord.DateStr.
const DateLayout = "2006-01-02"

func ParseMealType(s string) (MealType, error) {
	for _, mt := range MealTypes {
		if string(mt) == s {
			return mt, nil
		}
	}
	return "", fmt.Errorf("unknown meal type %q", s)
}

// Rank orders meal types for display. Unknown values sort last.
func (m MealType) Rank() int {
	for i, mt := range MealTypes {
		if mt == m {
			return i
		}
	}
	return 99
}

func (m MealType) Valid() bool {
	return m.Rank() < len(MealTypes)
}

// SuggestMealType picks a default category from the hour of day.
func SuggestMealType(hour int) MealType {
	switch {
	case hour >= 5 && hour < 10:
		return Breakfast
	case hour >= 11 && hour < 14:
		return Lunch
	case hour >= 17 && hour < 21:
		return Dinner
	default:
		return Snack
	}
}

type HistoryRecord struct {
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"` // epoch millis
	DateStr   string        `json:"dateStr"`
	MealType  MealType      `json:"mealType"`
	Data      NutritionData `json:"data"`
}

// NewRecord stamps a record with t, deriving DateStr in loc.
func NewRecord(id string, t time.Time, loc *time.Location, mealType MealType, data NutritionData) HistoryRecord {
	r := HistoryRecord{ID: id, MealType: mealType, Data: data}
	r.Stamp(t, loc)
	return r
}

// Stamp sets Timestamp and DateStr from t.
func (r *HistoryRecord) Stamp(t time.Time, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	r.Timestamp = t.UnixMilli()
	r.DateStr = t.In(loc).Format(DateLayout)
}
