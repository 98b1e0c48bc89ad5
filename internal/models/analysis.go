// internal/models/analysis.go
package models

// DailyAnalysisResult is the model's assessment of one day against the user's
// goal. It is recomputed per request and never stored.
type DailyAnalysisResult struct {
	TotalCalories  int    `json:"totalCalories"`
	GoalAssessment string `json:"goalAssessment"`
	Suggestions    string `json:"suggestions"`
	GoalCompletion string `json:"goalCompletion"`
}
