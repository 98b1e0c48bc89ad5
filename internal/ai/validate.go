// internal/ai/validate.go
package ai

import (
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"silk-kcal/internal/models"
)

type fieldKind int

const (
	kindString fieldKind = iota
	kindCount
)

type field struct {
	name string
	kind fieldKind
}

var nutritionSchema = []field{
	{"foodName", kindString},
	{"calories", kindCount},
	{"protein", kindString},
	{"carbs", kindString},
	{"fat", kindString},
	{"explanation", kindString},
}

var dailySchema = []field{
	{"totalCalories", kindCount},
	{"goalAssessment", kindString},
	{"suggestions", kindString},
	{"goalCompletion", kindString},
}

// checkSchema requires every field to be present with the right type and
// rejects fields outside the schema.
func checkSchema(raw string, schema []field) (gjson.Result, error) {
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("%w: not valid JSON", ErrMalformedResponse)
	}
	res := gjson.Parse(raw)
	if !res.IsObject() {
		return gjson.Result{}, fmt.Errorf("%w: expected an object", ErrMalformedResponse)
	}

	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		known[f.name] = true
		v := res.Get(f.name)
		if !v.Exists() {
			return gjson.Result{}, fmt.Errorf("%w: missing %s", ErrMalformedResponse, f.name)
		}
		switch f.kind {
		case kindString:
			if v.Type != gjson.String {
				return gjson.Result{}, fmt.Errorf("%w: %s must be a string", ErrMalformedResponse, f.name)
			}
		case kindCount:
			if v.Type != gjson.Number || v.Num < 0 || v.Num != math.Trunc(v.Num) {
				return gjson.Result{}, fmt.Errorf("%w: %s must be a non-negative integer", ErrMalformedResponse, f.name)
			}
		}
	}

	var extra string
	res.ForEach(func(key, _ gjson.Result) bool {
		if !known[key.String()] {
			extra = key.String()
			return false
		}
		return true
	})
	if extra != "" {
		return gjson.Result{}, fmt.Errorf("%w: unexpected field %s", ErrMalformedResponse, extra)
	}
	return res, nil
}

func parseNutrition(text string) (*models.NutritionData, error) {
	res, err := checkSchema(cleanResponse(text), nutritionSchema)
	if err != nil {
		return nil, err
	}
	return &models.NutritionData{
		FoodName:    res.Get("foodName").String(),
		Calories:    int(res.Get("calories").Int()),
		Protein:     res.Get("protein").String(),
		Carbs:       res.Get("carbs").String(),
		Fat:         res.Get("fat").String(),
		Explanation: res.Get("explanation").String(),
	}, nil
}

func parseDaily(text string) (*models.DailyAnalysisResult, error) {
	res, err := checkSchema(cleanResponse(text), dailySchema)
	if err != nil {
		return nil, err
	}
	return &models.DailyAnalysisResult{
		TotalCalories:  int(res.Get("totalCalories").Int()),
		GoalAssessment: res.Get("goalAssessment").String(),
		Suggestions:    res.Get("suggestions").String(),
		GoalCompletion: res.Get("goalCompletion").String(),
	}, nil
}
