// internal/models/nutrition.go
package models

import (
	"regexp"
	"strconv"
)

// NutritionData is one analysis result. Macro fields are display tokens such
// as "20g"; use Macros for the numbers.
type NutritionData struct {
	FoodName    string `json:"foodName"`
	Calories    int    `json:"calories"`
	Protein     string `json:"protein"`
	Carbs       string `json:"carbs"`
	Fat         string `json:"fat"`
	Explanation string `json:"explanation"`
}

// ParsedMacros holds macro magnitudes in grams and their share of the total.
type ParsedMacros struct {
	Protein    float64 `json:"protein"`
	Carbs      float64 `json:"carbs"`
	Fat        float64 `json:"fat"`
	ProteinPct float64 `json:"proteinPct"`
	CarbsPct   float64 `json:"carbsPct"`
	FatPct     float64 `json:"fatPct"`
}

var magnitudePattern = regexp.MustCompile(`\d+(\.\d+)?`)

// ParseMagnitude returns the first number found in s, or 0.
func ParseMagnitude(s string) float64 {
	m := magnitudePattern.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return v
}

func (n NutritionData) Macros() ParsedMacros {
	p := ParseMagnitude(n.Protein)
	c := ParseMagnitude(n.Carbs)
	f := ParseMagnitude(n.Fat)

	total := p + c + f
	if total == 0 {
		total = 1
	}

	return ParsedMacros{
		Protein:    p,
		Carbs:      c,
		Fat:        f,
		ProteinPct: p / total * 100,
		CarbsPct:   c / total * 100,
		FatPct:     f / total * 100,
	}
}
