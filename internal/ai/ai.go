// internal/ai/ai.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"silk-kcal/internal/models"
)

// ErrMalformedResponse marks a model reply that does not match the expected
// field set exactly.
var ErrMalformedResponse = errors.New("malformed analysis response")

// Analyzer estimates nutrition from a photo or a description and assesses a
// day of records against the user's goal.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, image []byte) (*models.NutritionData, error)
	AnalyzeText(ctx context.Context, description string) (*models.NutritionData, error)
	AnalyzeDaily(ctx context.Context, records []models.HistoryRecord, goal, targetCalories string) (*models.DailyAnalysisResult, error)
}

// UnknownFood is what the model reports when the photo shows no food.
const UnknownFood = "Unknown food"

const systemInstruction = `You are a professional nutritionist.
Analyze food photos and meal descriptions and estimate their nutritional content.
Be concise and accurate.
If there is no food, return "` + UnknownFood + `" as foodName and 0 for every number.`

const nutritionFields = `Return a JSON object with exactly these fields:
- foodName (string): name of the dish
- calories (integer): total kilocalories
- protein (string): grams of protein, e.g. "20g"
- carbs (string): grams of carbohydrates, e.g. "15g"
- fat (string): grams of fat, e.g. "10g"
- explanation (string): a short assessment or tip`

const imagePrompt = "Analyze this photo and identify the food items.\n" + nutritionFields

func textPrompt(description string) string {
	return fmt.Sprintf("Analyze this meal description: %q\n%s", description, nutritionFields)
}

func dailyPrompt(records []models.HistoryRecord, goal, targetCalories string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assess whether the user met their diet goal today based on the records below.\n")
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	fmt.Fprintf(&b, "Daily calorie target: %s kcal\n\n", targetCalories)
	b.WriteString("Records:\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%s: %s (%dkcal, protein:%s, carbs:%s, fat:%s)\n",
			r.MealType, r.Data.FoodName, r.Data.Calories, r.Data.Protein, r.Data.Carbs, r.Data.Fat)
	}
	b.WriteString(`
Return a JSON object with exactly these fields:
- totalCalories (integer): total kilocalories eaten
- goalAssessment (string): short assessment against the goal and target
- suggestions (string): concrete advice for the next meal or tomorrow, under 50 words
- goalCompletion (string): how well the goal was met, e.g. "Goal met"`)
	return b.String()
}

// cleanResponse strips markdown fences and trims to the outermost object.
func cleanResponse(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	response = strings.TrimSpace(response)

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end != -1 && end > start {
		response = response[start : end+1]
	}
	return response
}
