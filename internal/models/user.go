// internal/models/user.go
package models

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

const (
	GoalBuildMuscle    = "build muscle"
	GoalLoseWeight     = "lose weight"
	GoalMaintainWeight = "maintain weight"
)

// Goals lists the goals offered in settings.
var Goals = []string{GoalBuildMuscle, GoalLoseWeight, GoalMaintainWeight}

type Settings struct {
	Goal           string `json:"goal"`
	TargetCalories string `json:"targetCalories"`
	OnboardingSeen bool   `json:"onboardingSeen"`
}

func DefaultSettings() Settings {
	return Settings{
		Goal:           GoalMaintainWeight,
		TargetCalories: "2000",
	}
}
