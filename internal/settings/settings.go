// internal/settings/settings.go
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"silk-kcal/internal/models"
)

const keyPrefix = "silk_kcal_"

// Cache is the durable device-local key/value store.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

func GoalKey(email string) string       { return keyPrefix + "goal_" + email }
func TargetKey(email string) string     { return keyPrefix + "target_" + email }
func OnboardingKey(email string) string { return keyPrefix + "onboarding_" + email }

// SessionKey holds the persisted session token of the device.
const SessionKey = keyPrefix + "session"

// Load reads settings for email. Missing values are filled from the defaults
// and written back, so the first login creates them.
func Load(ctx context.Context, c Cache, email string) (models.Settings, error) {
	s := models.DefaultSettings()

	goal, ok, err := c.Get(ctx, GoalKey(email))
	if err != nil {
		return s, err
	}
	if ok {
		s.Goal = goal
	} else if err := c.Set(ctx, GoalKey(email), s.Goal); err != nil {
		return s, err
	}

	target, ok, err := c.Get(ctx, TargetKey(email))
	if err != nil {
		return s, err
	}
	if ok {
		s.TargetCalories = target
	} else if err := c.Set(ctx, TargetKey(email), s.TargetCalories); err != nil {
		return s, err
	}

	seen, ok, err := c.Get(ctx, OnboardingKey(email))
	if err != nil {
		return s, err
	}
	s.OnboardingSeen = ok && seen == "true"

	return s, nil
}

func SaveGoal(ctx context.Context, c Cache, email, goal string) error {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return fmt.Errorf("goal is required")
	}
	return c.Set(ctx, GoalKey(email), goal)
}

// SaveTargetCalories stores a positive whole number of kilocalories.
func SaveTargetCalories(ctx context.Context, c Cache, email, target string) error {
	target = strings.TrimSpace(target)
	n, err := strconv.Atoi(target)
	if err != nil || n <= 0 {
		return fmt.Errorf("target calories must be a positive integer, got %q", target)
	}
	return c.Set(ctx, TargetKey(email), strconv.Itoa(n))
}

func MarkOnboardingSeen(ctx context.Context, c Cache, email string) error {
	return c.Set(ctx, OnboardingKey(email), "true")
}
